// Package merge defines the contract between the resource registry and the
// engines that reconcile concurrent edits, plus the engines that ship with
// the server. Engines are selected by the Merge-Type header.
package merge

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// DefaultType is the engine used when a resource does not ask for one.
const DefaultType = SimpletonType

// Engine reconciles edits to one resource. Positions and ranges count
// runes. Engines are not safe for concurrent use; callers serialize access.
type Engine interface {
	MergeType() string
	AddInsert(pos int, text string)
	AddInsertRemote(agentID string, pos int, text string)
	// AddDelete removes the half open range [start, end).
	AddDelete(start, end int)
	AddDeleteRemote(agentID string, start, end int)
	Content() string
	IsEmpty() bool
	// ExportOperations returns the state together with the operation log.
	ExportOperations() Snapshot
	// Checkpoint returns the state without the operation log.
	Checkpoint() Snapshot
	// MergeQuality scores the engine's confidence in its merges, 0-100.
	MergeQuality() int
}

// Op is one recorded edit.
type Op struct {
	Kind  string `json:"kind"`
	Agent string `json:"agent"`
	Seq   uint64 `json:"seq"`
	Pos   int    `json:"pos"`
	End   int    `json:"end,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Op kinds.
const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// Snapshot is the exported state of an engine.
type Snapshot struct {
	MergeType  string            `json:"merge_type"`
	AgentID    string            `json:"agent_id"`
	Content    string            `json:"content"`
	Frontier   map[string]uint64 `json:"frontier,omitempty"`
	Operations int               `json:"operations"`
	Ops        []Op              `json:"ops,omitempty"`
}

// Factory creates an engine whose local edits are attributed to agentID.
type Factory func(agentID string) Engine

var (
	mu        sync.RWMutex
	factories = map[string]Factory{
		SimpletonType: NewSimpleton,
		LWWType:       NewLWW,
	}
)

// Register makes an engine available under name. It panics if name is
// already taken, mirroring database/sql.Register.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("merge: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("merge: Register called twice for %q", name))
	}
	factories[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Types lists the registered engine names in sorted order.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Sorted(maps.Keys(factories))
}

// clamp bounds pos to [0, n] and reports whether it had to.
func clamp(pos, n int) (int, bool) {
	switch {
	case pos < 0:
		return 0, true
	case pos > n:
		return n, true
	}
	return pos, false
}

func splice(text []rune, start, end int, insert []rune) []rune {
	out := make([]rune, 0, len(text)-(end-start)+len(insert))
	out = append(out, text[:start]...)
	out = append(out, insert...)
	return append(out, text[end:]...)
}
