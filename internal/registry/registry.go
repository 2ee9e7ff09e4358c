// Package registry keeps one merge engine per resource and serializes the
// edits applied to it.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"gihan9a/braidhttp/internal/utils"
	"gihan9a/braidhttp/pkg/braidproto"
	"gihan9a/braidhttp/pkg/merge"
)

// ErrUnknownMergeType is returned in strict mode for a Merge-Type without a
// registered engine.
var ErrUnknownMergeType = errors.New("unknown merge type")

// VersionFunc derives the version following parent from the content it
// holds. parent is empty for the first version of a resource. The result
// must not be empty.
type VersionFunc func(parent braidproto.Version, content string) braidproto.Version

// NextVersion is the default VersionFunc: the content hash for a first
// version, and the hash of the parent version and the content after that.
// Returning to earlier content therefore names a new point in history.
func NextVersion(parent braidproto.Version, content string) braidproto.Version {
	if parent == "" {
		return braidproto.Version(utils.CalculateHash([]byte(content)))
	}
	return braidproto.Version(utils.CalculateHash([]byte(string(parent) + "\n" + content)))
}

// Snapshot is the state of a resource at one version.
type Snapshot struct {
	merge.Snapshot
	Resource string                 `json:"resource"`
	Version  braidproto.Version     `json:"version"`
	Parents  braidproto.VersionList `json:"parents,omitempty"`
	LastSync time.Time              `json:"last_sync"`
	Quality  int                    `json:"merge_quality"`
	// Base is the version an edit was applied on top of. Only set on
	// snapshots returned by edits.
	Base braidproto.Version `json:"-"`
}

// Resource is the shared state of one resource. The registry hands out the
// same *Resource to every caller asking for the same id.
type Resource struct {
	id       string
	mu       sync.RWMutex
	engine   merge.Engine
	lastSync time.Time
	version  braidproto.Version
	parents  braidproto.VersionList
}

// ID returns the resource identifier.
func (r *Resource) ID() string { return r.id }

// Version returns the current version, empty for a resource never edited.
func (r *Resource) Version() braidproto.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// MergeType returns the engine type chosen when the resource was created.
func (r *Resource) MergeType() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.MergeType()
}

// Snapshot returns the current state without the operation log.
func (r *Resource) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(r.engine.Checkpoint())
}

func (r *Resource) snapshotLocked(s merge.Snapshot) Snapshot {
	return Snapshot{
		Snapshot: s,
		Resource: r.id,
		Version:  r.version,
		Parents:  slices.Clone(r.parents),
		LastSync: r.lastSync,
		Quality:  r.engine.MergeQuality(),
	}
}

// Registry maps resource ids to resources. A *Registry may be shared freely;
// all copies of the pointer see the same resources.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*Resource

	clock       clockwork.Clock
	logger      *zap.Logger
	versionOf   VersionFunc
	defaultType string
	strict      bool
}

// Opt configures a Registry.
type Opt func(*Registry)

// WithClock sets the clock used for last sync timestamps.
func WithClock(clock clockwork.Clock) Opt {
	return func(r *Registry) { r.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(r *Registry) { r.logger = logger }
}

// WithVersionFunc replaces NextVersion.
func WithVersionFunc(f VersionFunc) Opt {
	return func(r *Registry) { r.versionOf = f }
}

// WithDefaultMergeType sets the engine used when none is requested or the
// requested one is unknown.
func WithDefaultMergeType(name string) Opt {
	return func(r *Registry) { r.defaultType = name }
}

// WithStrictMergeType makes unknown merge types an error instead of falling
// back to the default engine.
func WithStrictMergeType(strict bool) Opt {
	return func(r *Registry) { r.strict = strict }
}

// New creates an empty registry.
func New(opts ...Opt) *Registry {
	r := &Registry{
		resources:   make(map[string]*Resource),
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		versionOf:   NextVersion,
		defaultType: merge.DefaultType,
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, ok := merge.Lookup(r.defaultType); !ok {
		r.logger.Warn("unknown default merge type, using built-in default",
			zap.String("merge_type", r.defaultType),
			zap.String("default", merge.DefaultType),
		)
		r.defaultType = merge.DefaultType
	}
	return r
}

// DefaultMergeType returns the engine used for new resources.
func (r *Registry) DefaultMergeType() string { return r.defaultType }

// Get returns the resource without creating it.
func (r *Registry) Get(id string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	return res, ok
}

// GetOrCreate returns the resource, creating it with the default engine on
// first use. Concurrent first calls for one id create exactly one resource.
func (r *Registry) GetOrCreate(id, agentID string) *Resource {
	res, _, _ := r.getOrCreate(id, agentID, r.defaultType)
	return res
}

// GetOrCreateWithMergeType is GetOrCreate with the engine chosen by name.
// The engine of an existing resource is never changed. An unknown name falls
// back to the default engine unless the registry is strict.
func (r *Registry) GetOrCreateWithMergeType(id, agentID, mergeType string) (*Resource, error) {
	if mergeType == "" {
		mergeType = r.defaultType
	}
	if _, ok := merge.Lookup(mergeType); !ok {
		if r.strict {
			return nil, fmt.Errorf("%w %q", ErrUnknownMergeType, mergeType)
		}
		r.logger.Warn("unknown merge type, substituting default",
			zap.String("resource", id),
			zap.String("merge_type", mergeType),
			zap.String("default", r.defaultType),
		)
		mergeType = r.defaultType
	}
	res, _, err := r.getOrCreate(id, agentID, mergeType)
	return res, err
}

func (r *Registry) getOrCreate(id, agentID, mergeType string) (*Resource, bool, error) {
	if res, ok := r.Get(id); ok {
		return res, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[id]; ok {
		return res, false, nil
	}
	factory, ok := merge.Lookup(mergeType)
	if !ok {
		return nil, false, fmt.Errorf("%w %q", ErrUnknownMergeType, mergeType)
	}
	res := &Resource{
		id:       id,
		engine:   factory(agentID),
		lastSync: r.clock.Now(),
	}
	r.resources[id] = res
	r.logger.Debug("resource created",
		zap.String("resource", id),
		zap.String("merge_type", mergeType),
		zap.String("agent", agentID),
	)
	return res, true, nil
}

// Apply runs fn with exclusive access to the resource's engine, creating the
// resource if needed, and returns the resulting state with the operation
// log. The version moves forward whenever the content changed, even when fn
// fails part way.
func (r *Registry) Apply(id, agentID string, fn func(merge.Engine) error) (Snapshot, error) {
	return r.apply(r.GetOrCreate(id, agentID), fn)
}

func (r *Registry) apply(res *Resource, fn func(merge.Engine) error) (Snapshot, error) {
	res.mu.Lock()
	defer res.mu.Unlock()

	base := res.version
	before := res.engine.Content()
	err := fn(res.engine)
	if after := res.engine.Content(); after != before || base == "" {
		next := r.versionOf(base, after)
		// A hash collision with the parent would hide the edit.
		for salt := 1; next == base; salt++ {
			next = r.versionOf(base+braidproto.Version("#"+strconv.Itoa(salt)), after)
		}
		res.parents = nil
		if base != "" {
			res.parents = braidproto.VersionList{base}
		}
		res.version = next
	}
	res.lastSync = r.clock.Now()

	snap := res.snapshotLocked(res.engine.ExportOperations())
	snap.Base = base
	return snap, err
}

// ApplyUpdate inserts content at the start of the resource on behalf of agentID.
func (r *Registry) ApplyUpdate(id, content, agentID string) (Snapshot, error) {
	return r.Apply(id, agentID, func(e merge.Engine) error {
		e.AddInsertRemote(agentID, 0, content)
		return nil
	})
}

// ApplyRemoteInsert inserts text at pos on behalf of agentID.
func (r *Registry) ApplyRemoteInsert(id, agentID string, pos int, text string) (Snapshot, error) {
	return r.Apply(id, agentID, func(e merge.Engine) error {
		e.AddInsertRemote(agentID, pos, text)
		return nil
	})
}

// ApplyRemoteDelete deletes [start, end) on behalf of agentID.
func (r *Registry) ApplyRemoteDelete(id, agentID string, start, end int) (Snapshot, error) {
	return r.Apply(id, agentID, func(e merge.Engine) error {
		e.AddDeleteRemote(agentID, start, end)
		return nil
	})
}

// ReplaceContent swaps the whole content in one edit.
func (r *Registry) ReplaceContent(id, content, agentID string) (Snapshot, error) {
	return r.Apply(id, agentID, func(e merge.Engine) error {
		Replace(e, agentID, content)
		return nil
	})
}

// Replace swaps the engine's content for content, skipping the edit when
// nothing changes. Registers take the new value in a single write.
func Replace(e merge.Engine, agentID, content string) {
	current := e.Content()
	if current == content {
		return
	}
	if v, ok := e.(merge.ValueEngine); ok {
		v.Set(agentID, content)
		return
	}
	if n := len([]rune(current)); n > 0 {
		e.AddDeleteRemote(agentID, 0, n)
	}
	e.AddInsertRemote(agentID, 0, content)
}

// Restore recreates a resource from a persisted snapshot. Existing resources
// are left alone.
func (r *Registry) Restore(snap Snapshot) (*Resource, error) {
	res, created, err := r.getOrCreate(snap.Resource, snap.AgentID, snap.MergeType)
	if err != nil {
		return nil, err
	}
	if !created {
		return res, nil
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	v, isValue := res.engine.(merge.ValueEngine)
	switch {
	case isValue && len(snap.Frontier) == 1:
		// Keep the stamp, so writes older than the saved value still lose.
		for agent, clock := range snap.Frontier {
			v.Merge(agent, clock, snap.Content)
		}
	case snap.Content != "":
		res.engine.AddInsert(0, snap.Content)
	}
	res.version = snap.Version
	res.parents = slices.Clone(snap.Parents)
	if !snap.LastSync.IsZero() {
		res.lastSync = snap.LastSync
	}
	return res, nil
}

// GetResourceState returns a resource's state without creating it.
func (r *Registry) GetResourceState(id string) (Snapshot, bool) {
	res, ok := r.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return res.Snapshot(), true
}

// GetMergeQuality returns a resource's merge quality without creating it.
func (r *Registry) GetMergeQuality(id string) (int, bool) {
	res, ok := r.Get(id)
	if !ok {
		return 0, false
	}
	res.mu.RLock()
	defer res.mu.RUnlock()
	return res.engine.MergeQuality(), true
}

// ListResources returns the ids of all resources, sorted.
func (r *Registry) ListResources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.resources))
}
