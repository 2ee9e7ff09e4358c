package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteInsertsCommute(t *testing.T) {
	for _, name := range Types() {
		t.Run(name, func(t *testing.T) {
			factory, ok := Lookup(name)
			require.True(t, ok)

			forward := factory("server")
			forward.AddInsertRemote("A", 0, "hello")
			forward.AddInsertRemote("B", 5, " world")

			reverse := factory("server")
			reverse.AddInsertRemote("B", 5, " world")
			reverse.AddInsertRemote("A", 0, "hello")

			assert.Equal(t, "hello world", forward.Content())
			assert.Equal(t, forward.Content(), reverse.Content())
		})
	}
}

func TestSimpletonEdits(t *testing.T) {
	e := NewSimpleton("alice")
	assert.True(t, e.IsEmpty())
	assert.Equal(t, SimpletonType, e.MergeType())

	e.AddInsert(0, "héllo")
	e.AddInsert(5, "!")
	e.AddDelete(1, 2)
	e.AddInsertRemote("bob", 1, "e")
	assert.Equal(t, "hello!", e.Content())
	assert.Equal(t, 100, e.MergeQuality())

	snap := e.ExportOperations()
	assert.Equal(t, "alice", snap.AgentID)
	assert.Equal(t, 4, snap.Operations)
	assert.Equal(t, map[string]uint64{"alice": 3, "bob": 1}, snap.Frontier)
	require.Len(t, snap.Ops, 4)
	assert.Equal(t, Op{Kind: OpDelete, Agent: "alice", Seq: 3, Pos: 1, End: 2}, snap.Ops[2])

	cp := e.Checkpoint()
	assert.Empty(t, cp.Ops)
	assert.Equal(t, snap.Content, cp.Content)
}

func TestSimpletonQualityDropsOnClamping(t *testing.T) {
	e := NewSimpleton("server")
	e.AddInsertRemote("a", 3, "abc")
	assert.Equal(t, "abc", e.Content())
	assert.Equal(t, 90, e.MergeQuality())

	e.AddDeleteRemote("a", 1, 10)
	assert.Equal(t, "a", e.Content())
	assert.Equal(t, 80, e.MergeQuality())

	e.AddInsert(-4, "x")
	assert.Equal(t, "xa", e.Content())
	assert.Equal(t, 80, e.MergeQuality(), "local edits do not count")

	for i := 0; i < 20; i++ {
		e.AddDeleteRemote("b", 5, 1)
	}
	assert.Equal(t, 0, e.MergeQuality())
	assert.Equal(t, "xa", e.Content())
}

func TestLWWPositionalEdits(t *testing.T) {
	e := NewLWW("server")
	e.AddInsertRemote("a", 0, "first")
	e.AddDeleteRemote("b", 0, 5)
	e.AddInsertRemote("b", 0, "second")

	snap := e.ExportOperations()
	assert.Equal(t, "second", snap.Content)
	assert.Equal(t, LWWType, snap.MergeType)
	assert.Equal(t, map[string]uint64{"b": 3}, snap.Frontier)
	assert.Equal(t, 3, snap.Operations)
	assert.Empty(t, snap.Ops)
	assert.Equal(t, 100, e.MergeQuality())
}

func TestLWWMerge(t *testing.T) {
	e := NewLWW("server").(*LWW)
	e.Set("a", "from a")
	require.Equal(t, map[string]uint64{"a": 1}, e.Checkpoint().Frontier)

	// Same clock: the agent id decides, the same way on every replica.
	assert.True(t, e.Merge("b", 1, "from b"))
	assert.Equal(t, "from b", e.Content())
	assert.False(t, e.Merge("a", 1, "from a again"))
	assert.Equal(t, "from b", e.Content())

	// An older write loses and a newer one replaces the whole value.
	assert.True(t, e.Merge("c", 5, "from c"))
	assert.False(t, e.Merge("z", 4, "late"))
	assert.Equal(t, "from c", e.Content())

	// Local writes continue from the highest clock seen.
	e.AddInsert(4, "!")
	snap := e.Checkpoint()
	assert.Equal(t, "from! c", snap.Content)
	assert.Equal(t, map[string]uint64{"server": 6}, snap.Frontier)
	assert.Equal(t, 4, snap.Operations)
	assert.False(t, e.Merge("a", 6, "tie lost to server"))
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Types(), SimpletonType)
	assert.Contains(t, Types(), LWWType)

	_, ok := Lookup("diamond-types")
	assert.False(t, ok)

	Register("test-engine", NewLWW)
	f, ok := Lookup("test-engine")
	require.True(t, ok)
	assert.Equal(t, LWWType, f("x").MergeType())

	assert.Panics(t, func() { Register("test-engine", NewLWW) })
	assert.Panics(t, func() { Register("nil-engine", nil) })
}
