package merge

// LWWType is the Merge-Type of the last-writer-wins engine.
const LWWType = "lww"

// ValueEngine is implemented by engines that hold a single value replaced
// as a whole by each write.
type ValueEngine interface {
	Engine
	// Set replaces the value on behalf of agentID with a fresh stamp.
	Set(agentID, value string)
	// Merge applies a value that agentID wrote elsewhere at clock. It
	// reports whether the write was newer than the current value.
	Merge(agentID string, clock uint64, value string) bool
}

// stamp orders writes: the higher Lamport clock wins, and the agent id
// breaks ties so every replica picks the same winner.
type stamp struct {
	clock uint64
	agent string
}

func (s stamp) after(o stamp) bool {
	if s.clock != o.clock {
		return s.clock > o.clock
	}
	return s.agent > o.agent
}

// LWW is a last-writer-wins register. Every write replaces the whole value
// and carries a (clock, agent) stamp; a write from another replica only
// takes effect when its stamp is newer. Positional edits are applied to the
// current value and written back as a new value. No history is kept.
type LWW struct {
	agent  string
	value  string
	clock  uint64
	stamp  stamp
	writes int
}

var _ ValueEngine = (*LWW)(nil)

// NewLWW returns an empty last-writer-wins register.
func NewLWW(agentID string) Engine {
	return &LWW{agent: agentID}
}

func (l *LWW) MergeType() string { return LWWType }

func (l *LWW) Set(agentID, value string) {
	l.clock++
	l.write(stamp{clock: l.clock, agent: agentID}, value)
}

func (l *LWW) Merge(agentID string, clock uint64, value string) bool {
	l.clock = max(l.clock, clock)
	s := stamp{clock: clock, agent: agentID}
	if !s.after(l.stamp) {
		return false
	}
	l.write(s, value)
	return true
}

func (l *LWW) write(s stamp, value string) {
	l.stamp = s
	l.value = value
	l.writes++
}

func (l *LWW) AddInsert(pos int, text string) { l.AddInsertRemote(l.agent, pos, text) }

func (l *LWW) AddInsertRemote(agentID string, pos int, text string) {
	if text == "" {
		return
	}
	current := []rune(l.value)
	pos, _ = clamp(pos, len(current))
	l.Set(agentID, string(splice(current, pos, pos, []rune(text))))
}

func (l *LWW) AddDelete(start, end int) { l.AddDeleteRemote(l.agent, start, end) }

func (l *LWW) AddDeleteRemote(agentID string, start, end int) {
	current := []rune(l.value)
	start, _ = clamp(start, len(current))
	end, _ = clamp(end, len(current))
	if end <= start {
		return
	}
	l.Set(agentID, string(splice(current, start, end, nil)))
}

func (l *LWW) Content() string { return l.value }

func (l *LWW) IsEmpty() bool { return l.value == "" }

func (l *LWW) ExportOperations() Snapshot { return l.Checkpoint() }

// Checkpoint reports the stamp of the current value as the frontier.
func (l *LWW) Checkpoint() Snapshot {
	snap := Snapshot{
		MergeType:  LWWType,
		AgentID:    l.agent,
		Content:    l.value,
		Operations: l.writes,
	}
	if l.stamp.agent != "" {
		snap.Frontier = map[string]uint64{l.stamp.agent: l.stamp.clock}
	}
	return snap
}

func (l *LWW) MergeQuality() int { return 100 }
