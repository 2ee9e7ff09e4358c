package merge

import "maps"

// SimpletonType is the Merge-Type of the positional text engine.
const SimpletonType = "simpleton"

const clampPenalty = 10

// Simpleton applies edits positionally in arrival order and keeps an
// operation log. Out of range positions are clamped to the document; every
// clamped remote edit lowers the merge quality.
type Simpleton struct {
	agent    string
	text     []rune
	frontier map[string]uint64
	ops      []Op
	clamped  int
}

// NewSimpleton returns an empty simpleton document.
func NewSimpleton(agentID string) Engine {
	return &Simpleton{agent: agentID, frontier: make(map[string]uint64)}
}

func (s *Simpleton) MergeType() string { return SimpletonType }

func (s *Simpleton) AddInsert(pos int, text string) {
	s.insert(s.agent, pos, text, false)
}

func (s *Simpleton) AddInsertRemote(agentID string, pos int, text string) {
	s.insert(agentID, pos, text, true)
}

func (s *Simpleton) AddDelete(start, end int) {
	s.delete(s.agent, start, end, false)
}

func (s *Simpleton) AddDeleteRemote(agentID string, start, end int) {
	s.delete(agentID, start, end, true)
}

func (s *Simpleton) insert(agent string, pos int, text string, remote bool) {
	if text == "" {
		return
	}
	pos, moved := clamp(pos, len(s.text))
	if moved && remote {
		s.clamped++
	}
	s.text = splice(s.text, pos, pos, []rune(text))
	s.record(Op{Kind: OpInsert, Agent: agent, Pos: pos, Text: text})
}

func (s *Simpleton) delete(agent string, start, end int, remote bool) {
	start, movedStart := clamp(start, len(s.text))
	end, movedEnd := clamp(end, len(s.text))
	if (movedStart || movedEnd || end < start) && remote {
		s.clamped++
	}
	if end <= start {
		return
	}
	s.text = splice(s.text, start, end, nil)
	s.record(Op{Kind: OpDelete, Agent: agent, Pos: start, End: end})
}

func (s *Simpleton) record(op Op) {
	s.frontier[op.Agent]++
	op.Seq = s.frontier[op.Agent]
	s.ops = append(s.ops, op)
}

func (s *Simpleton) Content() string { return string(s.text) }

func (s *Simpleton) IsEmpty() bool { return len(s.text) == 0 }

func (s *Simpleton) ExportOperations() Snapshot {
	snap := s.Checkpoint()
	snap.Ops = append([]Op(nil), s.ops...)
	return snap
}

func (s *Simpleton) Checkpoint() Snapshot {
	return Snapshot{
		MergeType:  SimpletonType,
		AgentID:    s.agent,
		Content:    string(s.text),
		Frontier:   maps.Clone(s.frontier),
		Operations: len(s.ops),
	}
}

func (s *Simpleton) MergeQuality() int {
	return max(0, 100-clampPenalty*s.clamped)
}
