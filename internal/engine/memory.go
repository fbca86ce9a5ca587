package engine

import "cortex/internal/session"

// WorkingMemory is the ordered sequence of conversational and contextual
// entries passed into and returned from a mental process. It is a value:
// processes build new memories rather than mutating the one they received,
// and each commit replaces the session's memories wholesale.
type WorkingMemory struct {
	Entries []session.Memory
}

// NewWorkingMemory wraps entries without copying.
func NewWorkingMemory(entries []session.Memory) WorkingMemory {
	return WorkingMemory{Entries: entries}
}

// Clone returns an independent copy.
func (wm WorkingMemory) Clone() WorkingMemory {
	out := make([]session.Memory, len(wm.Entries))
	copy(out, wm.Entries)
	return WorkingMemory{Entries: out}
}

// Append returns a new working memory with entries added at the end.
func (wm WorkingMemory) Append(entries ...session.Memory) WorkingMemory {
	out := make([]session.Memory, 0, len(wm.Entries)+len(entries))
	out = append(out, wm.Entries...)
	out = append(out, entries...)
	return WorkingMemory{Entries: out}
}

// WithSystemContext folds static system context into the reserved system
// region: the existing system entry is replaced in place, otherwise the
// entry is prepended.
func (wm WorkingMemory) WithSystemContext(content string) WorkingMemory {
	if content == "" {
		return wm
	}
	entry := session.Memory{
		Role:    "system",
		Content: content,
		Region:  session.RegionSystem,
	}
	for i, m := range wm.Entries {
		if m.Region == session.RegionSystem {
			out := wm.Clone()
			out.Entries[i] = entry
			return out
		}
	}
	out := make([]session.Memory, 0, len(wm.Entries)+1)
	out = append(out, entry)
	out = append(out, wm.Entries...)
	return WorkingMemory{Entries: out}
}

// Len returns the number of entries.
func (wm WorkingMemory) Len() int {
	return len(wm.Entries)
}
