package raft

import "fmt"

const invalidIndexErrorFormat = "invalid index: log does not contain index %d"

// VolatileLog implements the Log interface in memory. Its contents do not
// survive a restart.
type VolatileLog struct {
	firstIndex uint64
	entries    []*LogEntry
}

// NewVolatileLog creates an empty in-memory log.
func NewVolatileLog() *VolatileLog {
	return &VolatileLog{firstIndex: 1, entries: make([]*LogEntry, 0)}
}

func (l *VolatileLog) Open() error {
	return nil
}

func (l *VolatileLog) Replay() error {
	return nil
}

func (l *VolatileLog) Close() error {
	return nil
}

func (l *VolatileLog) Size() int {
	return len(l.entries)
}

func (l *VolatileLog) FirstIndex() uint64 {
	return l.firstIndex
}

func (l *VolatileLog) LastIndex() uint64 {
	return l.NextIndex() - 1
}

func (l *VolatileLog) NextIndex() uint64 {
	return l.firstIndex + uint64(len(l.entries))
}

func (l *VolatileLog) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *VolatileLog) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries([]*LogEntry{entry})
}

func (l *VolatileLog) AppendEntries(entries []*LogEntry) error {
	for _, entry := range entries {
		if next := l.NextIndex(); entry.Index != next {
			return fmt.Errorf("%w: expected index %d, got %d", ErrNonMonotonicIndex, next, entry.Index)
		}
		l.entries = append(l.entries, entry)
	}
	return nil
}

func (l *VolatileLog) GetEntry(index uint64) (*LogEntry, error) {
	if !l.Contains(index) {
		return nil, fmt.Errorf("%w: "+invalidIndexErrorFormat, ErrIndexUnavailable, index)
	}
	return l.entries[index-l.firstIndex], nil
}

func (l *VolatileLog) Term(index uint64) (uint64, error) {
	entry, err := l.GetEntry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (l *VolatileLog) Truncate(index uint64) error {
	if index < l.firstIndex {
		return fmt.Errorf("%w: "+invalidIndexErrorFormat, ErrIndexUnavailable, index)
	}
	if index >= l.NextIndex() {
		return nil
	}
	l.entries = l.entries[:index-l.firstIndex]
	return nil
}

func (l *VolatileLog) Compact(index uint64) error {
	if !l.Contains(index) {
		return fmt.Errorf("%w: "+invalidIndexErrorFormat, ErrIndexUnavailable, index)
	}
	remaining := make([]*LogEntry, l.NextIndex()-index-1)
	copy(remaining, l.entries[index+1-l.firstIndex:])
	l.entries = remaining
	l.firstIndex = index + 1
	return nil
}

func (l *VolatileLog) DiscardEntries(index uint64) error {
	l.entries = make([]*LogEntry, 0)
	l.firstIndex = index + 1
	return nil
}

func (l *VolatileLog) Contains(index uint64) bool {
	return l.firstIndex <= index && index < l.NextIndex()
}
