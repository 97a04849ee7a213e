package raft

import (
	"fmt"

	"github.com/ctrlplane/raft/internal/numeric"
)

// Log is the storage of log entries. Entries occupy a contiguous range of
// indices starting at FirstIndex. Implementations are not required to be
// safe for concurrent use.
type Log interface {
	// Open opens the log for reading and writing.
	Open() error

	// Replay loads the persisted entries of the log. It must be called after
	// Open and before any other operation.
	Replay() error

	// Close closes the log.
	Close() error

	// GetEntry returns the entry at index.
	GetEntry(index uint64) (*LogEntry, error)

	// Term returns the term of the entry at index.
	Term(index uint64) (uint64, error)

	// Contains returns true if the log holds an entry at index.
	Contains(index uint64) bool

	// AppendEntry durably appends an entry. Its index must equal NextIndex.
	AppendEntry(entry *LogEntry) error

	// AppendEntries durably appends contiguous entries starting at NextIndex.
	AppendEntries(entries []*LogEntry) error

	// Truncate removes every entry with an index greater than or equal to index.
	Truncate(index uint64) error

	// Compact removes every entry with an index less than or equal to index.
	Compact(index uint64) error

	// DiscardEntries removes every entry and positions the log so that the
	// next appended entry has index index+1.
	DiscardEntries(index uint64) error

	// FirstIndex returns the index of the first entry, or NextIndex if the log is empty.
	FirstIndex() uint64

	// LastIndex returns the index of the last entry, which is NextIndex minus one.
	LastIndex() uint64

	// LastTerm returns the term of the last entry, or zero if the log is empty.
	LastTerm() uint64

	// NextIndex returns the index that the next appended entry must have.
	NextIndex() uint64

	// Size returns the number of entries in the log.
	Size() int
}

// ReplicatedLog is the log as seen by the consensus protocol: the entries in
// storage preceded by the prefix that was compacted into a snapshot, together
// with the commit and apply progress.
type ReplicatedLog struct {
	log Log

	// The last index and term included in the most recent snapshot.
	snapshotIndex uint64
	snapshotTerm  uint64

	// The highest index known to be committed.
	commitIndex uint64

	// The highest index applied to the state machine.
	lastApplied uint64
}

func newReplicatedLog(log Log) *ReplicatedLog {
	return &ReplicatedLog{log: log}
}

// LastIndex returns the index of the last entry in the log, counting the
// compacted prefix.
func (l *ReplicatedLog) LastIndex() uint64 {
	return numeric.Max(l.log.LastIndex(), l.snapshotIndex)
}

// LastTerm returns the term of the last entry in the log, counting the
// compacted prefix.
func (l *ReplicatedLog) LastTerm() uint64 {
	if l.log.Size() == 0 || l.log.LastIndex() <= l.snapshotIndex {
		return l.snapshotTerm
	}
	return l.log.LastTerm()
}

// FirstIndex returns the first index that has not been compacted.
func (l *ReplicatedLog) FirstIndex() uint64 {
	return l.snapshotIndex + 1
}

func (l *ReplicatedLog) CommitIndex() uint64 {
	return l.commitIndex
}

func (l *ReplicatedLog) LastApplied() uint64 {
	return l.lastApplied
}

func (l *ReplicatedLog) SnapshotIndex() uint64 {
	return l.snapshotIndex
}

func (l *ReplicatedLog) SnapshotTerm() uint64 {
	return l.snapshotTerm
}

// Append durably appends entries. The first entry must immediately follow
// the last index and the rest must be contiguous.
func (l *ReplicatedLog) Append(entries ...*LogEntry) error {
	next := l.LastIndex() + 1
	for _, entry := range entries {
		if entry.Index != next {
			return fmt.Errorf("%w: expected index %d, got %d", ErrNonMonotonicIndex, next, entry.Index)
		}
		next++
	}
	if len(entries) == 0 {
		return nil
	}
	return l.log.AppendEntries(entries)
}

// EntryAt returns the entry at index. It reports false if the entry was
// compacted or is beyond the last index.
func (l *ReplicatedLog) EntryAt(index uint64) (*LogEntry, bool) {
	if index <= l.snapshotIndex || index > l.LastIndex() {
		return nil, false
	}
	entry, err := l.log.GetEntry(index)
	if err != nil {
		return nil, false
	}
	return entry, true
}

// TermAt returns the term of the entry at index. The last compacted index
// reports the snapshot term and index zero reports term zero.
func (l *ReplicatedLog) TermAt(index uint64) (uint64, bool) {
	switch {
	case index == 0:
		return 0, true
	case index == l.snapshotIndex:
		return l.snapshotTerm, true
	case index < l.snapshotIndex || index > l.LastIndex():
		return 0, false
	}
	term, err := l.log.Term(index)
	if err != nil {
		return 0, false
	}
	return term, true
}

// Entries returns at most max entries starting at from.
func (l *ReplicatedLog) Entries(from uint64, max int) ([]*LogEntry, error) {
	if from <= l.snapshotIndex {
		return nil, fmt.Errorf("%w: index %d is compacted", ErrIndexUnavailable, from)
	}
	last := l.LastIndex()
	if from > last {
		return nil, nil
	}
	if max > 0 {
		last = numeric.Min(last, from+uint64(max)-1)
	}
	entries := make([]*LogEntry, 0, last-from+1)
	for index := from; index <= last; index++ {
		entry, err := l.log.GetEntry(index)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// TruncateFrom removes every entry at or after index. Applied entries can
// never be removed.
func (l *ReplicatedLog) TruncateFrom(index uint64) error {
	if index <= l.lastApplied || index <= l.snapshotIndex {
		return fmt.Errorf("%w: index = %d, last applied = %d", ErrTruncateApplied, index, l.lastApplied)
	}
	if index > l.LastIndex() {
		return nil
	}
	return l.log.Truncate(index)
}

// AdvanceCommitIndex raises the commit index to index. It returns false and
// does nothing if index is not greater than the current commit index.
func (l *ReplicatedLog) AdvanceCommitIndex(index uint64) bool {
	if index <= l.commitIndex {
		return false
	}
	l.commitIndex = index
	return true
}

func (l *ReplicatedLog) setLastApplied(index uint64) {
	l.lastApplied = index
}

// Compact discards the entries up to and including index after a snapshot
// including them was persisted.
func (l *ReplicatedLog) Compact(index uint64, term uint64) error {
	if index <= l.snapshotIndex {
		return nil
	}
	if index > l.lastApplied {
		return fmt.Errorf("cannot compact past last applied index %d: %d", l.lastApplied, index)
	}
	if err := l.log.Compact(index); err != nil {
		return err
	}
	l.snapshotIndex, l.snapshotTerm = index, term
	return nil
}

// Restore aligns the log with a snapshot that includes index and term. Entries
// following a matching entry at index are retained, otherwise the whole log
// is discarded. The commit and apply progress move up to the snapshot.
func (l *ReplicatedLog) Restore(index uint64, term uint64) error {
	var err error
	switch {
	case l.log.Contains(index):
		var existing uint64
		if existing, err = l.log.Term(index); err != nil {
			return err
		}
		if existing == term {
			err = l.log.Compact(index)
		} else {
			err = l.log.DiscardEntries(index)
		}
	case l.log.FirstIndex() == index+1:
	default:
		err = l.log.DiscardEntries(index)
	}
	if err != nil {
		return err
	}

	l.snapshotIndex, l.snapshotTerm = index, term
	l.commitIndex = numeric.Max(l.commitIndex, index)
	l.lastApplied = index
	return nil
}
