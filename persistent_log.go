package raft

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ctrlplane/raft/internal/errors"
	"github.com/ctrlplane/raft/internal/journal"
)

// Error strings.
const (
	errInvalidIndex = "index %d does not exist"
	errLogOpen      = "persistent log %s is open"
	errLogClosed    = "persistent log %s is closed"
)

// persistentLog implements the Log interface on top of a segmented journal.
// Only the terms of the entries are kept in memory; entries are read back
// from the journal on demand.
type persistentLog struct {
	// The directory holding the journal segments.
	path string

	// Options for the journal.
	options []journal.Option

	journal *journal.Journal

	// The index of the first entry and the terms of all entries.
	firstIndex uint64
	terms      []uint64

	mu sync.Mutex
}

// NewLog creates a new log whose segments are stored in path/log.
func NewLog(path string, opts ...journal.Option) Log {
	return &persistentLog{path: filepath.Join(path, "log"), options: opts, firstIndex: 1}
}

func (l *persistentLog) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal != nil {
		return errors.New(fmt.Sprintf(errLogOpen, l.path))
	}

	j, err := journal.Open(l.path, l.options...)
	if err != nil {
		return errors.WrapError(err, "failed to open log %s", l.path)
	}
	l.journal = j
	l.firstIndex = j.FirstIndex()
	l.terms = nil

	return nil
}

func (l *persistentLog) Replay() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return errors.New(fmt.Sprintf(errLogClosed, l.path))
	}

	l.firstIndex = l.journal.FirstIndex()
	l.terms = l.terms[:0]
	err := l.journal.Replay(func(index uint64, data []byte) error {
		entry, err := decodeLogEntry(data)
		if err != nil {
			return err
		}
		if entry.Index != index {
			return fmt.Errorf("journal record %d holds entry with index %d", index, entry.Index)
		}
		l.terms = append(l.terms, entry.Term)
		return nil
	})
	if err != nil {
		return errors.WrapError(err, "failed to replay log %s", l.path)
	}

	return nil
}

func (l *persistentLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return nil
	}
	err := l.journal.Close()
	l.journal = nil
	l.terms = nil
	if err != nil {
		return errors.WrapError(err, "failed to close log %s", l.path)
	}
	return nil
}

func (l *persistentLog) GetEntry(index uint64) (*LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return nil, errors.New(fmt.Sprintf(errLogClosed, l.path))
	}
	if !l.contains(index) {
		return nil, fmt.Errorf("%w: "+errInvalidIndex, ErrIndexUnavailable, index)
	}

	data, err := l.journal.Read(index)
	if err != nil {
		return nil, errors.WrapError(err, "failed to read entry %d", index)
	}
	entry, err := decodeLogEntry(data)
	if err != nil {
		return nil, errors.WrapError(err, "failed to read entry %d", index)
	}

	return entry, nil
}

func (l *persistentLog) Term(index uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.contains(index) {
		return 0, fmt.Errorf("%w: "+errInvalidIndex, ErrIndexUnavailable, index)
	}
	return l.terms[index-l.firstIndex], nil
}

func (l *persistentLog) Contains(index uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.contains(index)
}

func (l *persistentLog) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries([]*LogEntry{entry})
}

func (l *persistentLog) AppendEntries(entries []*LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return errors.New(fmt.Sprintf(errLogClosed, l.path))
	}

	for _, entry := range entries {
		if next := l.nextIndex(); entry.Index != next {
			return fmt.Errorf("%w: expected index %d, got %d", ErrNonMonotonicIndex, next, entry.Index)
		}
		if err := l.journal.Append(entry.Index, encodeLogEntry(entry)); err != nil {
			return errors.WrapError(err, "failed to append entry %d", entry.Index)
		}
		l.terms = append(l.terms, entry.Term)
	}

	if err := l.journal.Sync(); err != nil {
		return errors.WrapError(err, "failed to sync log %s", l.path)
	}

	return nil
}

func (l *persistentLog) Truncate(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return errors.New(fmt.Sprintf(errLogClosed, l.path))
	}
	if index < l.firstIndex {
		return fmt.Errorf("%w: "+errInvalidIndex, ErrIndexUnavailable, index)
	}
	if index >= l.nextIndex() {
		return nil
	}

	if err := l.journal.Truncate(index); err != nil {
		return errors.WrapError(err, "failed to truncate log at %d", index)
	}
	l.terms = l.terms[:index-l.firstIndex]

	return nil
}

func (l *persistentLog) Compact(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return errors.New(fmt.Sprintf(errLogClosed, l.path))
	}
	if !l.contains(index) {
		return fmt.Errorf("%w: "+errInvalidIndex, ErrIndexUnavailable, index)
	}

	if err := l.journal.Compact(index + 1); err != nil {
		return errors.WrapError(err, "failed to compact log at %d", index)
	}
	remaining := make([]uint64, l.nextIndex()-index-1)
	copy(remaining, l.terms[index+1-l.firstIndex:])
	l.terms = remaining
	l.firstIndex = index + 1

	return nil
}

func (l *persistentLog) DiscardEntries(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal == nil {
		return errors.New(fmt.Sprintf(errLogClosed, l.path))
	}

	if err := l.journal.Reset(index + 1); err != nil {
		return errors.WrapError(err, "failed to discard log entries")
	}
	l.terms = nil
	l.firstIndex = index + 1

	return nil
}

func (l *persistentLog) FirstIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.firstIndex
}

func (l *persistentLog) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.nextIndex() - 1
}

func (l *persistentLog) LastTerm() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.terms) == 0 {
		return 0
	}
	return l.terms[len(l.terms)-1]
}

func (l *persistentLog) NextIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.nextIndex()
}

func (l *persistentLog) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.terms)
}

func (l *persistentLog) contains(index uint64) bool {
	return l.firstIndex <= index && index < l.nextIndex()
}

func (l *persistentLog) nextIndex() uint64 {
	return l.firstIndex + uint64(len(l.terms))
}
