package raft

import "fmt"

// LogEntryType is the type of a log entry.
type LogEntryType uint32

const (
	// OperationEntry holds an operation for the state machine.
	OperationEntry LogEntryType = iota

	// ConfigurationEntry holds a cluster configuration.
	ConfigurationEntry

	// NoOpEntry is appended by a newly elected leader to commit entries from
	// previous terms. It is never passed to the state machine.
	NoOpEntry
)

func (t LogEntryType) String() string {
	switch t {
	case OperationEntry:
		return "operation"
	case ConfigurationEntry:
		return "configuration"
	case NoOpEntry:
		return "no-op"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// LogEntry is a single entry of the replicated log. A log entry is never
// modified once created.
type LogEntry struct {
	// The index of the log entry.
	Index uint64

	// The term of the leader that created the entry.
	Term uint64

	// The payload of the entry. Opaque to raft for operation entries.
	Data []byte

	// The type of the entry.
	EntryType LogEntryType
}

// NewLogEntry creates a new log entry.
func NewLogEntry(index uint64, term uint64, data []byte, entryType LogEntryType) *LogEntry {
	return &LogEntry{Index: index, Term: term, Data: data, EntryType: entryType}
}

// IsConflict returns true if both entries occupy the same index with different terms.
func (e *LogEntry) IsConflict(other *LogEntry) bool {
	return e.Index == other.Index && e.Term != other.Term
}
