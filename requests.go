package raft

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AppendEntriesRequest is a request invoked by the leader to replicate log entries and also serves as a heartbeat.
type AppendEntriesRequest struct {
	// The leader's ID. Allows followers to redirect clients.
	LeaderID string

	// The leader's Term.
	Term uint64

	// The leader's commit index.
	LeaderCommit uint64

	// The index of the log entry immediately preceding the new ones.
	PrevLogIndex uint64

	// The term of the log entry immediately preceding the new ones.
	PrevLogTerm uint64

	// Contains the log Entries to store (empty for heartbeat).
	Entries []*LogEntry

	// The payload version of the leader's state machine.
	PayloadVersion int16
}

// AppendEntriesResponse is a response to a request to to replicate log entries.
type AppendEntriesResponse struct {
	// The term of the server that received the request.
	Term uint64

	// Indicates whether the request to append entries was successful.
	Success bool

	// The index of the last entry in the log of the server that received the request.
	LastIndex uint64

	// The term of the entry at PrevLogIndex if it did not match, zero otherwise.
	ConflictTerm uint64

	// The first index of ConflictTerm in the log of the server that received the request.
	ConflictIndex uint64
}

// RequestVoteRequest is a request invoked by candidates to gather votes.
type RequestVoteRequest struct {
	// The ID of the candidate requesting the vote.
	CandidateID string

	// The candidate's term.
	Term uint64

	// The index of the candidate's last log entry.
	LastLogIndex uint64

	// The term of the candidate's last log entry.
	LastLogTerm uint64
}

// RequestVoteResponse is a response to a request for a vote.
type RequestVoteResponse struct {
	// The term of the server that received the request.
	Term uint64

	// Indicates whether the vote request was successful.
	VoteGranted bool
}

// InstallSnapshotRequest is invoked by the leader to send a chunk of a snapshot to a follower.
type InstallSnapshotRequest struct {
	// The leader's ID.
	LeaderID string

	// The leader's Term.
	Term uint64

	// The snapshot replaces all entries up to and including
	// this index.
	LastIncludedIndex uint64

	// The term associated with the last included index.
	LastIncludedTerm uint64

	// The encoded configuration as of the last included index.
	Configuration []byte

	// The byte offset of this chunk within the snapshot data.
	Offset uint64

	// A chunk of the state of the state machine.
	Bytes []byte

	// Indicates whether this is the last chunk.
	Done bool
}

// InstallSnapshotResponse is a response to a snapshot installation.
type InstallSnapshotResponse struct {
	// The term of the server that received the request.
	Term uint64

	// Indicates whether the chunk was accepted.
	Success bool

	// The offset of the next chunk the server expects.
	NextOffset uint64
}

// TimeoutNowRequest is sent by a leader that is transferring leadership to
// make the receiver start an election immediately.
type TimeoutNowRequest struct {
	// The leader's ID.
	LeaderID string

	// The leader's Term.
	Term uint64
}

// TimeoutNowResponse is a response to a TimeoutNow request.
type TimeoutNowResponse struct {
	// The term of the server that received the request.
	Term uint64
}

func (r *AppendEntriesRequest) marshalWire() []byte {
	var b []byte
	b = appendStringField(b, 1, r.LeaderID)
	b = appendUint64Field(b, 2, r.Term)
	b = appendUint64Field(b, 3, r.LeaderCommit)
	b = appendUint64Field(b, 4, r.PrevLogIndex)
	b = appendUint64Field(b, 5, r.PrevLogTerm)
	for _, entry := range r.Entries {
		b = appendMessageField(b, 6, encodeLogEntry(entry))
	}
	b = appendUint64Field(b, 7, uint64(uint16(r.PayloadVersion)))
	return b
}

func (r *AppendEntriesRequest) unmarshalWire(data []byte) error {
	*r = AppendEntriesRequest{}
	return unmarshalMessage("AppendEntriesRequest", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &r.LeaderID)
		case 2:
			return consumeUint64(typ, b, &r.Term)
		case 3:
			return consumeUint64(typ, b, &r.LeaderCommit)
		case 4:
			return consumeUint64(typ, b, &r.PrevLogIndex)
		case 5:
			return consumeUint64(typ, b, &r.PrevLogTerm)
		case 6:
			return consumeMessage(typ, b, func(data []byte) error {
				entry, err := decodeLogEntry(data)
				if err != nil {
					return err
				}
				r.Entries = append(r.Entries, entry)
				return nil
			})
		case 7:
			var version uint64
			n, err := consumeUint64(typ, b, &version)
			r.PayloadVersion = int16(uint16(version))
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (r *AppendEntriesResponse) marshalWire() []byte {
	var b []byte
	b = appendUint64Field(b, 1, r.Term)
	b = appendBoolField(b, 2, r.Success)
	b = appendUint64Field(b, 3, r.LastIndex)
	b = appendUint64Field(b, 4, r.ConflictTerm)
	b = appendUint64Field(b, 5, r.ConflictIndex)
	return b
}

func (r *AppendEntriesResponse) unmarshalWire(data []byte) error {
	*r = AppendEntriesResponse{}
	return unmarshalMessage("AppendEntriesResponse", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &r.Term)
		case 2:
			return consumeBool(typ, b, &r.Success)
		case 3:
			return consumeUint64(typ, b, &r.LastIndex)
		case 4:
			return consumeUint64(typ, b, &r.ConflictTerm)
		case 5:
			return consumeUint64(typ, b, &r.ConflictIndex)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (r *RequestVoteRequest) marshalWire() []byte {
	var b []byte
	b = appendStringField(b, 1, r.CandidateID)
	b = appendUint64Field(b, 2, r.Term)
	b = appendUint64Field(b, 3, r.LastLogIndex)
	b = appendUint64Field(b, 4, r.LastLogTerm)
	return b
}

func (r *RequestVoteRequest) unmarshalWire(data []byte) error {
	*r = RequestVoteRequest{}
	return unmarshalMessage("RequestVoteRequest", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &r.CandidateID)
		case 2:
			return consumeUint64(typ, b, &r.Term)
		case 3:
			return consumeUint64(typ, b, &r.LastLogIndex)
		case 4:
			return consumeUint64(typ, b, &r.LastLogTerm)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (r *RequestVoteResponse) marshalWire() []byte {
	var b []byte
	b = appendUint64Field(b, 1, r.Term)
	b = appendBoolField(b, 2, r.VoteGranted)
	return b
}

func (r *RequestVoteResponse) unmarshalWire(data []byte) error {
	*r = RequestVoteResponse{}
	return unmarshalMessage("RequestVoteResponse", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &r.Term)
		case 2:
			return consumeBool(typ, b, &r.VoteGranted)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (r *InstallSnapshotRequest) marshalWire() []byte {
	var b []byte
	b = appendStringField(b, 1, r.LeaderID)
	b = appendUint64Field(b, 2, r.Term)
	b = appendUint64Field(b, 3, r.LastIncludedIndex)
	b = appendUint64Field(b, 4, r.LastIncludedTerm)
	b = appendBytesField(b, 5, r.Configuration)
	b = appendUint64Field(b, 6, r.Offset)
	b = appendBytesField(b, 7, r.Bytes)
	b = appendBoolField(b, 8, r.Done)
	return b
}

func (r *InstallSnapshotRequest) unmarshalWire(data []byte) error {
	*r = InstallSnapshotRequest{}
	return unmarshalMessage("InstallSnapshotRequest", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &r.LeaderID)
		case 2:
			return consumeUint64(typ, b, &r.Term)
		case 3:
			return consumeUint64(typ, b, &r.LastIncludedIndex)
		case 4:
			return consumeUint64(typ, b, &r.LastIncludedTerm)
		case 5:
			return consumeBytes(typ, b, &r.Configuration)
		case 6:
			return consumeUint64(typ, b, &r.Offset)
		case 7:
			return consumeBytes(typ, b, &r.Bytes)
		case 8:
			return consumeBool(typ, b, &r.Done)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (r *InstallSnapshotResponse) marshalWire() []byte {
	var b []byte
	b = appendUint64Field(b, 1, r.Term)
	b = appendBoolField(b, 2, r.Success)
	b = appendUint64Field(b, 3, r.NextOffset)
	return b
}

func (r *InstallSnapshotResponse) unmarshalWire(data []byte) error {
	*r = InstallSnapshotResponse{}
	return unmarshalMessage("InstallSnapshotResponse", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &r.Term)
		case 2:
			return consumeBool(typ, b, &r.Success)
		case 3:
			return consumeUint64(typ, b, &r.NextOffset)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (r *TimeoutNowRequest) marshalWire() []byte {
	var b []byte
	b = appendStringField(b, 1, r.LeaderID)
	b = appendUint64Field(b, 2, r.Term)
	return b
}

func (r *TimeoutNowRequest) unmarshalWire(data []byte) error {
	*r = TimeoutNowRequest{}
	return unmarshalMessage("TimeoutNowRequest", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &r.LeaderID)
		case 2:
			return consumeUint64(typ, b, &r.Term)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (r *TimeoutNowResponse) marshalWire() []byte {
	return appendUint64Field(nil, 1, r.Term)
}

func (r *TimeoutNowResponse) unmarshalWire(data []byte) error {
	*r = TimeoutNowResponse{}
	return unmarshalMessage("TimeoutNowResponse", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeUint64(typ, b, &r.Term)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func unmarshalMessage(name string, data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	if err := consumeFields(data, fn); err != nil {
		return fmt.Errorf("could not unmarshal %s: %w", name, err)
	}
	return nil
}
