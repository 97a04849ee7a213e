package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

// Every persisted record and every RPC message is encoded in the protocol
// buffer wire format. Field numbers below must never be reused.

const (
	stateFormatVersion    uint8  = 1
	snapshotFormatVersion uint8  = 1
	snapshotMagic         uint32 = 0x52534e50
)

var errWireType = errors.New("unexpected wire type")

// wireMessage is implemented by every message sent over the transport.
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire(data []byte) error
}

func appendUint64Field(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessageField appends an embedded message, including an empty one.
func appendMessageField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields calls fn for every field of an encoded message. fn returns the
// number of bytes of the field value it consumed.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeUint64(typ protowire.Type, b []byte, v *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	x, n := protowire.ConsumeVarint(b)
	*v = x
	return n, nil
}

func consumeBool(typ protowire.Type, b []byte, v *bool) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	x, n := protowire.ConsumeVarint(b)
	*v = protowire.DecodeBool(x)
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, v *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	x, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*v = append([]byte(nil), x...)
	}
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, v *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	x, n := protowire.ConsumeString(b)
	*v = x
	return n, nil
}

// consumeMessage passes an embedded message to fn.
func consumeMessage(typ protowire.Type, b []byte, fn func(data []byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	x, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, fn(x)
}

func encodeLogEntry(entry *LogEntry) []byte {
	var b []byte
	b = appendUint64Field(b, 1, entry.Index)
	b = appendUint64Field(b, 2, entry.Term)
	b = appendBytesField(b, 3, entry.Data)
	b = appendUint64Field(b, 4, uint64(entry.EntryType))
	return b
}

func decodeLogEntry(data []byte) (*LogEntry, error) {
	entry := &LogEntry{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &entry.Index)
		case 2:
			return consumeUint64(typ, b, &entry.Term)
		case 3:
			return consumeBytes(typ, b, &entry.Data)
		case 4:
			var entryType uint64
			n, err := consumeUint64(typ, b, &entryType)
			entry.EntryType = LogEntryType(entryType)
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("could not decode log entry: %w", err)
	}
	return entry, nil
}

func encodeConfiguration(configuration *Configuration) []byte {
	var b []byte
	ids := maps.Keys(configuration.Members)
	slices.Sort(ids)
	for _, id := range ids {
		var member []byte
		member = appendStringField(member, 1, id)
		member = appendStringField(member, 2, configuration.Members[id])
		member = appendBoolField(member, 3, configuration.IsVoter[id])
		b = appendMessageField(b, 1, member)
	}
	b = appendUint64Field(b, 2, configuration.Index)
	return b
}

func decodeConfiguration(data []byte) (Configuration, error) {
	configuration := Configuration{
		Members: make(map[string]string),
		IsVoter: make(map[string]bool),
	}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(data []byte) error {
				var id, address string
				var voter bool
				err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &id)
					case 2:
						return consumeString(typ, b, &address)
					case 3:
						return consumeBool(typ, b, &voter)
					default:
						return protowire.ConsumeFieldValue(num, typ, b), nil
					}
				})
				configuration.Members[id] = address
				configuration.IsVoter[id] = voter
				return err
			})
		case 2:
			return consumeUint64(typ, b, &configuration.Index)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Configuration{}, fmt.Errorf("could not decode configuration: %w", err)
	}
	return configuration, nil
}

// encodePersistentState encodes the term and vote prefixed by a format version.
func encodePersistentState(state *persistentState) []byte {
	b := []byte{stateFormatVersion}
	b = appendUint64Field(b, 1, state.term)
	b = appendStringField(b, 2, state.votedFor)
	return b
}

func decodePersistentState(data []byte) (persistentState, error) {
	if len(data) == 0 {
		return persistentState{}, io.ErrUnexpectedEOF
	}
	if version := data[0]; version != stateFormatVersion {
		return persistentState{}, fmt.Errorf("unsupported state format version %d", version)
	}
	var state persistentState
	err := consumeFields(data[1:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &state.term)
		case 2:
			return consumeString(typ, b, &state.votedFor)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return persistentState{}, fmt.Errorf("could not decode state: %w", err)
	}
	return state, nil
}

// encodeSnapshotMetadata writes the snapshot file header followed by the
// length-prefixed metadata.
func encodeSnapshotMetadata(w io.Writer, metadata *SnapshotMetadata) error {
	var b []byte
	b = appendUint64Field(b, 1, metadata.ID)
	b = appendUint64Field(b, 2, metadata.LastIncludedIndex)
	b = appendUint64Field(b, 3, metadata.LastIncludedTerm)
	b = appendBytesField(b, 4, metadata.Configuration)
	for _, entry := range metadata.UnappliedEntries {
		b = appendMessageField(b, 5, encodeLogEntry(entry))
	}

	if err := binary.Write(w, binary.BigEndian, snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, snapshotFormatVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func decodeSnapshotMetadata(r io.Reader) (SnapshotMetadata, error) {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return SnapshotMetadata{}, err
	}
	if magic != snapshotMagic {
		return SnapshotMetadata{}, fmt.Errorf("invalid snapshot magic %x", magic)
	}
	var version uint8
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return SnapshotMetadata{}, err
	}
	if version != snapshotFormatVersion {
		return SnapshotMetadata{}, fmt.Errorf("unsupported snapshot format version %d", version)
	}
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return SnapshotMetadata{}, err
	}
	if size < 0 {
		return SnapshotMetadata{}, fmt.Errorf("invalid snapshot metadata size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return SnapshotMetadata{}, err
	}

	var metadata SnapshotMetadata
	err := consumeFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &metadata.ID)
		case 2:
			return consumeUint64(typ, b, &metadata.LastIncludedIndex)
		case 3:
			return consumeUint64(typ, b, &metadata.LastIncludedTerm)
		case 4:
			return consumeBytes(typ, b, &metadata.Configuration)
		case 5:
			return consumeMessage(typ, b, func(data []byte) error {
				entry, err := decodeLogEntry(data)
				if err != nil {
					return err
				}
				metadata.UnappliedEntries = append(metadata.UnappliedEntries, entry)
				return nil
			})
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return SnapshotMetadata{}, fmt.Errorf("could not decode snapshot metadata: %w", err)
	}
	return metadata, nil
}
