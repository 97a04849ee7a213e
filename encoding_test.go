package raft

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLogEntryEncoding checks that log entries of every type survive encoding.
func TestLogEntryEncoding(t *testing.T) {
	entries := []*LogEntry{
		NewLogEntry(1, 1, []byte("operation"), OperationEntry),
		NewLogEntry(2, 3, []byte{1, 2, 3}, ConfigurationEntry),
		NewLogEntry(3, 3, nil, NoOpEntry),
	}
	for _, entry := range entries {
		decoded, err := decodeLogEntry(encodeLogEntry(entry))
		require.NoError(t, err)
		require.Equal(t, entry, decoded)
	}

	_, err := decodeLogEntry([]byte{0x0a, 0xff})
	require.Error(t, err)
}

// TestConfigurationEncoding checks that members, voting status and index are preserved.
func TestConfigurationEncoding(t *testing.T) {
	configuration := &Configuration{
		Members: map[string]string{"1": "127.0.0.0:8080", "2": "127.0.0.1:8080"},
		IsVoter: map[string]bool{"1": true, "2": false},
		Index:   7,
	}

	decoded, err := decodeConfiguration(encodeConfiguration(configuration))
	require.NoError(t, err)
	require.Equal(t, configuration, &decoded)
}

// TestPersistentStateEncoding checks that the term and vote are preserved and that
// unknown format versions are rejected.
func TestPersistentStateEncoding(t *testing.T) {
	state := &persistentState{term: 5, votedFor: "node-2"}
	encoded := encodePersistentState(state)

	decoded, err := decodePersistentState(encoded)
	require.NoError(t, err)
	require.Equal(t, *state, decoded)

	encoded[0] = stateFormatVersion + 1
	_, err = decodePersistentState(encoded)
	require.Error(t, err)
}

// TestSnapshotMetadataEncoding checks that snapshot metadata is preserved.
func TestSnapshotMetadataEncoding(t *testing.T) {
	metadata := &SnapshotMetadata{
		ID:                3,
		LastIncludedIndex: 80,
		LastIncludedTerm:  4,
		Configuration:     encodeConfiguration(NewConfiguration(map[string]string{"a": "localhost:1"})),
		UnappliedEntries:  []*LogEntry{NewLogEntry(81, 4, []byte("pending"), OperationEntry)},
	}

	var buf bytes.Buffer
	require.NoError(t, encodeSnapshotMetadata(&buf, metadata))
	buf.WriteString("state")

	decoded, err := decodeSnapshotMetadata(&buf)
	require.NoError(t, err)
	require.Equal(t, *metadata, decoded)
	require.Equal(t, "state", buf.String())
}
