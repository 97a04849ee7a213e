package raft

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ctrlplane/raft/internal/errors"
	"github.com/ctrlplane/raft/internal/fileutil"
)

// StateStorage represents the component of Raft responsible for persistently storing
// term and vote.
type StateStorage interface {
	// SetState durably persists the provided state before returning.
	SetState(term uint64, vote string) error

	// State returns the most recently persisted state in the storage. If there is
	// no pre-existing state, zero and an empty string will be returned.
	State() (uint64, string, error)
}

// persistentState is the state that must be persisted in Raft.
type persistentState struct {
	// The term of the associated Raft instance.
	term uint64

	// The vote of the associated Raft instance.
	votedFor string
}

// persistentStateStorage implements the StateStorage interface.
type persistentStateStorage struct {
	// The directory where the state will be persisted.
	stateDir string

	// The most recently persisted state.
	state *persistentState

	mu sync.Mutex
}

// NewStateStorage creates a new state storage.
// The file containing the state will be located at path/state/state.bin.
// Partially written state files left behind by a crash are removed.
func NewStateStorage(path string) (StateStorage, error) {
	stateDir := filepath.Join(path, "state")
	if err := os.MkdirAll(stateDir, os.ModePerm); err != nil {
		return nil, errors.WrapError(err, "failed to create state directory %s", stateDir)
	}
	if err := fileutil.RemoveTmpFiles(stateDir); err != nil {
		return nil, errors.WrapError(err, "failed to remove temporary state files")
	}
	return &persistentStateStorage{stateDir: stateDir}, nil
}

func (p *persistentStateStorage) SetState(term uint64, votedFor string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := &persistentState{term: term, votedFor: votedFor}
	filename := filepath.Join(p.stateDir, "state.bin")
	if err := fileutil.WriteFileAtomic(filename, encodePersistentState(state)); err != nil {
		return errors.WrapError(err, "failed to write state")
	}
	p.state = state

	return nil
}

func (p *persistentStateStorage) State() (uint64, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		filename := filepath.Join(p.stateDir, "state.bin")
		data, err := os.ReadFile(filename)
		if os.IsNotExist(err) {
			return 0, "", nil
		}
		if err != nil {
			return 0, "", errors.WrapError(err, "failed to read state")
		}
		state, err := decodePersistentState(data)
		if err != nil {
			return 0, "", errors.WrapError(err, "failed to decode state")
		}
		p.state = &state
	}

	return p.state.term, p.state.votedFor, nil
}
