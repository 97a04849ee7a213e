package raft

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ctrlplane/raft/internal/errors"
	"github.com/ctrlplane/raft/internal/fileutil"
	"github.com/ctrlplane/raft/internal/numeric"
	"golang.org/x/exp/slices"
)

// The number of snapshots kept on disk. Older snapshots are removed once a
// newer one is durable.
const retainedSnapshots = 2

// SnapshotMetadata describes the log prefix a snapshot replaces.
type SnapshotMetadata struct {
	// A unique, increasing identifier of the snapshot.
	ID uint64

	// The last log index included in the snapshot.
	LastIncludedIndex uint64

	// The term of the last log index included in the snapshot.
	LastIncludedTerm uint64

	// The encoded configuration as of the last included index.
	Configuration []byte

	// Entries that followed the last included index when the snapshot was taken.
	UnappliedEntries []*LogEntry
}

// SnapshotFile is a readable snapshot. Reads return the state machine data.
type SnapshotFile interface {
	io.ReadCloser

	// Metadata returns the metadata of the snapshot.
	Metadata() SnapshotMetadata
}

// SnapshotWriter writes the state machine data of a new snapshot. The
// snapshot becomes visible once Close returns without error.
type SnapshotWriter interface {
	io.WriteCloser

	// Metadata returns the metadata of the snapshot being written.
	Metadata() SnapshotMetadata

	// Discard abandons the snapshot.
	Discard() error
}

// SnapshotStorage represents the component of Raft this manages persistently
// storing snapshots of the state machine.
type SnapshotStorage interface {
	// NewSnapshotFile creates a writer for a new snapshot.
	NewSnapshotFile(
		lastIncludedIndex uint64,
		lastIncludedTerm uint64,
		configuration []byte,
		unappliedEntries ...*LogEntry,
	) (SnapshotWriter, error)

	// SnapshotFile opens the most recent snapshot. It returns nil if there
	// are no snapshots.
	SnapshotFile() (SnapshotFile, error)
}

type snapshotFile struct {
	*os.File
	reader   *bufio.Reader
	metadata SnapshotMetadata
}

func (s *snapshotFile) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *snapshotFile) Metadata() SnapshotMetadata {
	return s.metadata
}

type snapshotWriter struct {
	tmpFile  *os.File
	writer   *bufio.Writer
	path     string
	metadata SnapshotMetadata
	storage  *persistentSnapshotStorage
}

func (s *snapshotWriter) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

func (s *snapshotWriter) Metadata() SnapshotMetadata {
	return s.metadata
}

func (s *snapshotWriter) Close() error {
	defer os.Remove(s.tmpFile.Name())
	if err := s.writer.Flush(); err != nil {
		s.tmpFile.Close()
		return errors.WrapError(err, "failed to write snapshot")
	}
	if err := s.tmpFile.Sync(); err != nil {
		s.tmpFile.Close()
		return errors.WrapError(err, "failed to sync snapshot")
	}
	if err := s.tmpFile.Close(); err != nil {
		return errors.WrapError(err, "failed to close snapshot")
	}
	if err := os.Rename(s.tmpFile.Name(), s.path); err != nil {
		return errors.WrapError(err, "failed to rename snapshot")
	}
	if err := fileutil.SyncDir(filepath.Dir(s.path)); err != nil {
		return errors.WrapError(err, "failed to sync snapshot directory")
	}
	return s.storage.prune()
}

func (s *snapshotWriter) Discard() error {
	s.tmpFile.Close()
	return os.Remove(s.tmpFile.Name())
}

// persistentSnapshotStorage is an implementation of the SnapshotStorage
// interface that stores each snapshot in its own file.
type persistentSnapshotStorage struct {
	// The directory where snapshots are persisted.
	snapshotDir string

	// The unique ID that will be assigned to the next snapshot.
	id uint64

	mu sync.Mutex
}

// NewSnapshotStorage creates a new snapshot storage.
// Snapshots will be stored at path/snapshots. If any directories
// on the path do not exist, they will be created.
func NewSnapshotStorage(path string) (SnapshotStorage, error) {
	snapshotDir := filepath.Join(path, "snapshots")
	if err := os.MkdirAll(snapshotDir, os.ModePerm); err != nil {
		return nil, errors.WrapError(err, "failed to create snapshot directory %s", snapshotDir)
	}
	if err := fileutil.RemoveTmpFiles(snapshotDir); err != nil {
		return nil, errors.WrapError(err, "failed to remove temporary snapshot files")
	}

	storage := &persistentSnapshotStorage{snapshotDir: snapshotDir}
	ids, err := storage.snapshotIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		storage.id = numeric.Max(storage.id, id)
	}
	storage.id++

	return storage, nil
}

func (p *persistentSnapshotStorage) NewSnapshotFile(
	lastIncludedIndex uint64,
	lastIncludedTerm uint64,
	configuration []byte,
	unappliedEntries ...*LogEntry,
) (SnapshotWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tmpFile, err := os.CreateTemp(p.snapshotDir, fileutil.TmpPrefix+"-")
	if err != nil {
		return nil, errors.WrapError(err, "failed to create snapshot file")
	}

	metadata := SnapshotMetadata{
		ID:                p.id,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Configuration:     configuration,
		UnappliedEntries:  unappliedEntries,
	}
	writer := &snapshotWriter{
		tmpFile:  tmpFile,
		writer:   bufio.NewWriter(tmpFile),
		path:     filepath.Join(p.snapshotDir, snapshotName(p.id)),
		metadata: metadata,
		storage:  p,
	}
	if err := encodeSnapshotMetadata(writer.writer, &metadata); err != nil {
		writer.Discard()
		return nil, errors.WrapError(err, "failed to write snapshot metadata")
	}

	p.id++

	return writer, nil
}

func (p *persistentSnapshotStorage) SnapshotFile() (SnapshotFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.snapshotIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	path := filepath.Join(p.snapshotDir, snapshotName(ids[len(ids)-1]))
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapError(err, "failed to open snapshot %s", path)
	}
	reader := bufio.NewReader(file)
	metadata, err := decodeSnapshotMetadata(reader)
	if err != nil {
		file.Close()
		return nil, errors.WrapError(err, "failed to read snapshot metadata %s", path)
	}

	return &snapshotFile{File: file, reader: reader, metadata: metadata}, nil
}

// prune removes all but the most recent snapshots.
func (p *persistentSnapshotStorage) prune() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, err := p.snapshotIDs()
	if err != nil {
		return err
	}
	for len(ids) > retainedSnapshots {
		path := filepath.Join(p.snapshotDir, snapshotName(ids[0]))
		if err := os.Remove(path); err != nil {
			return errors.WrapError(err, "failed to remove snapshot %s", path)
		}
		ids = ids[1:]
	}
	return nil
}

// snapshotIDs returns the IDs of the snapshots on disk in increasing order.
func (p *persistentSnapshotStorage) snapshotIDs() ([]uint64, error) {
	entries, err := filepath.Glob(filepath.Join(p.snapshotDir, "snapshot-*.bin"))
	if err != nil {
		return nil, errors.WrapError(err, "failed to list snapshots")
	}
	ids := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(entry), "snapshot-"), ".bin")
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func snapshotName(id uint64) string {
	return fmt.Sprintf("snapshot-%d.bin", id)
}
