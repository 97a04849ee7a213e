package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/exp/slices"

	"github.com/ctrlplane/raft/logging"
)

var (
	// ErrNotFound is returned when a record is requested that is not in the journal.
	ErrNotFound = errors.New("journal: record not found")

	// ErrRecordTooLarge is returned when a record cannot fit into an empty segment.
	ErrRecordTooLarge = errors.New("journal: record exceeds maximum segment size")
)

// Journal is an append-only sequence of records stored across segment files.
// Records are addressed by a contiguous index. A Journal is not safe for
// concurrent use.
type Journal struct {
	dir      string
	options  options
	logger   *logging.Logger
	segments []*segment
}

// Open opens the journal stored in dir, creating it if it does not exist.
func Open(dir string, opts ...Option) (*Journal, error) {
	options := options{
		maxSegmentSize:       defaultMaxSegmentSize,
		maxEntriesPerSegment: defaultMaxEntriesPerSegment,
		indexDensity:         defaultIndexDensity,
	}
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}

	logger := options.logger
	if logger == nil {
		var err error
		if logger, err = logging.NewLogger(logging.WithLevel(logging.Warn)); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("could not create journal directory %s: %w", dir, err)
	}

	j := &Journal{dir: dir, options: options, logger: logger}
	if err := j.load(); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("could not read journal directory %s: %w", j.dir, err)
	}

	var firstIndices []uint64
	for _, entry := range dirEntries {
		if firstIndex, ok := parseSegmentName(entry.Name()); ok && !entry.IsDir() {
			firstIndices = append(firstIndices, firstIndex)
		}
	}
	slices.Sort(firstIndices)

	for _, firstIndex := range firstIndices {
		path := filepath.Join(j.dir, segmentName(firstIndex))

		// A torn segment ends the journal. Later segments cannot hold
		// records that were acknowledged.
		if n := len(j.segments); n > 0 && j.segments[n-1].nextIndex != firstIndex {
			j.logger.Warnf("removing orphaned journal segment %s", path)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("could not remove orphaned segment %s: %w", path, err)
			}
			continue
		}

		s, torn, err := openSegment(path, j.options.indexDensity)
		if err != nil {
			return err
		}
		if torn {
			j.logger.Warnf("truncated torn record in journal segment %s at index %d", path, s.nextIndex)
		}
		j.segments = append(j.segments, s)
	}

	if len(j.segments) == 0 {
		s, err := createSegment(j.dir, 1, j.options.indexDensity)
		if err != nil {
			return err
		}
		j.segments = append(j.segments, s)
	}

	return nil
}

// FirstIndex returns the index of the first record retained by the journal.
func (j *Journal) FirstIndex() uint64 {
	return j.segments[0].firstIndex
}

// NextIndex returns the index that the next appended record must have.
func (j *Journal) NextIndex() uint64 {
	return j.last().nextIndex
}

// Append adds a record at index, which must equal NextIndex.
func (j *Journal) Append(index uint64, data []byte) error {
	if expected := j.NextIndex(); index != expected {
		return fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrderIndex, expected, index)
	}

	recordSize := int64(recordHeaderSize + len(data))
	if recordSize+segmentHeaderSize > int64(j.options.maxSegmentSize) {
		return fmt.Errorf("%w: record %d has size %d", ErrRecordTooLarge, index, recordSize)
	}

	last := j.last()
	full := last.entries() >= j.options.maxEntriesPerSegment ||
		last.size+recordSize > int64(j.options.maxSegmentSize)
	if full && last.entries() > 0 {
		if err := last.sync(); err != nil {
			return fmt.Errorf("could not sync segment %s: %w", last.path, err)
		}
		next, err := createSegment(j.dir, index, j.options.indexDensity)
		if err != nil {
			return err
		}
		j.segments = append(j.segments, next)
		last = next
	}

	return last.append(data)
}

// Read returns the record stored at index.
func (j *Journal) Read(index uint64) ([]byte, error) {
	s := j.segmentFor(index)
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	return s.read(index)
}

// Replay calls fn for every record in the journal in index order.
func (j *Journal) Replay(fn func(index uint64, data []byte) error) error {
	for _, s := range j.segments {
		if err := s.scan(s.firstIndex, fn); err != nil {
			return err
		}
	}
	return nil
}

// Truncate removes every record at or above index.
func (j *Journal) Truncate(index uint64) error {
	if index < j.FirstIndex() {
		return fmt.Errorf("%w: cannot truncate at %d", ErrIndexBelowFirst, index)
	}
	if index >= j.NextIndex() {
		return nil
	}

	for len(j.segments) > 1 && j.last().firstIndex >= index {
		if err := j.last().remove(); err != nil {
			return fmt.Errorf("could not remove segment: %w", err)
		}
		j.segments = j.segments[:len(j.segments)-1]
	}

	return j.last().truncate(index)
}

// Compact removes segments that only hold records below index. The segment
// containing index, and the last segment, are always retained.
func (j *Journal) Compact(index uint64) error {
	for len(j.segments) > 1 && j.segments[0].nextIndex <= index {
		if err := j.segments[0].remove(); err != nil {
			return fmt.Errorf("could not remove segment: %w", err)
		}
		j.segments = j.segments[1:]
	}
	return nil
}

// Reset removes every record and positions the journal so that the next
// appended record has index nextIndex.
func (j *Journal) Reset(nextIndex uint64) error {
	for _, s := range j.segments {
		if err := s.remove(); err != nil {
			return fmt.Errorf("could not remove segment: %w", err)
		}
	}
	j.segments = nil

	s, err := createSegment(j.dir, nextIndex, j.options.indexDensity)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, s)
	return nil
}

// Sync flushes appended records to stable storage.
func (j *Journal) Sync() error {
	return j.last().sync()
}

// Close closes every segment file.
func (j *Journal) Close() error {
	var firstErr error
	for _, s := range j.segments {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.segments = nil
	return firstErr
}

// SegmentCount returns the number of segment files in the journal.
func (j *Journal) SegmentCount() int {
	return len(j.segments)
}

func (j *Journal) last() *segment {
	return j.segments[len(j.segments)-1]
}

func (j *Journal) segmentFor(index uint64) *segment {
	i := sort.Search(len(j.segments), func(i int) bool {
		return j.segments[i].nextIndex > index
	})
	if i == len(j.segments) || index < j.segments[i].firstIndex {
		return nil
	}
	return j.segments[i]
}
