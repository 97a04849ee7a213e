package journal

import (
	"errors"

	"github.com/ctrlplane/raft/logging"
)

const (
	defaultMaxSegmentSize       = 32 * 1024 * 1024
	defaultMaxEntriesPerSegment = 1024 * 1024
	defaultIndexDensity         = 1

	minSegmentSize = segmentHeaderSize + recordHeaderSize
)

type options struct {
	// The maximum size of a segment file in bytes.
	maxSegmentSize int32

	// The maximum number of records in a segment file.
	maxEntriesPerSegment uint64

	// One index position is recorded for every indexDensity records.
	indexDensity int

	logger *logging.Logger
}

// Option is a function that updates the options of a journal.
type Option func(options *options) error

// WithMaxSegmentSize sets the size in bytes at which a segment is rolled over.
func WithMaxSegmentSize(size int32) Option {
	return func(options *options) error {
		if size < minSegmentSize {
			return errors.New("maximum segment size is too small")
		}
		options.maxSegmentSize = size
		return nil
	}
}

// WithMaxEntriesPerSegment sets the number of records at which a segment is rolled over.
func WithMaxEntriesPerSegment(entries uint64) Option {
	return func(options *options) error {
		if entries == 0 {
			return errors.New("maximum entries per segment must be positive")
		}
		options.maxEntriesPerSegment = entries
		return nil
	}
}

// WithIndexDensity sets how many records share one index position. A density of
// one selects a dense index.
func WithIndexDensity(density int) Option {
	return func(options *options) error {
		if density < 1 {
			return errors.New("index density must be positive")
		}
		options.indexDensity = density
		return nil
	}
}

// WithLogger sets the logger used to report recovered segments.
func WithLogger(logger *logging.Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}
