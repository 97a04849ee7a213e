// Package journal implements a segmented, append-only record journal keyed by
// a contiguous logical index, together with the position indices used to map
// a logical index to the byte offset of its record inside a segment file.
package journal

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrOutOfOrderIndex is returned when an index is appended that does not
	// follow the previously appended index.
	ErrOutOfOrderIndex = errors.New("journal: index appended out of order")

	// ErrNegativeOffset is returned when a position with a negative offset is appended.
	ErrNegativeOffset = errors.New("journal: negative offset")

	// ErrIndexBelowFirst is returned when an index below the first index of an
	// index or segment is appended.
	ErrIndexBelowFirst = errors.New("journal: index below first index")
)

// Position is the physical location of the record holding a logical index.
type Position struct {
	Index  uint64
	Offset int32
}

// Index maps logical indices to physical positions within one segment.
//
// Lookup has floor semantics: it returns the closest recorded position at or
// below the requested index, and reports false only when the index precedes
// the first recorded position. Callers scan forward from the returned
// position to reach the exact record.
type Index interface {
	// Append records the position of index. Indices must be appended in
	// increasing order.
	Append(index uint64, offset int32) error

	// Lookup returns the closest recorded position at or below index.
	Lookup(index uint64) (Position, bool)

	// Truncate discards all positions at or above index and returns the new
	// last recorded position.
	Truncate(index uint64) (Position, bool)

	// Last returns the last recorded position.
	Last() (Position, bool)
}

// NewIndex returns a dense index when density is at most one, and a sparse
// index recording every density-th position otherwise.
func NewIndex(firstIndex uint64, density int) Index {
	if density <= 1 {
		return NewDenseIndex(firstIndex)
	}
	return NewSparseIndex(firstIndex, density)
}

// DenseIndex records the position of every index starting at its first index.
type DenseIndex struct {
	firstIndex uint64
	offsets    []int32
}

// NewDenseIndex creates an empty dense index whose first entry will be firstIndex.
func NewDenseIndex(firstIndex uint64) *DenseIndex {
	return &DenseIndex{firstIndex: firstIndex}
}

func (d *DenseIndex) Append(index uint64, offset int32) error {
	if offset < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeOffset, offset)
	}
	if index < d.firstIndex {
		return fmt.Errorf("%w: index = %d, first index = %d", ErrIndexBelowFirst, index, d.firstIndex)
	}
	if expected := d.nextIndex(); index != expected {
		return fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrderIndex, expected, index)
	}
	d.offsets = append(d.offsets, offset)
	return nil
}

func (d *DenseIndex) Lookup(index uint64) (Position, bool) {
	if index < d.firstIndex {
		return Position{}, false
	}
	if index >= d.nextIndex() {
		return d.Last()
	}
	return Position{Index: index, Offset: d.offsets[index-d.firstIndex]}, true
}

func (d *DenseIndex) Truncate(index uint64) (Position, bool) {
	if index <= d.firstIndex {
		d.offsets = d.offsets[:0]
	} else if index < d.nextIndex() {
		d.offsets = d.offsets[:index-d.firstIndex]
	}
	return d.Last()
}

func (d *DenseIndex) Last() (Position, bool) {
	if len(d.offsets) == 0 {
		return Position{}, false
	}
	last := len(d.offsets) - 1
	return Position{Index: d.firstIndex + uint64(last), Offset: d.offsets[last]}, true
}

func (d *DenseIndex) nextIndex() uint64 {
	return d.firstIndex + uint64(len(d.offsets))
}

type sparseEntry struct {
	relative uint32
	offset   int32
}

// SparseIndex records only the positions of indices that are a multiple of its
// density, trading lookup precision for memory.
type SparseIndex struct {
	firstIndex uint64
	density    uint64

	// The index following the last appended index, recorded or not.
	nextIndex uint64

	entries []sparseEntry
}

// NewSparseIndex creates an empty sparse index starting at firstIndex.
func NewSparseIndex(firstIndex uint64, density int) *SparseIndex {
	return &SparseIndex{firstIndex: firstIndex, density: uint64(density), nextIndex: firstIndex}
}

func (s *SparseIndex) Append(index uint64, offset int32) error {
	if offset < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeOffset, offset)
	}
	if index < s.firstIndex {
		return fmt.Errorf("%w: index = %d, first index = %d", ErrIndexBelowFirst, index, s.firstIndex)
	}
	if index < s.nextIndex {
		return fmt.Errorf("%w: index %d does not follow %d", ErrOutOfOrderIndex, index, s.nextIndex-1)
	}
	s.nextIndex = index + 1
	if index%s.density != 0 {
		return nil
	}
	s.entries = append(s.entries, sparseEntry{relative: uint32(index - s.firstIndex), offset: offset})
	return nil
}

func (s *SparseIndex) Lookup(index uint64) (Position, bool) {
	if index < s.firstIndex {
		return Position{}, false
	}
	if index >= s.nextIndex {
		return s.Last()
	}
	relative := uint32(index - s.firstIndex)
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].relative > relative
	}) - 1
	if i < 0 {
		return Position{}, false
	}
	return s.position(i), true
}

func (s *SparseIndex) Truncate(index uint64) (Position, bool) {
	if index <= s.firstIndex {
		s.entries = s.entries[:0]
		s.nextIndex = s.firstIndex
		return Position{}, false
	}
	relative := uint32(index - s.firstIndex)
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].relative >= relative
	})
	s.entries = s.entries[:i]
	if index < s.nextIndex {
		s.nextIndex = index
	}
	return s.Last()
}

func (s *SparseIndex) Last() (Position, bool) {
	if len(s.entries) == 0 {
		return Position{}, false
	}
	return s.position(len(s.entries) - 1), true
}

func (s *SparseIndex) position(i int) Position {
	return Position{Index: s.firstIndex + uint64(s.entries[i].relative), Offset: s.entries[i].offset}
}
