package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ctrlplane/raft/internal/fileutil"
)

const (
	segmentMagic   uint32 = 0x52464a4c
	segmentVersion uint8  = 1

	segmentPrefix = "segment-"
	segmentSuffix = ".log"

	// magic + version + first index
	segmentHeaderSize = 4 + 1 + 8

	// length + checksum
	recordHeaderSize = 4 + 4
)

var errCorruptRecord = errors.New("journal: corrupt record")

// segment is a single journal file holding a contiguous run of records that
// starts at firstIndex.
type segment struct {
	path       string
	file       *os.File
	firstIndex uint64
	nextIndex  uint64
	size       int64
	index      Index
}

func segmentName(firstIndex uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, firstIndex, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	firstIndex, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return firstIndex, true
}

func createSegment(dir string, firstIndex uint64, density int) (*segment, error) {
	path := filepath.Join(dir, segmentName(firstIndex))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not create segment %s: %w", path, err)
	}

	header := make([]byte, segmentHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], segmentMagic)
	header[4] = segmentVersion
	binary.BigEndian.PutUint64(header[5:13], firstIndex)
	if _, err := file.WriteAt(header, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("could not write segment header %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("could not sync segment %s: %w", path, err)
	}
	if err := fileutil.SyncDir(dir); err != nil {
		file.Close()
		return nil, fmt.Errorf("could not sync journal directory %s: %w", dir, err)
	}

	return &segment{
		path:       path,
		file:       file,
		firstIndex: firstIndex,
		nextIndex:  firstIndex,
		size:       segmentHeaderSize,
		index:      NewIndex(firstIndex, density),
	}, nil
}

// openSegment opens an existing segment and rebuilds its index. A torn or
// corrupt record ends the segment: it and everything after it are truncated.
func openSegment(path string, density int) (*segment, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("could not open segment %s: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("could not stat segment %s: %w", path, err)
	}

	header := make([]byte, segmentHeaderSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		file.Close()
		return nil, false, fmt.Errorf("could not read segment header %s: %w", path, err)
	}
	if magic := binary.BigEndian.Uint32(header[0:4]); magic != segmentMagic {
		file.Close()
		return nil, false, fmt.Errorf("segment %s has invalid magic %x", path, magic)
	}
	if version := header[4]; version != segmentVersion {
		file.Close()
		return nil, false, fmt.Errorf("segment %s has unsupported version %d", path, version)
	}
	firstIndex := binary.BigEndian.Uint64(header[5:13])

	s := &segment{
		path:       path,
		file:       file,
		firstIndex: firstIndex,
		nextIndex:  firstIndex,
		size:       segmentHeaderSize,
		index:      NewIndex(firstIndex, density),
	}

	for s.size < stat.Size() {
		length, err := s.readRecordHeader(s.size, stat.Size())
		if err != nil {
			break
		}
		if _, err := s.readRecord(s.size, length); err != nil {
			break
		}
		if err := s.index.Append(s.nextIndex, int32(s.size)); err != nil {
			file.Close()
			return nil, false, err
		}
		s.size += recordHeaderSize + int64(length)
		s.nextIndex++
	}

	torn := s.size < stat.Size()
	if torn {
		if err := file.Truncate(s.size); err != nil {
			file.Close()
			return nil, false, fmt.Errorf("could not truncate torn segment %s: %w", path, err)
		}
	}

	return s, torn, nil
}

func (s *segment) entries() uint64 {
	return s.nextIndex - s.firstIndex
}

func (s *segment) lastIndex() uint64 {
	return s.nextIndex - 1
}

func (s *segment) append(data []byte) error {
	record := make([]byte, recordHeaderSize+len(data))
	binary.BigEndian.PutUint32(record[0:4], uint32(len(data)))
	binary.BigEndian.PutUint32(record[4:8], crc32.ChecksumIEEE(data))
	copy(record[recordHeaderSize:], data)

	if _, err := s.file.WriteAt(record, s.size); err != nil {
		return fmt.Errorf("could not write record %d to segment %s: %w", s.nextIndex, s.path, err)
	}
	if err := s.index.Append(s.nextIndex, int32(s.size)); err != nil {
		return err
	}
	s.size += int64(len(record))
	s.nextIndex++
	return nil
}

// locate returns the byte offset of the record holding index, starting from
// the closest indexed position and skipping forward over record headers.
func (s *segment) locate(index uint64) (int64, error) {
	current, offset := s.firstIndex, int64(segmentHeaderSize)
	if position, ok := s.index.Lookup(index); ok {
		current, offset = position.Index, int64(position.Offset)
	}
	for ; current < index; current++ {
		length, err := s.readRecordHeader(offset, s.size)
		if err != nil {
			return 0, err
		}
		offset += recordHeaderSize + int64(length)
	}
	return offset, nil
}

func (s *segment) read(index uint64) ([]byte, error) {
	if index < s.firstIndex || index >= s.nextIndex {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	offset, err := s.locate(index)
	if err != nil {
		return nil, err
	}
	length, err := s.readRecordHeader(offset, s.size)
	if err != nil {
		return nil, err
	}
	return s.readRecord(offset, length)
}

// scan calls fn for every record in the segment starting at from.
func (s *segment) scan(from uint64, fn func(index uint64, data []byte) error) error {
	if from < s.firstIndex {
		from = s.firstIndex
	}
	if from >= s.nextIndex {
		return nil
	}
	offset, err := s.locate(from)
	if err != nil {
		return err
	}
	for index := from; index < s.nextIndex; index++ {
		length, err := s.readRecordHeader(offset, s.size)
		if err != nil {
			return err
		}
		data, err := s.readRecord(offset, length)
		if err != nil {
			return err
		}
		if err := fn(index, data); err != nil {
			return err
		}
		offset += recordHeaderSize + int64(length)
	}
	return nil
}

// truncate removes every record at or above index.
func (s *segment) truncate(index uint64) error {
	if index >= s.nextIndex {
		return nil
	}
	offset := int64(segmentHeaderSize)
	if index > s.firstIndex {
		var err error
		if offset, err = s.locate(index); err != nil {
			return err
		}
	} else {
		index = s.firstIndex
	}
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("could not truncate segment %s: %w", s.path, err)
	}
	s.index.Truncate(index)
	s.size = offset
	s.nextIndex = index
	return s.file.Sync()
}

func (s *segment) sync() error {
	return s.file.Sync()
}

func (s *segment) close() error {
	return s.file.Close()
}

func (s *segment) remove() error {
	if err := s.file.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

func (s *segment) readRecordHeader(offset int64, limit int64) (uint32, error) {
	if offset+recordHeaderSize > limit {
		return 0, io.ErrUnexpectedEOF
	}
	header := make([]byte, 4)
	if _, err := s.file.ReadAt(header, offset); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(header)
	if offset+recordHeaderSize+int64(length) > limit {
		return 0, io.ErrUnexpectedEOF
	}
	return length, nil
}

func (s *segment) readRecord(offset int64, length uint32) ([]byte, error) {
	record := make([]byte, recordHeaderSize+int(length))
	if _, err := s.file.ReadAt(record, offset); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(record[recordHeaderSize:]) != binary.BigEndian.Uint32(record[4:8]) {
		return nil, fmt.Errorf("%w at offset %d in %s", errCorruptRecord, offset, s.path)
	}
	return record[recordHeaderSize:], nil
}
