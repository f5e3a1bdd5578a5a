package queue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	recordHeaderSize = 16         // 8 (offset) + 4 (crc) + 4 (length)
	fileHeaderSize   = 8          // 4 (magic) + 4 (file checksum placeholder)
	fileMagic        = 0x5056514A // "PVQJ"

	maxRecordSize = 64 * 1024 * 1024
)

// Record is a recovered journal entry with its sequence offset.
type Record struct {
	Offset int64
	Data   []byte
}

// Journal is the submission write-ahead log. Every accepted batch is
// appended and fsynced before it is acknowledged to the producer; on
// startup unacknowledged records are replayed into the queue, which is
// what makes delivery at-least-once across crashes.
type Journal struct {
	dir     string
	maxSize int64

	mu       sync.Mutex
	curr     *segment
	segments []*segment
	nextNum  int
	seq      int64
	crcTable *crc32.Table
	closed   bool
}

type segment struct {
	f      *os.File
	num    int
	size   int64
	minSeq int64
	maxSeq int64
}

// JournalOptions configure the journal.
type JournalOptions struct {
	Dir         string
	MaxFileSize int64
}

// OpenJournal opens (or creates) the journal under opts.Dir, scanning
// existing segments and truncating any torn tail record.
func OpenJournal(opts JournalOptions) (*Journal, error) {
	if opts.Dir == "" {
		return nil, errors.New("journal dir required")
	}
	if opts.MaxFileSize <= 0 {
		return nil, errors.New("journal max_file_size required; config defaults not applied")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		dir:      opts.Dir,
		maxSize:  opts.MaxFileSize,
		crcTable: crc32.MakeTable(crc32.Castagnoli),
	}
	maxSeq, err := j.recoverSegments()
	if err != nil {
		return nil, fmt.Errorf("failed to recover journal: %w", err)
	}
	j.seq = maxSeq + 1

	if j.curr == nil {
		if err := j.createSegment(); err != nil {
			return nil, fmt.Errorf("failed to create initial journal segment: %w", err)
		}
	} else if _, err := j.curr.f.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek journal tail: %w", err)
	}
	return j, nil
}

// Append writes one record and fsyncs. Returns the record's offset.
func (j *Journal) Append(data []byte) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, errors.New("journal is closed")
	}

	recordSize := int64(recordHeaderSize + len(data))
	if j.curr.size+recordSize > j.maxSize {
		if err := j.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate journal segment: %w", err)
		}
	}

	offset := j.seq
	if err := j.writeRecord(j.curr.f, offset, data); err != nil {
		return 0, fmt.Errorf("failed to write record at offset %d: %w", offset, err)
	}
	j.curr.size += recordSize
	j.seq++

	if j.curr.minSeq == -1 || offset < j.curr.minSeq {
		j.curr.minSeq = offset
	}
	if offset > j.curr.maxSeq {
		j.curr.maxSeq = offset
	}
	if err := j.curr.f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to fsync journal: %w", err)
	}
	return offset, nil
}

// NextOffset returns the offset the next append will receive.
func (j *Journal) NextOffset() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Recover streams every surviving record in offset order.
func (j *Journal) Recover(cb func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, s := range j.segments {
		if _, err := s.f.Seek(fileHeaderSize, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek segment %d: %w", s.num, err)
		}
		if err := j.readRecords(s.f, cb); err != nil {
			return fmt.Errorf("failed to read segment %d: %w", s.num, err)
		}
	}
	// restore append position
	if j.curr != nil {
		if _, err := j.curr.f.Seek(0, io.SeekEnd); err != nil {
			return err
		}
	}
	return nil
}

// TruncateBefore removes segments whose records all have offsets below
// minOffset. A fully acknowledged current segment is replaced with a fresh
// one so a restart does not replay acked records.
func (j *Journal) TruncateBefore(minOffset int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.curr != nil && j.curr.maxSeq >= 0 && j.curr.maxSeq < minOffset {
		if err := j.createSegment(); err != nil {
			return fmt.Errorf("failed to rotate acked segment: %w", err)
		}
	}

	var keep []*segment
	for _, s := range j.segments {
		if s != j.curr && s.maxSeq < minOffset {
			if err := s.f.Close(); err != nil {
				return fmt.Errorf("failed to close segment %d: %w", s.num, err)
			}
			path := filepath.Join(j.dir, segmentName(s.num))
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove segment %s: %w", path, err)
			}
			continue
		}
		keep = append(keep, s)
	}
	removed := len(j.segments) - len(keep)
	j.segments = keep
	if removed > 0 {
		return syncDir(j.dir)
	}
	return nil
}

// Close fsyncs and closes all segments.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	var firstErr error
	for _, s := range j.segments {
		if err := s.f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to sync segment %d: %w", s.num, err)
		}
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close segment %d: %w", s.num, err)
		}
	}
	return firstErr
}

func segmentName(num int) string { return fmt.Sprintf("%06d.wal", num) }

func (j *Journal) recoverSegments() (int64, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, err
	}
	var nums []int
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wal" {
			continue
		}
		num := 0
		if _, err := fmt.Sscanf(e.Name(), "%d.wal", &num); err != nil {
			continue
		}
		nums = append(nums, num)
	}
	sort.Ints(nums)

	maxSeq := int64(-1)
	for _, num := range nums {
		path := filepath.Join(j.dir, segmentName(num))
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open segment %s: %w", path, err)
		}
		if err := j.checkHeader(f); err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to validate segment %s: %w", path, err)
		}

		s := &segment{f: f, num: num, minSeq: -1, maxSeq: -1}
		seqs, validSize, err := j.scanSegment(f)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to scan segment %s: %w", path, err)
		}

		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return 0, err
		}
		// truncate a torn tail from a crash mid-append
		if validSize < stat.Size() {
			if err := f.Truncate(validSize); err != nil {
				f.Close()
				return 0, fmt.Errorf("failed to truncate segment %s: %w", path, err)
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return 0, err
			}
		}
		s.size = validSize
		if len(seqs) > 0 {
			s.minSeq = seqs[0]
			s.maxSeq = seqs[len(seqs)-1]
			if s.maxSeq > maxSeq {
				maxSeq = s.maxSeq
			}
		}
		j.segments = append(j.segments, s)
		if num >= j.nextNum {
			j.nextNum = num + 1
		}
		j.curr = s
	}
	return maxSeq, nil
}

func (j *Journal) checkHeader(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var magic uint32
	if err := binary.Read(f, binary.BigEndian, &magic); err != nil {
		if errors.Is(err, io.EOF) {
			return j.writeHeader(f)
		}
		return err
	}
	if magic != fileMagic {
		return fmt.Errorf("invalid segment magic: 0x%X", magic)
	}
	var checksum uint32
	return binary.Read(f, binary.BigEndian, &checksum)
}

func (j *Journal) writeHeader(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(f, binary.BigEndian, uint32(fileMagic)); err != nil {
		return err
	}
	return binary.Write(f, binary.BigEndian, uint32(0))
}

// scanSegment walks records from the header onward, stopping at the first
// torn or corrupt record. Returns the offsets seen and the valid size.
func (j *Journal) scanSegment(f *os.File) ([]int64, int64, error) {
	if _, err := f.Seek(fileHeaderSize, io.SeekStart); err != nil {
		return nil, 0, err
	}
	var seqs []int64
	validSize := int64(fileHeaderSize)
	for {
		offset, data, err := j.readOne(f)
		if err != nil {
			break
		}
		seqs = append(seqs, offset)
		validSize += recordHeaderSize + int64(len(data))
	}
	return seqs, validSize, nil
}

func (j *Journal) readRecords(f *os.File, cb func(Record) error) error {
	for {
		offset, data, err := j.readOne(f)
		if err != nil {
			return nil // torn tail already truncated on open
		}
		if err := cb(Record{Offset: offset, Data: data}); err != nil {
			return err
		}
	}
}

func (j *Journal) readOne(f *os.File) (int64, []byte, error) {
	var offset int64
	var crc uint32
	var length int32
	if err := binary.Read(f, binary.BigEndian, &offset); err != nil {
		return 0, nil, err
	}
	if err := binary.Read(f, binary.BigEndian, &crc); err != nil {
		return 0, nil, err
	}
	if err := binary.Read(f, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length < 0 || int64(length) > maxRecordSize {
		return 0, nil, fmt.Errorf("record length out of range: %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(f, data); err != nil {
		return 0, nil, err
	}
	if crc32.Checksum(data, j.crcTable) != crc {
		return 0, nil, errors.New("record checksum mismatch")
	}
	return offset, data, nil
}

func (j *Journal) writeRecord(f *os.File, offset int64, data []byte) error {
	var buf bytes.Buffer
	buf.Grow(recordHeaderSize + len(data))
	if err := binary.Write(&buf, binary.BigEndian, offset); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, crc32.Checksum(data, j.crcTable)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, int32(len(data))); err != nil {
		return err
	}
	buf.Write(data)
	_, err := f.Write(buf.Bytes())
	return err
}

func (j *Journal) createSegment() error {
	name := segmentName(j.nextNum)
	j.nextNum++
	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := j.writeHeader(f); err != nil {
		f.Close()
		return err
	}
	if err := syncDir(j.dir); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync journal directory: %w", err)
	}
	s := &segment{f: f, num: j.nextNum - 1, size: fileHeaderSize, minSeq: -1, maxSeq: -1}
	j.segments = append(j.segments, s)
	j.curr = s
	return nil
}

func (j *Journal) rotate() error {
	if err := j.curr.f.Sync(); err != nil {
		return err
	}
	return j.createSegment()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
