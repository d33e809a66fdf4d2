package storelog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/edsrzf/mmap-go"
	"github.com/golang/snappy"
)

// Address is the global byte offset of a record within a Group's log. It is
// the currency RecordId/slot addresses are expressed in throughout this
// package.
type Address int64

// InvalidAddress is the chain-termination and "no previous" sentinel.
const InvalidAddress Address = -1

const recordHeaderSize = 4 // uint32 length prefix

// Log is an append-only, segmented, variable-length byte log. The active
// (tail) segment is kept memory-mapped for writes; once a segment fills it
// is sealed, snappy-compressed, and evicted from memory, to be paged back
// in read-only through pageCache on demand. This mirrors ethdb/bitmapdb's
// preference for sharding large sequentially-written blobs rather than
// rewriting them in place.
type Log struct {
	dir         string
	segmentSize int64
	pageSize    int64

	mu       sync.Mutex
	segments []*segment
	tail     int64 // global address of the next write

	pageCache *lru.Cache // key: pageKey, value: []byte
}

type segment struct {
	index    int
	file     *os.File
	mapping  mmap.MMap
	sealed   bool
	length   int64 // bytes written so far (only meaningful while unsealed)
	compPath string
}

type pageKey struct {
	segment int
	page    int64
}

// OpenLog creates or reopens a Log rooted at dir.
func OpenLog(dir string, settings Settings) (*Log, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storelog: creating log dir: %w", err)
	}
	cacheEntries := int(int64(settings.LogMemorySize) / int64(settings.LogPageSize))
	if cacheEntries < 16 {
		cacheEntries = 16
	}
	cache, err := lru.New(cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("storelog: allocating page cache: %w", err)
	}
	l := &Log{
		dir:         dir,
		segmentSize: int64(settings.LogSegmentSize),
		pageSize:    int64(settings.LogPageSize),
		pageCache:   cache,
	}
	seg, err := l.openTailSegment(0)
	if err != nil {
		return nil, err
	}
	l.segments = append(l.segments, seg)
	return l, nil
}

func (l *Log) openTailSegment(index int) (*segment, error) {
	path := filepath.Join(l.dir, fmt.Sprintf("seg-%08d.log", index))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storelog: opening segment %d: %w", index, err)
	}
	if err := f.Truncate(l.segmentSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("storelog: sizing segment %d: %w", index, err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storelog: mapping segment %d: %w", index, err)
	}
	return &segment{index: index, file: f, mapping: m}, nil
}

// Append writes one record and returns its address. Appends within a
// single call are all-or-nothing: either the whole record lands in one
// segment or Append rolls to a fresh segment first, so a reader following
// the address always finds a complete record.
func (l *Log) Append(data []byte) (Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	need := int64(recordHeaderSize + len(data))
	if need > l.segmentSize {
		return InvalidAddress, fmt.Errorf("storelog: record of %d bytes exceeds segment size %d", len(data), l.segmentSize)
	}

	tailSeg := l.segments[len(l.segments)-1]
	if tailSeg.length+need > l.segmentSize {
		if err := l.sealSegment(tailSeg); err != nil {
			return InvalidAddress, err
		}
		next, err := l.openTailSegment(tailSeg.index + 1)
		if err != nil {
			return InvalidAddress, err
		}
		l.segments = append(l.segments, next)
		tailSeg = next
	}

	off := tailSeg.length
	binary.BigEndian.PutUint32(tailSeg.mapping[off:off+recordHeaderSize], uint32(len(data)))
	copy(tailSeg.mapping[off+recordHeaderSize:], data)
	tailSeg.length += need

	addr := Address(int64(tailSeg.index)*l.segmentSize + off)
	return addr, nil
}

// sealSegment flushes, unmaps, compresses, and drops the mmap for a
// segment that will no longer be written to.
func (l *Log) sealSegment(s *segment) error {
	if err := s.mapping.Flush(); err != nil {
		return fmt.Errorf("storelog: flushing segment %d: %w", s.index, err)
	}
	live := s.mapping[:s.length]
	compressed := snappy.Encode(nil, live)
	compPath := filepath.Join(l.dir, fmt.Sprintf("seg-%08d.snappy", s.index))
	if err := os.WriteFile(compPath, compressed, 0o644); err != nil {
		return fmt.Errorf("storelog: writing sealed segment %d: %w", s.index, err)
	}
	if err := s.mapping.Unmap(); err != nil {
		return fmt.Errorf("storelog: unmapping segment %d: %w", s.index, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("storelog: closing segment %d: %w", s.index, err)
	}
	s.sealed = true
	s.compPath = compPath
	s.mapping = nil
	return nil
}

// PatchAt overwrites data at a global byte offset within the still-open
// tail segment. It exists solely for the reserve-then-patch sequence a
// Group uses to fill in a previousAddress after the record carrying it has
// already been appended: the caller must guarantee off falls within the
// segment that was still the unsealed tail at the time of the Append that
// produced it, which holding the Group's own write lock across both calls
// guarantees.
func (l *Log) PatchAt(off int64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	segIdx := int(off / l.segmentSize)
	segOff := off % l.segmentSize
	if segIdx < 0 || segIdx >= len(l.segments) {
		return fmt.Errorf("storelog: patch address %d out of range", off)
	}
	s := l.segments[segIdx]
	if s.sealed {
		return fmt.Errorf("storelog: cannot patch sealed segment %d", segIdx)
	}
	if segOff+int64(len(data)) > int64(len(s.mapping)) {
		return fmt.Errorf("storelog: patch at %d with %d bytes overruns segment %d", off, len(data), segIdx)
	}
	copy(s.mapping[segOff:segOff+int64(len(data))], data)
	return nil
}

// Read returns the record stored at addr. A read against a sealed, cold
// segment pages the whole segment in through the LRU cache before slicing
// out the record.
func (l *Log) Read(addr Address) ([]byte, error) {
	l.mu.Lock()
	segIdx := int(int64(addr) / l.segmentSize)
	off := int64(addr) % l.segmentSize
	if segIdx < 0 || segIdx >= len(l.segments) {
		l.mu.Unlock()
		return nil, fmt.Errorf("storelog: address %d out of range", addr)
	}
	s := l.segments[segIdx]
	l.mu.Unlock()

	var buf []byte
	if !s.sealed {
		l.mu.Lock()
		length := binary.BigEndian.Uint32(s.mapping[off : off+recordHeaderSize])
		buf = append([]byte(nil), s.mapping[off+recordHeaderSize:off+recordHeaderSize+int64(length)]...)
		l.mu.Unlock()
		return buf, nil
	}

	raw, err := l.pageIn(s)
	if err != nil {
		return nil, err
	}
	if off+recordHeaderSize > int64(len(raw)) {
		return nil, fmt.Errorf("storelog: corrupt segment %d: record header past end", segIdx)
	}
	length := binary.BigEndian.Uint32(raw[off : off+recordHeaderSize])
	start := off + recordHeaderSize
	end := start + int64(length)
	if end > int64(len(raw)) {
		return nil, fmt.Errorf("storelog: corrupt segment %d: record body past end", segIdx)
	}
	return append([]byte(nil), raw[start:end]...), nil
}

// pageIn decompresses a sealed segment into the page cache, keyed per
// segment (sealed segments are immutable, so whole-segment caching is
// simpler than the finer page-granularity the LogPageSize setting implies
// and is sized against; see Settings.LogPageSize doc).
func (l *Log) pageIn(s *segment) ([]byte, error) {
	key := pageKey{segment: s.index}
	if v, ok := l.pageCache.Get(key); ok {
		return v.([]byte), nil
	}
	compressed, err := os.ReadFile(s.compPath)
	if err != nil {
		return nil, fmt.Errorf("storelog: reading sealed segment %d: %w", s.index, err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("storelog: decompressing segment %d: %w", s.index, err)
	}
	l.pageCache.Add(key, raw)
	return raw, nil
}

// Close seals the active tail segment's mmap without compressing it, so a
// clean shutdown leaves the log reopenable via Open without data loss.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tail := l.segments[len(l.segments)-1]
	if tail.sealed {
		return nil
	}
	if err := tail.mapping.Flush(); err != nil {
		return err
	}
	if err := tail.mapping.Unmap(); err != nil {
		return err
	}
	return tail.file.Close()
}
