// Package storelog implements the secondary store that backs one Group:
// a bucketed, lock-free-per-bucket hash table over an append-only,
// variable-length log. The layout and sharding technique is adapted from
// ethdb/bitmapdb's sharded-append pattern, with the log itself realized as
// a sequence of memory-mapped segments instead of LMDB buckets.
package storelog

import (
	"fmt"

	"github.com/c2h5oh/datasize"
)

// Settings configures one Group's secondary store: hashTableSize,
// logPageSize, logSegmentSize, logMemorySize, checkpointDir.
type Settings struct {
	// HashTableSize is the number of buckets; must be a power of two.
	HashTableSize uint64
	// LogPageSize sizes the page cache: it holds LogMemorySize/LogPageSize
	// entries (at least 16). Sealed segments are paged in whole, one cache
	// entry per segment, not at page granularity.
	LogPageSize datasize.ByteSize
	// LogSegmentSize is the size of one on-disk segment file. The tail
	// segment is kept memory-mapped for writes; sealed segments are
	// snappy-compressed at rest and paged in read-only on demand.
	LogSegmentSize datasize.ByteSize
	// LogMemorySize, divided by LogPageSize, sets how many entries the page
	// cache holds. Each entry is a whole decompressed segment, so it does
	// not bound the cache's memory use in bytes.
	LogMemorySize datasize.ByteSize
	// CheckpointDir is carried with the settings but not read by this
	// package: Store.Checkpoint and Store.Recover take their directory as
	// an argument, and SubsetHashIndex.Checkpoint always writes a Group's
	// checkpoint under <baseDir>/groups/<name>/checkpoint.
	CheckpointDir string
}

// DefaultSettings mirrors the 512MB in-memory bitmap flush threshold
// stage_log_index.go uses for its own log index, scaled down to a
// single-Group footprint.
func DefaultSettings(checkpointDir string) Settings {
	return Settings{
		HashTableSize:  1 << 16,
		LogPageSize:    4 * datasize.KB,
		LogSegmentSize: 32 * datasize.MB,
		LogMemorySize:  256 * datasize.MB,
		CheckpointDir:  checkpointDir,
	}
}

func (s Settings) validate() error {
	if s.HashTableSize == 0 || s.HashTableSize&(s.HashTableSize-1) != 0 {
		return fmt.Errorf("storelog: hash table size %d is not a power of two", s.HashTableSize)
	}
	if s.LogPageSize == 0 || s.LogSegmentSize == 0 {
		return fmt.Errorf("storelog: log page/segment size must be non-zero")
	}
	if s.LogSegmentSize%s.LogPageSize != 0 {
		return fmt.Errorf("storelog: log segment size must be a multiple of the page size")
	}
	return nil
}
