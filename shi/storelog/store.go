package storelog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring"
)

// Store is the complete secondary store for one Group: a hash table over
// chain heads plus the append-only log those chains live in.
type Store struct {
	Log   *Log
	Table *HashTable

	settings Settings
	// sealedSegments tracks which segment indices have been sealed, the
	// same sharded-bitmap bookkeeping technique ethdb/bitmapdb uses to
	// avoid rescanning already-flushed shards. Checkpoint stores it in the
	// checkpoint manifest and Recover reloads it; Checkpoint writes no
	// segment data, so there is nothing for it to skip.
	sealedSegments *roaring.Bitmap
}

// Open creates or reopens a Group's secondary store.
func Open(groupDir string, settings Settings) (*Store, error) {
	log, err := OpenLog(filepath.Join(groupDir, "log"), settings)
	if err != nil {
		return nil, err
	}
	return &Store{
		Log:            log,
		Table:          NewHashTable(settings.HashTableSize),
		settings:       settings,
		sealedSegments: roaring.New(),
	}, nil
}

type checkpointManifest struct {
	HashTableSize   uint64 `json:"hashTableSize"`
	SealedSegments  []byte `json:"sealedSegments"`
	BucketHeadsFile string `json:"bucketHeadsFile"`
}

// Checkpoint persists the hash table and records which log segments are
// already sealed (and therefore immutable). It returns the path to the
// manifest file written.
func (s *Store) Checkpoint(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storelog: creating checkpoint dir: %w", err)
	}

	bucketsPath := filepath.Join(dir, "buckets.bin")
	if err := writeBuckets(bucketsPath, s.Table.Buckets()); err != nil {
		return "", err
	}

	s.Log.mu.Lock()
	for _, seg := range s.Log.segments {
		if seg.sealed {
			s.sealedSegments.Add(uint32(seg.index))
		}
	}
	s.Log.mu.Unlock()

	sealedBytes, err := s.sealedSegments.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("storelog: marshaling sealed-segment bitmap: %w", err)
	}

	manifest := checkpointManifest{
		HashTableSize:   uint64(len(s.Table.buckets)),
		SealedSegments:  sealedBytes,
		BucketHeadsFile: "buckets.bin",
	}
	manifestPath := filepath.Join(dir, "manifest.json")
	buf, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("storelog: marshaling manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, buf, 0o644); err != nil {
		return "", fmt.Errorf("storelog: writing manifest: %w", err)
	}
	return manifestPath, nil
}

// Recover reloads a store's hash table from a prior Checkpoint. The log
// itself recovers by simply reopening its segment files (Open already
// does this); Recover only needs to reinstall the bucket-head array and
// the sealed-segment bitmap.
func (s *Store) Recover(dir string) error {
	manifestPath := filepath.Join(dir, "manifest.json")
	buf, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("storelog: reading manifest: %w", err)
	}
	var manifest checkpointManifest
	if err := json.Unmarshal(buf, &manifest); err != nil {
		return fmt.Errorf("storelog: parsing manifest: %w", err)
	}
	buckets, err := readBuckets(filepath.Join(dir, manifest.BucketHeadsFile), manifest.HashTableSize)
	if err != nil {
		return err
	}
	s.Table.Restore(buckets)

	sealed := roaring.New()
	if err := sealed.UnmarshalBinary(manifest.SealedSegments); err != nil {
		return fmt.Errorf("storelog: parsing sealed-segment bitmap: %w", err)
	}
	s.sealedSegments = sealed
	return nil
}

func writeBuckets(path string, buckets []int64) error {
	buf := make([]byte, 8*len(buckets))
	for i, v := range buckets {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return os.WriteFile(path, buf, 0o644)
}

func readBuckets(path string, n uint64) ([]int64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storelog: reading bucket heads: %w", err)
	}
	if uint64(len(buf)) != n*8 {
		return nil, fmt.Errorf("storelog: bucket heads file has %d bytes, expected %d", len(buf), n*8)
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}

// Close releases the store's log resources.
func (s *Store) Close() error {
	return s.Log.Close()
}
