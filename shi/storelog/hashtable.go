package storelog

import "sync/atomic"

// HashTable is the bucketed array of chain-head addresses for one Group.
// Bucket updates are lock-free: callers CAS the old head into the new
// record's previous-address slot and retry on contention, re-reading the
// current head and re-linking before retrying CAS.
type HashTable struct {
	buckets []int64 // Address, atomically accessed
	mask    uint64
}

// NewHashTable allocates a table with the given power-of-two bucket count.
func NewHashTable(size uint64) *HashTable {
	buckets := make([]int64, size)
	for i := range buckets {
		buckets[i] = int64(InvalidAddress)
	}
	return &HashTable{buckets: buckets, mask: size - 1}
}

// BucketFor maps a mixed hash to a bucket index.
func (h *HashTable) BucketFor(hash uint64) uint64 {
	return hash & h.mask
}

// Head returns the current chain-head address for a bucket.
func (h *HashTable) Head(bucket uint64) Address {
	return Address(atomic.LoadInt64(&h.buckets[bucket]))
}

// Link installs newAddr as the chain head for bucket, returning the
// previous head that the caller must have already stored as the new
// record's previousAddress. It retries internally on CAS loss, re-reading
// the head and asking the caller to recompute previousAddress via relink,
// so no orphaned link is ever produced.
//
// relink is called with the freshly observed head before every CAS
// attempt, the first included; it must return the previousAddress value
// the new record should now carry (ordinarily just the head that is
// passed in).
func (h *HashTable) Link(bucket uint64, newAddr Address, relink func(currentHead Address) Address) (Address, error) {
	for {
		cur := atomic.LoadInt64(&h.buckets[bucket])
		want := relink(Address(cur))
		if atomic.CompareAndSwapInt64(&h.buckets[bucket], cur, int64(newAddr)) {
			return want, nil
		}
	}
}

// Buckets returns a read-only snapshot of the bucket-head array, for
// checkpointing.
func (h *HashTable) Buckets() []int64 {
	out := make([]int64, len(h.buckets))
	for i := range h.buckets {
		out[i] = atomic.LoadInt64(&h.buckets[i])
	}
	return out
}

// Restore replaces the bucket-head array wholesale, used during recovery.
func (h *HashTable) Restore(buckets []int64) {
	h.buckets = buckets
	h.mask = uint64(len(buckets)) - 1
}
