package shi

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/ledgerwatch/shi/storelog"
)

// KeyAccessor implements hashing and equality over a single slot, and
// address arithmetic between slots and the record they belong to. One
// KeyAccessor is shared by every Predicate in a Group, since all share the
// Group's CompositeKeyLayout.
type KeyAccessor struct {
	layout CompositeKeyLayout
}

func NewKeyAccessor(layout CompositeKeyLayout) KeyAccessor {
	return KeyAccessor{layout: layout}
}

// Hash mixes the user hash of the slot's key with its ordinal, so two
// Predicates in the same Group that happen to produce equal SKey bytes do
// not collide into the same chain.
func (a KeyAccessor) Hash(ordinal int, key []byte) uint64 {
	return mix(xxhash.Sum64(key), uint64(ordinal)+1)
}

// mix folds a small integer domain into a 64-bit hash and then applies
// MurmurHash3's 64-bit finalizer (fmix64), so the combined value stays well
// distributed across hash-table buckets.
func mix(h, domain uint64) uint64 {
	h ^= domain
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// Equals reports whether a query slot (ordinal, key) matches a stored
// slot.
func (a KeyAccessor) Equals(queryOrdinal int, queryKey []byte, storedOrdinal int, storedKey []byte) bool {
	return queryOrdinal == storedOrdinal && bytes.Equal(queryKey, storedKey)
}

// RecordAddress derives the address of a composite record's start from the
// address of one of its slots.
func (a KeyAccessor) RecordAddress(slotAddr storelog.Address, ordinal int) storelog.Address {
	offsetBack := a.layout.slotOffset(ordinal)
	return storelog.Address(int64(slotAddr) - int64(offsetBack))
}

// SlotAddress derives the address of a given ordinal's slot from a
// record's start address.
func (a KeyAccessor) SlotAddress(recordAddr storelog.Address, ordinal int) storelog.Address {
	return storelog.Address(int64(recordAddr) + int64(a.layout.slotOffset(ordinal)))
}
