package shi

import (
	"encoding/binary"

	"github.com/ledgerwatch/shi/storelog"
)

// slotFlag bits for one KeyPointer.
type slotFlag uint8

const (
	flagNull      slotFlag = 1 << 0
	flagTentative slotFlag = 1 << 1
	flagTombstone slotFlag = 1 << 2
)

// recordHeaderSize is the fixed header every secondary record carries
// ahead of its CompositeKey: the RecordId (8 bytes).
const recordHeaderSize = 8

// KeyPointer is one fixed-width slot inside a CompositeKey, packed as:
//
//	predicateOrdinal uint8
//	flags            uint8
//	offsetToStartOfKeys uint16
//	previousAddress  int64
//	key              SKey (fixed width, keySize bytes)
//
// slotHeaderSize is everything but the key bytes.
const slotHeaderSize = 1 + 1 + 2 + 8

// SlotSize returns the on-disk width of one slot for a Group whose SKey is
// keySize bytes wide.
func SlotSize(keySize int) int { return slotHeaderSize + keySize }

// CompositeKeyLayout describes the fixed packed layout of one Group's
// composite key: N slots, each keySize-wide SKey plus its fixed header.
type CompositeKeyLayout struct {
	NumPredicates int
	KeySize       int
}

func (l CompositeKeyLayout) slotSize() int   { return SlotSize(l.KeySize) }
func (l CompositeKeyLayout) TotalSize() int  { return recordHeaderSize + l.NumPredicates*l.slotSize() }
func (l CompositeKeyLayout) slotOffset(ordinal int) int {
	return recordHeaderSize + ordinal*l.slotSize()
}

// EncodeRecord packs a RecordId and a full vector of per-ordinal slots
// (a slot with Null set => NULL slot) into one physical composite record.
func (l CompositeKeyLayout) EncodeRecord(id RecordId, slots []Slot) []byte {
	buf := make([]byte, l.TotalSize())
	binary.BigEndian.PutUint64(buf[0:8], uint64(id))
	for ordinal := 0; ordinal < l.NumPredicates; ordinal++ {
		off := l.slotOffset(ordinal)
		l.encodeSlot(buf[off:off+l.slotSize()], ordinal, slots[ordinal])
	}
	return buf
}

func (l CompositeKeyLayout) encodeSlot(dst []byte, ordinal int, s Slot) {
	dst[0] = byte(ordinal)
	var flags slotFlag
	if s.Null {
		flags |= flagNull
	}
	if s.Tombstone {
		flags |= flagTombstone
	}
	if s.Tentative {
		flags |= flagTentative
	}
	dst[1] = byte(flags)
	// offsetToStartOfKeys counts bytes back from this slot's start to the
	// start of the record (its RecordId header). decodeSlot does not read
	// it back; KeyAccessor.RecordAddress derives the record start from the
	// ordinal instead.
	offsetBack := recordHeaderSize + ordinal*l.slotSize()
	binary.BigEndian.PutUint16(dst[2:4], uint16(offsetBack))
	binary.BigEndian.PutUint64(dst[4:12], uint64(s.PreviousAddress))
	copy(dst[slotHeaderSize:], s.Key)
}

// DecodeRecord unpacks a physical composite record back into its RecordId
// and per-ordinal slots.
func (l CompositeKeyLayout) DecodeRecord(buf []byte) (RecordId, []Slot) {
	id := RecordId(binary.BigEndian.Uint64(buf[0:8]))
	slots := make([]Slot, l.NumPredicates)
	for ordinal := 0; ordinal < l.NumPredicates; ordinal++ {
		off := l.slotOffset(ordinal)
		slots[ordinal] = l.decodeSlot(buf[off : off+l.slotSize()])
	}
	return id, slots
}

func (l CompositeKeyLayout) decodeSlot(buf []byte) Slot {
	flags := slotFlag(buf[1])
	key := make([]byte, l.KeySize)
	copy(key, buf[slotHeaderSize:])
	return Slot{
		Null:            flags&flagNull != 0,
		Tombstone:       flags&flagTombstone != 0,
		Tentative:       flags&flagTentative != 0,
		PreviousAddress: storelog.Address(int64(binary.BigEndian.Uint64(buf[4:12]))),
		Key:             key,
	}
}

// DecodeSlotAt reads just the slot for one ordinal out of a raw record,
// without materializing every other slot.
func (l CompositeKeyLayout) DecodeSlotAt(buf []byte, ordinal int) Slot {
	off := l.slotOffset(ordinal)
	return l.decodeSlot(buf[off : off+l.slotSize()])
}

// Slot is the decoded, in-memory form of one KeyPointer.
type Slot struct {
	Null            bool
	Tombstone       bool
	Tentative       bool
	PreviousAddress storelog.Address
	Key             []byte
}
