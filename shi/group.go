package shi

import (
	"sync"

	"github.com/ledgerwatch/shi/storelog"
)

// MaxPredicatesPerGroup bounds a Group's Predicate count: an ordinal must
// fit in a byte.
const MaxPredicatesPerGroup = 255

// MaxSKeySize bounds how wide, in bytes, a single Group's SKey may be.
const MaxSKeySize = 256

// GroupSpec is the registration-time description of one Group: the log
// settings (hashTableSize, logPageSize, logSegmentSize, logMemorySize,
// checkpointDir) plus the fixed SKey width every Predicate in the Group
// shares.
type GroupSpec struct {
	Name    string
	KeySize int
	Store   storelog.Settings
}

// Group is the secondary store for one set of co-located Predicates: a
// hash table plus append-only log over composite keys, and the
// ordinal-indexed vector of Predicates that produce them. Immutable after
// construction except for the Predicate vector, which may only widen (a
// Predicate may be added after an in-flight ChangeTracker was created).
type Group struct {
	id   GroupId
	name string

	mu         sync.RWMutex // guards predicates (widen-only) and log/table writes
	predicates []*Predicate
	layout     CompositeKeyLayout
	accessor   KeyAccessor
	store      *storelog.Store
}

func newGroup(id GroupId, spec GroupSpec, store *storelog.Store) *Group {
	layout := CompositeKeyLayout{KeySize: spec.KeySize}
	return &Group{
		id:       id,
		name:     spec.Name,
		layout:   layout,
		accessor: NewKeyAccessor(layout),
		store:    store,
	}
}

// addPredicate appends a new ordinal-bound Predicate under the
// registration mutex (held by the owning SubsetHashIndex).
func (g *Group) addPredicate(name string, fn PredicateFunc) (*Predicate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.predicates) >= MaxPredicatesPerGroup {
		return nil, newErr(KindRegistration, nil, "group %q already has the maximum of %d predicates", g.name, MaxPredicatesPerGroup)
	}
	p := &Predicate{group: g.id, ordinal: len(g.predicates), name: name, fn: fn}
	g.predicates = append(g.predicates, p)
	g.layout.NumPredicates = len(g.predicates)
	return p, nil
}

func (g *Group) numPredicates() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.predicates)
}

// evalSlots evaluates every Predicate in the Group against data, taking
// g.mu for read. Callers that already hold g.mu (read or write) must call
// evalSlotsLocked directly instead, since sync.RWMutex is not reentrant.
func (g *Group) evalSlots(data ProviderData) ([]Slot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.evalSlotsLocked(data)
}

// evalSlotsLocked is evalSlots' body, assuming the caller already holds
// g.mu. Returns one Slot per ordinal (Null when the Predicate returns no
// key).
func (g *Group) evalSlotsLocked(data ProviderData) ([]Slot, error) {
	predicates := g.predicates
	layout := g.layout

	slots := make([]Slot, layout.NumPredicates)
	for i, p := range predicates {
		key, ok := p.Eval(data)
		if !ok {
			slots[i] = Slot{Null: true}
			continue
		}
		if len(key) != layout.KeySize {
			return nil, newErr(KindInternalInvariant, nil,
				"predicate %q produced a %d-byte key, group %q expects %d bytes", p.name, len(key), g.name, layout.KeySize)
		}
		slots[i] = Slot{Key: key}
	}
	return slots, nil
}

func allNull(slots []Slot) bool {
	for _, s := range slots {
		if !s.Null {
			return false
		}
	}
	return true
}

// Insert evaluates every Predicate against data and appends one composite
// record linking each non-NULL slot into its (ordinal, key) chain. No
// record is appended when every Predicate yields NULL.
func (g *Group) Insert(id RecordId, data ProviderData) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertLocked(id, data)
}

func (g *Group) insertLocked(id RecordId, data ProviderData) error {
	slots, err := g.evalSlotsLocked(data)
	if err != nil {
		return err
	}
	if allNull(slots) {
		return nil
	}
	return g.appendLinked(id, slots)
}

// appendLinked appends one composite record, then patches each non-NULL
// slot's previousAddress in place once the bucket CAS reveals the true
// previous head — safe because the record's segment is still the writable
// tail while Group holds its own write lock, so no other append can have
// sealed it yet. The patch always runs, even when the revealed head is
// InvalidAddress: a fresh Slot's zero-valued PreviousAddress field is not
// itself a valid sentinel, so the chain terminator must be written
// explicitly rather than assumed from the slot's encoded default.
func (g *Group) appendLinked(id RecordId, slots []Slot) error {
	buf := g.layout.EncodeRecord(id, slots)
	addr, err := g.store.Log.Append(buf)
	if err != nil {
		return newErr(KindStorage, err, "appending composite record")
	}
	for ordinal, s := range slots {
		if s.Null {
			continue
		}
		bucket := g.store.Table.BucketFor(g.accessor.Hash(ordinal, s.Key))
		slotAddr := g.accessor.SlotAddress(addr, ordinal)
		prevHead, err := g.store.Table.Link(bucket, slotAddr, func(head storelog.Address) storelog.Address { return head })
		if err != nil {
			return newErr(KindStorage, err, "linking bucket for ordinal %d", ordinal)
		}
		if err := g.patchPreviousAddress(addr, ordinal, prevHead); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) patchPreviousAddress(recordAddr storelog.Address, ordinal int, prev storelog.Address) error {
	// +4 for the log's own uint32 length prefix ahead of the record body
	// (storelog.Log.Append/Read), then +4 past ordinal(1)+flags(1)+offsetToKeys(2).
	off := int64(recordAddr) + 4 + int64(g.layout.slotOffset(ordinal)) + 4
	var encoded [8]byte
	putInt64(encoded[:], int64(prev))
	if err := g.store.Log.PatchAt(off, encoded[:]); err != nil {
		return newErr(KindStorage, err, "patching previousAddress for ordinal %d", ordinal)
	}
	return nil
}

func putInt64(dst []byte, v int64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// Update applies the per-ordinal update decision table: unchanged null
// stays null, a fresh key gets an insert-only chain entry, a removed or
// superseded key gets a tombstone, and a key that carries over to the same
// value gets a new entry carrying the new RecordId but no tombstone.
// tracker must already have before-keys populated for
// this Group (via ensureBeforeKeys at the SubsetHashIndex layer).
func (g *Group) Update(tracker *ChangeTracker) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.predicates)
	before := tracker.slotsFor(g.id, n)
	afterSlots, err := g.evalSlotsLocked(tracker.AfterData)
	if err != nil {
		return err
	}

	// The general "new version" record carries every ordinal's after
	// state, linking freshly into each non-NULL after-key's chain.
	if err := g.insertLockedSlots(tracker.AfterRecordId, afterSlots); err != nil {
		return err
	}

	// Ordinals whose before-key is superseded (removed, or replaced by a
	// different key) additionally need a TOMBSTONE in the old chain,
	// carrying the superseded RecordId.
	var tombstones []Slot
	tombOrdinals := make([]int, 0, n)
	for ordinal := 0; ordinal < n; ordinal++ {
		b := before.before[ordinal]
		if b.Null {
			continue
		}
		a := afterSlots[ordinal]
		if !a.Null && g.accessor.Equals(ordinal, a.Key, ordinal, b.Key) {
			continue // same key: the general record already advanced this chain
		}
		tombOrdinals = append(tombOrdinals, ordinal)
		tombstones = append(tombstones, Slot{Key: b.Key, Tombstone: true})
	}
	if len(tombOrdinals) == 0 {
		return nil
	}
	fullTomb := make([]Slot, n)
	for i := range fullTomb {
		fullTomb[i] = Slot{Null: true}
	}
	for i, ordinal := range tombOrdinals {
		fullTomb[ordinal] = tombstones[i]
	}
	return g.appendLinked(tracker.BeforeRecordId, fullTomb)
}

func (g *Group) insertLockedSlots(id RecordId, slots []Slot) error {
	if allNull(slots) {
		return nil
	}
	return g.appendLinked(id, slots)
}

// Delete appends one TOMBSTONE record covering every ordinal whose
// before-key was non-NULL.
func (g *Group) Delete(tracker *ChangeTracker) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.predicates)
	before := tracker.slotsFor(g.id, n)
	full := make([]Slot, n)
	any := false
	for ordinal := 0; ordinal < n; ordinal++ {
		b := before.before[ordinal]
		if b.Null {
			full[ordinal] = Slot{Null: true}
			continue
		}
		full[ordinal] = Slot{Key: b.Key, Tombstone: true}
		any = true
	}
	if !any {
		return nil
	}
	return g.appendLinked(tracker.BeforeRecordId, full)
}

// EvalBefore computes and stores this Group's before-slots into tracker,
// for use by SetBeforeData(executeNow=true) and the deferred path alike.
func (g *Group) EvalBefore(tracker *ChangeTracker) error {
	slots, err := g.evalSlots(tracker.BeforeData)
	if err != nil {
		return err
	}
	gs := tracker.slotsFor(g.id, len(slots))
	tracker.mu.Lock()
	gs.before = slots
	gs.beforeDone = true
	tracker.mu.Unlock()
	return nil
}

// encodeBeforeCacheEntry packs tracker's before-slots for this Group into a
// cache blob, tagged with the RecordId they were evaluated against so a
// later Get can detect staleness.
func (g *Group) encodeBeforeCacheEntry(tracker *ChangeTracker) []byte {
	gs := tracker.slotsFor(g.id, g.numPredicates())
	tracker.mu.Lock()
	slots := gs.before
	tracker.mu.Unlock()
	g.mu.RLock()
	layout := g.layout
	g.mu.RUnlock()
	return layout.EncodeRecord(tracker.BeforeRecordId, slots)
}

// applyCachedBefore installs a previously cached before-slots blob into
// tracker, provided it was computed against the same BeforeRecordId this
// tracker carries. Returns false (no-op) on any mismatch, falling back to
// a live Predicate evaluation.
func (g *Group) applyCachedBefore(tracker *ChangeTracker, cached []byte) bool {
	g.mu.RLock()
	layout := g.layout
	g.mu.RUnlock()
	id, slots := layout.DecodeRecord(cached)
	if id != tracker.BeforeRecordId || len(slots) != layout.NumPredicates {
		return false
	}
	gs := tracker.slotsFor(g.id, len(slots))
	tracker.mu.Lock()
	gs.before = slots
	gs.beforeDone = true
	tracker.mu.Unlock()
	return true
}

// ChainWalker lazily walks one (ordinal, key) chain newest-first.
type ChainWalker struct {
	group   *Group
	ordinal int
	key     []byte
	next    storelog.Address
}

// OpenChainWalk starts a chain walk for (ordinal, key): a bucket lookup,
// then a walk of previousAddress links.
func (g *Group) OpenChainWalk(ordinal int, key []byte) (*ChainWalker, error) {
	if ordinal < 0 || ordinal >= g.numPredicates() {
		return nil, newErr(KindOperationArgument, nil, "ordinal %d out of range for group %q", ordinal, g.name)
	}
	bucket := g.store.Table.BucketFor(g.accessor.Hash(ordinal, key))
	return &ChainWalker{group: g, ordinal: ordinal, key: key, next: g.store.Table.Head(bucket)}, nil
}

// Next returns the next chain entry in newest-append-first order, skipping
// entries that collided into the same bucket but carry a different key.
// Non-TOMBSTONE entries come out newest RecordId first; a TOMBSTONE entry
// carries the superseded RecordId and is appended after the entries it
// supersedes, so it can precede higher RecordIds in the walk.
// ok is false once the chain is exhausted.
func (w *ChainWalker) Next() (id RecordId, tombstone bool, ok bool, err error) {
	for w.next != storelog.InvalidAddress {
		slotAddr := w.next
		recordAddr := w.group.accessor.RecordAddress(slotAddr, w.ordinal)
		raw, readErr := w.group.store.Log.Read(recordAddr)
		if readErr != nil {
			return 0, false, false, newErr(KindStorage, readErr, "reading chain entry at %d", recordAddr)
		}
		rid, slots := w.group.layout.DecodeRecord(raw)
		slot := slots[w.ordinal]
		w.next = slot.PreviousAddress
		if slot.Null {
			continue
		}
		if !w.group.accessor.Equals(w.ordinal, w.key, w.ordinal, slot.Key) {
			continue
		}
		return rid, slot.Tombstone, true, nil
	}
	return 0, false, false, nil
}
