package shi

import "sync"

// groupSlots holds one Group's before/after slot vectors for a single
// mutation, plus whether each side has been evaluated yet.
type groupSlots struct {
	before     []Slot
	beforeDone bool
	after      []Slot
	afterDone  bool
}

// ChangeTracker is the per-mutation carrier: before/after Provider images
// and record ids, the operation kind, and the per-Group slot buffers
// computed along the way. One ChangeTracker exists per in-flight mutation
// and is discarded once it completes; callers should get a fresh one from
// SubsetHashIndex.NewChangeTracker rather than constructing the zero
// value, whose nil per-Group map slotsFor cannot write to.
type ChangeTracker struct {
	mu sync.Mutex

	Op             Operation
	BeforeData     ProviderData
	BeforeRecordId RecordId
	AfterData      ProviderData
	AfterRecordId  RecordId

	hasBeforeData bool
	perGroup      map[GroupId]*groupSlots
	// cachedBeforeAddress is initialized to InvalidRecordId and not read
	// anywhere; the IPU cache checks a cached entry against BeforeRecordId
	// instead (see SubsetHashIndex.ensureBeforeKeys).
	cachedBeforeAddress RecordId
}

func newChangeTracker(op Operation) *ChangeTracker {
	return &ChangeTracker{Op: op, perGroup: make(map[GroupId]*groupSlots), cachedBeforeAddress: InvalidRecordId}
}

// SetBeforeData records the pre-image of the record being mutated.
//
// executeNow: when the Provider can only hand back a pre-image that
// mutation would destroy (a blittable in-place update), the caller MUST
// pass executeNow=true, and beforeKeys are evaluated eagerly inside this
// call via evalNow. Otherwise evaluation defers to the point the mutation
// is actually issued (ensureBeforeKeys).
func (t *ChangeTracker) SetBeforeData(data ProviderData, id RecordId, executeNow bool, evalNow func(*ChangeTracker) error) error {
	t.mu.Lock()
	t.BeforeData = data
	t.BeforeRecordId = id
	t.hasBeforeData = true
	t.mu.Unlock()

	if executeNow {
		return evalNow(t)
	}
	return nil
}

// SetAfterData records the post-image and the RecordId the Provider
// assigned it.
func (t *ChangeTracker) SetAfterData(data ProviderData, id RecordId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AfterData = data
	t.AfterRecordId = id
}

// slotsFor returns (creating if needed) the per-Group slot buffer, widened
// to numPredicates so a Predicate added after this tracker was created
// still gets a slot with Null set (i.e. "NULL before") for its ordinal.
func (t *ChangeTracker) slotsFor(g GroupId, numPredicates int) *groupSlots {
	t.mu.Lock()
	defer t.mu.Unlock()
	gs, ok := t.perGroup[g]
	if !ok {
		gs = &groupSlots{}
		t.perGroup[g] = gs
	}
	for len(gs.before) < numPredicates {
		gs.before = append(gs.before, Slot{Null: true})
	}
	for len(gs.after) < numPredicates {
		gs.after = append(gs.after, Slot{Null: true})
	}
	return gs
}

// HasBeforeData reports whether SetBeforeData has been called; Insert
// trackers never have before data.
func (t *ChangeTracker) HasBeforeData() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasBeforeData
}
