package shi

import "context"

// InsertFunc performs the Provider-side insert and returns the RecordId it
// was assigned.
type InsertFunc func(ctx context.Context) (RecordId, error)

// UpdateFunc performs the Provider-side update and returns the post-image
// along with the RecordId it was assigned (which may equal the pre-image's
// RecordId for a true in-place update, or a fresh one for read-copy-update).
type UpdateFunc func(ctx context.Context) (RecordId, ProviderData, error)

// DeleteFunc performs the Provider-side delete.
type DeleteFunc func(ctx context.Context) error

// IndexingWrapper intercepts a Provider's three mutation shapes and drives
// the corresponding SubsetHashIndex hooks around them, so callers never
// have to construct a ChangeTracker by hand.
type IndexingWrapper struct {
	index *SubsetHashIndex
}

// Wrap returns an IndexingWrapper over index.
func Wrap(index *SubsetHashIndex) *IndexingWrapper {
	return &IndexingWrapper{index: index}
}

// Insert performs insertFn and then indexes the new record.
func (w *IndexingWrapper) Insert(ctx context.Context, data ProviderData, insertFn InsertFunc) (RecordId, error) {
	id, err := insertFn(ctx)
	if err != nil {
		return InvalidRecordId, err
	}
	if err := w.index.OnInsert(id, data); err != nil {
		return id, err
	}
	return id, nil
}

// Update performs updateFn and then indexes the transition from
// beforeData/beforeId to whatever updateFn produced.
//
// op distinguishes an in-place update, whose pre-image the Provider may
// destroy before this call returns (so beforeExecuteNow should be true),
// from a read-copy-update, whose pre-image remains valid until this call
// completes (so before-key evaluation can be deferred to run alongside the
// after-key evaluation already under way).
func (w *IndexingWrapper) Update(ctx context.Context, op Operation, beforeData ProviderData, beforeId RecordId, beforeExecuteNow bool, updateFn UpdateFunc) error {
	tracker := w.index.NewChangeTracker(op)
	if err := tracker.SetBeforeData(beforeData, beforeId, beforeExecuteNow, w.index.ensureBeforeKeys); err != nil {
		return err
	}

	afterId, afterData, err := updateFn(ctx)
	if err != nil {
		return err
	}
	tracker.SetAfterData(afterData, afterId)
	return w.index.OnUpdate(tracker)
}

// Delete performs deleteFn and then tombstones beforeData's chain entries.
func (w *IndexingWrapper) Delete(ctx context.Context, beforeId RecordId, beforeData ProviderData, deleteFn DeleteFunc) error {
	if err := deleteFn(ctx); err != nil {
		return err
	}
	return w.index.OnDelete(beforeId, beforeData)
}
