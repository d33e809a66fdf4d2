package shi

import "context"

// LivenessFilter is the sole point that reconciles a stale chain entry
// against the Provider's current authoritative state.
type LivenessFilter struct {
	provider Provider
}

func NewLivenessFilter(provider Provider) *LivenessFilter {
	return &LivenessFilter{provider: provider}
}

// Check reports whether id is still the live, non-tombstoned record for
// its primary key. tombstone is the chain entry's own TOMBSTONE flag.
func (f *LivenessFilter) Check(ctx context.Context, id RecordId, tombstone bool) (bool, error) {
	if tombstone {
		return false, nil
	}
	primaryKey, ok, err := f.provider.PrimaryKeyOf(ctx, id)
	if err != nil {
		return false, newErr(KindStorage, err, "resolving primary key for record %d", id)
	}
	if !ok {
		return false, nil
	}
	current, ok, err := f.provider.CurrentRecordId(ctx, primaryKey)
	if err != nil {
		return false, newErr(KindStorage, err, "resolving current record id for primary key")
	}
	if !ok || current != id {
		return false, nil
	}
	deleted, err := f.provider.IsTombstoned(ctx, id)
	if err != nil {
		return false, newErr(KindStorage, err, "checking tombstone state for record %d", id)
	}
	return !deleted, nil
}
