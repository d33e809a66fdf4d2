package shi

import "context"

// RecordId is an opaque, totally-ordered identifier of a specific physical
// record version in the Provider KV. For the reference Provider
// (shi/providerkv) it is the log offset of the record.
type RecordId int64

// InvalidRecordId never identifies a live record.
const InvalidRecordId RecordId = -1

// ProviderData is the primary record payload handed to Predicates. It is
// intentionally opaque to the index: Predicates alone know how to read it.
type ProviderData interface{}

// Operation classifies the kind of Provider mutation a ChangeTracker
// describes.
type Operation int

const (
	OpInsert Operation = iota
	OpInPlaceUpdate
	OpReadCopyUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "Insert"
	case OpInPlaceUpdate:
		return "InPlaceUpdate"
	case OpReadCopyUpdate:
		return "ReadCopyUpdate"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// PrimaryKey is the Provider's own primary key encoding, used purely as an
// opaque comparable handle by LivenessFilter.
type PrimaryKey string

// Provider is the minimal surface the index needs from the primary
// log-structured KV store it augments. Provider KV internals (hash table,
// allocator, checkpoints) stay out of scope; this interface is the seam.
type Provider interface {
	// PrimaryKeyOf extracts the Provider's primary key for the record
	// identified by id, purely from the record header/log - the cheap
	// lookup a liveness check starts with.
	PrimaryKeyOf(ctx context.Context, id RecordId) (PrimaryKey, bool, error)
	// CurrentRecordId returns the Provider's current authoritative
	// RecordId for a primary key, or (InvalidRecordId, false, nil) if the
	// key is absent.
	CurrentRecordId(ctx context.Context, key PrimaryKey) (RecordId, bool, error)
	// IsTombstoned reports whether the Provider's own record for id has
	// been marked deleted, independent of our secondary TOMBSTONE flag.
	IsTombstoned(ctx context.Context, id RecordId) (bool, error)
	// Epoch exposes the Provider's epoch-protection mechanism so that
	// IndexSession can enter/exit it around core operations.
	Epoch() Epoch
}

// Epoch is the Provider's epoch-protection mechanism: a session must enter
// before any chain append or walk and exit after, so the Provider never
// reclaims log pages a session might still be reading.
type Epoch interface {
	Enter() (token int64, err error)
	Exit(token int64)
}
