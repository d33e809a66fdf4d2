package shi

import "fmt"

// ErrorKind classifies the failures the index can report.
type ErrorKind int

const (
	// KindRegistration covers duplicate names, too many Predicates,
	// oversized SKeys, and unsupported log settings at Register time.
	KindRegistration ErrorKind = iota
	// KindOperationArgument covers a PredicateHandle foreign to this
	// Index, or a nil handle.
	KindOperationArgument
	// KindOperationPendingLimit is a re-surfaced Provider backpressure
	// signal: the caller should retry via the Provider's own completion
	// mechanism.
	KindOperationPendingLimit
	// KindStorage covers IO failures on the secondary store.
	KindStorage
	// KindCancelled covers a query or awaited completion aborted via
	// QuerySettings.Cancellation or a deadline.
	KindCancelled
	// KindInternalInvariant is fatal: unexpected internal state, such as
	// a Predicate key of the wrong width, an unreadable manifest, or a
	// recovered ordinal that disagrees with the manifest.
	KindInternalInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindRegistration:
		return "RegistrationError"
	case KindOperationArgument:
		return "OperationArgumentError"
	case KindOperationPendingLimit:
		return "OperationPendingLimit"
	case KindStorage:
		return "StorageError"
	case KindCancelled:
		return "Cancelled"
	case KindInternalInvariant:
		return "InternalInvariantViolation"
	default:
		return "UnknownError"
	}
}

// Error is the single error type the index surfaces to callers. It wraps
// an underlying cause (if any) the way core/state/history.go wraps
// ethdb.ErrKeyNotFound through its own error returns.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &shi.Error{Kind: shi.KindStorage}) style checks
// by comparing Kind when the target is itself an *Error; the target's Msg
// and wrapped cause are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
	switch kind {
	case KindInternalInvariant:
		log.Error(e.Msg, "err", err)
	case KindStorage:
		log.Warn(e.Msg, "err", err)
	}
	return e
}

// KindOf reports whether err is a *shi.Error with the given kind.
func KindOf(err error, kind ErrorKind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}
