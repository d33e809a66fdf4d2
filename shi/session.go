package shi

import "fmt"

// IndexSession is the per-thread execution context: it enters the
// Provider's epoch on operation start and exits on completion. The
// mutation hooks (OnInsert, OnUpdate, OnDelete) run their Group appends
// inside a session; Query and QueryIterator.Next do not enter one, so
// chain walks start from the bucket head read when Query opens them and
// read the log outside epoch protection.
type IndexSession struct {
	index *SubsetHashIndex
	epoch Epoch
}

func newIndexSession(x *SubsetHashIndex) *IndexSession {
	return &IndexSession{index: x, epoch: x.provider.Epoch()}
}

// Enter begins an epoch-protected region. Callers must call the returned
// exit function exactly once, typically via defer.
func (s *IndexSession) Enter() (func(), error) {
	token, err := s.epoch.Enter()
	if err != nil {
		return nil, newErr(KindStorage, err, "entering provider epoch")
	}
	return func() { s.epoch.Exit(token) }, nil
}

func (s *IndexSession) String() string {
	return fmt.Sprintf("IndexSession(index=%p)", s.index)
}
