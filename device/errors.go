package device

import (
	"github.com/kochman/blockstore"
)

// DeferredWriteError is a failure of an asynchronous write batch. It is
// returned by Drain, or by whichever operation drained the batch first.
// It matches blockstore.ErrDeferredWrite as well as the underlying error.
type DeferredWriteError struct {
	Err error
}

func (e *DeferredWriteError) Error() string {
	return "deferred write failed: " + e.Err.Error()
}

func (e *DeferredWriteError) Unwrap() []error {
	return []error{blockstore.ErrDeferredWrite, e.Err}
}
