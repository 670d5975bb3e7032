package blockstore

import "errors"

var (
	// ErrInvalidConfig is returned for invalid block sizes, block counts,
	// payload lengths or locations.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrLocked is returned when opening a location another handle holds
	// the lock on.
	ErrLocked = errors.New("storage location is locked")

	// ErrAlreadyExists is returned by setup when the location is already
	// provisioned.
	ErrAlreadyExists = errors.New("storage location already exists")

	// ErrNotFound is returned when an index or block object is missing.
	ErrNotFound = errors.New("object not found")

	// ErrOutOfRange is returned for block addresses outside [0, block count).
	ErrOutOfRange = errors.New("block address out of range")

	// ErrHeaderLengthMismatch is returned when a header update would change
	// the stored header length.
	ErrHeaderLengthMismatch = errors.New("header length mismatch")

	// ErrDeferredWrite is matched by errors from an asynchronous write
	// batch, reported when the batch is drained.
	ErrDeferredWrite = errors.New("deferred write failed")

	// ErrPreconditionFailed is returned by ConditionalBackend.UploadIf when
	// the stored version changed.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrCorrupt is returned for malformed index records and blocks of the
	// wrong size.
	ErrCorrupt = errors.New("corrupt object")

	// ErrClosed is returned by operations on a closed handle or backend.
	ErrClosed = errors.New("closed")
)
