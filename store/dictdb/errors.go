package dictdb

import "errors"

// Store errors. Transaction lifecycle failures (ErrBeginTx, ErrCommitTx)
// are kept distinct from row-level storage errors so callers can tell a
// retryable I/O problem from a programming error.
var (
	// ErrNotOpen is returned when the database has not been opened yet or
	// failed to open. The condition is retried lazily on the next call.
	ErrNotOpen = errors.New("dictdb: database not open")

	// ErrBeginTx wraps a failure to begin a writable transaction.
	ErrBeginTx = errors.New("dictdb: begin transaction")

	// ErrCommitTx wraps a failure to commit a transaction. The logical
	// operation was rolled back; no partial state is observable.
	ErrCommitTx = errors.New("dictdb: commit transaction")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("dictdb: not found")

	// ErrInvalidTotalSize is an invariant violation: the running total
	// would underflow or overflow. The operation is aborted; the total is
	// never silently clamped.
	ErrInvalidTotalSize = errors.New("dictdb: invalid total dictionary size")

	// ErrDictionaryTooBig is returned when a dictionary exceeds the
	// per-site size budget outright. Nothing is written.
	ErrDictionaryTooBig = errors.New("dictdb: dictionary exceeds per-site size limit")

	// ErrInvalidCountLimit is returned for a zero per-site count budget,
	// which would make every registration evict itself.
	ErrInvalidCountLimit = errors.New("dictdb: per-site count limit must be nonzero")

	// ErrClosed is returned by the async store front-end after Close.
	ErrClosed = errors.New("dictdb: store closed")
)
