package writers

import "errors"

var (
	// ErrCannotJoin is returned when a consumer tries to attach to an
	// exclusive or network-read-only session.
	ErrCannotJoin = errors.New("writers: cannot add consumer to session")

	// ErrConsumerRemoved unblocks a queued read whose consumer was
	// detached before the in-flight cycle completed.
	ErrConsumerRemoved = errors.New("writers: consumer removed from session")

	// ErrNotMember is returned when an operation names a consumer that
	// never attached or has already been removed.
	ErrNotMember = errors.New("writers: consumer is not a session member")

	// ErrReadInProgress is returned when the active consumer issues a
	// second read before the first completed.
	ErrReadInProgress = errors.New("writers: read already in progress for consumer")

	// ErrNoNetworkTransaction is returned when a read starts before the
	// session was handed its network transaction.
	ErrNoNetworkTransaction = errors.New("writers: no network transaction set")
)
