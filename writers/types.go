// Package writers coordinates many logical transactions sharing one
// network fetch and one cache entry: at most one network read is in
// flight per entry, and every consumer waiting on that read receives a
// copy of its result. The storage engine and the network transaction
// are external collaborators behind small interfaces.
package writers

import (
	"context"
	"net/http"

	dictcache "github.com/wolfeidau/dictionary-cache"
)

// Priority orders network transactions; higher values run sooner. A
// session's effective priority is the maximum across its members.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHigh
)

// LoadState describes what the shared fetch is currently doing.
type LoadState int

const (
	LoadStateIdle LoadState = iota
	LoadStateWaitingForResponse
	LoadStateReadingResponse
)

// JoinPattern states how a consumer intends to share the entry.
type JoinPattern int

const (
	// JoinPatternShared lets later consumers join the session.
	JoinPatternShared JoinPattern = iota

	// JoinPatternExclusive takes the session for this consumer alone.
	// Partial-content transactions always behave as exclusive.
	JoinPatternExclusive
)

// ResponseInfo carries the response properties the session needs to
// decide entry disposition. It is captured once when the first consumer
// attaches and never re-derived.
type ResponseInfo struct {
	StatusCode          int
	ContentLength       int64
	HasStrongValidators bool
	HasContentEncoding  bool
}

// Valid reports whether the response may be kept in the cache.
func (r ResponseInfo) Valid() bool {
	return r.StatusCode == http.StatusOK || r.StatusCode == http.StatusNotModified
}

// TransactionInfo describes one consumer at attach time.
type TransactionInfo struct {
	// Partial marks a range transaction, which requires exclusive control
	// of the entry.
	Partial bool

	// Truncated marks that the entry already held a truncated body when
	// this transaction attached.
	Truncated bool

	Response ResponseInfo
}

// Consumer is one logical transaction participating in a session.
type Consumer interface {
	// Priority is this consumer's network priority.
	Priority() Priority

	// OnRemoved tells the consumer it was detached by the session, with
	// the error that caused it (nil for an orderly shutdown).
	OnRemoved(err error)

	// ResponseChecksumMatches reports whether the hash of the fully
	// received body matches the checksum this consumer expects.
	ResponseChecksumMatches(hash dictcache.Hash) bool
}

// NetworkTransaction is the shared upstream fetch, owned by the session.
type NetworkTransaction interface {
	Read(ctx context.Context, p []byte) (int, error)
	SetPriority(priority Priority)
	LoadState() LoadState
}

// Entry stream indices.
const (
	MetadataStream = 0
	ContentStream  = 1
)

// DiskEntry is the cache entry's blob storage.
type DiskEntry interface {
	// WriteData writes p at off in the given stream. truncate discards
	// any bytes past the end of the write.
	WriteData(ctx context.Context, stream int, off int64, p []byte, truncate bool) (int, error)

	// DataSize returns the number of bytes stored in the stream.
	DataSize(stream int) int64
}

// EntryHost owns the cache entry's lifecycle outside this session.
type EntryHost interface {
	// DoneWritingToEntry finalizes the entry. makeReaders lists the
	// consumers that should continue as read-only cache readers.
	DoneWritingToEntry(success bool, keepEntry bool, makeReaders []Consumer)

	// DoomEntry marks the entry for destruction once unreferenced.
	DoomEntry()
}
