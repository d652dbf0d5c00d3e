package writers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	dictcache "github.com/wolfeidau/dictionary-cache"
	"github.com/wolfeidau/dictionary-cache/respmeta"
	"github.com/wolfeidau/dictionary-cache/telemetry"
)

// Writers is the coordination session for one cache entry. Consumers
// attach, issue reads, and detach; the session owns the network
// transaction and an optional body checksum, drives one read/write
// cycle at a time, and fans each cycle's bytes out to every consumer
// queued behind it.
//
// Session state is guarded by one mutex. The two blocking collaborator
// calls, the network read and the entry write, run outside the lock, so
// queued consumers can attach and park while a cycle is in flight.
type Writers struct {
	logger *slog.Logger
	entry  DiskEntry
	host   EntryHost
	codec  *respmeta.Codec

	mu       sync.Mutex
	members  map[Consumer]TransactionInfo
	waiting  []*waiter
	active   Consumer
	inCycle  bool
	finished bool

	network  NetworkTransaction
	checksum *dictcache.Hasher

	exclusive       bool
	networkReadOnly bool
	shouldKeepEntry bool

	// Truncation eligibility is decided once, from the response info of
	// the first consumer to attach, and never re-derived.
	truncateEligible bool
	response         ResponseInfo

	priority Priority
	written  int64

	// peak is the most consumers ever attached at once, reported when
	// the session's metrics are recorded.
	peak int
}

type waiter struct {
	consumer Consumer
	buf      []byte
	ch       chan readResult
}

type readResult struct {
	n   int
	err error
}

// Option configures a Writers session.
type Option func(*Writers)

// WithLogger sets the logger for the session.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writers) {
		w.logger = logger
	}
}

// New creates a session for the given entry.
func New(entry DiskEntry, host EntryHost, opts ...Option) (*Writers, error) {
	codec, err := respmeta.NewCodec()
	if err != nil {
		return nil, err
	}
	w := &Writers{
		logger:   slog.Default(),
		entry:    entry,
		host:     host,
		codec:    codec,
		members:  make(map[Consumer]TransactionInfo),
		priority: PriorityIdle,
		written:  entry.DataSize(ContentStream),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// AddTransaction attaches a consumer to the session. The first consumer
// fixes the session's response info, keep-entry disposition and
// truncation eligibility; an exclusive pattern or a partial transaction
// closes the session to later joiners.
func (w *Writers) AddTransaction(consumer Consumer, pattern JoinPattern, info TransactionInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return ErrCannotJoin
	}
	if len(w.members) > 0 && (w.exclusive || w.networkReadOnly) {
		return ErrCannotJoin
	}
	if len(w.members) == 0 {
		if pattern == JoinPatternExclusive || info.Partial {
			w.exclusive = true
		}
		w.response = info.Response
		w.shouldKeepEntry = info.Partial || info.Response.Valid()
		w.truncateEligible = info.Response.HasStrongValidators &&
			!info.Response.HasContentEncoding &&
			info.Response.ContentLength > 0 &&
			!(info.Partial && !info.Truncated)
	}
	w.members[consumer] = info
	if len(w.members) > w.peak {
		w.peak = len(w.members)
	}
	w.raisePriorityLocked(consumer.Priority())
	return nil
}

// SetNetworkTransaction hands the session exclusive ownership of the
// upstream fetch and, optionally, a checksum accumulator for the body.
func (w *Writers) SetNetworkTransaction(network NetworkTransaction, checksum *dictcache.Hasher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.network = network
	w.checksum = checksum
	if network != nil {
		network.SetPriority(w.priority)
	}
}

// ResetNetworkTransaction replaces the owned fetch after an upstream
// restart. Only meaningful for an exclusive session, where the single
// consumer controls the restart.
func (w *Writers) ResetNetworkTransaction(network NetworkTransaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.network = network
	if network != nil {
		network.SetPriority(w.priority)
	}
}

// StopCaching flips the session into network-read-only mode. It refuses
// when more than one consumer is attached, since the others depend on
// the entry being written.
func (w *Writers) StopCaching(keepEntry bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.members) > 1 {
		return false
	}
	w.networkReadOnly = true
	if !keepEntry {
		w.shouldKeepEntry = false
	}
	return true
}

// CanAddWriters reports whether another consumer may join.
func (w *Writers) CanAddWriters() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished || w.networkReadOnly {
		return false
	}
	return len(w.members) == 0 || !w.exclusive
}

// IsEmpty reports whether the session has no members.
func (w *Writers) IsEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.members) == 0
}

// ContainsOnlyIdleWriters reports whether every member is parked, with no
// read cycle in flight and nobody waiting on one.
func (w *Writers) ContainsOnlyIdleWriters() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.members) > 0 && !w.inCycle && len(w.waiting) == 0
}

// IsNetworkReadOnly reports whether cache writes have been abandoned.
func (w *Writers) IsNetworkReadOnly() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.networkReadOnly
}

// LoadState reports what the shared fetch is doing.
func (w *Writers) LoadState() LoadState {
	w.mu.Lock()
	network := w.network
	w.mu.Unlock()
	if network == nil {
		return LoadStateIdle
	}
	return network.LoadState()
}

// Priority returns the session's effective network priority.
func (w *Writers) Priority() Priority {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.priority
}

// RemoveTransaction detaches a consumer. A queued read it still has
// pending is failed with ErrConsumerRemoved; an in-flight cycle is not
// aborted, the consumer just stops receiving fan-out. When the last
// consumer leaves, the entry's fate is decided: kept on success,
// truncated when eligible, doomed otherwise.
func (w *Writers) RemoveTransaction(consumer Consumer, success bool) {
	w.mu.Lock()
	if _, ok := w.members[consumer]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.members, consumer)

	var dropped []*waiter
	kept := w.waiting[:0]
	for _, wt := range w.waiting {
		if wt.consumer == consumer {
			dropped = append(dropped, wt)
		} else {
			kept = append(kept, wt)
		}
	}
	w.waiting = kept

	if w.active == consumer && !w.inCycle {
		w.active = nil
	}
	w.recomputePriorityLocked()

	var finalize func()
	if len(w.members) == 0 && !w.inCycle && !w.finished {
		finalize = w.finalizeLocked(success)
	}
	w.mu.Unlock()

	for _, wt := range dropped {
		wt.ch <- readResult{0, ErrConsumerRemoved}
	}
	if finalize != nil {
		finalize()
	}
}

// finalizeLocked decides the entry's disposition once the session is
// over and returns the collaborator calls to run outside the lock.
func (w *Writers) finalizeLocked(success bool) func() {
	w.finished = true
	host := w.host
	peak := w.peak
	if success {
		keep := w.shouldKeepEntry
		return func() {
			telemetry.RecordWriterSession(context.Background(), "complete", peak)
			host.DoneWritingToEntry(true, keep, nil)
		}
	}
	if w.shouldTruncateLocked() {
		return func() {
			telemetry.RecordWriterSession(context.Background(), "abandoned", peak)
			w.truncateEntry(context.Background())
			host.DoneWritingToEntry(false, true, nil)
		}
	}
	return func() {
		telemetry.RecordWriterSession(context.Background(), "abandoned", peak)
		host.DoomEntry()
		host.DoneWritingToEntry(false, false, nil)
	}
}

// shouldTruncateLocked reports whether the partially written body is
// worth keeping for a future resumed fetch.
func (w *Writers) shouldTruncateLocked() bool {
	if !w.truncateEligible || !w.shouldKeepEntry || w.networkReadOnly {
		return false
	}
	if w.written <= 0 {
		return false
	}
	return w.response.ContentLength > w.written
}

// truncateEntry records the truncated-body marker in the entry metadata
// so a later transaction can resume the fetch.
func (w *Writers) truncateEntry(ctx context.Context) {
	rec := &respmeta.Record{
		StatusCode:    w.response.StatusCode,
		ContentLength: w.response.ContentLength,
		ResponseTime:  time.Now(),
		Truncated:     true,
	}
	if err := w.writeMetadata(ctx, rec); err != nil {
		w.logger.Error("writing truncation marker", "error", err)
		return
	}
	telemetry.RecordEntryTruncation(ctx)
}

// markEntryUnusable flags the entry metadata so dictionary-keyed
// lookups skip it. The cached bytes are left in place.
func (w *Writers) markEntryUnusable(ctx context.Context, hash dictcache.Hash) {
	rec := &respmeta.Record{
		StatusCode:    w.response.StatusCode,
		ContentLength: w.response.ContentLength,
		ResponseTime:  time.Now(),
		Hash:          hash,
		Unusable:      true,
	}
	if err := w.writeMetadata(ctx, rec); err != nil {
		w.logger.Error("marking entry unusable", "error", err)
	}
	telemetry.RecordChecksumMismatch(ctx)
}

func (w *Writers) writeMetadata(ctx context.Context, rec *respmeta.Record) error {
	data, err := w.codec.Encode(rec)
	if err != nil {
		return err
	}
	_, err = w.entry.WriteData(ctx, MetadataStream, 0, data, true)
	return err
}

func (w *Writers) raisePriorityLocked(p Priority) {
	if p <= w.priority {
		return
	}
	w.priority = p
	if w.network != nil {
		w.network.SetPriority(p)
	}
}

func (w *Writers) recomputePriorityLocked() {
	p := PriorityIdle
	for member := range w.members {
		if mp := member.Priority(); mp > p {
			p = mp
		}
	}
	if p == w.priority {
		return
	}
	w.priority = p
	if w.network != nil {
		w.network.SetPriority(p)
	}
}
