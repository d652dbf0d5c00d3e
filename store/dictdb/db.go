// Package dictdb provides the persistent shared-dictionary store: a bbolt
// backed table of dictionary records with a denormalized running total
// size, per-site and global budget eviction, and batched last-used-time
// updates.
//
// All mutating operations run inside one writable transaction that also
// updates the running total, so the invariant
//
//	total == sum of size over live records
//
// holds after every commit. DictDB methods are not safe for concurrent use
// (except UpdateLastUsedTime); the Store front-end serializes them on one
// background goroutine.
package dictdb

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

// DictDB implements the persisted record store on bbolt.
type DictDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)

	// Pending last-used-time updates, coalesced by row id. This is the
	// only cross-sequence shared state: written by the client-facing
	// sequence, drained by the background sequence.
	pendingMu  sync.Mutex
	pending    map[int64]time.Time
	numPending int

	invariantViolations metric.Int64Counter
	lastUsedFlushBatch  metric.Float64Histogram
}

// Option configures a DictDB instance.
type Option func(*DictDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DictDB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DictDB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DictDB) {
		d.noSync = noSync
	}
}

// WithMeter registers the store's diagnostic instruments: a counter for
// running-total invariant violations (still surfaced as
// ErrInvalidTotalSize; the counter is a non-crashing side channel) and a
// histogram of coalesced last-used flush batch sizes.
func WithMeter(meter metric.Meter) Option {
	return func(d *DictDB) {
		counter, err := meter.Int64Counter(
			"dictionary_cache_store_invariant_violations_total",
			metric.WithDescription("Total number of running-total invariant violations detected"),
			metric.WithUnit("{violation}"),
		)
		if err != nil {
			d.logger.Error("failed to create invariant violation counter", "error", err)
		} else {
			d.invariantViolations = counter
		}

		hist, err := meter.Float64Histogram(
			"dictionary_cache_last_used_flush_batch_size",
			metric.WithDescription("Number of coalesced last-used updates per flush"),
			metric.WithUnit("{update}"),
			metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100),
		)
		if err != nil {
			d.logger.Error("failed to create last-used flush histogram", "error", err)
		} else {
			d.lastUsedFlushBatch = hist
		}
	}
}

// New creates a new DictDB instance with options. Open must be called
// before use.
func New(opts ...Option) *DictDB {
	d := &DictDB{
		logger:  slog.Default(),
		now:     time.Now,
		pending: make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path and creates the schema.
func (d *DictDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		d.db = nil
		return err
	}

	d.logger.Debug("opened dictdb", "path", path, "noSync", d.noSync)
	return nil
}

func (d *DictDB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketRecords,
			bucketByIdentity,
			bucketBySite,
			bucketByToken,
			bucketByLastUsed,
			bucketByExpiry,
			bucketMeta,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(totalSizeKey) == nil {
			if err := meta.Put(totalSizeKey, encodeTotal(0)); err != nil {
				return fmt.Errorf("initializing total size: %w", err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources. Pending last-used
// updates that have not been flushed are dropped; the bounded staleness
// window is an accepted trade.
func (d *DictDB) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing dictdb")
	err := d.db.Close()
	d.db = nil
	return err
}

// beginWrite starts a writable transaction, mapping failures to the
// distinct transaction-lifecycle errors.
func (d *DictDB) beginWrite() (*bbolt.Tx, error) {
	if d.db == nil {
		return nil, ErrNotOpen
	}
	tx, err := d.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBeginTx, err)
	}
	return tx, nil
}

// commit commits a transaction, mapping failures to ErrCommitTx.
func (d *DictDB) commit(tx *bbolt.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitTx, err)
	}
	return nil
}

// view runs a read-only transaction.
func (d *DictDB) view(fn func(tx *bbolt.Tx) error) error {
	if d.db == nil {
		return ErrNotOpen
	}
	return d.db.View(fn)
}
