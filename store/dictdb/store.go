package dictdb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	dictcache "github.com/wolfeidau/dictionary-cache"
)

// Store is the asynchronous front-end over DictDB. Every database
// operation runs on one background goroutine in submission order, so
// DictDB itself never sees concurrent calls; callers block on a result
// channel and may abandon the wait through their context (the operation
// still completes).
type Store struct {
	db     *DictDB
	logger *slog.Logger

	jobs chan func()
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	timerMu    sync.Mutex
	flushTimer *time.Timer
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the store front-end.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore wraps db and starts the background worker. The caller retains
// ownership of db until Close, which closes it.
func NewStore(db *DictDB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		jobs:   make(chan func(), 64),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.jobs:
			fn()
		case <-s.done:
			// Drain jobs already accepted before shutdown.
			for {
				select {
				case fn := <-s.jobs:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit queues fn for the worker, honoring shutdown and ctx.
func (s *Store) submit(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.jobs <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending last-used updates, stops the worker and closes
// the database. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.timerMu.Lock()
		if s.flushTimer != nil {
			s.flushTimer.Stop()
			s.flushTimer = nil
		}
		s.timerMu.Unlock()

		close(s.done)
		s.wg.Wait()
		if ferr := s.db.FlushLastUsedTimes(); ferr != nil {
			s.logger.Error("flushing last-used updates on close", "error", ferr)
		}
		err = s.db.Close()
	})
	return err
}

type reply[T any] struct {
	val T
	err error
}

// call runs fn on the worker and waits for its result.
func call[T any](ctx context.Context, s *Store, fn func() (T, error)) (T, error) {
	ch := make(chan reply[T], 1)
	if err := s.submit(ctx, func() {
		val, err := fn()
		ch <- reply[T]{val, err}
	}); err != nil {
		var zero T
		return zero, err
	}
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Register stores the dictionary, sequenced behind prior operations.
func (s *Store) Register(ctx context.Context, key dictcache.IsolationKey, dict dictcache.Dictionary, maxSizePerSite, maxCountPerSite uint64) (RegisterResult, error) {
	return call(ctx, s, func() (RegisterResult, error) {
		return s.db.Register(key, dict, maxSizePerSite, maxCountPerSite)
	})
}

// GetDictionaries returns the records visible to the isolation key.
func (s *Store) GetDictionaries(ctx context.Context, key dictcache.IsolationKey) ([]dictcache.Dictionary, error) {
	return call(ctx, s, func() ([]dictcache.Dictionary, error) {
		return s.db.GetDictionaries(key)
	})
}

// GetAllDictionaries returns every record grouped by isolation key.
func (s *Store) GetAllDictionaries(ctx context.Context) (map[dictcache.IsolationKey][]dictcache.Dictionary, error) {
	return call(ctx, s, func() (map[dictcache.IsolationKey][]dictcache.Dictionary, error) {
		return s.db.GetAllDictionaries()
	})
}

// TotalSize returns the running total of stored dictionary bytes.
func (s *Store) TotalSize(ctx context.Context) (uint64, error) {
	return call(ctx, s, s.db.TotalSize)
}

// TotalCount returns the number of stored records.
func (s *Store) TotalCount(ctx context.Context) (uint64, error) {
	return call(ctx, s, s.db.TotalCount)
}

// ClearAll removes every record.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.db.ClearAll()
	})
	return err
}

// Clear removes records in the response-time window accepted by matcher,
// returning their tokens.
func (s *Store) Clear(ctx context.Context, start, end time.Time, matcher URLMatcher) ([]dictcache.Token, error) {
	return call(ctx, s, func() ([]dictcache.Token, error) {
		return s.db.Clear(start, end, matcher)
	})
}

// DeleteExpired removes expired records, returning their tokens.
func (s *Store) DeleteExpired(ctx context.Context) ([]dictcache.Token, error) {
	return call(ctx, s, func() ([]dictcache.Token, error) {
		return s.db.DeleteExpired(s.db.now())
	})
}

// ProcessEviction trims the store back within the budget.
func (s *Store) ProcessEviction(ctx context.Context, budget Budget) ([]dictcache.Token, error) {
	return call(ctx, s, func() ([]dictcache.Token, error) {
		return s.db.ProcessEviction(budget)
	})
}

// GetAllTokens returns every stored record's token.
func (s *Store) GetAllTokens(ctx context.Context) ([]dictcache.Token, error) {
	return call(ctx, s, s.db.GetAllTokens)
}

// DeleteByTokens removes the records with the given tokens.
func (s *Store) DeleteByTokens(ctx context.Context, tokens []dictcache.Token) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.db.DeleteByTokens(tokens)
	})
	return err
}

// UpdateLastUsedTime queues a last-used update. The update is written
// with the next batch: after 100 distinct rows accumulate, after the
// flush interval elapses, or before the next operation that reads
// last-used ordering, whichever comes first. Never blocks on the worker.
func (s *Store) UpdateLastUsedTime(rowID int64, t time.Time) {
	if s.db.RecordLastUsed(rowID, t) {
		s.scheduleFlush()
		return
	}
	s.timerMu.Lock()
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(LastUsedFlushInterval, s.scheduleFlush)
	}
	s.timerMu.Unlock()
}

// scheduleFlush queues a flush job without blocking the caller.
func (s *Store) scheduleFlush() {
	s.timerMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.timerMu.Unlock()

	flush := func() {
		if err := s.db.FlushLastUsedTimes(); err != nil {
			s.logger.Error("flushing last-used updates", "error", err)
		}
	}
	select {
	case s.jobs <- flush:
	case <-s.done:
	default:
		// Queue is full; a queued operation will flush before it reads.
		go func() {
			select {
			case s.jobs <- flush:
			case <-s.done:
			}
		}()
	}
}
