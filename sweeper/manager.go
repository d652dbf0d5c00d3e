// Package sweeper runs the periodic maintenance passes over the
// dictionary store: dropping expired records and trimming the store
// back within its global budget. Tokens freed by either pass are handed
// to an optional purger so the blob payloads can be reclaimed too.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	dictcache "github.com/wolfeidau/dictionary-cache"
	"github.com/wolfeidau/dictionary-cache/store/dictdb"
)

// Config configures the sweeper.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
	Budget       dictdb.Budget // Global eviction budget (zero values: unbounded)
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
	}
}

// BlobPurger reclaims the blob payloads behind freed tokens.
type BlobPurger interface {
	PurgeBlobs(ctx context.Context, tokens []dictcache.Token) error
}

// Result contains the results of one sweep.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	ExpiredDeleted int           `json:"expired_deleted"`
	Evicted        int           `json:"evicted"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager runs sweeps on a schedule.
type Manager struct {
	store   *dictdb.Store
	purger  BlobPurger
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics registers the sweep metric instruments on meter.
func WithMetrics(meter metric.Meter) Option {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create sweeper metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithPurger sets the blob purger for freed tokens.
func WithPurger(purger BlobPurger) Option {
	return func(m *Manager) {
		m.purger = purger
	}
}

// New creates a sweeper over the given store.
func New(store *dictdb.Store, config Config, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background sweep goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the sweeper.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate sweep.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.sweep(ctx)
}

// Status returns the last sweep result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("sweeper starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"max_size", m.config.Budget.MaxSize,
		"max_count", m.config.Budget.MaxCount,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("sweeper stopped during startup delay")
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.logger.Info("sweeper context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.sweep(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-m.stopCh:
			m.logger.Info("sweeper stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("sweeper context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) sweep(ctx context.Context) *Result {
	result := &Result{StartedAt: time.Now()}

	m.logger.Info("starting sweep")

	m.phaseDeleteExpired(ctx, result)
	m.phaseProcessEviction(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("sweep completed",
		"duration", result.Duration,
		"expired_deleted", result.ExpiredDeleted,
		"evicted", result.Evicted,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) phaseDeleteExpired(ctx context.Context, result *Result) {
	tokens, err := m.store.DeleteExpired(ctx)
	if err != nil {
		result.Errors = append(result.Errors, "delete expired: "+err.Error())
		return
	}
	result.ExpiredDeleted = len(tokens)
	m.purge(ctx, tokens, result)
}

func (m *Manager) phaseProcessEviction(ctx context.Context, result *Result) {
	if m.config.Budget.MaxSize == 0 && m.config.Budget.MaxCount == 0 {
		return
	}
	tokens, err := m.store.ProcessEviction(ctx, m.config.Budget)
	if err != nil {
		result.Errors = append(result.Errors, "process eviction: "+err.Error())
		return
	}
	result.Evicted = len(tokens)
	m.purge(ctx, tokens, result)
}

func (m *Manager) purge(ctx context.Context, tokens []dictcache.Token, result *Result) {
	if m.purger == nil || len(tokens) == 0 {
		return
	}
	if err := m.purger.PurgeBlobs(ctx, tokens); err != nil {
		result.Errors = append(result.Errors, "purge blobs: "+err.Error())
	}
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.expiredDeleted.Add(ctx, int64(result.ExpiredDeleted))
	m.metrics.evicted.Add(ctx, int64(result.Evicted))
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
