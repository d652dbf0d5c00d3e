package sweeper

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dictcache "github.com/wolfeidau/dictionary-cache"
	"github.com/wolfeidau/dictionary-cache/store/dictdb"
)

func newTestStore(t *testing.T) *dictdb.Store {
	t.Helper()
	db := dictdb.New(dictdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	store := dictdb.NewStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type capturingPurger struct {
	mu     sync.Mutex
	tokens []dictcache.Token
}

func (p *capturingPurger) PurgeBlobs(_ context.Context, tokens []dictcache.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, tokens...)
	return nil
}

func (p *capturingPurger) purged() []dictcache.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dictcache.Token(nil), p.tokens...)
}

func registerDict(t *testing.T, store *dictdb.Store, match string, size uint64, expires time.Time) dictcache.Dictionary {
	t.Helper()
	now := time.Now().Add(-time.Hour)
	dict := dictcache.Dictionary{
		URL:            "https://origin.example/dict/" + match,
		Match:          "/" + match + "/*",
		ResponseTime:   now,
		ExpirationTime: expires,
		LastUsedTime:   now,
		Size:           size,
		Hash:           dictcache.HashBytes([]byte(match)),
		Token:          dictcache.NewToken(),
	}
	key := dictcache.IsolationKey{FrameOrigin: "https://origin.example", TopFrameSite: "https://site.example"}
	_, err := store.Register(context.Background(), key, dict, 1<<30, 10000)
	require.NoError(t, err)
	return dict
}

func TestManager_RunNow(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes expired records and purges their blobs", func(t *testing.T) {
		store := newTestStore(t)
		expired := registerDict(t, store, "old", 100, time.Now().Add(-time.Minute))
		registerDict(t, store, "new", 100, time.Now().Add(24*time.Hour))

		purger := &capturingPurger{}
		m := New(store, DefaultConfig(), WithPurger(purger))

		result := m.RunNow(ctx)
		assert.Equal(t, 1, result.ExpiredDeleted)
		assert.Empty(t, result.Errors)
		assert.Equal(t, []dictcache.Token{expired.Token}, purger.purged())
	})

	t.Run("evicts over-budget records", func(t *testing.T) {
		store := newTestStore(t)
		for i := range 4 {
			registerDict(t, store, string(rune('a'+i)), 300, time.Now().Add(24*time.Hour))
		}

		config := DefaultConfig()
		config.Budget = dictdb.Budget{MaxSize: 1000, SizeLowWatermark: 600}
		purger := &capturingPurger{}
		m := New(store, config, WithPurger(purger))

		result := m.RunNow(ctx)
		assert.Equal(t, 2, result.Evicted)
		assert.Len(t, purger.purged(), 2)

		size, err := store.TotalSize(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(600), size)
	})

	t.Run("skips eviction with unbounded budget", func(t *testing.T) {
		store := newTestStore(t)
		registerDict(t, store, "a", 300, time.Now().Add(24*time.Hour))

		m := New(store, DefaultConfig())
		result := m.RunNow(ctx)
		assert.Zero(t, result.Evicted)
		assert.Empty(t, result.Errors)
	})

	t.Run("records the last run", func(t *testing.T) {
		store := newTestStore(t)
		m := New(store, DefaultConfig())
		require.Nil(t, m.Status())

		result := m.RunNow(ctx)
		assert.Same(t, result, m.Status())
	})
}

func TestManager_StartStop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	config := DefaultConfig()
	config.StartupDelay = time.Hour // never fires during the test
	m := New(store, config)

	m.Start(ctx)
	m.Start(ctx) // second start is a no-op

	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx)) // second stop is a no-op
}

func TestManager_PeriodicSweep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	registerDict(t, store, "old", 100, time.Now().Add(-time.Minute))

	config := Config{Interval: 10 * time.Millisecond, StartupDelay: 0}
	m := New(store, config)
	m.Start(ctx)
	defer func() { _ = m.Stop(ctx) }()

	require.Eventually(t, func() bool {
		last := m.Status()
		return last != nil && last.ExpiredDeleted == 1
	}, 5*time.Second, 10*time.Millisecond)
}
