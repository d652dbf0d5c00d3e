package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dictcache "github.com/wolfeidau/dictionary-cache"
)

func TestFetcher_Fetch(t *testing.T) {
	body := []byte("the quick brown dictionary")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := New(WithHTTPClient(srv.Client()))

	res, shared, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, body, res.Body)
	require.Equal(t, int64(len(body)), res.Size)
	require.Equal(t, dictcache.HashBytes(body), res.Hash)
}

func TestFetcher_DeduplicatesConcurrentFetches(t *testing.T) {
	var fetches atomic.Int32
	gate := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-gate
		_, _ = w.Write([]byte("shared body"))
	}))
	defer srv.Close()

	f := New(WithHTTPClient(srv.Client()))

	const callers = 5
	results := make([]*Result, callers)
	errs := make([]error, callers)

	var wg, started sync.WaitGroup
	started.Add(callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			results[i], _, errs[i] = f.Fetch(context.Background(), srv.URL)
		}()
	}

	// Wait for the first fetch to reach the origin, then let everyone
	// pile onto the same flight before releasing it.
	started.Wait()
	require.Eventually(t, func() bool {
		return fetches.Load() == 1
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, "shared body", string(results[i].Body))
	}
	require.EqualValues(t, 1, fetches.Load())
}

func TestFetcher_UpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(WithHTTPClient(srv.Client()))

	_, _, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrUpstreamStatus)
}

func TestFetcher_ForgetAllowsRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := New(WithHTTPClient(srv.Client()))

	_, _, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrUpstreamStatus)

	f.Forget(srv.URL)

	res, _, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "recovered", string(res.Body))
}

func TestFetcher_TooLarge(t *testing.T) {
	t.Run("declared content length", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "2048")
			_, _ = w.Write(make([]byte, 2048))
		}))
		defer srv.Close()

		f := New(WithHTTPClient(srv.Client()), WithMaxSize(1024))

		_, _, err := f.Fetch(context.Background(), srv.URL)
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("streamed without content length", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Transfer-Encoding", "chunked")
			for range 8 {
				_, _ = fmt.Fprint(w, string(make([]byte, 256)))
				w.(http.Flusher).Flush()
			}
		}))
		defer srv.Close()

		f := New(WithHTTPClient(srv.Client()), WithMaxSize(1024))

		_, _, err := f.Fetch(context.Background(), srv.URL)
		require.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestFetcher_CallerContextTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := New(WithHTTPClient(srv.Client()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
