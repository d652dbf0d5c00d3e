package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"time"

	"golang.org/x/sync/singleflight"

	dictcache "github.com/wolfeidau/dictionary-cache"
	"github.com/wolfeidau/dictionary-cache/telemetry"
)

var (
	// ErrUpstreamStatus is returned when the origin answers with anything
	// other than 200.
	ErrUpstreamStatus = errors.New("fetch: unexpected upstream status")

	// ErrTooLarge is returned when the body exceeds the configured size cap.
	ErrTooLarge = errors.New("fetch: dictionary too large")
)

// DefaultMaxSize caps fetched dictionary bodies at 100 MiB.
const DefaultMaxSize = 100 << 20

// Result holds a fully fetched and hashed dictionary body.
type Result struct {
	Hash dictcache.Hash
	Size int64
	Body []byte
}

// Fetcher downloads dictionary bodies from origins, deduplicating
// concurrent fetches for the same URL with singleflight. It uses DoChan so
// each caller can respect its own context deadline without cancelling the
// in-flight fetch for others.
type Fetcher struct {
	client  *http.Client
	group   singleflight.Group
	maxSize int64
	logger  *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithMaxSize caps the accepted body size in bytes.
func WithMaxSize(maxSize int64) Option {
	return func(f *Fetcher) {
		f.maxSize = maxSize
	}
}

// New creates a new Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "dictionary"),
			Timeout:   60 * time.Second,
		},
		maxSize: DefaultMaxSize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the dictionary at url, deduplicating concurrent calls
// for the same URL. Returns the result, whether it was shared with another
// caller, and any error.
//
// If the caller's context expires before the fetch completes, Fetch
// returns the context error but the in-flight fetch continues for other
// waiters.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, bool, error) {
	ch := f.group.DoChan(url, func() (any, error) {
		// Detached context so that no single caller's cancellation stops
		// the fetch for everyone else.
		return f.fetch(context.WithoutCancel(ctx), url)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the url from the singleflight group, allowing a
// subsequent call to retry. Typically called after a fetch error.
func (f *Fetcher) Forget(url string) {
	f.group.Forget(url)
}

func (f *Fetcher) fetch(ctx context.Context, url string) (*Result, error) {
	// Attribute the fetch to the origin site unless the caller already
	// named one.
	if telemetry.SiteFromContext(ctx) == "" {
		if u, err := neturl.Parse(url); err == nil && u.Host != "" {
			ctx = telemetry.WithSiteContext(ctx, u.Scheme+"://"+u.Host)
		}
	}

	txn, err := Open(ctx, f.client, url)
	if err != nil {
		return nil, err
	}
	defer txn.Close() //nolint:errcheck

	info := txn.Response()
	if info.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d from %s", ErrUpstreamStatus, info.StatusCode, url)
	}
	if info.ContentLength > f.maxSize {
		return nil, fmt.Errorf("%w: %d bytes declared for %s", ErrTooLarge, info.ContentLength, url)
	}

	hasher := dictcache.NewHasher()
	body := make([]byte, 0, bodyCapacity(info.ContentLength))
	buf := make([]byte, 32*1024)

	for {
		n, err := txn.Read(ctx, buf)
		if err != nil {
			return nil, fmt.Errorf("reading body from %s: %w", url, err)
		}
		if n == 0 {
			break
		}
		if int64(len(body))+int64(n) > f.maxSize {
			return nil, fmt.Errorf("%w: body exceeds %d bytes from %s", ErrTooLarge, f.maxSize, url)
		}
		_, _ = hasher.Write(buf[:n])
		body = append(body, buf[:n]...)
	}

	f.logger.Debug("fetched dictionary", "url", url, "size", len(body))

	return &Result{
		Hash: hasher.Sum(),
		Size: int64(len(body)),
		Body: body,
	}, nil
}

func bodyCapacity(contentLength int64) int64 {
	if contentLength > 0 {
		return contentLength
	}
	return 32 * 1024
}
