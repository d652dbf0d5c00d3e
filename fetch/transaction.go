// Package fetch performs upstream dictionary fetches. It provides an
// HTTP-backed network transaction for writer sessions and a
// singleflight-deduplicated whole-dictionary fetcher for the registrar
// path.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/wolfeidau/dictionary-cache/writers"
)

// Transaction is a network transaction over one upstream HTTP response.
// It implements writers.NetworkTransaction.
type Transaction struct {
	resp     *http.Response
	state    atomic.Int32
	priority atomic.Int32
}

// Open issues a GET for url and returns the transaction once response
// headers have arrived. The request is bound to ctx, so cancelling ctx
// aborts both the dial and any later body reads.
func Open(ctx context.Context, client *http.Client, url string) (*Transaction, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	t := &Transaction{}
	t.state.Store(int32(writers.LoadStateWaitingForResponse))

	resp, err := client.Do(req)
	if err != nil {
		t.state.Store(int32(writers.LoadStateIdle))
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}

	t.resp = resp
	t.state.Store(int32(writers.LoadStateReadingResponse))
	return t, nil
}

// Read reads the next chunk of the response body. A zero count with a nil
// error means end of body.
func (t *Transaction) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := t.resp.Body.Read(p)
	if n > 0 {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		t.state.Store(int32(writers.LoadStateIdle))
		return 0, nil
	}
	return 0, err
}

// SetPriority records the session's effective priority. The response is
// already in flight, so this only influences diagnostics.
func (t *Transaction) SetPriority(priority writers.Priority) {
	t.priority.Store(int32(priority))
}

// Priority returns the last priority pushed by the session.
func (t *Transaction) Priority() writers.Priority {
	return writers.Priority(t.priority.Load())
}

// LoadState reports where the fetch is up to.
func (t *Transaction) LoadState() writers.LoadState {
	return writers.LoadState(t.state.Load())
}

// Response derives the attach-time response properties from the upstream
// response headers.
func (t *Transaction) Response() writers.ResponseInfo {
	etag := t.resp.Header.Get("ETag")
	return writers.ResponseInfo{
		StatusCode:          t.resp.StatusCode,
		ContentLength:       t.resp.ContentLength,
		HasStrongValidators: (etag != "" && !strings.HasPrefix(etag, "W/")) || t.resp.Header.Get("Last-Modified") != "",
		HasContentEncoding:  t.resp.Header.Get("Content-Encoding") != "",
	}
}

// Close discards the rest of the body and releases the connection.
func (t *Transaction) Close() error {
	t.state.Store(int32(writers.LoadStateIdle))
	return t.resp.Body.Close()
}
