package telemetry

import (
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport is an http.RoundTripper that records every
// upstream fetch: duration, outcome and, once the caller has drained and
// closed the body, the bytes read. The source label names what kind of
// payload travels through it, such as "dictionary" or "entry".
type InstrumentedTransport struct {
	base   http.RoundTripper
	source string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when
// base is nil.
func NewInstrumentedTransport(base http.RoundTripper, source string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, source: source}
}

// RoundTrip implements http.RoundTripper. A failed round trip is
// recorded immediately; a successful one is recorded when the response
// body is closed, so the byte count covers the whole download.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), t.source, time.Since(start), 0, outcome)
		return nil, err
	}

	body := &meteredBody{inner: resp.Body}
	outcome := statusOutcome(resp.StatusCode)
	body.record = func(n int64) {
		RecordUpstreamFetch(req.Context(), t.source, time.Since(start), n, outcome)
	}
	resp.Body = body
	return resp, nil
}

// statusOutcome folds a status code into the outcome label.
func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// meteredBody counts the bytes read through it and fires record exactly
// once, on first Close.
type meteredBody struct {
	inner  io.ReadCloser
	n      int64
	record func(int64)
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *meteredBody) Close() error {
	if b.record != nil {
		b.record(b.n)
		b.record = nil
	}
	return b.inner.Close()
}
