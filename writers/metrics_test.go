package writers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dictcache "github.com/wolfeidau/dictionary-cache"
	"github.com/wolfeidau/dictionary-cache/telemetry"
)

// Drives sessions end to end and checks the instruments they touch show
// up on the Prometheus surface, the same way an operator would see them.
func TestWriters_SessionRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "writers-test",
		EnablePrometheus: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	// A completed session with one consumer reading the full body.
	w := newTestWriters(t, newFakeEntry(), &fakeHost{})
	consumer := &fakeConsumer{checksumOK: false}
	require.NoError(t, w.AddTransaction(consumer, JoinPatternShared, fullResponse()))
	w.SetNetworkTransaction(&fakeNetwork{chunks: [][]byte{[]byte("hello"), []byte("world")}}, dictcache.NewHasher())

	buf := make([]byte, 16)
	for {
		n, err := w.Read(ctx, consumer, buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	// A session abandoned after a cache write failure.
	entry := newFakeEntry()
	entry.shortWrite = true
	w2 := newTestWriters(t, entry, &fakeHost{})
	c2 := &fakeConsumer{}
	require.NoError(t, w2.AddTransaction(c2, JoinPatternShared, fullResponse()))
	w2.SetNetworkTransaction(&fakeNetwork{chunks: [][]byte{[]byte("data")}}, nil)
	_, err = w2.Read(ctx, c2, buf)
	require.NoError(t, err)
	w2.RemoveTransaction(c2, false)

	rec := httptest.NewRecorder()
	telemetry.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	scrape := rec.Body.String()

	assert.Contains(t, scrape, "dictionary_cache_writer_sessions_total")
	assert.Contains(t, scrape, `outcome="complete"`)
	assert.Contains(t, scrape, `outcome="abandoned"`)
	assert.Contains(t, scrape, "dictionary_cache_writer_fanout_consumers")
	assert.Contains(t, scrape, "dictionary_cache_writer_network_read_bytes_total")
	assert.Contains(t, scrape, "dictionary_cache_writer_cache_write_failures_total")
	assert.Contains(t, scrape, "dictionary_cache_writer_checksum_mismatches_total")
}
