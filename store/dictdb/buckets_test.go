package dictdb

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimestampEncoding(t *testing.T) {
	times := []time.Time{
		time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Unix(0, 0).UTC(),
		time.Date(2026, 3, 1, 12, 0, 0, 999, time.UTC),
	}
	for i, tm := range times {
		assert.True(t, decodeTimestamp(encodeTimestamp(tm)).Equal(tm), "round trip %v", tm)
		if i > 0 {
			assert.Equal(t, -1, bytes.Compare(encodeTimestamp(times[i-1]), encodeTimestamp(tm)),
				"byte order must follow time order")
		}
	}
	assert.True(t, decodeTimestamp(nil).IsZero())
}

func TestTimeKeyCarriesTimestampAndRowID(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := makeTimeKey(at, 42)
	assert.True(t, decodeTimestamp(key).Equal(at))
	assert.Equal(t, int64(42), decodeRowID(key[8:]))
}
