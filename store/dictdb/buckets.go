package dictdb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketRecords = []byte("records") // 8-byte row id -> record JSON

	// Identity unique index. Exactly one row per
	// (frame_origin, top_frame_site, host, match).
	bucketByIdentity = []byte("records_by_identity") // identity key -> 8-byte row id

	// Secondary indexes.
	bucketBySite     = []byte("records_by_site")      // site + row id -> row id
	bucketByToken    = []byte("records_by_token")     // 16-byte token -> row id
	bucketByLastUsed = []byte("records_by_last_used") // timestamp + row id -> row id (LRU order)
	bucketByExpiry   = []byte("records_by_expiry")    // timestamp + row id -> row id

	// Meta sidecar. Holds the denormalized running total of record sizes.
	bucketMeta = []byte("meta")
)

// totalSizeKey is the meta key for the running total of all record sizes.
// It is kept as metadata because recomputing the sum is an expensive scan.
var totalSizeKey = []byte("total_dict_size")

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so lexicographic ordering matches time ordering. Uses an offset to
// handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// encodeRowID converts a row id to its fixed-width key form.
func encodeRowID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id)) //nolint:gosec // row ids are bucket sequence values
	return buf
}

// decodeRowID converts a fixed-width key back to a row id.
func decodeRowID(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])) //nolint:gosec // row ids are bucket sequence values
}

// makeIdentityKey builds the unique index key for a record identity.
// Format: [frame_origin][sep][top_frame_site][sep][host][sep][match]
func makeIdentityKey(frameOrigin, topFrameSite, host, match string) []byte {
	result := make([]byte, 0, len(frameOrigin)+len(topFrameSite)+len(host)+len(match)+3)
	result = append(result, frameOrigin...)
	result = append(result, 0)
	result = append(result, topFrameSite...)
	result = append(result, 0)
	result = append(result, host...)
	result = append(result, 0)
	result = append(result, match...)
	return result
}

// makeSiteKey builds a key for the per-site index.
// Format: [top_frame_site][sep][8-byte row id]
func makeSiteKey(topFrameSite string, rowID int64) []byte {
	result := make([]byte, 0, len(topFrameSite)+9)
	result = append(result, topFrameSite...)
	result = append(result, 0)
	result = append(result, encodeRowID(rowID)...)
	return result
}

// makeSitePrefix builds the scan prefix for a site's rows.
func makeSitePrefix(topFrameSite string) []byte {
	result := make([]byte, 0, len(topFrameSite)+1)
	result = append(result, topFrameSite...)
	result = append(result, 0)
	return result
}

// makeTimeKey builds a key for a time-ordered index (last-used or expiry).
// Format: [8-byte timestamp][8-byte row id]
func makeTimeKey(t time.Time, rowID int64) []byte {
	result := make([]byte, 0, 16)
	result = append(result, encodeTimestamp(t)...)
	result = append(result, encodeRowID(rowID)...)
	return result
}
