package dictdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	dictcache "github.com/wolfeidau/dictionary-cache"
)

// recordRow is the stored form of a dictionary record. The isolation key
// and host are denormalized into the row so index keys can be rebuilt on
// delete without reparsing the URL.
type recordRow struct {
	FrameOrigin    string           `json:"frame_origin"`
	TopFrameSite   string           `json:"top_frame_site"`
	Host           string           `json:"host"`
	URL            string           `json:"url"`
	Match          string           `json:"match"`
	MatchDest      string           `json:"match_dest,omitempty"`
	ID             string           `json:"id,omitempty"`
	ResponseTime   time.Time        `json:"response_time"`
	ExpirationTime time.Time        `json:"expiration_time"`
	LastUsedTime   time.Time        `json:"last_used_time"`
	Size           uint64           `json:"size"`
	Hash           dictcache.Hash   `json:"hash"`
	Token          dictcache.Token  `json:"token"`
}

func (r *recordRow) toDictionary(rowID int64) dictcache.Dictionary {
	return dictcache.Dictionary{
		RowID:          rowID,
		URL:            r.URL,
		Match:          r.Match,
		MatchDest:      r.MatchDest,
		ID:             r.ID,
		ResponseTime:   r.ResponseTime,
		ExpirationTime: r.ExpirationTime,
		LastUsedTime:   r.LastUsedTime,
		Size:           r.Size,
		Hash:           r.Hash,
		Token:          r.Token,
	}
}

func encodeToken(t dictcache.Token) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], t.High)
	binary.BigEndian.PutUint64(buf[8:16], t.Low)
	return buf
}

func getRecord(tx *bbolt.Tx, rowID int64) (*recordRow, error) {
	data := tx.Bucket(bucketRecords).Get(encodeRowID(rowID))
	if data == nil {
		return nil, ErrNotFound
	}
	var row recordRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("unmarshaling record %d: %w", rowID, err)
	}
	return &row, nil
}

// insertRecord allocates a fresh row id, stores the row and writes all
// index entries. The caller is responsible for removing any prior row
// with the same identity first.
func insertRecord(tx *bbolt.Tx, row *recordRow) (int64, error) {
	records := tx.Bucket(bucketRecords)
	seq, err := records.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("allocating row id: %w", err)
	}
	rowID := int64(seq) //nolint:gosec // bucket sequence fits int64

	data, err := json.Marshal(row)
	if err != nil {
		return 0, fmt.Errorf("marshaling record: %w", err)
	}
	if err := records.Put(encodeRowID(rowID), data); err != nil {
		return 0, fmt.Errorf("storing record: %w", err)
	}
	if err := putIndexes(tx, rowID, row); err != nil {
		return 0, err
	}
	return rowID, nil
}

func putIndexes(tx *bbolt.Tx, rowID int64, row *recordRow) error {
	rowKey := encodeRowID(rowID)
	identity := makeIdentityKey(row.FrameOrigin, row.TopFrameSite, row.Host, row.Match)
	if err := tx.Bucket(bucketByIdentity).Put(identity, rowKey); err != nil {
		return fmt.Errorf("indexing identity: %w", err)
	}
	if err := tx.Bucket(bucketBySite).Put(makeSiteKey(row.TopFrameSite, rowID), rowKey); err != nil {
		return fmt.Errorf("indexing site: %w", err)
	}
	if err := tx.Bucket(bucketByToken).Put(encodeToken(row.Token), rowKey); err != nil {
		return fmt.Errorf("indexing token: %w", err)
	}
	if err := tx.Bucket(bucketByLastUsed).Put(makeTimeKey(row.LastUsedTime, rowID), rowKey); err != nil {
		return fmt.Errorf("indexing last used: %w", err)
	}
	if err := tx.Bucket(bucketByExpiry).Put(makeTimeKey(row.ExpirationTime, rowID), rowKey); err != nil {
		return fmt.Errorf("indexing expiry: %w", err)
	}
	return nil
}

// deleteRecord removes the row and all its index entries, returning the
// deleted row for total accounting.
func deleteRecord(tx *bbolt.Tx, rowID int64) (*recordRow, error) {
	row, err := getRecord(tx, rowID)
	if err != nil {
		return nil, err
	}
	rowKey := encodeRowID(rowID)
	identity := makeIdentityKey(row.FrameOrigin, row.TopFrameSite, row.Host, row.Match)
	if err := tx.Bucket(bucketByIdentity).Delete(identity); err != nil {
		return nil, fmt.Errorf("deleting identity index: %w", err)
	}
	if err := tx.Bucket(bucketBySite).Delete(makeSiteKey(row.TopFrameSite, rowID)); err != nil {
		return nil, fmt.Errorf("deleting site index: %w", err)
	}
	if err := tx.Bucket(bucketByToken).Delete(encodeToken(row.Token)); err != nil {
		return nil, fmt.Errorf("deleting token index: %w", err)
	}
	if err := tx.Bucket(bucketByLastUsed).Delete(makeTimeKey(row.LastUsedTime, rowID)); err != nil {
		return nil, fmt.Errorf("deleting last used index: %w", err)
	}
	if err := tx.Bucket(bucketByExpiry).Delete(makeTimeKey(row.ExpirationTime, rowID)); err != nil {
		return nil, fmt.Errorf("deleting expiry index: %w", err)
	}
	if err := tx.Bucket(bucketRecords).Delete(rowKey); err != nil {
		return nil, fmt.Errorf("deleting record: %w", err)
	}
	return row, nil
}

// lookupIdentity returns the row id of the record with the given
// identity, or ErrNotFound.
func lookupIdentity(tx *bbolt.Tx, frameOrigin, topFrameSite, host, match string) (int64, error) {
	v := tx.Bucket(bucketByIdentity).Get(makeIdentityKey(frameOrigin, topFrameSite, host, match))
	if v == nil {
		return 0, ErrNotFound
	}
	return decodeRowID(v), nil
}

// lookupToken returns the row id of the record with the given token, or
// ErrNotFound.
func lookupToken(tx *bbolt.Tx, token dictcache.Token) (int64, error) {
	v := tx.Bucket(bucketByToken).Get(encodeToken(token))
	if v == nil {
		return 0, ErrNotFound
	}
	return decodeRowID(v), nil
}

// setLastUsed rewrites the last-used value and reindexes the row.
func setLastUsed(tx *bbolt.Tx, rowID int64, t time.Time) error {
	row, err := getRecord(tx, rowID)
	if err != nil {
		return err
	}
	byLastUsed := tx.Bucket(bucketByLastUsed)
	if err := byLastUsed.Delete(makeTimeKey(row.LastUsedTime, rowID)); err != nil {
		return fmt.Errorf("deleting last used index: %w", err)
	}
	row.LastUsedTime = t
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := tx.Bucket(bucketRecords).Put(encodeRowID(rowID), data); err != nil {
		return fmt.Errorf("storing record: %w", err)
	}
	if err := byLastUsed.Put(makeTimeKey(t, rowID), encodeRowID(rowID)); err != nil {
		return fmt.Errorf("indexing last used: %w", err)
	}
	return nil
}

// siteCandidates lists the rows of one site ordered by last-used time
// ascending, together with the site's total size and count.
func siteCandidates(tx *bbolt.Tx, topFrameSite string) ([]Candidate, uint64, error) {
	var (
		cands     []Candidate
		totalSize uint64
	)
	type sortable struct {
		cand Candidate
		used time.Time
	}
	var rows []sortable

	prefix := makeSitePrefix(topFrameSite)
	c := tx.Bucket(bucketBySite).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rowID := decodeRowID(v)
		row, err := getRecord(tx, rowID)
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, sortable{
			cand: Candidate{RowID: rowID, Size: row.Size, Token: row.Token},
			used: row.LastUsedTime,
		})
		totalSize += row.Size
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].used.Before(rows[j].used) })
	for _, r := range rows {
		cands = append(cands, r.cand)
	}
	return cands, totalSize, nil
}

// globalCandidates lists all rows ordered by last-used time ascending,
// up to limit (0 for no limit), using the time index directly.
func globalCandidates(tx *bbolt.Tx, limit int) ([]Candidate, error) {
	var cands []Candidate
	c := tx.Bucket(bucketByLastUsed).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rowID := decodeRowID(v)
		row, err := getRecord(tx, rowID)
		if err != nil {
			return nil, err
		}
		cands = append(cands, Candidate{RowID: rowID, Size: row.Size, Token: row.Token})
		if limit > 0 && len(cands) >= limit {
			break
		}
	}
	return cands, nil
}

// expiredRowIDs lists the rows whose expiration time is at or before now.
// The expiry index is time ordered, so the walk stops at the first
// record that is still live.
func expiredRowIDs(tx *bbolt.Tx, now time.Time) []int64 {
	var ids []int64
	c := tx.Bucket(bucketByExpiry).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if decodeTimestamp(k).After(now) {
			break
		}
		ids = append(ids, decodeRowID(v))
	}
	return ids
}
