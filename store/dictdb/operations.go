package dictdb

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	dictcache "github.com/wolfeidau/dictionary-cache"
)

// RegisterResult reports the outcome of a registration. ReplacedToken is
// the token of the record the new one displaced (same identity), kept
// separate from EvictedTokens because the caller reuses its disk slot
// rather than deleting it. Totals are the post-commit values.
type RegisterResult struct {
	RowID         int64
	ReplacedToken *dictcache.Token
	EvictedTokens []dictcache.Token
	TotalSize     uint64
	TotalCount    uint64
}

// Register stores a dictionary under the isolation key, replacing any
// record with the same (frame origin, top-frame site, host, match)
// identity and trimming the site back within its per-site budget. The
// replacement, the insert, the eviction and the running-total updates
// all commit atomically.
func (d *DictDB) Register(key dictcache.IsolationKey, dict dictcache.Dictionary, maxSizePerSite, maxCountPerSite uint64) (RegisterResult, error) {
	var res RegisterResult
	if maxSizePerSite != 0 && dict.Size > maxSizePerSite {
		return res, ErrDictionaryTooBig
	}
	if maxCountPerSite == 0 {
		return res, ErrInvalidCountLimit
	}
	host, err := dict.Host()
	if err != nil {
		return res, err
	}
	if err := d.FlushLastUsedTimes(); err != nil {
		return res, err
	}

	tx, err := d.beginWrite()
	if err != nil {
		return res, err
	}
	defer rollback(tx)

	// Replace any record with the same identity. Its slot on disk is
	// handed back to the caller via ReplacedToken.
	oldID, err := lookupIdentity(tx, key.FrameOrigin, key.TopFrameSite, host, dict.Match)
	switch {
	case err == nil:
		old, err := deleteRecord(tx, oldID)
		if err != nil {
			return res, err
		}
		if err := d.applyTotalDelta(tx, -int64(old.Size)); err != nil { //nolint:gosec // sizes fit int64
			return res, err
		}
		tok := old.Token
		res.ReplacedToken = &tok
	case errors.Is(err, ErrNotFound):
	default:
		return res, err
	}

	row := &recordRow{
		FrameOrigin:    key.FrameOrigin,
		TopFrameSite:   key.TopFrameSite,
		Host:           host,
		URL:            dict.URL,
		Match:          dict.Match,
		MatchDest:      dict.MatchDest,
		ID:             dict.ID,
		ResponseTime:   dict.ResponseTime,
		ExpirationTime: dict.ExpirationTime,
		LastUsedTime:   dict.ResponseTime,
		Size:           dict.Size,
		Hash:           dict.Hash,
		Token:          dict.Token,
	}
	res.RowID, err = insertRecord(tx, row)
	if err != nil {
		return res, err
	}
	if err := d.applyTotalDelta(tx, int64(dict.Size)); err != nil { //nolint:gosec // sizes fit int64
		return res, err
	}

	// Per-site trim. The fresh record carries the newest last-used time,
	// so the greedy prefix never reaches it.
	cands, siteSize, err := siteCandidates(tx, key.TopFrameSite)
	if err != nil {
		return res, err
	}
	victims, _, err := selectVictims(cands, siteSize, uint64(len(cands)), PerSiteBudget(maxSizePerSite, maxCountPerSite))
	if err != nil {
		return res, err
	}
	for _, v := range victims {
		if _, err := deleteRecord(tx, v.RowID); err != nil {
			return res, err
		}
		if err := d.applyTotalDelta(tx, -int64(v.Size)); err != nil { //nolint:gosec // sizes fit int64
			return res, err
		}
		res.EvictedTokens = append(res.EvictedTokens, v.Token)
	}

	res.TotalSize, err = readTotal(tx)
	if err != nil {
		return res, err
	}
	res.TotalCount = recordCount(tx)

	if err := d.commit(tx); err != nil {
		return RegisterResult{}, err
	}
	return res, nil
}

func recordCount(tx *bbolt.Tx) uint64 {
	return uint64(tx.Bucket(bucketRecords).Stats().KeyN) //nolint:gosec // key count is non-negative
}

// GetDictionaries returns the records visible to the isolation key,
// ordered by row id. Pending last-used updates are flushed first so the
// returned ordering information is current.
func (d *DictDB) GetDictionaries(key dictcache.IsolationKey) ([]dictcache.Dictionary, error) {
	if err := d.FlushLastUsedTimes(); err != nil {
		return nil, err
	}
	var dicts []dictcache.Dictionary
	err := d.view(func(tx *bbolt.Tx) error {
		var err error
		dicts, err = dictionariesForKey(tx, key)
		return err
	})
	return dicts, err
}

func dictionariesForKey(tx *bbolt.Tx, key dictcache.IsolationKey) ([]dictcache.Dictionary, error) {
	var dicts []dictcache.Dictionary
	for _, rowID := range siteRowIDs(tx, key.TopFrameSite) {
		row, err := getRecord(tx, rowID)
		if err != nil {
			return nil, err
		}
		if row.FrameOrigin != key.FrameOrigin {
			continue
		}
		dicts = append(dicts, row.toDictionary(rowID))
	}
	return dicts, nil
}

func siteRowIDs(tx *bbolt.Tx, topFrameSite string) []int64 {
	var ids []int64
	prefix := makeSitePrefix(topFrameSite)
	c := tx.Bucket(bucketBySite).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ids = append(ids, decodeRowID(v))
	}
	return ids
}

// GetAllDictionaries returns every record grouped by isolation key.
func (d *DictDB) GetAllDictionaries() (map[dictcache.IsolationKey][]dictcache.Dictionary, error) {
	if err := d.FlushLastUsedTimes(); err != nil {
		return nil, err
	}
	out := make(map[dictcache.IsolationKey][]dictcache.Dictionary)
	err := d.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			row, err := getRecord(tx, decodeRowID(k))
			if err != nil {
				return err
			}
			ik := dictcache.IsolationKey{FrameOrigin: row.FrameOrigin, TopFrameSite: row.TopFrameSite}
			out[ik] = append(out[ik], row.toDictionary(decodeRowID(k)))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, dicts := range out {
		sort.Slice(dicts, func(i, j int) bool { return dicts[i].RowID < dicts[j].RowID })
	}
	return out, nil
}

// TotalSize returns the running total of all record sizes.
func (d *DictDB) TotalSize() (uint64, error) {
	var total uint64
	err := d.view(func(tx *bbolt.Tx) error {
		var err error
		total, err = readTotal(tx)
		return err
	})
	return total, err
}

// TotalCount returns the number of stored records.
func (d *DictDB) TotalCount() (uint64, error) {
	var count uint64
	err := d.view(func(tx *bbolt.Tx) error {
		count = recordCount(tx)
		return nil
	})
	return count, err
}

// ClearAll removes every record and resets the running total to zero in
// one transaction.
func (d *DictDB) ClearAll() error {
	d.dropPending()
	tx, err := d.beginWrite()
	if err != nil {
		return err
	}
	defer rollback(tx)

	for _, name := range [][]byte{
		bucketRecords, bucketByIdentity, bucketBySite,
		bucketByToken, bucketByLastUsed, bucketByExpiry,
	} {
		if err := clearBucket(tx, name); err != nil {
			return err
		}
	}
	if err := setTotal(tx, 0); err != nil {
		return err
	}
	return d.commit(tx)
}

func clearBucket(tx *bbolt.Tx, name []byte) error {
	c := tx.Bucket(name).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func (d *DictDB) dropPending() {
	d.pendingMu.Lock()
	d.pending = make(map[int64]time.Time)
	d.numPending = 0
	d.pendingMu.Unlock()
}

// URLMatcher selects records for Clear by their frame origin or host.
// A nil matcher selects everything.
type URLMatcher func(originOrHost string) bool

// Clear removes records whose response time falls in [start, end) and
// whose frame origin or host the matcher accepts. It returns the tokens
// of the removed records so their payloads can be deleted too.
func (d *DictDB) Clear(start, end time.Time, matcher URLMatcher) ([]dictcache.Token, error) {
	if err := d.FlushLastUsedTimes(); err != nil {
		return nil, err
	}
	tx, err := d.beginWrite()
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	var victims []int64
	err = tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
		row, err := getRecord(tx, decodeRowID(k))
		if err != nil {
			return err
		}
		if row.ResponseTime.Before(start) || !row.ResponseTime.Before(end) {
			return nil
		}
		if matcher != nil && !matcher(row.FrameOrigin) && !matcher(row.Host) {
			return nil
		}
		victims = append(victims, decodeRowID(k))
		return nil
	})
	if err != nil {
		return nil, err
	}

	tokens, err := d.deleteRows(tx, victims)
	if err != nil {
		return nil, err
	}
	if err := d.commit(tx); err != nil {
		return nil, err
	}
	return tokens, nil
}

// deleteRows removes the given rows and adjusts the running total.
func (d *DictDB) deleteRows(tx *bbolt.Tx, rowIDs []int64) ([]dictcache.Token, error) {
	var tokens []dictcache.Token
	for _, rowID := range rowIDs {
		row, err := deleteRecord(tx, rowID)
		if err != nil {
			return nil, err
		}
		if err := d.applyTotalDelta(tx, -int64(row.Size)); err != nil { //nolint:gosec // sizes fit int64
			return nil, err
		}
		tokens = append(tokens, row.Token)
	}
	return tokens, nil
}

// DeleteExpired removes records whose expiration time is at or before
// now, returning their tokens.
func (d *DictDB) DeleteExpired(now time.Time) ([]dictcache.Token, error) {
	if err := d.FlushLastUsedTimes(); err != nil {
		return nil, err
	}
	tx, err := d.beginWrite()
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	tokens, err := d.deleteRows(tx, expiredRowIDs(tx, now))
	if err != nil {
		return nil, err
	}
	if err := d.commit(tx); err != nil {
		return nil, err
	}
	return tokens, nil
}

// ProcessEviction trims the whole store back within the budget's low
// watermarks, removing least-recently-used records first. It returns the
// tokens of the evicted records, nil when the budget was not exceeded.
func (d *DictDB) ProcessEviction(budget Budget) ([]dictcache.Token, error) {
	if err := d.FlushLastUsedTimes(); err != nil {
		return nil, err
	}
	tx, err := d.beginWrite()
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	totalSize, err := readTotal(tx)
	if err != nil {
		return nil, err
	}
	totalCount := recordCount(tx)
	if !budget.ExceededBy(totalSize, totalCount) {
		return nil, nil
	}

	cands, err := globalCandidates(tx, 0)
	if err != nil {
		return nil, err
	}
	victims, remaining, err := selectVictims(cands, totalSize, totalCount, budget)
	if err != nil {
		d.recordInvariantViolation()
		return nil, err
	}
	var tokens []dictcache.Token
	for _, v := range victims {
		if _, err := deleteRecord(tx, v.RowID); err != nil {
			return nil, err
		}
		tokens = append(tokens, v.Token)
	}
	// The selector already accounted for every victim, so the remaining
	// size is written back as-is instead of replayed one delta at a time.
	if err := setTotal(tx, remaining); err != nil {
		return nil, err
	}
	if err := d.commit(tx); err != nil {
		return nil, err
	}
	return tokens, nil
}

// GetAllTokens returns the token of every stored record.
func (d *DictDB) GetAllTokens() ([]dictcache.Token, error) {
	var tokens []dictcache.Token
	err := d.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			row, err := getRecord(tx, decodeRowID(k))
			if err != nil {
				return err
			}
			tokens = append(tokens, row.Token)
			return nil
		})
	})
	return tokens, err
}

// DeleteByTokens removes the records with the given tokens. Tokens with
// no matching record are ignored.
func (d *DictDB) DeleteByTokens(tokens []dictcache.Token) error {
	tx, err := d.beginWrite()
	if err != nil {
		return err
	}
	defer rollback(tx)

	for _, token := range tokens {
		rowID, err := lookupToken(tx, token)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := d.deleteRows(tx, []int64{rowID}); err != nil {
			return err
		}
	}
	return d.commit(tx)
}
