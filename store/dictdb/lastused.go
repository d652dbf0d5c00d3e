package dictdb

import (
	"context"
	"errors"
	"time"

	"go.etcd.io/bbolt"
)

// Last-used-time updates are frequent and individually cheap, so they
// are coalesced in memory and written in one transaction once the batch
// grows large or old enough. Operations whose results depend on
// last-used ordering flush the batch first.
const (
	// maxPendingLastUsed is the batch size that forces a flush.
	maxPendingLastUsed = 100

	// LastUsedFlushInterval is the longest a pending update may sit
	// before the front-end schedules a flush.
	LastUsedFlushInterval = 30 * time.Second
)

// RecordLastUsed queues a last-used-time update for the record. It
// returns true when the batch reached the size threshold and should be
// flushed now. Safe for concurrent use.
func (d *DictDB) RecordLastUsed(rowID int64, t time.Time) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, ok := d.pending[rowID]; !ok {
		d.numPending++
	}
	d.pending[rowID] = t
	return d.numPending >= maxPendingLastUsed
}

// takePending swaps out the pending batch.
func (d *DictDB) takePending() map[int64]time.Time {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.numPending == 0 {
		return nil
	}
	batch := d.pending
	d.pending = make(map[int64]time.Time)
	d.numPending = 0
	return batch
}

// FlushLastUsedTimes writes all queued last-used updates in one
// transaction. Rows deleted since the update was queued are skipped.
func (d *DictDB) FlushLastUsedTimes() error {
	batch := d.takePending()
	if batch == nil {
		return nil
	}
	tx, err := d.beginWrite()
	if err != nil {
		return err
	}
	defer rollback(tx)

	for rowID, t := range batch {
		if err := setLastUsed(tx, rowID, t); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
	}
	if err := d.commit(tx); err != nil {
		return err
	}
	if d.lastUsedFlushBatch != nil {
		d.lastUsedFlushBatch.Record(context.Background(), float64(len(batch)))
	}
	return nil
}

func rollback(tx *bbolt.Tx) {
	_ = tx.Rollback()
}
