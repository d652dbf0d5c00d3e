package dictdb

import (
	"context"
	"encoding/binary"
	"math"

	"go.etcd.io/bbolt"
)

// The running total size of all stored dictionaries is kept as a single
// meta entry and updated inside the same transaction as the record
// mutations it accounts for. Queries read the entry instead of summing
// the table.

func encodeTotal(total uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, total)
	return buf
}

func decodeTotal(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, ErrInvalidTotalSize
	}
	return binary.BigEndian.Uint64(buf), nil
}

// readTotal returns the running total stored in the meta bucket. A
// missing entry reads as zero to tolerate databases created before the
// entry existed.
func readTotal(tx *bbolt.Tx) (uint64, error) {
	buf := tx.Bucket(bucketMeta).Get(totalSizeKey)
	if buf == nil {
		return 0, nil
	}
	return decodeTotal(buf)
}

// applyTotalDelta adjusts the running total by delta with checked
// arithmetic. Underflow and overflow both mean the stored total has
// diverged from the table and return ErrInvalidTotalSize.
func (d *DictDB) applyTotalDelta(tx *bbolt.Tx, delta int64) error {
	total, err := readTotal(tx)
	if err != nil {
		return err
	}
	if delta < 0 {
		dec := uint64(-delta)
		if dec > total {
			d.recordInvariantViolation()
			return ErrInvalidTotalSize
		}
		total -= dec
	} else {
		inc := uint64(delta)
		if total > math.MaxUint64-inc {
			d.recordInvariantViolation()
			return ErrInvalidTotalSize
		}
		total += inc
	}
	return tx.Bucket(bucketMeta).Put(totalSizeKey, encodeTotal(total))
}

// setTotal overwrites the running total with an exact recomputed value,
// used by the bulk clear paths where a delta would be as expensive to
// compute as the new value.
func setTotal(tx *bbolt.Tx, total uint64) error {
	return tx.Bucket(bucketMeta).Put(totalSizeKey, encodeTotal(total))
}

func (d *DictDB) recordInvariantViolation() {
	if d.invariantViolations != nil {
		d.invariantViolations.Add(context.Background(), 1)
	}
	d.logger.Error("running total diverged from record table")
}
