package dictdb

import dictcache "github.com/wolfeidau/dictionary-cache"

// Budget bounds the stored dictionaries by total size and count. A zero
// MaxSize disables the size bound; a zero MaxCount disables the count
// bound. When eviction triggers, records are removed in last-used order
// until both totals drop to the low watermarks, so that consecutive
// registrations do not evict one record at a time.
type Budget struct {
	MaxSize           uint64
	SizeLowWatermark  uint64
	MaxCount          uint64
	CountLowWatermark uint64
}

// ExceededBy reports whether the given totals trigger eviction.
func (b Budget) ExceededBy(totalSize, totalCount uint64) bool {
	if b.MaxSize != 0 && totalSize > b.MaxSize {
		return true
	}
	if b.MaxCount != 0 && totalCount > b.MaxCount {
		return true
	}
	return false
}

// PerSiteBudget builds a budget with no watermark slack, used for
// per-site eviction where the site is trimmed exactly to its bound.
func PerSiteBudget(maxSizePerSite, maxCountPerSite uint64) Budget {
	return Budget{
		MaxSize:           maxSizePerSite,
		SizeLowWatermark:  maxSizePerSite,
		MaxCount:          maxCountPerSite,
		CountLowWatermark: maxCountPerSite,
	}
}

// Candidate is one record considered for eviction, in last-used order.
type Candidate struct {
	RowID int64
	Size  uint64
	Token dictcache.Token
}

// selectVictims returns the least-recently-used prefix of candidates
// whose removal brings the totals within the low watermarks, together
// with the total size left once they are gone. Candidates must be
// sorted by last-used time ascending. It returns nil victims when the
// budget is not exceeded. A candidate larger than the remaining total
// means the running total diverged from the record table; the selection
// fails with ErrInvalidTotalSize rather than clamping.
func selectVictims(candidates []Candidate, totalSize, totalCount uint64, budget Budget) ([]Candidate, uint64, error) {
	if !budget.ExceededBy(totalSize, totalCount) {
		return nil, totalSize, nil
	}
	var victims []Candidate
	for _, cand := range candidates {
		if withinWatermarks(totalSize, totalCount, budget) {
			break
		}
		if cand.Size > totalSize || totalCount == 0 {
			return nil, 0, ErrInvalidTotalSize
		}
		victims = append(victims, cand)
		totalSize -= cand.Size
		totalCount--
	}
	return victims, totalSize, nil
}

func withinWatermarks(totalSize, totalCount uint64, budget Budget) bool {
	if budget.MaxSize != 0 && totalSize > budget.SizeLowWatermark {
		return false
	}
	if budget.MaxCount != 0 && totalCount > budget.CountLowWatermark {
		return false
	}
	return true
}
