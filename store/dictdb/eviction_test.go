package dictdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_ExceededBy(t *testing.T) {
	tests := []struct {
		name   string
		budget Budget
		size   uint64
		count  uint64
		want   bool
	}{
		{"zero budget never triggers", Budget{}, 1 << 40, 1 << 20, false},
		{"at size limit", Budget{MaxSize: 100}, 100, 1, false},
		{"over size limit", Budget{MaxSize: 100}, 101, 1, true},
		{"at count limit", Budget{MaxCount: 5}, 10, 5, false},
		{"over count limit", Budget{MaxCount: 5}, 10, 6, true},
		{"either bound triggers", Budget{MaxSize: 100, MaxCount: 5}, 50, 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.budget.ExceededBy(tt.size, tt.count))
		})
	}
}

func TestSelectVictims(t *testing.T) {
	cands := []Candidate{
		{RowID: 1, Size: 100},
		{RowID: 2, Size: 100},
		{RowID: 3, Size: 100},
		{RowID: 4, Size: 100},
	}

	t.Run("nil when within budget", func(t *testing.T) {
		got, remaining, err := selectVictims(cands, 400, 4, Budget{MaxSize: 400, SizeLowWatermark: 200})
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, uint64(400), remaining)
	})

	t.Run("removes LRU prefix down to size watermark", func(t *testing.T) {
		got, remaining, err := selectVictims(cands, 400, 4, Budget{MaxSize: 300, SizeLowWatermark: 200})
		require.NoError(t, err)
		assert.Equal(t, []Candidate{cands[0], cands[1]}, got)
		assert.Equal(t, uint64(200), remaining)
	})

	t.Run("removes down to count watermark", func(t *testing.T) {
		got, remaining, err := selectVictims(cands, 400, 4, Budget{MaxCount: 3, CountLowWatermark: 1})
		require.NoError(t, err)
		assert.Len(t, got, 3)
		assert.Equal(t, uint64(100), remaining)
	})

	t.Run("both watermarks must be satisfied", func(t *testing.T) {
		budget := Budget{MaxSize: 300, SizeLowWatermark: 300, MaxCount: 10, CountLowWatermark: 1}
		got, _, err := selectVictims(cands, 400, 4, budget)
		require.NoError(t, err)
		assert.Equal(t, []Candidate{cands[0], cands[1], cands[2]}, got)
	})

	t.Run("no watermark slack trims exactly to bound", func(t *testing.T) {
		got, remaining, err := selectVictims(cands, 400, 4, PerSiteBudget(250, 10))
		require.NoError(t, err)
		assert.Equal(t, []Candidate{cands[0], cands[1]}, got)
		assert.Equal(t, uint64(200), remaining)
	})

	t.Run("candidate larger than the total is an invariant violation", func(t *testing.T) {
		_, _, err := selectVictims(cands[:2], 150, 4, Budget{MaxSize: 100, SizeLowWatermark: 10})
		require.ErrorIs(t, err, ErrInvalidTotalSize)
	})
}
