package gaps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
	"github.com/johnayoung/go-poloniex-sync/internal/storage"
)

const market = models.Market("BTC_ETH")

var base = time.Date(2017, 3, 1, 0, 0, 0, 0, time.UTC)

func slot(i int) time.Time {
	return base.Add(time.Duration(i) * 5 * time.Minute)
}

func candlesAt(slots ...int) []models.Candle {
	out := make([]models.Candle, len(slots))
	for i, s := range slots {
		out[i] = models.Candle{
			Market: market, Period: models.Period5m, Date: slot(s),
			Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, QuoteVolume: 5, WeightedAverage: 1.2,
		}
	}
	return out
}

func windowsOf(gaps []models.Gap) []models.TimeWindow {
	out := make([]models.TimeWindow, len(gaps))
	for i := range gaps {
		out[i] = gaps[i].Window()
	}
	return out
}

func assertWindows(t *testing.T, want []models.TimeWindow, got []models.Gap) {
	t.Helper()
	gotWindows := windowsOf(got)
	require.Len(t, gotWindows, len(want))
	for i := range want {
		assert.True(t, want[i].Start.Equal(gotWindows[i].Start), "gap %d start: want %s got %s", i, want[i].Start, gotWindows[i].Start)
		assert.True(t, want[i].End.Equal(gotWindows[i].End), "gap %d end: want %s got %s", i, want[i].End, gotWindows[i].End)
	}
}

func TestDetectCandleGaps(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.InsertCandles(ctx, candlesAt(0, 1, 3, 4, 7)))

	d := NewDetector(store, nil)
	gaps, err := d.DetectCandleGaps(ctx, market, models.Period5m, slot(0), slot(10))
	require.NoError(t, err)

	assertWindows(t, []models.TimeWindow{
		{Start: slot(2), End: slot(3)},
		{Start: slot(5), End: slot(7)},
		{Start: slot(8), End: slot(10)},
	}, gaps)
	for _, g := range gaps {
		assert.Equal(t, models.KindCandles, g.Kind)
		assert.Equal(t, models.GapReasonMissing, g.Reason)
		assert.Equal(t, models.GapStatusDetected, g.Status)
	}

	stored, err := store.GetGaps(ctx, storage.GapFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored, "nothing is stored without gap storage")
}

func TestDetectCandleGaps_CompleteAndEmpty(t *testing.T) {
	ctx := context.Background()

	t.Run("complete series", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		require.NoError(t, store.InsertCandles(ctx, candlesAt(0, 1, 2, 3)))
		gaps, err := NewDetector(store, nil).DetectCandleGaps(ctx, market, models.Period5m, slot(0), slot(4))
		require.NoError(t, err)
		assert.Empty(t, gaps)
	})

	t.Run("no candles", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		gaps, err := NewDetector(store, nil).DetectCandleGaps(ctx, market, models.Period5m, slot(0), slot(4))
		require.NoError(t, err)
		assertWindows(t, []models.TimeWindow{{Start: slot(0), End: slot(4)}}, gaps)
	})

	t.Run("unaligned start", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		require.NoError(t, store.InsertCandles(ctx, candlesAt(1, 2)))
		gaps, err := NewDetector(store, nil).DetectCandleGaps(ctx, market, models.Period5m, slot(0).Add(time.Minute), slot(3))
		require.NoError(t, err)
		assert.Empty(t, gaps, "the partial slot before the first boundary is not expected")
	})

	t.Run("other periods are ignored", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		other := candlesAt(0, 1)
		for i := range other {
			other[i].Period = models.Period15m
		}
		require.NoError(t, store.InsertCandles(ctx, other))
		gaps, err := NewDetector(store, nil).DetectCandleGaps(ctx, market, models.Period5m, slot(0), slot(2))
		require.NoError(t, err)
		assertWindows(t, []models.TimeWindow{{Start: slot(0), End: slot(2)}}, gaps)
	})
}

func TestDetectCandleGaps_InvalidInput(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(storage.NewMemoryStorage(), nil)

	_, err := d.DetectCandleGaps(ctx, "ETH", models.Period5m, slot(0), slot(1))
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = d.DetectCandleGaps(ctx, market, models.Period(42), slot(0), slot(1))
	assert.Error(t, err)

	_, err = d.DetectCandleGaps(ctx, market, models.Period5m, slot(1), slot(1))
	assert.Error(t, err)
}

func TestDetectCandleGaps_StoresOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.InsertCandles(ctx, candlesAt(0, 2)))
	d := NewDetector(store, nil).WithGapStorage(store)

	first, err := d.DetectCandleGaps(ctx, market, models.Period5m, slot(0), slot(4))
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := d.DetectCandleGaps(ctx, market, models.Period5m, slot(0), slot(4))
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[1].ID, second[1].ID)

	stored, err := store.GetGaps(ctx, storage.GapFilter{Kind: models.KindCandles, Market: market})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestReconcileFilled(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.InsertCandles(ctx, candlesAt(0, 3)))
	d := NewDetector(store, nil).WithGapStorage(store)

	gaps, err := d.DetectCandleGaps(ctx, market, models.Period5m, slot(0), slot(6))
	require.NoError(t, err)
	assertWindows(t, []models.TimeWindow{
		{Start: slot(1), End: slot(3)},
		{Start: slot(4), End: slot(6)},
	}, gaps)

	// only the first hole gets backfilled
	require.NoError(t, store.InsertCandles(ctx, candlesAt(1, 2, 4)))

	filled, err := d.ReconcileFilled(ctx, market, models.Period5m)
	require.NoError(t, err)
	assert.Equal(t, 1, filled)

	done, err := store.GetGaps(ctx, storage.GapFilter{Status: models.GapStatusFilled})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, gaps[0].ID, done[0].ID)
	assert.NotNil(t, done[0].FilledAt)

	open, err := store.GetGaps(ctx, storage.GapFilter{Status: models.GapStatusDetected})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, gaps[1].ID, open[0].ID)
}

func TestReconcileFilled_WithoutGapStorage(t *testing.T) {
	filled, err := NewDetector(storage.NewMemoryStorage(), nil).ReconcileFilled(context.Background(), market, models.Period5m)
	require.NoError(t, err)
	assert.Zero(t, filled)
}

func TestDetectGapsInSequence(t *testing.T) {
	assert.Nil(t, DetectGapsInSequence(market, models.Period5m, candlesAt(0)))

	c := candlesAt(0, 1, 4, 5, 9)
	shuffled := []models.Candle{c[4], c[2], c[0], c[3], c[1]}
	gaps := DetectGapsInSequence(market, models.Period5m, shuffled)
	assertWindows(t, []models.TimeWindow{
		{Start: slot(2), End: slot(4)},
		{Start: slot(6), End: slot(9)},
	}, gaps)
}
