package book

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mdfeed/internal/errs"
	"github.com/coachpo/mdfeed/internal/schema"
)

func px(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func assertPrice(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, px(want).Equal(got), "want %s got %s", want, got)
}

func TestSnapshotComputesBestLevels(t *testing.T) {
	cache := NewCache()
	err := cache.ApplySnapshot("AAPL", []schema.SnapshotEntry{
		{Side: schema.SideBid, Price: px("10.0")},
		{Side: schema.SideOffer, Price: px("0")},
		{Side: schema.SideOffer, Price: px("12.5")},
		{Side: schema.SideBid, Price: px("10.5")},
		{Side: schema.SideOffer, Price: px("12.0")},
		{Side: schema.SideTrade, Price: px("11.0")},
		{Side: schema.SideTrade, Price: px("10.9")},
	})
	require.NoError(t, err)

	tob, ok := cache.Peek("AAPL")
	require.True(t, ok)
	assertPrice(t, "10.5", tob.Bid)
	assertPrice(t, "12.0", tob.Ask)
	assertPrice(t, "10.9", tob.Last)
	assert.False(t, tob.ObservedAt.IsZero())
}

func TestSnapshotReplacesWholesale(t *testing.T) {
	cache := NewCache()
	require.NoError(t, cache.ApplyIncremental("AAPL", schema.SideBid, schema.ActionNew, px("15")))
	require.NoError(t, cache.ApplyIncremental("AAPL", schema.SideTrade, schema.ActionNew, px("14")))

	require.NoError(t, cache.ApplySnapshot("AAPL", []schema.SnapshotEntry{{Side: schema.SideOffer, Price: px("16")}}))

	tob, ok := cache.Peek("AAPL")
	require.True(t, ok)
	assert.True(t, tob.Bid.IsZero())
	assert.True(t, tob.Last.IsZero())
	assertPrice(t, "16", tob.Ask)
}

func TestSnapshotSkipsMalformedEntries(t *testing.T) {
	cache := NewCache()
	err := cache.ApplySnapshot("AAPL", []schema.SnapshotEntry{
		{Side: "volume", Price: px("100")},
		{Side: schema.SideBid, Price: px("-1")},
		{Side: schema.SideBid, Price: px("9")},
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeMalformedEvent))

	tob, ok := cache.Peek("AAPL")
	require.True(t, ok)
	assertPrice(t, "9", tob.Bid)
}

func TestSnapshotRequiresSymbol(t *testing.T) {
	cache := NewCache()
	require.Error(t, cache.ApplySnapshot("", nil))
	assert.Zero(t, cache.Len())
}

func TestIncrementalMergeRules(t *testing.T) {
	cache := NewCache()

	require.NoError(t, cache.ApplyIncremental("X", schema.SideBid, schema.ActionNew, px("10.0")))
	require.NoError(t, cache.ApplyIncremental("X", schema.SideBid, schema.ActionChange, px("10.5")))
	require.NoError(t, cache.ApplyIncremental("X", schema.SideBid, schema.ActionChange, px("10.2")))
	tob, _ := cache.Peek("X")
	assertPrice(t, "10.5", tob.Bid)
	require.NoError(t, cache.ApplyIncremental("X", schema.SideBid, schema.ActionDelete, decimal.Zero))
	tob, _ = cache.Peek("X")
	assert.True(t, tob.Bid.IsZero(), "delete always wins")

	require.NoError(t, cache.ApplyIncremental("X", schema.SideOffer, schema.ActionNew, px("12.0")))
	require.NoError(t, cache.ApplyIncremental("X", schema.SideOffer, schema.ActionChange, px("11.5")))
	require.NoError(t, cache.ApplyIncremental("X", schema.SideOffer, schema.ActionChange, px("11.8")))
	tob, _ = cache.Peek("X")
	assertPrice(t, "11.5", tob.Ask)

	require.NoError(t, cache.ApplyIncremental("X", schema.SideTrade, schema.ActionNew, px("9.9")))
	require.NoError(t, cache.ApplyIncremental("X", schema.SideTrade, schema.ActionNew, px("10.1")))
	require.NoError(t, cache.ApplyIncremental("X", schema.SideTrade, schema.ActionDelete, decimal.Zero))
	tob, _ = cache.Peek("X")
	assertPrice(t, "10.1", tob.Last)

	require.NoError(t, cache.ApplyIncremental("X", schema.SideOffer, schema.ActionDelete, decimal.Zero))
	require.NoError(t, cache.ApplyIncremental("X", schema.SideOffer, schema.ActionChange, px("13")))
	tob, _ = cache.Peek("X")
	assertPrice(t, "13", tob.Ask)
}

func TestIncrementalRejectsMalformed(t *testing.T) {
	cache := NewCache()
	err := cache.ApplyIncremental("", schema.SideBid, schema.ActionNew, px("1"))
	assert.True(t, errs.Is(err, errs.CodeMalformedEvent))
	err = cache.ApplyIncremental("X", schema.SideBid, "overlay", px("1"))
	assert.True(t, errs.Is(err, errs.CodeMalformedEvent))

	_, ok := cache.Peek("X")
	assert.False(t, ok)
}

func TestPeekUnknownSymbol(t *testing.T) {
	_, ok := NewCache().Peek("NOPE")
	assert.False(t, ok)
}

func TestObservedAtUsesClock(t *testing.T) {
	at := time.Date(2025, 10, 30, 12, 0, 0, 0, time.UTC)
	cache := NewCache(WithClock(func() time.Time { return at }))
	require.NoError(t, cache.ApplyIncremental("X", schema.SideTrade, schema.ActionNew, px("1")))

	tob, _ := cache.Peek("X")
	assert.Equal(t, at, tob.ObservedAt)
}

func TestConcurrentIncrementalsMatchSequentialResult(t *testing.T) {
	cache := NewCache()
	const writers = 16
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				bid := decimal.NewFromInt(int64(1000 + w*perWriter + i))
				ask := decimal.NewFromInt(int64(5000 + w*perWriter + i))
				assert.NoError(t, cache.ApplyIncremental("BTC", schema.SideBid, schema.ActionChange, bid))
				assert.NoError(t, cache.ApplyIncremental("BTC", schema.SideOffer, schema.ActionChange, ask))
				assert.NoError(t, cache.ApplyIncremental("BTC", schema.SideTrade, schema.ActionNew, decimal.NewFromInt(42)))
			}
		}(w)
	}
	wg.Wait()

	tob, ok := cache.Peek("BTC")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(int64(1000+writers*perWriter-1)).Equal(tob.Bid))
	assert.True(t, decimal.NewFromInt(5000).Equal(tob.Ask))
	assert.True(t, decimal.NewFromInt(42).Equal(tob.Last))
}

func TestConcurrentReadersNeverSeeTornRecords(t *testing.T) {
	cache := NewCache()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			p := decimal.NewFromInt(i)
			_ = cache.ApplySnapshot("ETH", []schema.SnapshotEntry{
				{Side: schema.SideBid, Price: p},
				{Side: schema.SideOffer, Price: p},
				{Side: schema.SideTrade, Price: p},
			})
		}
	}()

	for i := 0; i < 5000; i++ {
		tob, ok := cache.Peek("ETH")
		if !ok {
			continue
		}
		require.True(t, tob.Bid.Equal(tob.Ask) && tob.Ask.Equal(tob.Last), "torn record %+v", tob)
	}
	close(stop)
	wg.Wait()
}

func TestSymbolsAndLen(t *testing.T) {
	cache := NewCache()
	require.NoError(t, cache.ApplyIncremental("MSFT", schema.SideBid, schema.ActionNew, px("1")))
	require.NoError(t, cache.ApplySnapshot("AAPL", nil))

	assert.Equal(t, []string{"AAPL", "MSFT"}, cache.Symbols())
	assert.Equal(t, 2, cache.Len())
}
