package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/venue"
)

func samplePosition() domain.Position {
	return domain.Position{
		UserID:     "user-1",
		Venue:      domain.Venue("perp_dex_a"),
		Symbol:     "BTC-PERP",
		Side:       domain.PositionLong,
		Quantity:   1.5,
		EntryPrice: 100,
		EntryTime:  time.Now(),
	}
}

func TestTracker_Open_Has_Get(t *testing.T) {
	trk := New()
	p := samplePosition()

	assert.False(t, trk.Has(p.UserID, p.Venue, p.Symbol))

	trk.Open(p)
	assert.True(t, trk.Has(p.UserID, p.Venue, p.Symbol))

	got := trk.Get(p.UserID, p.Venue, p.Symbol)
	require.NotNil(t, got)
	assert.Equal(t, p.Quantity, got.Quantity)
}

func TestTracker_Get_ReturnsCopyNotAlias(t *testing.T) {
	trk := New()
	p := samplePosition()
	trk.Open(p)

	got := trk.Get(p.UserID, p.Venue, p.Symbol)
	require.NotNil(t, got)
	got.Quantity = 999

	again := trk.Get(p.UserID, p.Venue, p.Symbol)
	assert.Equal(t, p.Quantity, again.Quantity, "mutating a Get() result must not affect tracker state")
}

func TestTracker_Update_MutatesInPlace(t *testing.T) {
	trk := New()
	p := samplePosition()
	trk.Open(p)

	trk.Update(p.UserID, p.Venue, p.Symbol, func(pos *domain.Position) {
		pos.MarkPrice = 150
		pos.UnrealizedPnLUSD = 75
	})

	got := trk.Get(p.UserID, p.Venue, p.Symbol)
	require.NotNil(t, got)
	assert.Equal(t, 150.0, got.MarkPrice)
	assert.Equal(t, 75.0, got.UnrealizedPnLUSD)
}

func TestTracker_Close_RemovesAndReturns(t *testing.T) {
	trk := New()
	p := samplePosition()
	trk.Open(p)

	closed := trk.Close(p.UserID, p.Venue, p.Symbol)
	require.NotNil(t, closed)
	assert.Equal(t, p.Symbol, closed.Symbol)
	assert.False(t, trk.Has(p.UserID, p.Venue, p.Symbol))

	assert.Nil(t, trk.Close(p.UserID, p.Venue, p.Symbol), "closing an already-closed position must return nil")
}

func TestTracker_ForUserVenue_FiltersByUserAndVenue(t *testing.T) {
	trk := New()
	p1 := samplePosition()
	p2 := samplePosition()
	p2.Symbol = "ETH-PERP"
	p3 := samplePosition()
	p3.UserID = "user-2"

	trk.Open(p1)
	trk.Open(p2)
	trk.Open(p3)

	got := trk.ForUserVenue(p1.UserID, p1.Venue)
	assert.Len(t, got, 2)
}

func TestTracker_All_ReturnsFullSnapshot(t *testing.T) {
	trk := New()
	trk.Open(samplePosition())
	other := samplePosition()
	other.Symbol = "ETH-PERP"
	trk.Open(other)

	assert.Len(t, trk.All(), 2)
}

func identityNormalize(symbol string) string { return symbol }

func TestTracker_SyncFromVenue_AdoptsUntrackedAndClosesVanished(t *testing.T) {
	trk := New()
	tracked := samplePosition()
	trk.Open(tracked)

	records := []venue.OpenPositionRecord{
		{Symbol: "ETH-PERP", Quantity: -2, EntryPrice: 50, MarkPrice: 48},
	}

	adopted, closed := trk.SyncFromVenue(tracked.UserID, tracked.Venue, records, identityNormalize)

	require.Len(t, adopted, 1)
	assert.Equal(t, "ETH-PERP", adopted[0].Symbol)
	assert.Equal(t, domain.PositionShort, adopted[0].Side)
	assert.True(t, adopted[0].Synced)

	require.Len(t, closed, 1)
	assert.Equal(t, tracked.Symbol, closed[0].Symbol)
	assert.False(t, trk.Has(tracked.UserID, tracked.Venue, tracked.Symbol))
	assert.True(t, trk.Has(tracked.UserID, tracked.Venue, "ETH-PERP"))
}

// TestTracker_SyncFromVenue_NormalizesCanonicalSymbolBeforeDiffing proves the
// tracked-vs-venue diff survives a venue whose native symbol form differs
// from the canonical wire symbol: without normalizing first, the tracked
// position would be (wrongly) closed as vanished even though the venue still
// reports it open under its native spelling.
func TestTracker_SyncFromVenue_NormalizesCanonicalSymbolBeforeDiffing(t *testing.T) {
	trk := New()
	tracked := samplePosition()
	tracked.Symbol = "BTCUSDT"
	trk.Open(tracked)

	toNative := func(symbol string) string {
		if symbol == "BTCUSDT" {
			return "BTC/USDT:USDT"
		}
		return symbol
	}

	records := []venue.OpenPositionRecord{
		{Symbol: "BTC/USDT:USDT", Quantity: tracked.Quantity, EntryPrice: 100, MarkPrice: 105},
	}

	adopted, closed := trk.SyncFromVenue(tracked.UserID, tracked.Venue, records, toNative)

	assert.Empty(t, adopted, "an already-tracked position reported under its native symbol must not be re-adopted")
	assert.Empty(t, closed, "a position the venue still reports open must not be closed as vanished")
	assert.True(t, trk.Has(tracked.UserID, tracked.Venue, "BTCUSDT"))

	updated := trk.Get(tracked.UserID, tracked.Venue, "BTCUSDT")
	require.NotNil(t, updated)
	assert.Equal(t, 105.0, updated.MarkPrice)
}
