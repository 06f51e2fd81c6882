package audit_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/audit"
	"github.com/aristath/sentinel/internal/domain"
	testingpkg "github.com/aristath/sentinel/internal/testing"
)

func newSink(t *testing.T) (*audit.Sink, func(query string, args ...any) int) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	t.Cleanup(cleanup)

	sink := audit.New(db.Conn(), zerolog.Nop())
	t.Cleanup(sink.Close)

	count := func(query string, args ...any) int {
		var n int
		require.NoError(t, db.Conn().QueryRow(query, args...).Scan(&n))
		return n
	}
	return sink, count
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSink_RecordPosition_PersistsAndUpserts(t *testing.T) {
	sink, count := newSink(t)

	p := domain.Position{
		UserID: "user-1", Venue: domain.Venue("perp_dex_a"), Symbol: "BTC-PERP",
		Side: domain.PositionLong, Quantity: 1, EntryPrice: 100, EntryTime: time.Now(),
	}
	sink.RecordPosition(p)

	waitUntil(t, func() bool {
		return count("SELECT COUNT(*) FROM positions WHERE user_id = ? AND symbol = ?", p.UserID, p.Symbol) == 1
	})

	p.Quantity = 2
	sink.RecordPosition(p)
	waitUntil(t, func() bool {
		return count("SELECT COUNT(*) FROM positions WHERE quantity = 2") == 1
	})
	assert.Equal(t, 1, count("SELECT COUNT(*) FROM positions WHERE user_id = ? AND symbol = ?", p.UserID, p.Symbol),
		"upsert must not create a second row")
}

func TestSink_RecordCompletedTrade_PersistsAndClearsOpenPosition(t *testing.T) {
	sink, count := newSink(t)

	p := domain.Position{
		UserID: "user-1", Venue: domain.Venue("perp_dex_a"), Symbol: "BTC-PERP",
		Side: domain.PositionLong, Quantity: 1, EntryPrice: 100, EntryTime: time.Now(),
	}
	sink.RecordPosition(p)
	waitUntil(t, func() bool {
		return count("SELECT COUNT(*) FROM positions") == 1
	})

	trade := domain.CompletedTrade{
		ID: "trade-1", UserID: p.UserID, Venue: p.Venue, Symbol: p.Symbol, Side: p.Side,
		Quantity: p.Quantity, EntryPrice: p.EntryPrice, EntryTime: p.EntryTime,
		ExitPrice: 110, ExitTime: time.Now(), ExitReason: domain.ExitTakeProfit,
		RealizedPnLUSD: 10, RealizedPnLPct: 10,
	}
	sink.RecordCompletedTrade(trade)

	waitUntil(t, func() bool {
		return count("SELECT COUNT(*) FROM completed_trades WHERE id = ?", trade.ID) == 1
	})
	assert.Equal(t, 0, count("SELECT COUNT(*) FROM positions"), "closing a trade must remove the open position row")
}

func TestSink_RecordDecisionLog_PersistsReasonsAsJSON(t *testing.T) {
	sink, count := newSink(t)

	sink.RecordDecisionLog(domain.DecisionLog{
		StrategyID: "strat-1", Timestamp: time.Now(), InputsSummary: "BTC-PERP buy",
		Confidence: 80, Threshold: 70, Reasons: []string{"momentum", "volume"}, Allowed: true,
	})

	waitUntil(t, func() bool {
		return count("SELECT COUNT(*) FROM decision_logs WHERE strategy_id = ?", "strat-1") == 1
	})
}

func TestSink_RecordNotification_Persists(t *testing.T) {
	sink, count := newSink(t)

	sink.RecordNotification(domain.Notification{
		UserID: "user-1", Kind: "weekly_loss_limit", Message: "limit reached", CreatedAt: time.Now(),
	})

	waitUntil(t, func() bool {
		return count("SELECT COUNT(*) FROM notifications WHERE user_id = ?", "user-1") == 1
	})
}

func TestSink_Close_DrainsQueueBeforeReturning(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	sink := audit.New(db.Conn(), zerolog.Nop())
	for i := 0; i < 50; i++ {
		sink.RecordNotification(domain.Notification{
			UserID: "user-1", Kind: "k", Message: "m", CreatedAt: time.Now(),
		})
	}
	sink.Close()

	var n int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM notifications").Scan(&n))
	assert.Equal(t, 50, n, "Close must block until every queued record has been written")
}
