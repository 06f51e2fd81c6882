package copytrade_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/copytrade"
	"github.com/aristath/sentinel/internal/domain"
	testingpkg "github.com/aristath/sentinel/internal/testing"
)

type stubDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubDispatcher) HandleCopySignal(ctx context.Context, followerUserID string, v domain.Venue, action domain.Action, symbol string, positionSizeUSD float64, strategyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls = append(s.calls, followerUserID)
	return "order-" + followerUserID, nil
}

func (s *stubDispatcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestFanOut_OnOriginatorTrade_DispatchesToEachActiveFollower(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO copy_relationships (id, follower_user_id, originator_strategy_ref, allocation_pct, status)
		VALUES ('rel-1', 'follower-1', 'strat-1', 50, 'Active'), ('rel-2', 'follower-2', 'strat-1', 25, 'Active')
	`)
	require.NoError(t, err)

	dispatcher := &stubDispatcher{}
	fanOut := copytrade.New(db.Conn(), dispatcher, zerolog.Nop())

	fanOut.OnOriginatorTrade(context.Background(), domain.CompletedTradeRef{
		StrategyID:  "strat-1",
		Venue:       domain.VenuePerpDexA,
		Symbol:      "BTC-PERP",
		Side:        domain.PositionLong,
		NotionalUSD: 1000,
	})

	assert.Equal(t, 2, dispatcher.callCount())

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM copied_trades`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestFanOut_OnOriginatorTrade_IgnoresInactiveRelationships(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO copy_relationships (id, follower_user_id, originator_strategy_ref, allocation_pct, status)
		VALUES ('rel-1', 'follower-1', 'strat-1', 50, 'Paused')
	`)
	require.NoError(t, err)

	dispatcher := &stubDispatcher{}
	fanOut := copytrade.New(db.Conn(), dispatcher, zerolog.Nop())

	fanOut.OnOriginatorTrade(context.Background(), domain.CompletedTradeRef{StrategyID: "strat-1", Venue: domain.VenuePerpDexA, Symbol: "BTC-PERP"})

	assert.Equal(t, 0, dispatcher.callCount())
}

func TestFanOut_OnOriginatorTrade_PausesRelationshipPastDrawdownStop(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO copy_relationships (id, follower_user_id, originator_strategy_ref, allocation_pct, max_drawdown_stop_pct, status, current_drawdown_pct)
		VALUES ('rel-1', 'follower-1', 'strat-1', 50, 10, 'Active', 15)
	`)
	require.NoError(t, err)

	dispatcher := &stubDispatcher{}
	fanOut := copytrade.New(db.Conn(), dispatcher, zerolog.Nop())

	fanOut.OnOriginatorTrade(context.Background(), domain.CompletedTradeRef{StrategyID: "strat-1", Venue: domain.VenuePerpDexA, Symbol: "BTC-PERP"})

	assert.Equal(t, 0, dispatcher.callCount(), "a relationship past its drawdown stop must not receive the signal")

	var status string
	require.NoError(t, db.Conn().QueryRow(`SELECT status FROM copy_relationships WHERE id = 'rel-1'`).Scan(&status))
	assert.Equal(t, "Paused", status)
}

func TestFanOut_OnOriginatorTrade_FollowerDispatchErrorDoesNotRecordCopiedTrade(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "gateway")
	defer cleanup()

	_, err := db.Conn().Exec(`
		INSERT INTO copy_relationships (id, follower_user_id, originator_strategy_ref, allocation_pct, status)
		VALUES ('rel-1', 'follower-1', 'strat-1', 50, 'Active')
	`)
	require.NoError(t, err)

	dispatcher := &stubDispatcher{err: assertError{}}
	fanOut := copytrade.New(db.Conn(), dispatcher, zerolog.Nop())

	fanOut.OnOriginatorTrade(context.Background(), domain.CompletedTradeRef{StrategyID: "strat-1", Venue: domain.VenuePerpDexA, Symbol: "BTC-PERP"})

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM copied_trades`).Scan(&n))
	assert.Equal(t, 0, n)
}

type assertError struct{}

func (assertError) Error() string { return "follower rejected" }
