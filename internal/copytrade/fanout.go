// Package copytrade fans a successful originator trade out to its active
// followers, re-entering the dispatcher on each follower's behalf so every
// gate (rate limit, quota, risk, ML) is reapplied exactly as if the follower
// had sent the webhook directly.
package copytrade

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/domain"
)

// maxConcurrentFollowers bounds fan-out parallelism so a large follower set
// does not overwhelm a single adapter's rate limit.
const maxConcurrentFollowers = 8

// Dispatcher is the subset of *dispatcher.Service the fan-out re-enters.
// Declared narrow here, satisfied structurally by *dispatcher.Service, so
// this package never has to import the dispatcher package.
type Dispatcher interface {
	HandleCopySignal(ctx context.Context, followerUserID string, v domain.Venue, action domain.Action, symbol string, positionSizeUSD float64, strategyID string) (orderID string, err error)
}

type FanOut struct {
	db         *sql.DB
	dispatcher Dispatcher
	log        zerolog.Logger
}

func New(db *sql.DB, dispatcher Dispatcher, log zerolog.Logger) *FanOut {
	return &FanOut{db: db, dispatcher: dispatcher, log: log.With().Str("component", "copytrade").Logger()}
}

// OnOriginatorTrade implements dispatcher.FanOut. Called fire-and-forget
// after an originator's entry has already returned its response; per-follower
// failures are isolated and logged, never surfaced to the originator.
func (f *FanOut) OnOriginatorTrade(ctx context.Context, trade domain.CompletedTradeRef) {
	relationships, err := f.activeRelationships(ctx, trade.StrategyID)
	if err != nil {
		f.log.Error().Err(err).Str("strategyId", trade.StrategyID).Msg("fan-out: failed to load copy relationships")
		return
	}
	if len(relationships) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentFollowers)
	var wg sync.WaitGroup

	for _, rel := range relationships {
		rel := rel
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			f.fanOutToFollower(ctx, trade, rel)
		}()
	}

	wg.Wait()
}

func (f *FanOut) activeRelationships(ctx context.Context, strategyRef string) ([]domain.CopyRelationship, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT id, follower_user_id, originator_strategy_ref, allocation_pct, max_drawdown_stop_pct, status, current_drawdown_pct
		FROM copy_relationships
		WHERE originator_strategy_ref = ? AND status = 'Active'
	`, strategyRef)
	if err != nil {
		return nil, fmt.Errorf("query copy_relationships: %w", err)
	}
	defer rows.Close()

	var out []domain.CopyRelationship
	for rows.Next() {
		var rel domain.CopyRelationship
		var status string
		if err := rows.Scan(&rel.ID, &rel.FollowerUserID, &rel.OriginatorStrategyRef, &rel.AllocationPct, &rel.MaxDrawdownStopPct, &status, &rel.CurrentDrawdownPct); err != nil {
			return nil, fmt.Errorf("scan copy_relationships: %w", err)
		}
		rel.Status = domain.CopyStatus(status)
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (f *FanOut) fanOutToFollower(ctx context.Context, trade domain.CompletedTradeRef, rel domain.CopyRelationship) {
	if rel.MaxDrawdownStopPct > 0 && rel.CurrentDrawdownPct >= rel.MaxDrawdownStopPct {
		f.pauseRelationship(ctx, rel.ID)
		return
	}

	followerNotional := trade.NotionalUSD * rel.AllocationPct / 100

	orderID, err := f.dispatcher.HandleCopySignal(ctx, rel.FollowerUserID, trade.Venue, actionForSide(trade.Side), trade.Symbol, followerNotional, trade.StrategyID)
	if err != nil {
		f.log.Warn().
			Err(err).
			Str("followerUserId", rel.FollowerUserID).
			Str("relationshipId", rel.ID).
			Msg("fan-out: follower dispatch failed")
		return
	}

	f.recordCopiedTrade(ctx, rel, trade, followerNotional, orderID)
}

func (f *FanOut) pauseRelationship(ctx context.Context, relationshipID string) {
	_, err := f.db.ExecContext(ctx, `UPDATE copy_relationships SET status = 'Paused' WHERE id = ?`, relationshipID)
	if err != nil {
		f.log.Error().Err(err).Str("relationshipId", relationshipID).Msg("fan-out: failed to pause relationship past drawdown stop")
	}
}

func (f *FanOut) recordCopiedTrade(ctx context.Context, rel domain.CopyRelationship, trade domain.CompletedTradeRef, followerNotional float64, followerOrderID string) {
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO copied_trades (
			id, copy_relationship_id, originator_trade_id, follower_trade_id,
			symbol, side, originator_notional_usd, follower_notional_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(), rel.ID, trade.FollowerTradeID, followerOrderID,
		trade.Symbol, string(trade.Side), trade.NotionalUSD, followerNotional,
	)
	if err != nil {
		f.log.Error().Err(err).Str("relationshipId", rel.ID).Msg("fan-out: failed to record copied trade")
	}
}

func actionForSide(side domain.PositionSide) domain.Action {
	if side == domain.PositionShort {
		return domain.ActionShort
	}
	return domain.ActionBuy
}
