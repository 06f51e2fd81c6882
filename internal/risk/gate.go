// Package risk implements the monthly quota and weekly trade/loss gates that
// run after authentication and before a signal is ever handed to an adapter.
package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/cache"
	"github.com/aristath/sentinel/internal/domain"
)

// Gate evaluates the three ordered checks from the quota/risk policy:
// monthly webhook quota, weekly trade count, weekly loss. First failure wins.
type Gate struct {
	db    *sql.DB
	cache *cache.Repository

	mu       sync.Mutex
	debounce map[string]time.Time // per (user, venue, limitType, weekStart) notification debounce
}

func New(db *sql.DB, cacheRepo *cache.Repository) *Gate {
	return &Gate{db: db, cache: cacheRepo, debounce: make(map[string]time.Time)}
}

type weeklyCounts struct {
	TradesOpened       int     `json:"tradesOpened"`
	AbsRealizedLossUSD float64 `json:"absRealizedLossUsd"`
}

// weekStartUTC returns the most recent Monday 00:00 UTC on or before t.
func weekStartUTC(t time.Time) time.Time {
	t = t.UTC()
	offset := int(t.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -offset)
}

func riskCacheKey(userID string, v domain.Venue, weekStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s", userID, v, weekStart.Format("2006-01-02"))
}

// Check runs the quota/risk gate for a signal targeting (user, venue). It
// returns a *domain.Error of kind ErrQuotaExceeded or ErrRiskLimit on the
// first failing check, or nil if the signal may proceed.
func (g *Gate) Check(ctx context.Context, user domain.User, v domain.Venue, policy Policy) error {
	if err := g.checkMonthlyQuota(ctx, user); err != nil {
		return err
	}
	if err := g.checkWeekly(ctx, user.ID, v, policy); err != nil {
		return err
	}
	return nil
}

func (g *Gate) checkMonthlyQuota(ctx context.Context, user domain.User) error {
	if user.MonthlyQuota == 0 {
		return nil
	}

	monthStart := time.Now().UTC().Format("2006-01")
	var count int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_events
		WHERE user_id = ? AND substr(received_at, 1, 7) = ?
	`, user.ID, monthStart).Scan(&count)
	if err != nil {
		return fmt.Errorf("count webhook_events: %w", err)
	}

	if count >= user.MonthlyQuota {
		g.notifyOnce(ctx, user.ID, "plan_quota_exceeded", monthStart)
		return domain.NewError(domain.ErrQuotaExceeded, "monthly webhook quota reached",
			"userId", user.ID,
			"limitType", "monthly_quota",
			"current", count,
			"limit", user.MonthlyQuota,
			"resetDate", nextMonthStartUTC(time.Now()).Format(time.RFC3339))
	}
	return nil
}

// nextMonthStartUTC returns 00:00 UTC on the first day of the month after t,
// the point at which the monthly webhook quota resets.
func nextMonthStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func (g *Gate) checkWeekly(ctx context.Context, userID string, v domain.Venue, policy Policy) error {
	if policy.MaxTradesPerWeek == 0 && policy.MaxLossPerWeekUSD == 0 {
		return nil
	}

	weekStart := weekStartUTC(time.Now())
	counts, err := g.weeklyCounts(ctx, userID, v, weekStart)
	if err != nil {
		return err
	}

	resetDate := weekStart.AddDate(0, 0, 7)

	if policy.MaxTradesPerWeek > 0 && counts.TradesOpened >= policy.MaxTradesPerWeek {
		g.notifyOnce(ctx, userID, "weekly_trade_limit", riskCacheKey(userID, v, weekStart))
		return domain.NewError(domain.ErrRiskLimit, "weekly trade limit reached",
			"userId", userID,
			"venue", string(v),
			"limitType", "max_trades_per_week",
			"current", counts.TradesOpened,
			"limit", policy.MaxTradesPerWeek,
			"resetDate", resetDate.Format(time.RFC3339))
	}

	if policy.MaxLossPerWeekUSD > 0 && counts.AbsRealizedLossUSD >= policy.MaxLossPerWeekUSD {
		g.notifyOnce(ctx, userID, "weekly_loss_limit", riskCacheKey(userID, v, weekStart))
		return domain.NewError(domain.ErrRiskLimit, "weekly loss limit reached",
			"userId", userID,
			"venue", string(v),
			"limitType", "max_loss_per_week_usd",
			"current", counts.AbsRealizedLossUSD,
			"limit", policy.MaxLossPerWeekUSD,
			"resetDate", resetDate.Format(time.RFC3339))
	}

	return nil
}

func (g *Gate) weeklyCounts(ctx context.Context, userID string, v domain.Venue, weekStart time.Time) (weeklyCounts, error) {
	key := riskCacheKey(userID, v, weekStart)

	if raw, err := g.cache.GetIfFresh(string(cache.NamespaceRiskCounter), key); err == nil {
		var counts weeklyCounts
		if json.Unmarshal(raw, &counts) == nil {
			return counts, nil
		}
	}

	var counts weeklyCounts
	var lossSum sql.NullFloat64
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN realized_pnl_usd < 0 THEN -realized_pnl_usd ELSE 0 END)
		FROM completed_trades
		WHERE user_id = ? AND venue = ? AND exit_time >= ?
	`, userID, string(v), weekStart.Format(time.RFC3339)).Scan(&counts.TradesOpened, &lossSum)
	if err != nil {
		return weeklyCounts{}, fmt.Errorf("aggregate completed_trades: %w", err)
	}
	if lossSum.Valid {
		counts.AbsRealizedLossUSD = lossSum.Float64
	}

	if err := g.cache.Store(string(cache.NamespaceRiskCounter), key, counts, cache.TTLRiskCounter); err != nil {
		_ = err // a failed cache write just means the next call re-aggregates
	}

	return counts, nil
}

// InvalidateOnClose drops the cached weekly counters for (userID, venue) so
// the next Check re-aggregates completed_trades after a position closes.
func (g *Gate) InvalidateOnClose(userID string, v domain.Venue) {
	weekStart := weekStartUTC(time.Now())
	_ = g.cache.Delete(string(cache.NamespaceRiskCounter), riskCacheKey(userID, v, weekStart))
}

// notifyOnce records an at-most-once-per-window notification for a given
// limit hit, debounced in-process by dedupeKey.
func (g *Gate) notifyOnce(ctx context.Context, userID, kind, dedupeKey string) {
	full := userID + ":" + kind + ":" + dedupeKey

	g.mu.Lock()
	if _, already := g.debounce[full]; already {
		g.mu.Unlock()
		return
	}
	g.debounce[full] = time.Now()
	g.mu.Unlock()

	message := fmt.Sprintf("limit reached: %s", kind)
	_, _ = g.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, message, created_at)
		VALUES (lower(hex(randomblob(16))), ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	`, userID, kind, message)
}
