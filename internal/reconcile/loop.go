// Package reconcile runs the periodic background sweep that keeps the
// in-memory position tracker honest against venue truth: refreshing mark
// prices every cycle, and diffing against each venue's live position list
// every tenth cycle to catch positions closed out-of-band (stop-loss fills,
// liquidations, manual intervention on the venue's own UI).
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/audit"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/risk"
	"github.com/aristath/sentinel/internal/tracker"
	"github.com/aristath/sentinel/internal/utils"
	"github.com/aristath/sentinel/internal/venue"
)

const (
	sweepInterval    = 30 * time.Second
	fullDiffEveryN   = 10
	exitReasonBandPct = 0.01 // within 1% of stored SL/TP price
)

// AdapterResolver is the subset of venue.Factory the loop depends on.
type AdapterResolver interface {
	Get(ctx context.Context, userID string, v domain.Venue, env domain.Environment) (venue.Adapter, error)
}

type Loop struct {
	tracker *tracker.Tracker
	factory AdapterResolver
	sink    *audit.Sink
	gate    *risk.Gate
	log     zerolog.Logger

	sweepCount int
	stop       chan struct{}
	wg         sync.WaitGroup
}

func New(trk *tracker.Tracker, factory AdapterResolver, sink *audit.Sink, gate *risk.Gate, log zerolog.Logger) *Loop {
	return &Loop{
		tracker: trk,
		factory: factory,
		sink:    sink,
		gate:    gate,
		log:     log.With().Str("component", "reconcile").Logger(),
		stop:    make(chan struct{}),
	}
}

// Start launches the background ticker goroutine. Stop blocks until the
// in-flight sweep, if any, completes.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

func (l *Loop) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepCount++
			l.sweep(context.Background(), l.sweepCount%fullDiffEveryN == 0)
		}
	}
}

func (l *Loop) sweep(ctx context.Context, fullDiff bool) {
	timer := utils.NewTimer("reconcile.sweep", l.log)
	defer timer.Stop()

	positions := l.tracker.All()

	type userVenue struct {
		userID string
		venue  domain.Venue
	}
	seenUserVenues := make(map[userVenue]bool)

	for _, p := range positions {
		p := p
		seenUserVenues[userVenue{p.UserID, p.Venue}] = true

		adapter, err := l.factory.Get(ctx, p.UserID, p.Venue, domain.EnvProduction)
		if err != nil {
			l.log.Warn().Err(err).Str("userId", p.UserID).Str("venue", string(p.Venue)).Msg("reconcile: adapter resolution failed, skipping")
			continue
		}

		t, err := adapter.GetTicker(ctx, p.Symbol)
		if err != nil {
			l.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("reconcile: ticker refresh failed, skipping")
			continue
		}

		l.tracker.Update(p.UserID, p.Venue, p.Symbol, func(pos *domain.Position) {
			pos.MarkPrice = t.Last
			pos.UnrealizedPnLUSD = unrealizedPnL(pos.Side, pos.EntryPrice, t.Last, pos.Quantity)
		})

		if updated := l.tracker.Get(p.UserID, p.Venue, p.Symbol); updated != nil {
			l.sink.RecordPosition(*updated)
		}
	}

	if !fullDiff {
		return
	}

	for uv := range seenUserVenues {
		adapter, err := l.factory.Get(ctx, uv.userID, uv.venue, domain.EnvProduction)
		if err != nil {
			l.log.Warn().Err(err).Str("userId", uv.userID).Str("venue", string(uv.venue)).Msg("reconcile: adapter resolution failed for full diff")
			continue
		}

		venuePositions, err := adapter.GetPositions(ctx)
		if err != nil {
			l.log.Warn().Err(err).Str("userId", uv.userID).Str("venue", string(uv.venue)).Msg("reconcile: getPositions failed for full diff")
			continue
		}

		adopted, closed := l.tracker.SyncFromVenue(uv.userID, uv.venue, venuePositions, adapter.NormalizeSymbol)

		for _, p := range adopted {
			l.sink.RecordPosition(p)
			l.log.Info().
				Str("userId", p.UserID).
				Str("venue", string(p.Venue)).
				Str("symbol", p.Symbol).
				Msg("reconcile: adopted untracked venue position")
		}

		for _, p := range closed {
			l.recordOutOfBandClose(ctx, adapter, p)
		}
	}
}

// recordOutOfBandClose books a completed trade for a position SyncFromVenue
// has already removed from the tracker (stop-loss fill, liquidation, or
// manual close on the venue's own UI).
func (l *Loop) recordOutOfBandClose(ctx context.Context, adapter venue.Adapter, p domain.Position) {
	t, err := adapter.GetTicker(ctx, p.Symbol)
	if err != nil {
		l.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("reconcile: exit price fetch failed for out-of-band close")
		return
	}
	exitPrice := t.Last

	reason := domain.ExitAutoClose
	if p.StopLossPrice > 0 && withinBand(exitPrice, p.StopLossPrice, exitReasonBandPct) {
		reason = domain.ExitStopLoss
	} else if p.TakeProfitPrice > 0 && withinBand(exitPrice, p.TakeProfitPrice, exitReasonBandPct) {
		reason = domain.ExitTakeProfit
	}

	realizedPnL := unrealizedPnL(p.Side, p.EntryPrice, exitPrice, p.Quantity)
	realizedPct := 0.0
	if p.CommittedUSD != 0 {
		realizedPct = realizedPnL / p.CommittedUSD * 100
	}

	trade := domain.CompletedTrade{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Venue:          p.Venue,
		Symbol:         p.Symbol,
		Side:           p.Side,
		Quantity:       p.Quantity,
		EntryPrice:     p.EntryPrice,
		EntryTime:      p.EntryTime,
		ExitPrice:      exitPrice,
		ExitTime:       time.Now(),
		ExitReason:     reason,
		RealizedPnLUSD: realizedPnL,
		RealizedPnLPct: realizedPct,
		StrategyID:     p.StrategyID,
	}

	l.sink.RecordCompletedTrade(trade)
	l.gate.InvalidateOnClose(p.UserID, p.Venue)

	l.log.Info().
		Str("userId", p.UserID).
		Str("venue", string(p.Venue)).
		Str("symbol", p.Symbol).
		Str("exitReason", string(reason)).
		Float64("realizedPnlUsd", realizedPnL).
		Msg("reconcile: closed position out-of-band")
}

func withinBand(price, reference, bandPct float64) bool {
	if reference == 0 {
		return false
	}
	diff := price - reference
	if diff < 0 {
		diff = -diff
	}
	return diff/reference <= bandPct
}

func unrealizedPnL(side domain.PositionSide, entry, mark, quantity float64) float64 {
	direction := 1.0
	if side == domain.PositionShort {
		direction = -1.0
	}
	return (mark - entry) * direction * quantity
}
