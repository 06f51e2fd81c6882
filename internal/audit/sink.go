// Package audit is the asynchronous, non-blocking write path for positions,
// completed trades, decision logs, and user notifications. A sink failure
// must never fail the request that produced it, so every write is queued and
// drained by a background worker rather than performed inline.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/rs/zerolog"
)

// queueCapacity bounds the in-memory backlog. Beyond this, the sink sheds
// the least valuable record class first rather than blocking the caller.
const queueCapacity = 4096

type recordKind int

const (
	kindPosition recordKind = iota
	kindCompletedTrade
	kindDecisionLog
	kindNotification
)

type record struct {
	kind  recordKind
	value any
}

// droppable reports whether this record class may be shed on overflow.
// Positions and completed trades are the ledger of record and are never
// dropped; decision logs and notifications are best-effort.
func (r record) droppable() bool {
	return r.kind == kindDecisionLog || r.kind == kindNotification
}

// Sink owns the write queue and background drain loop.
type Sink struct {
	db     *sql.DB
	log    zerolog.Logger
	queue  chan record
	done   chan struct{}
}

func New(db *sql.DB, log zerolog.Logger) *Sink {
	s := &Sink{
		db:    db,
		log:   log.With().Str("component", "audit").Logger(),
		queue: make(chan record, queueCapacity),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

// enqueue pushes r onto the queue, dropping one droppable backlog entry to
// make room if the queue is full and r itself is not droppable.
func (s *Sink) enqueue(r record) {
	select {
	case s.queue <- r:
		return
	default:
	}

	if !r.droppable() {
		// Make room by discarding the record at the head of the queue if it
		// is droppable; only that one record is examined.
		select {
		case dropped := <-s.queue:
			if !dropped.droppable() {
				// Put it back; we only wanted to shed droppable backlog. If the
				// head happens to be non-droppable, the queue is saturated with
				// ledger writes and we simply accept this record's own drop.
				select {
				case s.queue <- dropped:
				default:
				}
				s.log.Warn().Msg("audit queue saturated with non-droppable writes, dropping record")
				return
			}
		default:
		}
	}

	select {
	case s.queue <- r:
	default:
		s.log.Warn().Int("kind", int(r.kind)).Msg("audit queue full, dropping record")
	}
}

func (s *Sink) RecordPosition(p domain.Position) {
	s.enqueue(record{kind: kindPosition, value: p})
}

func (s *Sink) RecordCompletedTrade(t domain.CompletedTrade) {
	s.enqueue(record{kind: kindCompletedTrade, value: t})
}

func (s *Sink) RecordDecisionLog(d domain.DecisionLog) {
	s.enqueue(record{kind: kindDecisionLog, value: d})
}

func (s *Sink) RecordNotification(n domain.Notification) {
	s.enqueue(record{kind: kindNotification, value: n})
}

// Close stops accepting new work and waits for the queue to drain.
func (s *Sink) Close() {
	close(s.queue)
	<-s.done
}

func (s *Sink) drain() {
	defer close(s.done)
	ctx := context.Background()
	for r := range s.queue {
		if err := s.write(ctx, r); err != nil {
			s.log.Error().Err(err).Int("kind", int(r.kind)).Msg("audit write failed")
		}
	}
}

func (s *Sink) write(ctx context.Context, r record) error {
	switch r.kind {
	case kindPosition:
		return s.writePosition(ctx, r.value.(domain.Position))
	case kindCompletedTrade:
		return s.writeCompletedTrade(ctx, r.value.(domain.CompletedTrade))
	case kindDecisionLog:
		return s.writeDecisionLog(ctx, r.value.(domain.DecisionLog))
	case kindNotification:
		return s.writeNotification(ctx, r.value.(domain.Notification))
	default:
		return fmt.Errorf("unknown audit record kind %d", r.kind)
	}
}

func (s *Sink) writePosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (
			user_id, venue, symbol, side, quantity, entry_price, entry_time,
			stop_loss_price, take_profit_price, entry_order_id, stop_order_id,
			take_profit_order_id, mark_price, unrealized_pnl_usd, committed_usd,
			synced, strategy_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, venue, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			mark_price = excluded.mark_price,
			unrealized_pnl_usd = excluded.unrealized_pnl_usd,
			stop_loss_price = excluded.stop_loss_price,
			take_profit_price = excluded.take_profit_price
	`,
		p.UserID, string(p.Venue), p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, p.EntryTime.UTC().Format("2006-01-02T15:04:05.000Z"),
		p.StopLossPrice, p.TakeProfitPrice, p.EntryOrderID, p.StopOrderID,
		p.TakeProfitOrderID, p.MarkPrice, p.UnrealizedPnLUSD, p.CommittedUSD,
		boolToInt(p.Synced), p.StrategyID,
	)
	return err
}

func (s *Sink) writeCompletedTrade(ctx context.Context, t domain.CompletedTrade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completed_trades (
			id, user_id, venue, symbol, side, quantity, entry_price, entry_time,
			exit_price, exit_time, exit_reason, realized_pnl_usd, realized_pnl_pct, strategy_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.UserID, string(t.Venue), t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, t.EntryTime.UTC().Format("2006-01-02T15:04:05.000Z"),
		t.ExitPrice, t.ExitTime.UTC().Format("2006-01-02T15:04:05.000Z"), string(t.ExitReason), t.RealizedPnLUSD, t.RealizedPnLPct, t.StrategyID,
	)

	_, _ = s.db.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ? AND venue = ? AND symbol = ?`,
		t.UserID, string(t.Venue), t.Symbol)

	return err
}

func (s *Sink) writeDecisionLog(ctx context.Context, d domain.DecisionLog) error {
	reasonsJSON, err := json.Marshal(d.Reasons)
	if err != nil {
		return fmt.Errorf("encode decision log reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_logs (
			id, strategy_id, timestamp, inputs_summary, confidence, threshold, reasons_json, allowed, execution_ran
		) VALUES (lower(hex(randomblob(16))), ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.StrategyID, d.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), d.InputsSummary,
		d.Confidence, d.Threshold, string(reasonsJSON), boolToInt(d.Allowed), boolToInt(d.ExecutionRan),
	)
	return err
}

func (s *Sink) writeNotification(ctx context.Context, n domain.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, message, created_at)
		VALUES (lower(hex(randomblob(16))), ?, ?, ?, ?)
	`, n.UserID, n.Kind, n.Message, n.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
