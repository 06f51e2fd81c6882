// Package dispatcher implements the webhook entrypoint: the strict
// authenticate → rate-limit → gate → validate → execute → record chain that
// every incoming trade signal passes through exactly once.
package dispatcher

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/audit"
	"github.com/aristath/sentinel/internal/credentials"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/mlvalidate"
	"github.com/aristath/sentinel/internal/risk"
	"github.com/aristath/sentinel/internal/strategy"
	"github.com/aristath/sentinel/internal/tracker"
	"github.com/aristath/sentinel/internal/utils"
	"github.com/aristath/sentinel/internal/venue"
)

// defaultPositionSizeUSD is the global fallback used when neither the
// signal nor a per-(user, venue) configured default supplies a size.
const defaultPositionSizeUSD = 100.0

// FanOut is implemented by the copy-trading package; the dispatcher calls it
// fire-and-forget after a successful originator entry. Declared here rather
// than imported to avoid a dispatcher<->copytrade import cycle (copytrade
// re-enters the dispatcher for each follower).
type FanOut interface {
	OnOriginatorTrade(ctx context.Context, trade domain.CompletedTradeRef)
}

// Service holds every dependency the processing chain touches.
type Service struct {
	db          *sql.DB
	creds       *credentials.Store
	gate        *risk.Gate
	ml          *mlvalidate.Client
	strategies  *strategy.Store
	factory     *venue.Factory
	tracker     *tracker.Tracker
	sink        *audit.Sink
	rateLimiter *RateLimiter
	fanOut      FanOut
	log         zerolog.Logger
}

type Deps struct {
	DB          *sql.DB
	Creds       *credentials.Store
	Gate        *risk.Gate
	ML          *mlvalidate.Client
	Strategies  *strategy.Store
	Factory     *venue.Factory
	Tracker     *tracker.Tracker
	Sink        *audit.Sink
	RateLimiter *RateLimiter
	FanOut      FanOut
	Log         zerolog.Logger
}

// SetFanOut wires the copy-trading fan-out after construction. It exists
// because copytrade.FanOut itself depends on *Service (to re-enter the
// dispatcher per follower), so the two can't be built in one step.
func (s *Service) SetFanOut(f FanOut) {
	s.fanOut = f
}

func New(d Deps) *Service {
	return &Service{
		db:          d.DB,
		creds:       d.Creds,
		gate:        d.Gate,
		ml:          d.ML,
		strategies:  d.Strategies,
		factory:     d.Factory,
		tracker:     d.Tracker,
		sink:        d.Sink,
		rateLimiter: d.RateLimiter,
		fanOut:      d.FanOut,
		log:         d.Log.With().Str("component", "dispatcher").Logger(),
	}
}

// Result is the structured outcome of Handle, translated to an HTTP response
// by the transport layer.
type Result struct {
	Success     bool
	Action      string // "opened" | "closed"
	Symbol      string
	Venue       domain.Venue
	Quantity    float64
	EntryPrice  float64
	OrderID     string
	BlockedByML bool
	Confidence  float64
	Threshold   float64
	Reasons     []string
	DurationMs  int64
}

// Request is the inbound payload, already shape-validated by the transport
// layer (required fields present).
type Request struct {
	Secret            string
	UserIDHint        string
	Venue             domain.Venue
	Action            domain.Action
	Symbol            string
	OrderType         domain.OrderType
	Price             float64
	PositionSizeUSD   float64
	StopLossPercent   float64
	TakeProfitPercent float64
	StrategyID        string
	StrategyLabel     string
	Environment       domain.Environment
	Source            string
}

// Handle runs the full steps 2-7 processing chain (step 1's payload-shape
// check already happened in the transport layer) and fires the
// fan-out/audit steps 8-9 without waiting on them.
func (s *Service) Handle(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	timer := utils.NewTimer("dispatcher.Handle", s.log)
	defer timer.Stop()

	user, err := s.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	if !s.rateLimiter.Allow(user.ID) {
		return nil, domain.NewError(domain.ErrRateLimited, "rate limit exceeded", "userId", user.ID)
	}

	env := req.Environment
	if env == "" {
		env = domain.EnvProduction
	}

	if err := s.gate.Check(ctx, *user, req.Venue, s.policyFor(user, req.Venue)); err != nil {
		return nil, err
	}

	strategyCfg, err := s.strategies.Get(ctx, req.StrategyID)
	if err != nil {
		return nil, err
	}

	verdict := mlvalidate.Verdict{Allow: true}
	if strategyCfg != nil && strategyCfg.MLAssisted {
		adapterForCtx, adapterErr := s.factory.Get(ctx, user.ID, req.Venue, env)
		var last, vol float64
		if adapterErr == nil {
			if t, tickErr := adapterForCtx.GetTicker(ctx, req.Symbol); tickErr == nil {
				last, vol = t.Last, t.Volume
			}
		}
		verdict = s.ml.Validate(ctx, req.StrategyID, string(req.Action), req.Symbol, last, vol, strategyCfg.MLThreshold)
		s.sink.RecordDecisionLog(domain.DecisionLog{
			StrategyID:    req.StrategyID,
			Timestamp:     time.Now(),
			InputsSummary: fmt.Sprintf("%s %s @ %s", req.Action, req.Symbol, req.Venue),
			Confidence:    verdict.Confidence,
			Threshold:     verdict.Threshold,
			Reasons:       verdict.Reasons,
			Allowed:       verdict.Allow,
			ExecutionRan:  verdict.Allow,
		})
		if !verdict.Allow {
			return &Result{
				Success:     false,
				BlockedByML: true,
				Confidence:  verdict.Confidence,
				Threshold:   verdict.Threshold,
				Reasons:     verdict.Reasons,
				DurationMs:  time.Since(start).Milliseconds(),
			}, nil
		}
	}

	adapter, err := s.factory.Get(ctx, user.ID, req.Venue, env)
	if err != nil {
		return nil, err
	}

	result, err := s.dispatchAction(ctx, user, req, adapter)
	if err != nil {
		return nil, err
	}
	result.DurationMs = time.Since(start).Milliseconds()

	if result.Action == "opened" && req.Source != "copy" && s.fanOut != nil && req.StrategyID != "" {
		ref := domain.CompletedTradeRef{
			UserID:          user.ID,
			StrategyID:      req.StrategyID,
			Venue:           req.Venue,
			Symbol:          req.Symbol,
			Side:            sideForAction(req.Action),
			NotionalUSD:     result.Quantity * result.EntryPrice,
			FollowerTradeID: result.OrderID,
		}
		go s.fanOut.OnOriginatorTrade(context.Background(), ref)
	}

	return result, nil
}

func (s *Service) authenticate(ctx context.Context, req Request) (*domain.User, error) {
	if req.Source == "copy" {
		user, err := s.creds.LookupUserByID(ctx, req.UserIDHint)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, domain.NewError(domain.ErrAuth, "unknown or inactive follower user")
		}
		return user, nil
	}

	user, err := s.creds.LookupUserBySecret(ctx, req.Secret)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.NewError(domain.ErrAuth, "unknown secret or inactive user")
	}
	if req.UserIDHint != "" && req.UserIDHint != user.ID {
		return nil, domain.NewError(domain.ErrAuth, "user id does not match secret")
	}
	return user, nil
}

// HandleCopySignal re-enters the processing chain on a follower's behalf.
// It is the sole entrypoint copytrade.FanOut uses, authenticating by user ID
// rather than secret (the fan-out never sees a follower's webhook secret) but
// otherwise running the identical rate-limit/gate/ML/execute chain as a
// direct webhook call.
func (s *Service) HandleCopySignal(ctx context.Context, followerUserID string, v domain.Venue, action domain.Action, symbol string, positionSizeUSD float64, strategyID string) (string, error) {
	result, err := s.Handle(ctx, Request{
		UserIDHint:      followerUserID,
		Venue:           v,
		Action:          action,
		Symbol:          symbol,
		OrderType:       domain.OrderMarket,
		PositionSizeUSD: positionSizeUSD,
		StrategyID:      strategyID,
		Source:          "copy",
	})
	if err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// policyFor resolves the risk policy in force for (user, venue). The core
// has no configuration surface of its own for per-user policy; until a
// richer dashboard-fed policy table exists, zero limits (no weekly caps)
// are in force and only the plan's monthly webhook quota applies.
func (s *Service) policyFor(user *domain.User, v domain.Venue) risk.Policy {
	return risk.Policy{}
}

func sideForAction(a domain.Action) domain.PositionSide {
	if a == domain.ActionShort {
		return domain.PositionShort
	}
	return domain.PositionLong
}

func orderSideForAction(a domain.Action) domain.Side {
	if a == domain.ActionShort {
		return domain.SideSell
	}
	return domain.SideBuy
}

func (s *Service) dispatchAction(ctx context.Context, user *domain.User, req Request, adapter venue.Adapter) (*Result, error) {
	switch {
	case req.Action.IsEntry():
		return s.dispatchEntry(ctx, user, req, adapter)
	case req.Action == domain.ActionClose || req.Action == domain.ActionSell:
		return s.dispatchClose(ctx, user, req, adapter)
	default:
		return nil, domain.NewError(domain.ErrValidation, "unrecognized action", "action", string(req.Action))
	}
}

func (s *Service) dispatchEntry(ctx context.Context, user *domain.User, req Request, adapter venue.Adapter) (*Result, error) {
	if s.tracker.Has(user.ID, req.Venue, req.Symbol) {
		return nil, domain.NewError(domain.ErrAlreadyOpen, "position already open",
			"userId", user.ID, "venue", string(req.Venue), "symbol", req.Symbol)
	}

	quantity, entryPrice, err := s.resolveSize(ctx, user, req, adapter)
	if err != nil {
		return nil, err
	}

	side := orderSideForAction(req.Action)

	var ack *venue.OrderAck
	if req.OrderType == domain.OrderLimit && req.Price > 0 {
		ack, err = adapter.PlaceLimitOrder(ctx, req.Symbol, side, quantity, req.Price)
	} else {
		ack, err = adapter.PlaceMarketOrder(ctx, req.Symbol, side, quantity)
	}
	if err != nil {
		return nil, err
	}

	fillPrice := ack.FillPrice
	if fillPrice == 0 {
		fillPrice = entryPrice
	}

	positionSide := sideForAction(req.Action)
	var stopOrderID, takeProfitOrderID string
	var stopPrice, takeProfitPrice float64

	if req.StopLossPercent > 0 {
		stopPrice = bracketPrice(fillPrice, req.StopLossPercent, positionSide, true)
		exitSide := oppositeSide(side)
		if slAck, slErr := adapter.PlaceStopLoss(ctx, req.Symbol, exitSide, quantity, stopPrice); slErr == nil {
			stopOrderID = slAck.VenueOrderID
		} else {
			s.log.Warn().Err(slErr).Str("symbol", req.Symbol).Msg("failed to place attached stop-loss")
		}
	}
	if req.TakeProfitPercent > 0 {
		takeProfitPrice = bracketPrice(fillPrice, req.TakeProfitPercent, positionSide, false)
		exitSide := oppositeSide(side)
		if tpAck, tpErr := adapter.PlaceTakeProfit(ctx, req.Symbol, exitSide, quantity, takeProfitPrice); tpErr == nil {
			takeProfitOrderID = tpAck.VenueOrderID
		} else {
			s.log.Warn().Err(tpErr).Str("symbol", req.Symbol).Msg("failed to place attached take-profit")
		}
	}

	position := domain.Position{
		UserID:            user.ID,
		Venue:             req.Venue,
		Symbol:            req.Symbol,
		Side:              positionSide,
		Quantity:          quantity,
		EntryPrice:        fillPrice,
		EntryTime:         time.Now(),
		StopLossPrice:     stopPrice,
		TakeProfitPrice:   takeProfitPrice,
		EntryOrderID:      ack.VenueOrderID,
		StopOrderID:       stopOrderID,
		TakeProfitOrderID: takeProfitOrderID,
		MarkPrice:         fillPrice,
		CommittedUSD:      quantity * fillPrice,
		StrategyID:        req.StrategyID,
	}
	s.tracker.Open(position)
	s.sink.RecordPosition(position)

	if err := s.recordWebhookEvent(ctx, user.ID); err != nil {
		s.log.Warn().Err(err).Msg("failed to record webhook event for quota accounting")
	}

	return &Result{
		Success:    true,
		Action:     "opened",
		Symbol:     req.Symbol,
		Venue:      req.Venue,
		Quantity:   quantity,
		EntryPrice: fillPrice,
		OrderID:    ack.VenueOrderID,
	}, nil
}

func (s *Service) dispatchClose(ctx context.Context, user *domain.User, req Request, adapter venue.Adapter) (*Result, error) {
	position := s.tracker.Get(user.ID, req.Venue, req.Symbol)
	if position == nil {
		return nil, domain.NewError(domain.ErrNotFound, "no open position to close",
			"userId", user.ID, "venue", string(req.Venue), "symbol", req.Symbol)
	}

	closeSide := domain.SideSell
	if position.Side == domain.PositionShort {
		closeSide = domain.SideBuy
	}

	ack, err := adapter.ClosePosition(ctx, req.Symbol, closeSide, position.Quantity)
	if err != nil {
		return nil, err
	}

	exitPrice := ack.FillPrice
	if exitPrice == 0 {
		if t, tErr := adapter.GetTicker(ctx, req.Symbol); tErr == nil {
			exitPrice = t.Last
		}
	}

	realizedPnL := realizedPnLUSD(position.Side, position.EntryPrice, exitPrice, position.Quantity)
	realizedPct := 0.0
	if position.CommittedUSD != 0 {
		realizedPct = realizedPnL / position.CommittedUSD * 100
	}

	trade := domain.CompletedTrade{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		Venue:          req.Venue,
		Symbol:         req.Symbol,
		Side:           position.Side,
		Quantity:       position.Quantity,
		EntryPrice:     position.EntryPrice,
		EntryTime:      position.EntryTime,
		ExitPrice:      exitPrice,
		ExitTime:       time.Now(),
		ExitReason:     domain.ExitManual,
		RealizedPnLUSD: realizedPnL,
		RealizedPnLPct: realizedPct,
		StrategyID:     position.StrategyID,
	}

	s.tracker.Close(user.ID, req.Venue, req.Symbol)
	s.sink.RecordCompletedTrade(trade)
	s.gate.InvalidateOnClose(user.ID, req.Venue)

	if err := s.recordWebhookEvent(ctx, user.ID); err != nil {
		s.log.Warn().Err(err).Msg("failed to record webhook event for quota accounting")
	}

	return &Result{
		Success:    true,
		Action:     "closed",
		Symbol:     req.Symbol,
		Venue:      req.Venue,
		Quantity:   position.Quantity,
		EntryPrice: exitPrice,
		OrderID:    ack.VenueOrderID,
	}, nil
}

// resolveSize implements the first-hit-wins notional resolution: explicit
// signal size, then global fallback. A per-(user, venue) configured default
// would slot in between once the dashboard exposes one; today it falls
// straight through to the global fallback.
func (s *Service) resolveSize(ctx context.Context, user *domain.User, req Request, adapter venue.Adapter) (quantity, refPrice float64, err error) {
	notional := req.PositionSizeUSD
	if notional <= 0 {
		notional = defaultPositionSizeUSD
	}

	ticker, err := adapter.GetTicker(ctx, req.Symbol)
	if err != nil {
		return 0, 0, err
	}
	if ticker.Last <= 0 {
		return 0, 0, domain.NewError(domain.ErrVenueUnavailable, "venue returned no price for symbol", "symbol", req.Symbol)
	}

	if req.OrderType == domain.OrderLimit && req.Price > 0 {
		refPrice = req.Price
	} else {
		refPrice = ticker.Last
	}

	quantity = notional / refPrice
	if quantity <= 0 {
		return 0, 0, domain.NewError(domain.ErrTooSmall, "resolved quantity is not positive")
	}
	return quantity, refPrice, nil
}

func (s *Service) recordWebhookEvent(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, user_id, received_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	`, uuid.NewString(), userID)
	return err
}

// bracketPrice computes entry × (1 ∓ pct/100) for a Long position and the
// mirrored sign for Short, per spec.md's attached-stop/take-profit formula.
func bracketPrice(entry, pct float64, side domain.PositionSide, isStopLoss bool) float64 {
	sign := -1.0
	if (side == domain.PositionLong) != isStopLoss {
		sign = 1.0
	}
	return entry * (1 + sign*pct/100)
}

func oppositeSide(side domain.Side) domain.Side {
	if side == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}

func realizedPnLUSD(side domain.PositionSide, entry, exit, quantity float64) float64 {
	direction := 1.0
	if side == domain.PositionShort {
		direction = -1.0
	}
	return (exit - entry) * direction * quantity
}
