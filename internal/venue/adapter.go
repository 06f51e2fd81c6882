// Package venue defines the uniform capability surface every trading venue
// is adapted to, and the concrete adapters for each supported venue. The
// dispatcher is generic over Adapter and never branches on venue identity
// except to select one.
package venue

import (
	"context"

	"github.com/aristath/sentinel/internal/domain"
)

// OpenPositionRecord is a venue-reported open position, in venue-native
// symbol form with a signed quantity (sign carries the side).
type OpenPositionRecord struct {
	Symbol         string
	Quantity       float64 // signed: positive long, negative short
	EntryPrice     float64
	MarkPrice      float64
	UnrealizedPnL  float64
}

// Ticker is a best-effort market snapshot; Bid/Ask/Volume are optional and
// zero when the venue did not report them.
type Ticker struct {
	Last   float64
	Bid    float64
	Ask    float64
	Volume float64
}

// OrderStatus is the lifecycle state of a placed order.
type OrderStatus string

const (
	OrderWorking        OrderStatus = "Working"
	OrderPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderFilled         OrderStatus = "Filled"
	OrderRejected       OrderStatus = "Rejected"
)

// OrderAck is the venue's immediate response to an order placement request.
type OrderAck struct {
	VenueOrderID   string
	FillPrice      float64 // 0 if not immediately known
	FillQuantity   float64 // 0 if not immediately known
	Status         OrderStatus
}

// CancelAck confirms a cancellation request.
type CancelAck struct {
	VenueOrderID string
	Canceled     bool
}

// OrderState is the result of an order status query.
type OrderState struct {
	VenueOrderID string
	Status       OrderStatus
	FillPrice    float64
	FillQuantity float64
}

// Adapter is the capability surface every venue implementation exposes. All
// methods are safe for concurrent use from a single adapter instance backing
// a single (user, venue) pair; an adapter is never shared across users.
type Adapter interface {
	// Account & market read.
	GetAvailableMargin(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]OpenPositionRecord, error)
	GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error)
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// NormalizeSymbol converts a canonical wire symbol (e.g. "BTCUSDT") into
	// this venue's native form (e.g. "BTC/USDT:USDT"), so callers outside this
	// package can compare a tracked position's symbol against a venue-reported
	// one without knowing the concrete adapter type.
	NormalizeSymbol(symbol string) string

	// Order placement.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error)
	PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error)
	PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error)
	ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error)

	// Venue returns the venue this adapter instance was constructed for.
	Venue() domain.Venue
}
