package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/rs/zerolog"
)

// forexAdapter implements Adapter for the bearer-token FX broker. It
// supports a native trailing-stop primitive in addition to the fixed-price
// stop the capability surface exposes; PlaceStopLoss here places a fixed
// stop, matching the uniform contract.
type forexAdapter struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rateLimiter
	log     zerolog.Logger
}

func newForexAdapter(creds domain.VenueCredential, log zerolog.Logger) (*forexAdapter, error) {
	token := creds.Fields["bearer_token"]
	if token == "" {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "forex requires bearer_token")
	}
	base := "https://api-fxtrade.example/v3"
	if creds.Environment == domain.EnvSandbox {
		base = "https://api-fxpractice.example/v3"
	}
	return &forexAdapter{
		token:   token,
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: newRateLimiter(300 * time.Millisecond),
		log:     log.With().Str("venue", string(domain.VenueForex)).Logger(),
	}, nil
}

func (a *forexAdapter) Venue() domain.Venue { return domain.VenueForex }

// toNativeSymbol converts "EURUSD" into the venue's "EUR_USD" form.
func (a *forexAdapter) toNativeSymbol(symbol string) string {
	if len(symbol) == 6 && !containsByte(symbol, '_') {
		return symbol[:3] + "_" + symbol[3:]
	}
	return symbol
}

// NormalizeSymbol exposes toNativeSymbol for callers outside this package
// (the reconciliation loop) that must compare a tracked canonical symbol
// against this venue's native position/ticker symbols.
func (a *forexAdapter) NormalizeSymbol(symbol string) string { return a.toNativeSymbol(symbol) }

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

func (a *forexAdapter) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
	if err := a.limiter.wait(ctx); err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		bodyBytes = b
	}

	_, respBody, err := doWithRetry(ctx, a.http, func() (*http.Request, error) {
		req, err := http.NewRequest(method, a.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, domain.NewError(domain.ErrVenueUnavailable, "invalid JSON response: "+err.Error())
		}
	}
	return result, nil
}

func (a *forexAdapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	resp, err := a.request(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return 0, err
	}
	return asFloat(resp["marginAvailable"]), nil
}

func (a *forexAdapter) GetPositions(ctx context.Context) ([]OpenPositionRecord, error) {
	resp, err := a.request(ctx, http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := resp["positions"].([]any)
	out := make([]OpenPositionRecord, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, OpenPositionRecord{
			Symbol:        fmt.Sprint(m["instrument"]),
			Quantity:      asFloat(m["units"]),
			EntryPrice:    asFloat(m["averagePrice"]),
			MarkPrice:     asFloat(m["markPrice"]),
			UnrealizedPnL: asFloat(m["unrealizedPL"]),
		})
	}
	return out, nil
}

func (a *forexAdapter) GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	native := a.toNativeSymbol(symbol)
	for _, p := range positions {
		if p.Symbol == native {
			return &p, nil
		}
	}
	return nil, nil
}

func (a *forexAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	return p != nil, err
}

func (a *forexAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := a.request(ctx, http.MethodGet, "/pricing?instruments="+a.toNativeSymbol(symbol), nil)
	if err != nil {
		return nil, err
	}
	return &Ticker{Last: asFloat(resp["last"]), Bid: asFloat(resp["bid"]), Ask: asFloat(resp["ask"])}, nil
}

func (a *forexAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64, orderType string) (*OrderAck, error) {
	units, err := roundStepOrTooSmall(quantity, 1)
	if err != nil {
		return nil, err
	}
	if side == domain.SideSell {
		units = -units
	}
	payload := map[string]any{
		"instrument": a.toNativeSymbol(symbol),
		"units":      units,
		"type":       orderType,
	}
	if price > 0 {
		payload["price"] = price
	}
	resp, err := a.request(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp), nil
}

func (a *forexAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "MARKET")
}

func (a *forexAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "LIMIT")
}

func (a *forexAdapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, stopPrice, "STOP")
}

func (a *forexAdapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "LIMIT")
}

func (a *forexAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "MARKET")
}

func (a *forexAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error) {
	_, err := a.request(ctx, http.MethodPut, "/orders/"+orderID+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	return &CancelAck{VenueOrderID: orderID, Canceled: true}, nil
}

func (a *forexAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	ack := ackFromResponse(resp)
	return &OrderState{VenueOrderID: ack.VenueOrderID, Status: ack.Status, FillPrice: ack.FillPrice, FillQuantity: ack.FillQuantity}, nil
}
