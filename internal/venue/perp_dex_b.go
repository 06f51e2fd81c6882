package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/rs/zerolog"
)

// perpDexBAdapter implements Adapter for the L2-rollup perpetual DEX, whose
// auth primitive is an account-indexed API key rather than a wallet
// signature. Closes are always reduce-only.
type perpDexBAdapter struct {
	apiKey       string
	accountIndex string
	baseURL      string
	http         *http.Client
	limiter      *rateLimiter
	log          zerolog.Logger
}

func newPerpDexBAdapter(creds domain.VenueCredential, log zerolog.Logger) (*perpDexBAdapter, error) {
	apiKey := creds.Fields["api_key"]
	accountIndex := creds.Fields["account_index"]
	if apiKey == "" || accountIndex == "" {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "perp_dex_b requires api_key and account_index")
	}
	return &perpDexBAdapter{
		apiKey:       apiKey,
		accountIndex: accountIndex,
		baseURL:      "https://api.perp-dex-b.example",
		http:         &http.Client{Timeout: 10 * time.Second},
		limiter:      newRateLimiter(250 * time.Millisecond),
		log:          log.With().Str("venue", string(domain.VenuePerpDexB)).Logger(),
	}, nil
}

func (a *perpDexBAdapter) Venue() domain.Venue { return domain.VenuePerpDexB }

func (a *perpDexBAdapter) toNativeSymbol(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	if strings.HasSuffix(symbol, "USD") {
		return strings.TrimSuffix(symbol, "USD") + "-PERP"
	}
	return symbol
}

// NormalizeSymbol exposes toNativeSymbol for callers outside this package
// (the reconciliation loop) that must compare a tracked canonical symbol
// against this venue's native position/ticker symbols.
func (a *perpDexBAdapter) NormalizeSymbol(symbol string) string { return a.toNativeSymbol(symbol) }

func (a *perpDexBAdapter) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
	if err := a.limiter.wait(ctx); err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if payload != nil {
		payload["accountIndex"] = a.accountIndex
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
		req.Header.Set("L2-API-KEY", a.apiKey)
		req.Header.Set("L2-ACCOUNT-INDEX", a.accountIndex)
		req.Header.Set("L2-TIMESTAMP", strconv.FormatInt(time.Now().UnixMilli(), 10))
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

func (a *perpDexBAdapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/account", nil)
	if err != nil {
		return 0, err
	}
	return asFloat(resp["freeCollateral"]), nil
}

func (a *perpDexBAdapter) GetPositions(ctx context.Context) ([]OpenPositionRecord, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/positions", nil)
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
			Symbol:        fmt.Sprint(m["market"]),
			Quantity:      asFloat(m["size"]),
			EntryPrice:    asFloat(m["entryPrice"]),
			MarkPrice:     asFloat(m["markPrice"]),
			UnrealizedPnL: asFloat(m["unrealizedPnl"]),
		})
	}
	return out, nil
}

func (a *perpDexBAdapter) GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error) {
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

func (a *perpDexBAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	return p != nil, err
}

func (a *perpDexBAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/ticker?market="+a.toNativeSymbol(symbol), nil)
	if err != nil {
		return nil, err
	}
	return &Ticker{Last: asFloat(resp["last"]), Bid: asFloat(resp["bid"]), Ask: asFloat(resp["ask"]), Volume: asFloat(resp["volume"])}, nil
}

func (a *perpDexBAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64, orderType string, reduceOnly bool) (*OrderAck, error) {
	qty, err := roundStepOrTooSmall(quantity, 0.0001)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"market":     a.toNativeSymbol(symbol),
		"side":       string(side),
		"size":       qty,
		"type":       orderType,
		"reduceOnly": reduceOnly,
	}
	if price > 0 {
		payload["price"] = price
	}
	resp, err := a.request(ctx, http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp), nil
}

func (a *perpDexBAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market", false)
}

func (a *perpDexBAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit", false)
}

func (a *perpDexBAdapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error) {
	qty, err := roundStepOrTooSmall(quantity, 0.0001)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"market":       a.toNativeSymbol(symbol),
		"side":         string(side),
		"size":         qty,
		"type":         "stop_market",
		"triggerPrice": stopPrice,
		"reduceOnly":   true,
	}
	resp, err := a.request(ctx, http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp), nil
}

func (a *perpDexBAdapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "take_profit_limit", true)
}

func (a *perpDexBAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market", true)
}

func (a *perpDexBAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error) {
	_, err := a.request(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	return &CancelAck{VenueOrderID: orderID, Canceled: true}, nil
}

func (a *perpDexBAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	ack := ackFromResponse(resp)
	return &OrderState{VenueOrderID: ack.VenueOrderID, Status: ack.Status, FillPrice: ack.FillPrice, FillQuantity: ack.FillQuantity}, nil
}
