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

// perpDexAAdapter implements Adapter for the HMAC-authenticated,
// USDT-margined perpetual DEX. Leverage is set out-of-band and is not a
// concern of this adapter.
type perpDexAAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	limiter   *rateLimiter
	log       zerolog.Logger
}

func newPerpDexAAdapter(creds domain.VenueCredential, log zerolog.Logger) (*perpDexAAdapter, error) {
	apiKey := creds.Fields["api_key"]
	apiSecret := creds.Fields["api_secret"]
	if apiKey == "" || apiSecret == "" {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "perp_dex_a requires api_key and api_secret")
	}
	return &perpDexAAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   "https://api.perp-dex-a.example/v1",
		http:      &http.Client{Timeout: 10 * time.Second},
		limiter:   newRateLimiter(200 * time.Millisecond),
		log:       log.With().Str("venue", string(domain.VenuePerpDexA)).Logger(),
	}, nil
}

func (a *perpDexAAdapter) Venue() domain.Venue { return domain.VenuePerpDexA }

// toNativeSymbol converts "BTCUSDT" into the venue's "BTC/USDT:USDT" form.
func (a *perpDexAAdapter) toNativeSymbol(symbol string) string {
	if strings.Contains(symbol, "/") {
		return symbol
	}
	if strings.HasSuffix(symbol, "USDT") {
		base := strings.TrimSuffix(symbol, "USDT")
		return base + "/USDT:USDT"
	}
	return symbol
}

// NormalizeSymbol exposes toNativeSymbol for callers outside this package
// (the reconciliation loop) that must compare a tracked canonical symbol
// against this venue's native position/ticker symbols.
func (a *perpDexAAdapter) NormalizeSymbol(symbol string) string { return a.toNativeSymbol(symbol) }

func (a *perpDexAAdapter) sign(method, path, body, timestamp string) string {
	return hmacSignHex(a.apiSecret, timestamp+method+path+body)
}

func (a *perpDexAAdapter) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
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
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		sig := a.sign(method, path, string(bodyBytes), timestamp)

		req, err := http.NewRequest(method, a.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-KEY", a.apiKey)
		req.Header.Set("X-TIMESTAMP", timestamp)
		req.Header.Set("X-SIGNATURE", sig)
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

func (a *perpDexAAdapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	resp, err := a.request(ctx, http.MethodGet, "/account/balance", nil)
	if err != nil {
		return 0, err
	}
	return asFloat(resp["availableMargin"]), nil
}

func (a *perpDexAAdapter) GetPositions(ctx context.Context) ([]OpenPositionRecord, error) {
	resp, err := a.request(ctx, http.MethodGet, "/account/positions", nil)
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
			Symbol:        fmt.Sprint(m["symbol"]),
			Quantity:      asFloat(m["quantity"]),
			EntryPrice:    asFloat(m["entryPrice"]),
			MarkPrice:     asFloat(m["markPrice"]),
			UnrealizedPnL: asFloat(m["unrealizedPnl"]),
		})
	}
	return out, nil
}

func (a *perpDexAAdapter) GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error) {
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

func (a *perpDexAAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	return p != nil, err
}

func (a *perpDexAAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := a.request(ctx, http.MethodGet, "/market/ticker?symbol="+a.toNativeSymbol(symbol), nil)
	if err != nil {
		return nil, err
	}
	return &Ticker{
		Last:   asFloat(resp["last"]),
		Bid:    asFloat(resp["bid"]),
		Ask:    asFloat(resp["ask"]),
		Volume: asFloat(resp["volume"]),
	}, nil
}

func (a *perpDexAAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64, orderType string, reduceOnly bool) (*OrderAck, error) {
	qty, err := roundStepOrTooSmall(quantity, 0.001)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"symbol":     a.toNativeSymbol(symbol),
		"side":       string(side),
		"quantity":   qty,
		"orderType":  orderType,
		"reduceOnly": reduceOnly,
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

func (a *perpDexAAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market", false)
}

func (a *perpDexAAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit", false)
}

func (a *perpDexAAdapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error) {
	qty, err := roundStepOrTooSmall(quantity, 0.001)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"symbol":     a.toNativeSymbol(symbol),
		"side":       string(side),
		"quantity":   qty,
		"orderType":  "stop_market",
		"stopPrice":  stopPrice,
		"reduceOnly": true,
	}
	resp, err := a.request(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp), nil
}

func (a *perpDexAAdapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "take_profit_limit", true)
}

func (a *perpDexAAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market", true)
}

func (a *perpDexAAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error) {
	_, err := a.request(ctx, http.MethodDelete, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	return &CancelAck{VenueOrderID: orderID, Canceled: true}, nil
}

func (a *perpDexAAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	ack := ackFromResponse(resp)
	return &OrderState{
		VenueOrderID: ack.VenueOrderID,
		Status:       ack.Status,
		FillPrice:    ack.FillPrice,
		FillQuantity: ack.FillQuantity,
	}, nil
}
