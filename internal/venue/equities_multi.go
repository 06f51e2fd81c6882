package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/rs/zerolog"
)

// equitiesMultiAdapter implements Adapter for the key+secret stocks/options
// broker. The venue supports bracket (OCO/OTO) orders natively, but this
// adapter does not use them: PlaceStopLoss and PlaceTakeProfit place
// standalone orders to honor the uniform contract.
type equitiesMultiAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	limiter   *rateLimiter
	log       zerolog.Logger
}

func newEquitiesMultiAdapter(creds domain.VenueCredential, log zerolog.Logger) (*equitiesMultiAdapter, error) {
	apiKey := creds.Fields["api_key"]
	apiSecret := creds.Fields["api_secret"]
	if apiKey == "" || apiSecret == "" {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "equities_multi requires api_key and api_secret")
	}
	base := "https://api.equities-multi.example/v2"
	if creds.Environment == domain.EnvSandbox {
		base = "https://paper-api.equities-multi.example/v2"
	}
	return &equitiesMultiAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   base,
		http:      &http.Client{Timeout: 10 * time.Second},
		limiter:   newRateLimiter(200 * time.Millisecond),
		log:       log.With().Str("venue", string(domain.VenueEquitiesMulti)).Logger(),
	}, nil
}

func (a *equitiesMultiAdapter) Venue() domain.Venue { return domain.VenueEquitiesMulti }

func (a *equitiesMultiAdapter) toNativeSymbol(symbol string) string { return strings.ToUpper(symbol) }

// NormalizeSymbol exposes toNativeSymbol for callers outside this package
// (the reconciliation loop) that must compare a tracked canonical symbol
// against this venue's native position/ticker symbols.
func (a *equitiesMultiAdapter) NormalizeSymbol(symbol string) string {
	return a.toNativeSymbol(symbol)
}

func (a *equitiesMultiAdapter) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
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
		req.Header.Set("APCA-API-KEY-ID", a.apiKey)
		req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)
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

func (a *equitiesMultiAdapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	resp, err := a.request(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return 0, err
	}
	return asFloat(resp["buyingPower"]), nil
}

func (a *equitiesMultiAdapter) GetPositions(ctx context.Context) ([]OpenPositionRecord, error) {
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
			Symbol:        fmt.Sprint(m["symbol"]),
			Quantity:      asFloat(m["qty"]),
			EntryPrice:    asFloat(m["avgEntryPrice"]),
			MarkPrice:     asFloat(m["currentPrice"]),
			UnrealizedPnL: asFloat(m["unrealizedPl"]),
		})
	}
	return out, nil
}

func (a *equitiesMultiAdapter) GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == a.toNativeSymbol(symbol) {
			return &p, nil
		}
	}
	return nil, nil
}

func (a *equitiesMultiAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	return p != nil, err
}

func (a *equitiesMultiAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := a.request(ctx, http.MethodGet, "/stocks/"+a.toNativeSymbol(symbol)+"/quote", nil)
	if err != nil {
		return nil, err
	}
	return &Ticker{Last: asFloat(resp["last"]), Bid: asFloat(resp["bid"]), Ask: asFloat(resp["ask"]), Volume: asFloat(resp["volume"])}, nil
}

// placeOrder places a notional order when notionalUSD is positive, and a
// share-count order otherwise, with quantity rounded down to whole shares.
// Every caller in this file passes notionalUSD 0, so fractional quantities
// are never sent as notional orders.
func (a *equitiesMultiAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64, orderType string, notionalUSD float64) (*OrderAck, error) {
	payload := map[string]any{
		"symbol":        a.toNativeSymbol(symbol),
		"side":          strings.ToLower(string(side)),
		"type":          orderType,
		"time_in_force": "day",
		"extended_hours": true,
	}
	if notionalUSD > 0 {
		payload["notional"] = notionalUSD
	} else {
		qty, err := roundStepOrTooSmall(quantity, 1)
		if err != nil {
			return nil, err
		}
		payload["qty"] = qty
	}
	if price > 0 {
		payload["limit_price"] = price
	}
	resp, err := a.request(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp), nil
}

func (a *equitiesMultiAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market", 0)
}

func (a *equitiesMultiAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit", 0)
}

func (a *equitiesMultiAdapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error) {
	qty, err := roundStepOrTooSmall(quantity, 1)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"symbol":        a.toNativeSymbol(symbol),
		"side":          strings.ToLower(string(side)),
		"qty":           qty,
		"type":          "stop",
		"stop_price":    stopPrice,
		"time_in_force": "gtc",
	}
	resp, err := a.request(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp), nil
}

func (a *equitiesMultiAdapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit", 0)
}

func (a *equitiesMultiAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market", 0)
}

func (a *equitiesMultiAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error) {
	_, err := a.request(ctx, http.MethodDelete, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	return &CancelAck{VenueOrderID: orderID, Canceled: true}, nil
}

func (a *equitiesMultiAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	ack := ackFromResponse(resp)
	return &OrderState{VenueOrderID: ack.VenueOrderID, Status: ack.Status, FillPrice: ack.FillPrice, FillQuantity: ack.FillQuantity}, nil
}
