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

// equitiesCashAdapter implements Adapter for the bearer-token cash equities
// broker. The venue only accepts orders during regular market hours, which
// domain.Venue.RequiresRegularHours reports; neither the dispatcher nor this
// adapter checks the clock before sending an order.
type equitiesCashAdapter struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rateLimiter
	log     zerolog.Logger
}

func newEquitiesCashAdapter(creds domain.VenueCredential, log zerolog.Logger) (*equitiesCashAdapter, error) {
	token := creds.Fields["bearer_token"]
	if token == "" {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "equities_cash requires bearer_token")
	}
	base := "https://api.equities-cash.example/v2"
	if creds.Environment == domain.EnvSandbox {
		base = "https://sandbox-api.equities-cash.example/v2"
	}
	return &equitiesCashAdapter{
		token:   token,
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: newRateLimiter(200 * time.Millisecond),
		log:     log.With().Str("venue", string(domain.VenueEquitiesCash)).Logger(),
	}, nil
}

func (a *equitiesCashAdapter) Venue() domain.Venue { return domain.VenueEquitiesCash }

// toNativeSymbol is the identity mapping for this venue: it accepts bare
// ticker symbols directly.
func (a *equitiesCashAdapter) toNativeSymbol(symbol string) string { return symbol }

// NormalizeSymbol exposes toNativeSymbol for callers outside this package
// (the reconciliation loop) that must compare a tracked canonical symbol
// against this venue's native position/ticker symbols.
func (a *equitiesCashAdapter) NormalizeSymbol(symbol string) string { return a.toNativeSymbol(symbol) }

func (a *equitiesCashAdapter) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
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

func (a *equitiesCashAdapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	resp, err := a.request(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return 0, err
	}
	return asFloat(resp["buyingPower"]), nil
}

func (a *equitiesCashAdapter) GetPositions(ctx context.Context) ([]OpenPositionRecord, error) {
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

func (a *equitiesCashAdapter) GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error) {
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

func (a *equitiesCashAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	return p != nil, err
}

func (a *equitiesCashAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := a.request(ctx, http.MethodGet, "/quotes/"+a.toNativeSymbol(symbol), nil)
	if err != nil {
		return nil, err
	}
	return &Ticker{Last: asFloat(resp["last"]), Bid: asFloat(resp["bid"]), Ask: asFloat(resp["ask"]), Volume: asFloat(resp["volume"])}, nil
}

func (a *equitiesCashAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64, orderType string) (*OrderAck, error) {
	qty, err := roundStepOrTooSmall(quantity, 1)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"symbol":      a.toNativeSymbol(symbol),
		"side":        strings.ToLower(string(side)),
		"qty":         qty,
		"type":        orderType,
		"timeInForce": "day",
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

func (a *equitiesCashAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market")
}

func (a *equitiesCashAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit")
}

func (a *equitiesCashAdapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error) {
	qty, err := roundStepOrTooSmall(quantity, 1)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"symbol":      a.toNativeSymbol(symbol),
		"side":        strings.ToLower(string(side)),
		"qty":         qty,
		"type":        "stop",
		"stop_price":  stopPrice,
		"timeInForce": "gtc",
	}
	resp, err := a.request(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp), nil
}

func (a *equitiesCashAdapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit")
}

func (a *equitiesCashAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market")
}

func (a *equitiesCashAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error) {
	_, err := a.request(ctx, http.MethodDelete, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	return &CancelAck{VenueOrderID: orderID, Canceled: true}, nil
}

func (a *equitiesCashAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	ack := ackFromResponse(resp)
	return &OrderState{VenueOrderID: ack.VenueOrderID, Status: ack.Status, FillPrice: ack.FillPrice, FillQuantity: ack.FillQuantity}, nil
}
