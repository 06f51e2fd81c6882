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

// optionsAdapter implements Adapter for the options broker. Symbols are
// exchanged in OCC format (root padded to 6 chars, YYMMDD expiry, C/P right,
// strike * 1000 as 8 digits): "AAPL  240621C00195000". PlaceTakeProfit and
// PlaceStopLoss submit standalone orders; no parent order id is sent, so the
// venue does not link them to the entry order as an OTOCO bracket.
type optionsAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	limiter   *rateLimiter
	log       zerolog.Logger
}

func newOptionsAdapter(creds domain.VenueCredential, log zerolog.Logger) (*optionsAdapter, error) {
	apiKey := creds.Fields["api_key"]
	apiSecret := creds.Fields["api_secret"]
	if apiKey == "" || apiSecret == "" {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "options requires api_key and api_secret")
	}
	base := "https://api.options-broker.example/v1"
	if creds.Environment == domain.EnvSandbox {
		base = "https://paper-api.options-broker.example/v1"
	}
	return &optionsAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   base,
		http:      &http.Client{Timeout: 10 * time.Second},
		limiter:   newRateLimiter(200 * time.Millisecond),
		log:       log.With().Str("venue", string(domain.VenueOptions)).Logger(),
	}, nil
}

func (a *optionsAdapter) Venue() domain.Venue { return domain.VenueOptions }

// occEncode builds an OCC-format option symbol from its components.
func occEncode(root string, expiry time.Time, right string, strike float64) string {
	paddedRoot := root
	if len(paddedRoot) < 6 {
		paddedRoot += strings.Repeat(" ", 6-len(paddedRoot))
	}
	strikeThousandths := int64(strike*1000 + 0.5)
	return fmt.Sprintf("%s%s%s%08d", paddedRoot, expiry.Format("060102"), right, strikeThousandths)
}

// occDecode parses an OCC-format option symbol back into its components.
func occDecode(occ string) (root string, expiry time.Time, right string, strike float64, err error) {
	if len(occ) < 21 {
		return "", time.Time{}, "", 0, fmt.Errorf("malformed OCC symbol %q", occ)
	}
	root = strings.TrimSpace(occ[0:6])
	expiry, err = time.Parse("060102", occ[6:12])
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("malformed OCC expiry in %q: %w", occ, err)
	}
	right = occ[12:13]
	strikeThousandths, err := strconv.ParseInt(occ[13:21], 10, 64)
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("malformed OCC strike in %q: %w", occ, err)
	}
	strike = float64(strikeThousandths) / 1000
	return root, expiry, right, strike, nil
}

// toNativeSymbol passes OCC symbols through unchanged; this venue natively
// speaks OCC.
func (a *optionsAdapter) toNativeSymbol(symbol string) string { return symbol }

// NormalizeSymbol exposes toNativeSymbol for callers outside this package
// (the reconciliation loop) that must compare a tracked canonical symbol
// against this venue's native position/ticker symbols.
func (a *optionsAdapter) NormalizeSymbol(symbol string) string { return a.toNativeSymbol(symbol) }

func (a *optionsAdapter) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
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
		req.Header.Set("OPT-API-KEY", a.apiKey)
		req.Header.Set("OPT-API-SECRET", a.apiSecret)
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

func (a *optionsAdapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	resp, err := a.request(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return 0, err
	}
	return asFloat(resp["optionBuyingPower"]), nil
}

func (a *optionsAdapter) GetPositions(ctx context.Context) ([]OpenPositionRecord, error) {
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
			Symbol:        fmt.Sprint(m["occSymbol"]),
			Quantity:      asFloat(m["contracts"]),
			EntryPrice:    asFloat(m["avgEntryPrice"]),
			MarkPrice:     asFloat(m["markPrice"]),
			UnrealizedPnL: asFloat(m["unrealizedPl"]),
		})
	}
	return out, nil
}

func (a *optionsAdapter) GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error) {
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

func (a *optionsAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	return p != nil, err
}

func (a *optionsAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := a.request(ctx, http.MethodGet, "/options/"+a.toNativeSymbol(symbol)+"/quote", nil)
	if err != nil {
		return nil, err
	}
	return &Ticker{Last: asFloat(resp["last"]), Bid: asFloat(resp["bid"]), Ask: asFloat(resp["ask"]), Volume: asFloat(resp["volume"])}, nil
}

func (a *optionsAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64, orderType string) (*OrderAck, error) {
	contracts, err := roundStepOrTooSmall(quantity, 1)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"occSymbol":     a.toNativeSymbol(symbol),
		"side":          strings.ToLower(string(side)),
		"contracts":     contracts,
		"type":          orderType,
		"time_in_force": "day",
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

func (a *optionsAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market")
}

func (a *optionsAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit")
}

func (a *optionsAdapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error) {
	contracts, err := roundStepOrTooSmall(quantity, 1)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"occSymbol":     a.toNativeSymbol(symbol),
		"side":          strings.ToLower(string(side)),
		"contracts":     contracts,
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

func (a *optionsAdapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit")
}

func (a *optionsAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market")
}

func (a *optionsAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error) {
	_, err := a.request(ctx, http.MethodDelete, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	return &CancelAck{VenueOrderID: orderID, Canceled: true}, nil
}

func (a *optionsAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	ack := ackFromResponse(resp)
	return &OrderState{VenueOrderID: ack.VenueOrderID, Status: ack.Status, FillPrice: ack.FillPrice, FillQuantity: ack.FillQuantity}, nil
}
