package venue

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/rs/zerolog"
)

// predictionAdapter implements Adapter for the binary-contract prediction
// exchange. Contracts trade YES/NO rather than buy/sell, and price is always
// expressed in whole cents clamped to [1, 99]; size is a contract count, not
// a notional quantity. Every request is signed with RSA-PSS over the method,
// path, timestamp and body.
type predictionAdapter struct {
	apiKeyID   string
	privateKey *rsa.PrivateKey
	baseURL    string
	http       *http.Client
	limiter    *rateLimiter
	log        zerolog.Logger
}

func newPredictionAdapter(creds domain.VenueCredential, log zerolog.Logger) (*predictionAdapter, error) {
	apiKeyID := creds.Fields["api_key_id"]
	pemKey := creds.Fields["rsa_private_key"]
	if apiKeyID == "" || pemKey == "" {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "prediction requires api_key_id and rsa_private_key")
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "rsa_private_key is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, domain.NewError(domain.ErrCredentialsMiss, "malformed rsa_private_key: "+err.Error())
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, domain.NewError(domain.ErrCredentialsMiss, "rsa_private_key is not an RSA key")
		}
		key = rsaKey
	}

	return &predictionAdapter{
		apiKeyID:   apiKeyID,
		privateKey: key,
		baseURL:    "https://api.prediction-exchange.example/trade-api/v2",
		http:       &http.Client{Timeout: 10 * time.Second},
		limiter:    newRateLimiter(300 * time.Millisecond),
		log:        log.With().Str("venue", string(domain.VenuePrediction)).Logger(),
	}, nil
}

func (a *predictionAdapter) Venue() domain.Venue { return domain.VenuePrediction }

// toNativeSymbol passes market tickers through unchanged; this venue
// identifies contracts by an opaque ticker rather than a composable symbol.
func (a *predictionAdapter) toNativeSymbol(symbol string) string { return symbol }

// NormalizeSymbol exposes toNativeSymbol for callers outside this package
// (the reconciliation loop) that must compare a tracked canonical symbol
// against this venue's native position/ticker symbols.
func (a *predictionAdapter) NormalizeSymbol(symbol string) string { return a.toNativeSymbol(symbol) }

// clampCents clamps a price expressed in cents to the venue's valid
// [1, 99] range for a binary contract.
func clampCents(cents int) int {
	if cents < 1 {
		return 1
	}
	if cents > 99 {
		return 99
	}
	return cents
}

// sign produces an RSA-PSS signature over timestamp|method|path|body, the
// scheme this venue uses in place of an HMAC secret.
func (a *predictionAdapter) sign(method, path string, timestamp int64, body []byte) (string, error) {
	msg := fmt.Sprintf("%d%s%s", timestamp, method, path)
	digest := sha256.Sum256(append([]byte(msg), body...))
	sig, err := rsa.SignPSS(rand.Reader, a.privateKey, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (a *predictionAdapter) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
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
		timestamp := time.Now().UnixMilli()
		sig, err := a.sign(method, path, timestamp, bodyBytes)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequest(method, a.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("KALSHI-ACCESS-KEY", a.apiKeyID)
		req.Header.Set("KALSHI-ACCESS-TIMESTAMP", strconv.FormatInt(timestamp, 10))
		req.Header.Set("KALSHI-ACCESS-SIGNATURE", sig)
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

func (a *predictionAdapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	resp, err := a.request(ctx, http.MethodGet, "/portfolio/balance", nil)
	if err != nil {
		return 0, err
	}
	return asFloat(resp["balance"]) / 100, nil
}

func (a *predictionAdapter) GetPositions(ctx context.Context) ([]OpenPositionRecord, error) {
	resp, err := a.request(ctx, http.MethodGet, "/portfolio/positions", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := resp["market_positions"].([]any)
	out := make([]OpenPositionRecord, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, OpenPositionRecord{
			Symbol:        fmt.Sprint(m["ticker"]),
			Quantity:      asFloat(m["position"]),
			EntryPrice:    asFloat(m["market_exposure"]) / 100,
			MarkPrice:     asFloat(m["last_price"]) / 100,
			UnrealizedPnL: asFloat(m["realized_pnl"]) / 100,
		})
	}
	return out, nil
}

func (a *predictionAdapter) GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error) {
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

func (a *predictionAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	return p != nil, err
}

func (a *predictionAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := a.request(ctx, http.MethodGet, "/markets/"+a.toNativeSymbol(symbol), nil)
	if err != nil {
		return nil, err
	}
	market, _ := resp["market"].(map[string]any)
	return &Ticker{
		Last:   asFloat(market["last_price"]) / 100,
		Bid:    asFloat(market["yes_bid"]) / 100,
		Ask:    asFloat(market["yes_ask"]) / 100,
		Volume: asFloat(market["volume"]),
	}, nil
}

// predictionSide maps the domain side to this venue's YES/NO contract side.
// Buy opens/adds to YES, Sell opens/adds to NO.
func predictionSide(side domain.Side) string {
	if side == domain.SideSell {
		return "no"
	}
	return "yes"
}

func (a *predictionAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity, priceUSD float64, orderType string) (*OrderAck, error) {
	count, err := roundStepOrTooSmall(quantity, 1)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"ticker":        a.toNativeSymbol(symbol),
		"side":          predictionSide(side),
		"action":        "buy",
		"count":         int(count),
		"type":          orderType,
		"time_in_force": "day",
	}
	if priceUSD > 0 {
		payload["yes_price"] = clampCents(int(priceUSD*100 + 0.5))
	}
	resp, err := a.request(ctx, http.MethodPost, "/portfolio/orders", payload)
	if err != nil {
		return nil, err
	}
	return ackFromResponse(resp), nil
}

func (a *predictionAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market")
}

func (a *predictionAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit")
}

// PlaceStopLoss has no native equivalent on a binary-contract venue; it is
// realized as a resting limit order on the opposite side that closes the
// position once the contract trades through the stop level.
func (a *predictionAdapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error) {
	closingSide := domain.SideBuy
	if side == domain.SideBuy {
		closingSide = domain.SideSell
	}
	return a.placeOrder(ctx, symbol, closingSide, quantity, stopPrice, "limit")
}

func (a *predictionAdapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	closingSide := domain.SideBuy
	if side == domain.SideBuy {
		closingSide = domain.SideSell
	}
	return a.placeOrder(ctx, symbol, closingSide, quantity, limitPrice, "limit")
}

func (a *predictionAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market")
}

func (a *predictionAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error) {
	_, err := a.request(ctx, http.MethodDelete, "/portfolio/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	return &CancelAck{VenueOrderID: orderID, Canceled: true}, nil
}

func (a *predictionAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/portfolio/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	ack := ackFromResponse(resp)
	return &OrderState{VenueOrderID: ack.VenueOrderID, Status: ack.Status, FillPrice: ack.FillPrice, FillQuantity: ack.FillQuantity}, nil
}
