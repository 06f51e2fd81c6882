package venue

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/rs/zerolog"
)

// perpDexCAdapter implements Adapter for the wallet-authenticated perpetual
// DEX: every request is signed with the wallet's ECDSA private key rather
// than a static API secret. Closes are reduce-only, matching perpDexBAdapter.
type perpDexCAdapter struct {
	address    string
	privateKey *ecdsa.PrivateKey
	baseURL    string
	http       *http.Client
	limiter    *rateLimiter
	log        zerolog.Logger
}

func newPerpDexCAdapter(creds domain.VenueCredential, log zerolog.Logger) (*perpDexCAdapter, error) {
	hexKey := strings.TrimPrefix(creds.Fields["wallet_private_key"], "0x")
	if hexKey == "" {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "perp_dex_c requires wallet_private_key")
	}
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, domain.NewError(domain.ErrCredentialsMiss, "malformed wallet_private_key: "+err.Error())
	}
	address := crypto.PubkeyToAddress(pk.PublicKey).Hex()

	return &perpDexCAdapter{
		address:    address,
		privateKey: pk,
		baseURL:    "https://api.perp-dex-c.example",
		http:       &http.Client{Timeout: 10 * time.Second},
		limiter:    newRateLimiter(250 * time.Millisecond),
		log:        log.With().Str("venue", string(domain.VenuePerpDexC)).Str("address", address).Logger(),
	}, nil
}

func (a *perpDexCAdapter) Venue() domain.Venue { return domain.VenuePerpDexC }

func (a *perpDexCAdapter) toNativeSymbol(symbol string) string {
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
func (a *perpDexCAdapter) NormalizeSymbol(symbol string) string { return a.toNativeSymbol(symbol) }

// signPayload produces a wallet signature over keccak256(payload+nonce),
// the authentication primitive this venue uses in place of an API secret.
func (a *perpDexCAdapter) signPayload(payload []byte, nonce string) (string, error) {
	digest := crypto.Keccak256(payload, []byte(nonce))
	sig, err := crypto.Sign(digest, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

func (a *perpDexCAdapter) request(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
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
		nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
		sig, err := a.signPayload(bodyBytes, nonce)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequest(method, a.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-WALLET-ADDRESS", a.address)
		req.Header.Set("X-NONCE", nonce)
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

func (a *perpDexCAdapter) GetAvailableMargin(ctx context.Context) (float64, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/account/"+a.address, nil)
	if err != nil {
		return 0, err
	}
	return asFloat(resp["freeCollateral"]), nil
}

func (a *perpDexCAdapter) GetPositions(ctx context.Context) ([]OpenPositionRecord, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/positions/"+a.address, nil)
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

func (a *perpDexCAdapter) GetPosition(ctx context.Context, symbol string) (*OpenPositionRecord, error) {
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

func (a *perpDexCAdapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	return p != nil, err
}

func (a *perpDexCAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/ticker?market="+a.toNativeSymbol(symbol), nil)
	if err != nil {
		return nil, err
	}
	return &Ticker{Last: asFloat(resp["last"]), Bid: asFloat(resp["bid"]), Ask: asFloat(resp["ask"]), Volume: asFloat(resp["volume"])}, nil
}

func (a *perpDexCAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, quantity, price float64, orderType string, reduceOnly bool) (*OrderAck, error) {
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

func (a *perpDexCAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market", false)
}

func (a *perpDexCAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "limit", false)
}

func (a *perpDexCAdapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.Side, quantity, stopPrice float64) (*OrderAck, error) {
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

func (a *perpDexCAdapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.Side, quantity, limitPrice float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, limitPrice, "take_profit_limit", true)
}

func (a *perpDexCAdapter) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity float64) (*OrderAck, error) {
	return a.placeOrder(ctx, symbol, side, quantity, 0, "market", true)
}

func (a *perpDexCAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*CancelAck, error) {
	_, err := a.request(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	return &CancelAck{VenueOrderID: orderID, Canceled: true}, nil
}

func (a *perpDexCAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	ack := ackFromResponse(resp)
	return &OrderState{VenueOrderID: ack.VenueOrderID, Status: ack.Status, FillPrice: ack.FillPrice, FillQuantity: ack.FillQuantity}, nil
}
