// Package mlvalidate calls the optional external ML scoring service that
// gates strategies marked ML-assisted. Fail-open is a hard invariant: any
// transport failure, timeout, or malformed response yields an allow verdict
// rather than an error, so the client never blocks a trade it cannot score.
package mlvalidate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const defaultThreshold = 70.0

// requestBody is the compact market-context snapshot sent to the scorer.
type requestBody struct {
	StrategyID string  `json:"strategyId"`
	Action     string  `json:"action"`
	Symbol     string  `json:"symbol"`
	LastPrice  float64 `json:"lastPrice"`
	Volume     float64 `json:"volume"`
}

type responseBody struct {
	Confidence float64            `json:"confidence"`
	Reasons    []string           `json:"reasons,omitempty"`
	Breakdown  map[string]float64 `json:"breakdown,omitempty"`
}

// Verdict is the outcome of a validation call, always populated even on
// fail-open so the dispatcher can log it to the DecisionLog uniformly.
type Verdict struct {
	Allow      bool
	Confidence float64
	Threshold  float64
	Reasons    []string
	Breakdown  map[string]float64
}

type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     log.With().Str("client", "ml-validate").Logger(),
	}
}

// Validate scores the signal against the external service. threshold <= 0
// falls back to defaultThreshold.
func (c *Client) Validate(ctx context.Context, strategyID, action, symbol string, lastPrice, volume, threshold float64) Verdict {
	if threshold <= 0 {
		threshold = defaultThreshold
	}

	body, err := json.Marshal(requestBody{
		StrategyID: strategyID,
		Action:     action,
		Symbol:     symbol,
		LastPrice:  lastPrice,
		Volume:     volume,
	})
	if err != nil {
		return c.failOpen(threshold, "ml-unavailable: "+err.Error())
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/validate-strategy-signal", bytes.NewReader(body))
	if err != nil {
		return c.failOpen(threshold, "ml-unavailable: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("strategyId", strategyID).Msg("ml validation request failed, failing open")
		return c.failOpen(threshold, "ml-unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Int("status", resp.StatusCode).Str("strategyId", strategyID).Msg("ml validation non-2xx, failing open")
		return c.failOpen(threshold, "ml-unavailable")
	}

	var parsed responseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.log.Warn().Err(err).Str("strategyId", strategyID).Msg("ml validation malformed response, failing open")
		return c.failOpen(threshold, "ml-unavailable")
	}

	return Verdict{
		Allow:      parsed.Confidence >= threshold,
		Confidence: parsed.Confidence,
		Threshold:  threshold,
		Reasons:    parsed.Reasons,
		Breakdown:  parsed.Breakdown,
	}
}

// Ready reports whether the ML service responds to a lightweight health
// check. Used only to surface worker status on /health/ai-worker; it never
// gates trading itself (Validate's fail-open path handles that).
func (c *Client) Ready(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) failOpen(threshold float64, reason string) Verdict {
	return Verdict{
		Allow:      true,
		Confidence: 0,
		Threshold:  threshold,
		Reasons:    []string{reason},
	}
}
