package mlvalidate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestClient_Validate_AllowsWhenConfidenceMeetsThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"confidence": 85, "reasons": ["momentum"]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	verdict := c.Validate(context.Background(), "strat-1", "Buy", "BTC-PERP", 100, 1000, 70)

	assert.True(t, verdict.Allow)
	assert.Equal(t, 85.0, verdict.Confidence)
	assert.Equal(t, 70.0, verdict.Threshold)
}

func TestClient_Validate_RejectsWhenConfidenceBelowThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"confidence": 40}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	verdict := c.Validate(context.Background(), "strat-1", "Buy", "BTC-PERP", 100, 1000, 70)

	assert.False(t, verdict.Allow)
}

func TestClient_Validate_ZeroThresholdFallsBackToDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"confidence": 75}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	verdict := c.Validate(context.Background(), "strat-1", "Buy", "BTC-PERP", 100, 1000, 0)

	assert.Equal(t, defaultThreshold, verdict.Threshold)
	assert.True(t, verdict.Allow)
}

func TestClient_Validate_FailsOpenOnNon2xxResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	verdict := c.Validate(context.Background(), "strat-1", "Buy", "BTC-PERP", 100, 1000, 70)

	assert.True(t, verdict.Allow, "an ML service failure must never block a trade")
	assert.Equal(t, 0.0, verdict.Confidence)
}

func TestClient_Validate_FailsOpenOnMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	verdict := c.Validate(context.Background(), "strat-1", "Buy", "BTC-PERP", 100, 1000, 70)

	assert.True(t, verdict.Allow)
}

func TestClient_Validate_FailsOpenWhenServiceUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", zerolog.Nop())
	verdict := c.Validate(context.Background(), "strat-1", "Buy", "BTC-PERP", 100, 1000, 70)

	assert.True(t, verdict.Allow)
}

func TestClient_Ready_TrueOn2xxHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	assert.True(t, c.Ready(context.Background()))
}

func TestClient_Ready_FalseWhenUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", zerolog.Nop())
	assert.False(t, c.Ready(context.Background()))
}
