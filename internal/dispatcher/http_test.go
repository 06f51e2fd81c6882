package dispatcher

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/tracker"
)

func TestHandleHealth_ReportsOpenPositionCountAndUptime(t *testing.T) {
	trk := tracker.New()
	trk.Open(domain.Position{UserID: "u1", Venue: domain.VenuePerpDexA, Symbol: "BTC-PERP", EntryTime: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handleHealth(trk, time.Now().Add(-time.Minute))(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["openPositions"])
}

func TestHandlePositions_GroupsBySymbol(t *testing.T) {
	trk := tracker.New()
	trk.Open(domain.Position{UserID: "u1", Venue: domain.VenuePerpDexA, Symbol: "BTC-PERP", EntryTime: time.Now()})
	trk.Open(domain.Position{UserID: "u2", Venue: domain.VenuePerpDexA, Symbol: "BTC-PERP", EntryTime: time.Now()})
	trk.Open(domain.Position{UserID: "u1", Venue: domain.VenuePerpDexB, Symbol: "ETH-PERP", EntryTime: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	w := httptest.NewRecorder()
	handlePositions(trk)(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["count"])
	bySymbol := body["bySymbol"].(map[string]any)
	assert.Equal(t, float64(2), bySymbol["BTC-PERP"])
	assert.Equal(t, float64(1), bySymbol["ETH-PERP"])
}

func TestHandleAIWorkerHealth_ReflectsReadiness(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health/ai-worker", nil)

	w := httptest.NewRecorder()
	handleAIWorkerHealth(func() bool { return true })(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handleAIWorkerHealth(func() bool { return false })(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleWebhook_MalformedJSONReturns400(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	handleWebhook(nil)(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhook_MissingRequiredFieldsReturns400(t *testing.T) {
	body, _ := json.Marshal(map[string]any{"secret": "sek"})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handleWebhook(nil)(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhook_UnsupportedVenueReturns400(t *testing.T) {
	body, _ := json.Marshal(map[string]any{"secret": "sek", "exchange": "not-a-venue", "action": "buy", "symbol": "BTCUSDT"})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handleWebhook(nil)(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWriteDomainError_MapsKindToStatusCode(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", domain.NewError(domain.ErrValidation, "bad"), http.StatusBadRequest},
		{"auth", domain.NewError(domain.ErrAuth, "bad"), http.StatusUnauthorized},
		{"rate limited", domain.NewError(domain.ErrRateLimited, "bad"), http.StatusTooManyRequests},
		{"quota exceeded", domain.NewError(domain.ErrQuotaExceeded, "bad"), http.StatusTooManyRequests},
		{"already open", domain.NewError(domain.ErrAlreadyOpen, "bad"), http.StatusConflict},
		{"insufficient funds", domain.NewError(domain.ErrInsufficientFunds, "bad"), http.StatusUnprocessableEntity},
		{"venue unavailable", domain.NewError(domain.ErrVenueUnavailable, "bad"), http.StatusServiceUnavailable},
		{"not found", domain.NewError(domain.ErrNotFound, "bad"), http.StatusNotFound},
		{"internal", domain.NewError(domain.ErrInternal, "bad"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeDomainError(w, tt.err)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRouter_BuildsHandlerServingHealthEndpoint(t *testing.T) {
	trk := tracker.New()
	r := Router(&Service{}, trk, func() bool { return true }, time.Now(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
