package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/tracker"
)

// webhookPayload mirrors the wire schema documented for POST /webhook.
type webhookPayload struct {
	Secret            string         `json:"secret"`
	UserID            string         `json:"user_id"`
	Exchange          string         `json:"exchange"`
	Action            string         `json:"action"`
	Symbol            string         `json:"symbol"`
	OrderType         string         `json:"order_type"`
	Price             float64        `json:"price"`
	PositionSizeUSD   float64        `json:"position_size_usd"`
	StopLossPercent   float64        `json:"stop_loss_percent"`
	TakeProfitPercent float64        `json:"take_profit_percent"`
	StrategyID        string         `json:"strategy_id"`
	Strategy          string         `json:"strategy"`
	Environment       string         `json:"environment"`
}

// Router builds the chi mux exposing POST /webhook, GET /health,
// GET /positions, and GET /health/ai-worker.
func Router(svc *Service, trk *tracker.Tracker, mlReady func() bool, startedAt time.Time, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		MaxAge:           300,
	}))

	r.Post("/webhook", handleWebhook(svc))
	r.Get("/health", handleHealth(trk, startedAt))
	r.Get("/positions", handlePositions(trk))
	r.Get("/health/ai-worker", handleAIWorkerHealth(mlReady))

	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("requestId", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func handleWebhook(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}

		if payload.Secret == "" || payload.Exchange == "" || payload.Action == "" || payload.Symbol == "" {
			writeError(w, http.StatusBadRequest, "secret, exchange, action, and symbol are required")
			return
		}

		v := domain.Venue(payload.Exchange)
		if !v.Valid() {
			writeError(w, http.StatusBadRequest, "unsupported venue: "+payload.Exchange)
			return
		}

		orderType := domain.OrderMarket
		if strings.EqualFold(payload.OrderType, "limit") {
			orderType = domain.OrderLimit
		}

		env := domain.EnvProduction
		if strings.EqualFold(payload.Environment, "sandbox") {
			env = domain.EnvSandbox
		}

		req := Request{
			Secret:            payload.Secret,
			UserIDHint:        payload.UserID,
			Venue:             v,
			Action:            domain.Action(strings.ToLower(payload.Action)),
			Symbol:            payload.Symbol,
			OrderType:         orderType,
			Price:             payload.Price,
			PositionSizeUSD:   payload.PositionSizeUSD,
			StopLossPercent:   payload.StopLossPercent,
			TakeProfitPercent: payload.TakeProfitPercent,
			StrategyID:        payload.StrategyID,
			StrategyLabel:     payload.Strategy,
			Environment:       env,
			Source:            "webhook",
		}

		result, err := svc.Handle(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		if result.BlockedByML {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":     false,
				"blockedByML": true,
				"confidence":  result.Confidence,
				"threshold":   result.Threshold,
				"reasons":     result.Reasons,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"action":     result.Action,
			"symbol":     result.Symbol,
			"exchange":   string(result.Venue),
			"quantity":   result.Quantity,
			"entryPrice": result.EntryPrice,
			"orderId":    result.OrderID,
			"durationMs": result.DurationMs,
		})
	}
}

func handleHealth(trk *tracker.Tracker, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cpuPct, ramPct := systemStats(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"uptime":        time.Since(startedAt).String(),
			"openPositions": len(trk.All()),
			"cpuPercent":    cpuPct,
			"ramPercent":    ramPct,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// systemStats reports instantaneous process-host CPU and RAM utilization for
// the health endpoint. Bounded to a short sampling window so the request
// doesn't block noticeably; failures degrade to zero rather than failing the
// health check.
func systemStats(ctx context.Context) (cpuPercent, ramPercent float64) {
	pct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err == nil && len(pct) > 0 {
		cpuPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramPercent = vm.UsedPercent
	}
	return cpuPercent, ramPercent
}

func handlePositions(trk *tracker.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := trk.All()

		bySymbol := make(map[string]int, len(all))
		for _, p := range all {
			bySymbol[p.Symbol]++
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"count":     len(all),
			"positions": all,
			"bySymbol":  bySymbol,
		})
	}
}

func handleAIWorkerHealth(mlReady func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := mlReady != nil && mlReady()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// writeDomainError maps a *domain.Error's Kind onto the response codes in
// the published error taxonomy.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case domain.ErrValidation:
		status = http.StatusBadRequest
	case domain.ErrAuth:
		status = http.StatusUnauthorized
	case domain.ErrRateLimited:
		status = http.StatusTooManyRequests
	case domain.ErrQuotaExceeded, domain.ErrRiskLimit:
		status = http.StatusTooManyRequests
	case domain.ErrCredentialsMiss, domain.ErrAdapterUnsupported:
		status = http.StatusBadRequest
	case domain.ErrAlreadyOpen:
		status = http.StatusConflict
	case domain.ErrInsufficientFunds, domain.ErrMarketClosed, domain.ErrUnknownSymbol, domain.ErrTooSmall:
		status = http.StatusUnprocessableEntity
	case domain.ErrVenueUnavailable:
		status = http.StatusServiceUnavailable
	case domain.ErrNotFound:
		status = http.StatusNotFound
	}

	body := map[string]any{"success": false, "error": err.Error()}
	var de *domain.Error
	if errors.As(err, &de) && de.Details != nil {
		for k, v := range de.Details {
			body[k] = v
		}
	}
	writeJSON(w, status, body)
}
