package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/domain"
)

// extractReason best-effort parses a "reason" or "error" field out of a
// venue's JSON error body. Returns "" if the body isn't structured JSON.
func extractReason(body []byte) string {
	var parsed struct {
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Reason != "" {
		return parsed.Reason
	}
	return parsed.Error
}

// hmacSignHex signs message with key using HMAC-SHA256 and returns a hex digest.
// This is the signing convention shared by the HMAC-authenticated venues.
func hmacSignHex(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// maxRetryAttempts bounds the total attempts (first try plus retries) on
// 5xx/429 per the adapter retry policy.
const maxRetryAttempts = 3

// doWithRetry executes req, retrying on 5xx/429 with exponential backoff.
// 4xx other than 429 are returned immediately without retry, classified as
// domain.ErrVenueRejected; transport failures and exhausted retries are
// classified as domain.ErrVenueUnavailable.
func doWithRetry(ctx context.Context, client *http.Client, newReq func() (*http.Request, error)) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, nil, domain.NewError(domain.ErrVenueUnavailable, "context canceled during backoff")
			case <-time.After(backoff):
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, nil, fmt.Errorf("build request: %w", err)
		}
		req = req.WithContext(ctx)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = domain.NewError(domain.ErrVenueUnavailable, err.Error())
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = domain.NewError(domain.ErrVenueUnavailable, readErr.Error())
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, body, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = domain.NewError(domain.ErrVenueUnavailable, fmt.Sprintf("status %d", resp.StatusCode), "body", string(body))
			continue
		}
		// 4xx other than 429: not retried. If the venue reported a structured
		// rejection reason, surface the specific sub-kind the dispatcher needs.
		kind := domain.ErrVenueRejected
		if reason := extractReason(body); reason != "" {
			kind = classifyRejection(reason)
		}
		return resp, body, domain.NewError(kind, fmt.Sprintf("status %d", resp.StatusCode), "body", string(body))
	}
	return nil, nil, lastErr
}

// rateLimiter enforces a fixed minimum delay between outbound requests for a
// single adapter instance, grounded on the teacher's single-writer
// rate-limiting worker-queue pattern but implemented as a blocking gate
// rather than a queue, since each adapter call already runs on its own
// goroutine from the dispatcher/tracker.
type rateLimiter struct {
	mu       sync.Mutex
	delay    time.Duration
	lastCall time.Time
}

func newRateLimiter(delay time.Duration) *rateLimiter {
	return &rateLimiter{delay: delay}
}

func (r *rateLimiter) wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.lastCall)
	if !r.lastCall.IsZero() && elapsed < r.delay {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay - elapsed):
		}
	}
	r.lastCall = time.Now()
	return nil
}
