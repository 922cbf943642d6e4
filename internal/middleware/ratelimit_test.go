package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newRateLimitTestHandler(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, http.Handler) {
	t.Helper()
	var buf bytes.Buffer
	rl := NewRateLimiter(cfg, slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(rl.Stop)
	handler := rl.WriteMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return rl, handler
}

func postFrom(handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/threads", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	_, handler := newRateLimitTestHandler(t, RateLimiterConfig{
		WriteRate:       2,
		WriteBurst:      5,
		CleanupInterval: time.Minute,
	})

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		if w := postFrom(handler, "127.0.0.1:50000"); w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	_, handler := newRateLimitTestHandler(t, RateLimiterConfig{
		WriteRate:       1,
		WriteBurst:      2,
		CleanupInterval: time.Minute,
	})

	for i := 0; i < 2; i++ {
		postFrom(handler, "127.0.0.1:50000")
	}
	// 送信元ポートが変わっても同じクライアントとして扱う
	w := postFrom(handler, "127.0.0.1:50001")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

func TestRateLimitMiddleware_RetryAfterRoundsUp(t *testing.T) {
	_, handler := newRateLimitTestHandler(t, DefaultRateLimiterConfig())

	for i := 0; i < 5; i++ {
		postFrom(handler, "127.0.0.1:50000")
	}
	w := postFrom(handler, "127.0.0.1:50000")

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After is not an integer: %v", err)
	}
	if retryAfter != 6 {
		t.Errorf("Retry-After = %d, want 6", retryAfter)
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	_, handler := newRateLimitTestHandler(t, RateLimiterConfig{
		WriteRate:       1,
		WriteBurst:      1,
		CleanupInterval: time.Minute,
	})

	postFrom(handler, "10.0.0.1:1000")
	if w := postFrom(handler, "10.0.0.1:1000"); w.Code != http.StatusTooManyRequests {
		t.Errorf("client 1: status = %d, want 429", w.Code)
	}
	if w := postFrom(handler, "10.0.0.2:1000"); w.Code != http.StatusOK {
		t.Errorf("client 2: status = %d, want 200", w.Code)
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl, handler := newRateLimitTestHandler(t, RateLimiterConfig{
		WriteRate:       2,
		WriteBurst:      5,
		CleanupInterval: time.Minute,
	})

	postFrom(handler, "127.0.0.1:50000")
	if rl.LimiterCount() != 1 {
		t.Fatalf("LimiterCount() = %d, want 1", rl.LimiterCount())
	}

	// TTLはCleanupIntervalの2倍
	rl.cleanup(time.Now().Add(time.Minute))
	if rl.LimiterCount() != 1 {
		t.Errorf("TTL内のエントリは残るべき, got %d", rl.LimiterCount())
	}
	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.LimiterCount() != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", rl.LimiterCount())
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.WriteBurst != 5 {
		t.Errorf("WriteBurst = %d, want 5", cfg.WriteBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}
