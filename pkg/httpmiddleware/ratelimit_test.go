package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRateLimiter_Bucket(t *testing.T) {
	type step struct {
		at        time.Duration
		allowed   bool
		remaining int
		retry     time.Duration
	}
	tests := []struct {
		name  string
		cfg   RateLimitConfig
		steps []step
	}{
		{
			name: "burst drains the bucket",
			cfg:  RateLimitConfig{Max: 3, Window: 3 * time.Second},
			steps: []step{
				{allowed: true, remaining: 2},
				{allowed: true, remaining: 1},
				{allowed: true, remaining: 0},
				{allowed: false, retry: time.Second},
			},
		},
		{
			name: "one token per window share",
			cfg:  RateLimitConfig{Max: 2, Window: 4 * time.Second},
			steps: []step{
				{allowed: true, remaining: 1},
				{allowed: true, remaining: 0},
				{at: time.Second, allowed: false, retry: time.Second},
				{at: 2 * time.Second, allowed: true, remaining: 0},
				{at: 2 * time.Second, allowed: false, retry: 2 * time.Second},
			},
		},
		{
			name: "idle bucket refills to max only",
			cfg:  RateLimitConfig{Max: 2, Window: 2 * time.Second},
			steps: []step{
				{allowed: true, remaining: 1},
				{at: time.Hour, allowed: true, remaining: 1},
				{at: time.Hour, allowed: true, remaining: 0},
				{at: time.Hour, allowed: false, retry: time.Second},
			},
		},
		{
			name: "defaults to one request per minute",
			cfg:  RateLimitConfig{},
			steps: []step{
				{allowed: true, remaining: 0},
				{at: 30 * time.Second, allowed: false, retry: 30 * time.Second},
				{at: time.Minute, allowed: true, remaining: 0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := newRateLimiter(tt.cfg)
			for i, s := range tt.steps {
				remaining, retry, allowed := rl.allow("client", epoch.Add(s.at))
				require.Equal(t, s.allowed, allowed, "step %d", i)
				assert.Equal(t, s.remaining, remaining, "step %d", i)
				assert.Equal(t, s.retry, retry, "step %d", i)
			}
		})
	}
}

func TestRateLimiter_DeniedDoesNotConsume(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Second})

	_, _, ok := rl.allow("client", epoch)
	require.True(t, ok)
	for range 5 {
		_, _, ok = rl.allow("client", epoch.Add(500*time.Millisecond))
		require.False(t, ok)
	}

	// Rejected calls left no debt behind.
	_, _, ok = rl.allow("client", epoch.Add(time.Second))
	assert.True(t, ok)
}

func TestRateLimiter_KeysAreIsolated(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Minute})

	_, _, ok := rl.allow("alice", epoch)
	require.True(t, ok)
	_, _, ok = rl.allow("alice", epoch)
	require.False(t, ok)

	_, _, ok = rl.allow("bob", epoch)
	assert.True(t, ok)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Minute})

	rl.allow("idle", epoch)
	rl.allow("busy", epoch.Add(50*time.Second))
	rl.cleanup(epoch.Add(70 * time.Second))

	rl.mu.Lock()
	assert.NotContains(t, rl.buckets, "idle")
	assert.Contains(t, rl.buckets, "busy")
	rl.mu.Unlock()

	// An evicted client starts over with a full bucket.
	_, _, ok := rl.allow("idle", epoch.Add(70*time.Second))
	assert.True(t, ok)
}

func TestRateLimitWithCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handler := RateLimitWithCleanup(ctx, RateLimitConfig{Max: 1, Window: time.Millisecond})(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, redeemRequest("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func redeemRequest(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/coupons/redeem", nil)
	req.RemoteAddr = remote
	return req
}

func TestRateLimit_Responses(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, redeemRequest("10.0.0.1:1000"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, redeemRequest("10.0.0.1:1001"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, redeemRequest("10.0.0.1:1002"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	// A token comes back every 30s.
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	var (
		code    int
		message string
	)
	require.NoError(t, jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			code, err = d.Int()
		case "message":
			message, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", message)
}

func TestRateLimit_RetryAfterRoundsUp(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 4, Window: 2 * time.Second})(okHandler())

	var w *httptest.ResponseRecorder
	for range 5 {
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, redeemRequest("10.0.0.1:1000"))
	}
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	// A token every 500ms is reported as a whole second.
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimit_KeyFunc(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Max:     1,
		Window:  time.Minute,
		KeyFunc: func(r *http.Request) string { return r.Header.Get("api_key") },
	})(okHandler())

	send := func(key, remote string) int {
		req := redeemRequest(remote)
		req.Header.Set("api_key", key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("storefront", "10.0.0.1:1000"))
	// Another address does not reset the key's bucket.
	assert.Equal(t, http.StatusTooManyRequests, send("storefront", "10.0.0.2:1000"))
	assert.Equal(t, http.StatusOK, send("partner", "10.0.0.1:1000"))
}

func TestDefaultKeyFunc(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{name: "remote addr", remote: "192.0.2.7:5555", want: "192.0.2.7"},
		{name: "remote addr without port", remote: "192.0.2.7", want: "192.0.2.7"},
		{
			name:    "first forwarded hop",
			remote:  "10.0.0.1:1",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"},
			want:    "203.0.113.50",
		},
		{
			name:    "single forwarded hop",
			remote:  "10.0.0.1:1",
			headers: map[string]string{"X-Forwarded-For": " 203.0.113.9 "},
			want:    "203.0.113.9",
		},
		{
			name:    "real ip",
			remote:  "10.0.0.1:1",
			headers: map[string]string{"X-Real-IP": "198.51.100.4"},
			want:    "198.51.100.4",
		},
		{
			name:   "forwarded wins over real ip",
			remote: "10.0.0.1:1",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.50",
				"X-Real-IP":       "198.51.100.4",
			},
			want: "203.0.113.50",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := redeemRequest(tt.remote)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, defaultKeyFunc(req))
		})
	}
}
