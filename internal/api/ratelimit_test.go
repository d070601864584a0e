package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleBurstThenRefuse(t *testing.T) {
	t.Parallel()

	throttle := newRateLimiter(1.0, 3)

	for i := range 3 {
		assert.True(t, throttle.allow("10.0.0.1"), "request %d within burst should pass", i)
	}
	assert.False(t, throttle.allow("10.0.0.1"), "request beyond burst should be refused")

	// Another IP has its own bucket.
	assert.True(t, throttle.allow("10.0.0.2"))
}

func TestThrottleSweepDropsIdleBuckets(t *testing.T) {
	t.Parallel()

	throttle := newRateLimiter(1.0, 1)
	require.True(t, throttle.allow("10.0.0.1"))
	require.True(t, throttle.allow("10.0.0.2"))

	throttle.mu.Lock()
	throttle.buckets["10.0.0.1"].lastSeen = time.Now().Add(-staleAfter - time.Minute)
	throttle.sweep(time.Now())
	_, staleKept := throttle.buckets["10.0.0.1"]
	_, freshKept := throttle.buckets["10.0.0.2"]
	throttle.mu.Unlock()

	assert.False(t, staleKept, "idle bucket should be swept")
	assert.True(t, freshKept, "active bucket should survive the sweep")
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "192.0.2.10:54321",
			want:       "192.0.2.10",
		},
		{
			name:       "headers ignored without trust",
			remoteAddr: "192.0.2.10:54321",
			headers:    map[string]string{"X-Real-IP": "203.0.113.7"},
			want:       "192.0.2.10",
		},
		{
			name:       "x-real-ip wins when trusted",
			remoteAddr: "192.0.2.10:54321",
			headers:    map[string]string{"X-Real-IP": "203.0.113.7"},
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded-for first hop",
			remoteAddr: "192.0.2.10:54321",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 198.51.100.1"},
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "garbage header falls back to remote addr",
			remoteAddr: "192.0.2.10:54321",
			headers:    map[string]string{"X-Real-IP": "not-an-ip", "X-Forwarded-For": "also garbage"},
			trustProxy: true,
			want:       "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r, tt.trustProxy))
		})
	}
}
