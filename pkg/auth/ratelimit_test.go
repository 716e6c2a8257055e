package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lore-anchor/anchor/pkg/auth"
)

func TestRateFromString(t *testing.T) {
	tests := []struct {
		spec      string
		wantLimit rate.Limit
		wantBurst int
		wantErr   bool
	}{
		{"10/minute", rate.Limit(10.0 / 60.0), 10, false},
		{"60/minute", rate.Limit(1), 60, false},
		{"1/second", rate.Limit(1), 1, false},
		{"100/hour", rate.Limit(100.0 / 3600.0), 100, false},
		{"ten/minute", 0, 0, true},
		{"0/minute", 0, 0, true},
		{"-5/minute", 0, 0, true},
		{"10/fortnight", 0, 0, true},
		{"10", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			limit, burst, err := auth.RateFromString(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, float64(tt.wantLimit), float64(limit), 1e-9)
			assert.Equal(t, tt.wantBurst, burst)
		})
	}
}

func TestIPLimiter_BurstThenDeny(t *testing.T) {
	l, err := auth.NewIPLimiter("3/minute")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")

	// Buckets are per IP.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestIPLimiter_Middleware429(t *testing.T) {
	l, err := auth.NewIPLimiter("2/minute")
	require.NoError(t, err)

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	hit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/images/upload", nil)
		req.RemoteAddr = "192.0.2.7:51234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, hit().Code)
	assert.Equal(t, http.StatusOK, hit().Code)

	w := hit()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"), "one refill interval at 2/minute")
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestIPLimiter_IPv6RemoteAddr(t *testing.T) {
	l, err := auth.NewIPLimiter("1/minute")
	require.NoError(t, err)

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Same host, different port: same bucket.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:444"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
