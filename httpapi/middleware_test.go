package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, token string) *Server {
	t.Helper()
	return testServer(t, &stubRunner{}, func(o *Options) {
		o.Token = token
	})
}

func doAuth(srv *Server, path, authHeader, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remoteAddr
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	srv := tokenServer(t, "s3cret")

	rec := doAuth(srv, "/api/info", "", "198.51.100.1:1000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doAuth(srv, "/api/info", "Bearer wrong", "198.51.100.1:1000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doAuth(srv, "/api/info", "Basic s3cret", "198.51.100.1:1000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doAuth(srv, "/api/info", "Bearer s3cret", "198.51.100.1:1000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProbesBypassAuth(t *testing.T) {
	srv := tokenServer(t, "s3cret")
	for _, path := range []string{"/_alive", "/metrics"} {
		rec := doAuth(srv, path, "", "198.51.100.2:1000")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestNoTokenMeansOpen(t *testing.T) {
	srv := tokenServer(t, "")
	rec := doAuth(srv, "/api/info", "", "198.51.100.3:1000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRepeatedAuthFailuresBanClient(t *testing.T) {
	srv := testServer(t, &stubRunner{}, func(o *Options) {
		o.Token = "s3cret"
		o.RateLimit = RateLimitConfig{
			MaxFailedAttempts:   3,
			FailedAttemptWindow: time.Minute,
			BanDuration:         time.Minute,
			MaxInFlightPerIP:    10,
		}
	})

	addr := "198.51.100.4:1000"
	for i := 0; i < 3; i++ {
		rec := doAuth(srv, "/api/info", "Bearer wrong", addr)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	// Banned now: rejected before the token is examined, correct or not.
	rec := doAuth(srv, "/api/info", "Bearer s3cret", addr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other clients are unaffected.
	rec = doAuth(srv, "/api/info", "Bearer s3cret", "198.51.100.5:1000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSuccessfulAuthClearsFailures(t *testing.T) {
	srv := testServer(t, &stubRunner{}, func(o *Options) {
		o.Token = "s3cret"
		o.RateLimit = RateLimitConfig{
			MaxFailedAttempts:   3,
			FailedAttemptWindow: time.Minute,
			BanDuration:         time.Minute,
			MaxInFlightPerIP:    10,
		}
	})

	addr := "198.51.100.6:1000"
	for i := 0; i < 2; i++ {
		doAuth(srv, "/api/info", "Bearer wrong", addr)
	}
	rec := doAuth(srv, "/api/info", "Bearer s3cret", addr)
	require.Equal(t, http.StatusOK, rec.Code)

	// The counter restarted: two more failures stay under the threshold.
	for i := 0; i < 2; i++ {
		doAuth(srv, "/api/info", "Bearer wrong", addr)
	}
	rec = doAuth(srv, "/api/info", "Bearer s3cret", addr)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidBearerToken(t *testing.T) {
	assert.True(t, validBearerToken("Bearer abc", "abc"))
	assert.False(t, validBearerToken("Bearer abd", "abc"))
	assert.False(t, validBearerToken("Bearer ab", "abc"))
	assert.False(t, validBearerToken("abc", "abc"))
	assert.False(t, validBearerToken("", "abc"))
	assert.False(t, validBearerToken("bearer abc", "abc"))
}

func TestConstantTimeStringEqual(t *testing.T) {
	assert.True(t, constantTimeStringEqual("", ""))
	assert.True(t, constantTimeStringEqual("same", "same"))
	assert.False(t, constantTimeStringEqual("same", "Same"))
	assert.False(t, constantTimeStringEqual("short", "shorter"))
}
