package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// RequestIDHeader carries the caller-supplied or generated request id.
const RequestIDHeader = "X-Request-Id"

// RequestID returns the request id bound to ctx, or "" outside a request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware adopts the caller's request id or generates one, and
// echoes it on the response so clients can correlate.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// unauthenticatedPaths are reachable without a token so probes and scrapes
// keep working when auth is on.
var unauthenticatedPaths = map[string]bool{
	"/healthz": true,
	"/_alive":  true,
	"/metrics": true,
}

// authMiddleware enforces the static bearer token when one is configured.
// Failed attempts feed the rate limiter; banned clients are rejected before
// the token is even examined.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r.RemoteAddr)

		release, reject := s.limiter.Admit(ip)
		if reject != "" {
			httpRejectsCounter.Inc()
			writeJSONError(w, http.StatusTooManyRequests, reject)
			return
		}
		defer release()

		if s.token != "" && !unauthenticatedPaths[r.URL.Path] {
			if !validBearerToken(r.Header.Get("Authorization"), s.token) {
				authFailuresCounter.Inc()
				s.limiter.RecordFailedAuth(ip)
				writeJSONError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			s.limiter.RecordSuccessfulAuth(ip)
		}

		next.ServeHTTP(w, r)
	})
}

const invalidTokenSentinel = "__vertigate_invalid_token_sentinel__"

// validBearerToken compares the Authorization header against the configured
// token without leaking a timing difference between wrong and absent tokens.
func validBearerToken(header, token string) bool {
	presented, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		presented = invalidTokenSentinel
	}
	matches := constantTimeStringEqual(presented, token)
	return found && matches
}

func constantTimeStringEqual(a, b string) bool {
	ab := []byte(a)
	bb := []byte(b)

	maxLen := len(ab)
	if len(bb) > maxLen {
		maxLen = len(bb)
	}

	var diff byte
	for i := 0; i < maxLen; i++ {
		var av, bv byte
		if i < len(ab) {
			av = ab[i]
		}
		if i < len(bb) {
			bv = bb[i]
		}
		diff |= av ^ bv
	}

	lengthsEqual := subtle.ConstantTimeEq(int32(len(ab)), int32(len(bb))) == 1
	return lengthsEqual && diff == 0
}
