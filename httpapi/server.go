// Package httpapi is the REST surface over the gateway: query execution,
// streaming, bulk load, SQL templates, and the natural-language helpers.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/vertigate/vertigate/gateway"
	"github.com/vertigate/vertigate/sqltmpl"
)

// QueryRunner is the slice of the executor the handlers need.
type QueryRunner interface {
	ExecuteQuery(ctx context.Context, requestID, sql string, params []any) (*gateway.Result, error)
	StreamQuery(ctx context.Context, requestID, sql string, batchSize int, sink gateway.Sink) error
	BulkLoad(ctx context.Context, requestID, schema, table string, rows [][]any) (*gateway.LoadReport, error)
}

// PolicyView exposes the manager's read-only diagnostics.
type PolicyView interface {
	SchemaSnapshot() map[string]map[string]bool
	PoolStats() (checkedOut, free int)
	Config() (gateway.Config, error)
}

// SQLGenerator produces candidate SQL for a natural-language question.
type SQLGenerator interface {
	GenerateSQL(ctx context.Context, question string, schemaHints []string) (string, error)
}

// Options carries everything a Server composes over.
type Options struct {
	Runner    QueryRunner
	Policy    PolicyView
	Generator SQLGenerator
	Templates *sqltmpl.Store
	Version   string

	// Token, when non-empty, gates every non-probe route behind a static
	// bearer token.
	Token string

	// AllowedOrigins configures CORS; empty means same-origin only.
	AllowedOrigins []string

	RateLimit RateLimitConfig
}

// Server is the HTTP composition of the gateway.
type Server struct {
	runner    QueryRunner
	policy    PolicyView
	generator SQLGenerator
	templates *sqltmpl.Store
	version   string
	token     string
	limiter   *RateLimiter
	handler   http.Handler
}

// NewServer assembles the router, middleware chain, and CORS wrapping.
func NewServer(opts Options) *Server {
	s := &Server{
		runner:    opts.Runner,
		policy:    opts.Policy,
		generator: opts.Generator,
		templates: opts.Templates,
		version:   opts.Version,
		token:     opts.Token,
	}

	cfg := opts.RateLimit
	if cfg.MaxFailedAttempts == 0 && cfg.MaxInFlightPerIP == 0 {
		cfg = DefaultRateLimitConfig()
	}
	s.limiter = NewRateLimiter(cfg)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/_alive", s.handleAlive).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/api/info", s.handleInfo).Methods(http.MethodGet)
	router.HandleFunc("/api/query", s.handleQuery).Methods(http.MethodPost)
	router.HandleFunc("/api/query/stream", s.handleQueryStream).Methods(http.MethodPost)
	router.HandleFunc("/api/copy", s.handleCopy).Methods(http.MethodPost)
	router.HandleFunc("/api/nlp", s.handleNLP).Methods(http.MethodPost)
	router.HandleFunc("/api/similar", s.handleSimilar).Methods(http.MethodGet)
	router.HandleFunc("/api/sql/{template}", s.handleTemplate).Methods(http.MethodPost)

	var handler http.Handler = router
	handler = s.authMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if len(opts.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", RequestIDHeader},
		}).Handler(handler)
	}
	s.handler = handler
	return s
}

// Handler returns the complete middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close releases server-owned background resources.
func (s *Server) Close() { s.limiter.Close() }

// AllowedOriginsFromEnv splits the comma-separated ALLOWED_ORIGINS value.
func AllowedOriginsFromEnv(getenv func(string) string) []string {
	raw := strings.TrimSpace(getenv("ALLOWED_ORIGINS"))
	if raw == "" {
		return nil
	}
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// Run serves the API until ctx is cancelled, then drains with a bounded
// shutdown grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
