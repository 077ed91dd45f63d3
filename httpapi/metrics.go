package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vertigate_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	httpRejectsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vertigate_http_rate_limit_rejects_total",
		Help: "Requests rejected by the per-client rate limiter.",
	})

	authFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vertigate_http_auth_failures_total",
		Help: "Requests carrying a missing or invalid bearer token.",
	})
)
