package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brineport/gitcellar/internal/authz"
)

// ServerOptions configures the HTTP assembly wrapping a Smart HTTP
// service with the shared middleware chain: tracing, metrics, logging,
// CORS, rate limiting, body-size capping, and credential extraction.
type ServerOptions struct {
	SmartHTTP          http.Handler
	MetricsRegisterer  prometheus.Registerer
	MetricsGatherer    prometheus.Gatherer
	CORSAllowedOrigins []string
	TrustedProxyCIDRs  []string
}

// NewServer builds the top-level handler: /healthz and /metrics are
// served directly, every other path falls through to opts.SmartHTTP.
func NewServer(opts ServerOptions) http.Handler {
	if opts.SmartHTTP == nil {
		opts.SmartHTTP = http.HandlerFunc(http.NotFound)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", metricsHandler(opts.MetricsGatherer))
	mux.Handle("/", opts.SmartHTTP)

	resolver := newClientIPResolver(opts.TrustedProxyCIDRs)
	limiter := newRequestRateLimiter()
	httpMetrics := newHTTPMetrics(opts.MetricsRegisterer)

	return chainMiddleware(
		mux,
		requestTracingMiddleware,
		func(next http.Handler) http.Handler {
			return requestMetricsMiddleware(httpMetrics, next)
		},
		func(next http.Handler) http.Handler {
			return requestLoggingMiddleware(resolver, next)
		},
		func(next http.Handler) http.Handler {
			return corsMiddleware(opts.CORSAllowedOrigins, next)
		},
		func(next http.Handler) http.Handler {
			return requestRateLimitMiddleware(resolver, limiter, next)
		},
		requestBodyLimitMiddleware,
		authz.Extract,
	)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type middlewareFunc func(http.Handler) http.Handler

func chainMiddleware(base http.Handler, stack ...middlewareFunc) http.Handler {
	wrapped := base
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == nil {
			continue
		}
		wrapped = stack[i](wrapped)
	}
	return wrapped
}
