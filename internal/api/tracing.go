package api

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingMiddleware wraps the router with OpenTelemetry span instrumentation.
// Grounded on the sibling gateway service's middleware/tracing.go; a no-op
// passthrough when tracing is disabled rather than wiring otelhttp against a
// no-op tracer provider, since main's OTLP endpoint check (which also
// decides whether internal/tracing installs an exporter) already decides
// whether spans go anywhere.
type TracingMiddleware struct {
	enabled bool
}

// NewTracingMiddleware creates a tracing middleware, enabled whenever an
// OTLP endpoint was configured.
func NewTracingMiddleware(enabled bool) *TracingMiddleware {
	return &TracingMiddleware{enabled: enabled}
}

// Handler returns the HTTP middleware.
func (t *TracingMiddleware) Handler(next http.Handler) http.Handler {
	if !t.enabled {
		return next
	}
	return otelhttp.NewHandler(next, "orchestrator",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
	)
}
