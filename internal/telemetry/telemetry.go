// Package telemetry owns the service's Prometheus collectors and the
// OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/JakeFAU/site-insights"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siteinsights_http_requests_total",
			Help: "Total number of HTTP requests, labeled by method, route and code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siteinsights_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	actorOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siteinsights_actor_operations_total",
			Help: "Actor operations processed, labeled by operation and result.",
		},
		[]string{"operation", "result"},
	)

	actorOperationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siteinsights_actor_operation_duration_seconds",
			Help:    "Time an operation spent inside its actor, labeled by operation.",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"operation"},
	)

	actorsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siteinsights_actors_live",
			Help: "Number of site actors currently running.",
		},
	)

	collaboratorTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siteinsights_collaborator_timeouts_total",
			Help: "Analyzer and insight calls abandoned at their deadline.",
		},
		[]string{"collaborator"},
	)

	analyzerFetchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siteinsights_analyzer_fetch_duration_seconds",
			Help:    "Page fetch latency seen by the analyzer, labeled by status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"status_class"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siteinsights_rate_limit_delay_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"host"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	initErr   error
)

// InitTracing installs a global tracer provider tagged with the service name
// and version, and the W3C trace-context propagator. Subsequent calls return
// the first provider.
func InitTracing(ctx context.Context, serviceName, version string) (*sdktrace.TracerProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("create resource: %w", err)
			return
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)
		traceProv = tp
	})
	return traceProv, initErr
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveActorOperation records the outcome and in-actor duration of an operation.
func ObserveActorOperation(operation, result string, duration time.Duration) {
	actorOperationsTotal.WithLabelValues(operation, result).Inc()
	actorOperationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncLiveActors increments the live actor gauge.
func IncLiveActors() {
	actorsLive.Inc()
}

// DecLiveActors decrements the live actor gauge.
func DecLiveActors() {
	actorsLive.Dec()
}

// ObserveCollaboratorTimeout counts a collaborator call that hit its deadline.
func ObserveCollaboratorTimeout(collaborator string) {
	collaboratorTimeoutsTotal.WithLabelValues(collaborator).Inc()
}

// ObserveAnalyzerFetch records the analyzer's page fetch latency.
func ObserveAnalyzerFetch(statusCode int, duration time.Duration) {
	analyzerFetchSeconds.WithLabelValues(StatusClass(statusCode)).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// StatusClass buckets an HTTP status code as "2xx", "3xx", "4xx", "5xx" or "other".
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
