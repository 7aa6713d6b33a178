// Package telemetry provides metrics and tracing for the EMPI service.
// Metrics are Prometheus collectors on a private registry exposed at
// /metrics; spans go to the globally installed OpenTelemetry provider.
package telemetry

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ehr/empi"

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Config holds the telemetry settings.
type Config struct {
	ServiceName string
	// RuntimeMetrics adds the Go and process collectors to the registry.
	RuntimeMetrics bool
}

// Provider owns the registry, the HTTP collectors and the EMPI decision
// collectors. The recording helpers accept a nil receiver.
type Provider struct {
	registry *prometheus.Registry
	tracer   trace.Tracer
	service  string

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	decisions        *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	candidates       prometheus.Histogram
	manualLinks      *prometheus.CounterVec
	consumed         *prometheus.CounterVec
}

func NewProvider(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "empi-server"
	}
	reg := prometheus.NewRegistry()
	if cfg.RuntimeMetrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Provider{
		registry: reg,
		tracer:   otel.Tracer(instrumentationName),
		service:  cfg.ServiceName,

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_server_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status_code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "HTTP request duration by method and route",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
		httpActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "HTTP requests currently in flight",
		}),

		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "empi_decisions_total",
			Help: "Link decision cycles by operation and outcome",
		}, []string{"operation", "outcome"}),
		decisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "empi_decision_duration_seconds",
			Help:    "Duration of a link decision cycle including its transaction",
			Buckets: defaultDurationBuckets,
		}, []string{"operation"}),
		candidates: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "empi_candidates_per_target",
			Help:    "Number of candidate persons proposed for a target",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		}),
		manualLinks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "empi_manual_links_total",
			Help: "Manual link updates by match result",
		}, []string{"match_result"}),
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "empi_events_consumed_total",
			Help: "Target events read from the message bus by outcome",
		}, []string{"outcome"}),
	}
}

// Registry exposes the registry so other components can add collectors.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Tracer returns the tracer used for EMPI spans.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// ObserveDecision records one decision cycle.
func (p *Provider) ObserveDecision(operation, outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.decisions.WithLabelValues(operation, outcome).Inc()
	p.decisionDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (p *Provider) ObserveCandidates(n int) {
	if p != nil {
		p.candidates.Observe(float64(n))
	}
}

func (p *Provider) IncManualLink(matchResult string) {
	if p != nil {
		p.manualLinks.WithLabelValues(matchResult).Inc()
	}
}

func (p *Provider) IncConsumed(outcome string) {
	if p != nil {
		p.consumed.WithLabelValues(outcome).Inc()
	}
}

// TracingMiddleware starts a server span per request, named after the
// route pattern rather than the concrete path.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := routeOf(c)

			attrs := []attribute.KeyValue{
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
				attribute.String("service.name", p.service),
			}
			if rt := extractFHIRResourceType(req.URL.Path); rt != "" {
				attrs = append(attrs, attribute.String("fhir.resource_type", rt))
			}
			if tenantID, ok := c.Get("tenant_id").(string); ok && tenantID != "" {
				attrs = append(attrs, attribute.String("tenant.id", tenantID))
			}

			ctx, span := p.tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if err != nil {
				span.RecordError(err)
			}
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request counts, durations and in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.httpActive.Inc()
			defer p.httpActive.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo write the error so the recorded status is the real one.
				c.Error(err)
			}

			route := routeOf(c)
			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

func routeOf(c echo.Context) string {
	if r := c.Path(); r != "" {
		return r
	}
	return "unmatched"
}

// extractFHIRResourceType returns the resource type segment following /fhir/.
func extractFHIRResourceType(path string) string {
	_, rest, ok := strings.Cut(path, "/fhir/")
	if !ok || rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" || !unicode.IsUpper(rune(rest[0])) {
		return ""
	}
	return rest
}
