package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestServer(p *Provider) *echo.Echo {
	e := echo.New()
	e.Use(p.TracingMiddleware(), p.MetricsMiddleware())
	e.GET("/fhir/Person/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})
	e.GET("/metrics", p.PrometheusHandler())
	return e
}

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	newTestServer(p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	return rec.Body.String()
}

// =========== Middleware ===========

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	p := NewProvider(Config{})
	e := newTestServer(p)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/Person/"+id, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}

	body := scrape(t, p)
	if !strings.Contains(body, `http_server_requests_total{method="GET",route="/fhir/Person/:id",status_code="200"} 2`) {
		t.Errorf("expected 2 requests on the route pattern:\n%s", body)
	}
}

func TestMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	p := NewProvider(Config{})
	e := newTestServer(p)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := scrape(t, p); !strings.Contains(body, `http_server_requests_total{method="GET",route="/boom",status_code="503"} 1`) {
		t.Errorf("expected one 503:\n%s", body)
	}
}

// =========== Exposition ===========

func TestPrometheusHandler_ExposesDecisionMetrics(t *testing.T) {
	p := NewProvider(Config{})
	p.ObserveDecision("CREATE", "ok", 20*time.Millisecond)
	p.ObserveCandidates(2)
	p.IncManualLink("MATCH")
	p.IncConsumed("ok")

	body := scrape(t, p)
	for _, name := range []string{
		`empi_decisions_total{operation="CREATE",outcome="ok"} 1`,
		"empi_decision_duration_seconds_bucket",
		"empi_candidates_per_target_count 1",
		`empi_manual_links_total{match_result="MATCH"} 1`,
		`empi_events_consumed_total{outcome="ok"} 1`,
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestProviders_AreIndependent(t *testing.T) {
	a, b := NewProvider(Config{}), NewProvider(Config{RuntimeMetrics: true})
	a.IncManualLink("MATCH")
	if strings.Contains(scrape(t, b), "empi_manual_links_total{") {
		t.Error("providers share state")
	}
	if !strings.Contains(scrape(t, b), "go_goroutines") {
		t.Error("expected runtime metrics")
	}
}

func TestNilProvider_IsNoop(t *testing.T) {
	var p *Provider
	p.ObserveDecision("UPDATE", "error", time.Second)
	p.ObserveCandidates(1)
	p.IncManualLink("NO_MATCH")
	p.IncConsumed("skipped")
	if p.Tracer() == nil {
		t.Error("expected a tracer from a nil provider")
	}
}

func TestExtractFHIRResourceType(t *testing.T) {
	cases := map[string]string{
		"/fhir/Patient/$empi-resolve": "Patient",
		"/fhir/Person":                "Person",
		"/fhir/metadata":              "",
		"/empi/links":                 "",
		"/fhir/":                      "",
	}
	for path, want := range cases {
		if got := extractFHIRResourceType(path); got != want {
			t.Errorf("extractFHIRResourceType(%q) = %q, want %q", path, got, want)
		}
	}
}
