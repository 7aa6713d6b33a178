package person

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/empi/internal/empi"
)

type stubLinkLister struct {
	links []LinkView
	err   error
}

func (s stubLinkLister) ListPersonLinks(_ context.Context, _ uuid.UUID) ([]LinkView, error) {
	return s.links, s.err
}

func newTestHandler(t *testing.T, links LinkLister) (*Handler, *Service, *echo.Echo) {
	t.Helper()
	svc, _ := newTestService(t, stubLinkCounter{})
	return NewHandler(svc, links), svc, echo.New()
}

func TestHandler_GetPerson(t *testing.T) {
	h, svc, e := newTestHandler(t, nil)
	created, _ := svc.CreateFrom(context.Background(), testTarget())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())

	if err := h.GetPerson(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetPerson_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetPerson(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_GetPerson_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if err := h.GetPerson(c); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestHandler_ListPersons(t *testing.T) {
	h, svc, e := newTestHandler(t, nil)
	svc.CreateFrom(context.Background(), testTarget())

	req := httptest.NewRequest(http.MethodGet, "/?family=Smith", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListPersons(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["total"] != float64(1) {
		t.Errorf("expected total 1, got %v", body["total"])
	}
}

func TestHandler_GetPersonFHIR_WithLinks(t *testing.T) {
	links := stubLinkLister{links: []LinkView{
		{TargetRef: "Patient/p1", MatchResult: empi.MatchResultMatch, LinkSource: empi.LinkSourceAuto},
	}}
	h, svc, e := newTestHandler(t, links)
	created, _ := svc.CreateFrom(context.Background(), testTarget())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())

	if err := h.GetPersonFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("unexpected ETag %q", rec.Header().Get("ETag"))
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["resourceType"] != "Person" {
		t.Errorf("expected Person, got %v", body["resourceType"])
	}
	l, ok := body["link"].([]interface{})
	if !ok || len(l) != 1 {
		t.Fatalf("expected one link, got %v", body["link"])
	}
}

func TestHandler_GetPersonFHIR_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if err := h.GetPersonFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_SearchPersonsFHIR(t *testing.T) {
	h, svc, e := newTestHandler(t, nil)
	svc.CreateFrom(context.Background(), testTarget())

	req := httptest.NewRequest(http.MethodGet, "/fhir/Person", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SearchPersonsFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["resourceType"] != "Bundle" || body["total"] != float64(1) {
		t.Errorf("unexpected bundle %v", body)
	}
}

func TestHandler_GetPersonFHIR_NotModified(t *testing.T) {
	h, svc, e := newTestHandler(t, nil)
	created, _ := svc.CreateFrom(context.Background(), testTarget())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("If-None-Match", `W/"1"`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())

	if err := h.GetPersonFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}
}
