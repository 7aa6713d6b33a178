package empilink

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/matching"
	"github.com/ehr/empi/internal/platform/auth"
	"github.com/ehr/empi/internal/platform/fhir"
	"github.com/ehr/empi/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	readRole := auth.RequireRole(auth.RoleReader, auth.RoleSteward)
	writeRole := auth.RequireRole(auth.RoleSteward)

	read := api.Group("", readRole)
	read.GET("/links", h.ListLinks)
	read.GET("/duplicates", h.ListDuplicates)

	write := api.Group("", writeRole)
	write.POST("/links", h.UpdateLink)

	fhirRead := fhirGroup.Group("", readRole)
	fhirWrite := fhirGroup.Group("", writeRole)
	for _, rt := range []string{"Patient", "Practitioner"} {
		fhirWrite.POST("/"+rt+"/$empi-resolve", h.resolveFHIR(rt))
		fhirRead.POST("/"+rt+"/$match", h.matchFHIR(rt))
	}
	fhirRead.GET("/$empi-query-links", h.QueryLinksFHIR)
}

// -- REST Endpoints --

func (h *Handler) ListLinks(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, total, err := h.svc.ListLinks(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListDuplicates(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Duplicates(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateLink(c echo.Context) error {
	var req ManualLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	l, err := h.svc.UpdateLink(c.Request().Context(), req)
	if err != nil {
		status, _ := outcomeFor(err)
		return echo.NewHTTPError(status, err.Error())
	}
	return c.JSON(http.StatusOK, l)
}

func filterFromQuery(c echo.Context) (ListFilter, error) {
	f := ListFilter{TargetRef: c.QueryParam("target")}
	if v := c.QueryParam("person"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("invalid person id")
		}
		f.PersonID = id
	}
	if v := c.QueryParam("matchResult"); v != "" {
		r, err := empi.ParseMatchResult(v)
		if err != nil {
			return f, err
		}
		f.MatchResult = r
	}
	return f, nil
}

// -- FHIR Operations --

// resolveFHIR handles POST /fhir/{type}/$empi-resolve?operation=CREATE|UPDATE
// with the resource as body and answers with a Parameters resource.
func (h *Handler) resolveFHIR(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		op, err := empi.ParseOperationType(c.QueryParam("operation"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeRequired, err.Error()))
		}
		resource, oo := readResource(c, resourceType)
		if oo != nil {
			return c.JSON(http.StatusBadRequest, oo)
		}
		res, err := h.svc.Resolve(c.Request().Context(), op, resource)
		if err != nil {
			return c.JSON(outcomeFor(err))
		}
		return c.JSON(http.StatusOK, res.ToParameters())
	}
}

// matchFHIR handles POST /fhir/{type}/$match. The body is either the resource
// itself or a Parameters resource with a "resource" parameter. It answers with
// a searchset Bundle of person references scored by the candidate finder.
func (h *Handler) matchFHIR(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		resource, oo := readResource(c, resourceType)
		if oo != nil {
			return c.JSON(http.StatusBadRequest, oo)
		}
		candidates, err := h.svc.Candidates(c.Request().Context(), resource)
		if err != nil {
			return c.JSON(outcomeFor(err))
		}
		return c.JSON(http.StatusOK, buildMatchBundle(candidates))
	}
}

// QueryLinksFHIR handles GET /fhir/$empi-query-links with the same filters as
// the REST listing and answers with a Parameters resource.
func (h *Handler) QueryLinksFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter, err := filterFromQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	}
	items, _, err := h.svc.ListLinks(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, LinksToParameters(items))
}

func readResource(c echo.Context, resourceType string) (map[string]interface{}, *fhir.OperationOutcome) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "Failed to read request body")
	}
	if len(body) == 0 {
		return nil, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "Request body is empty")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, "Invalid JSON: "+err.Error())
	}

	rt, _ := doc["resourceType"].(string)
	if rt == "Parameters" {
		doc = resourceParameter(doc)
		if doc == nil {
			return nil, fhir.RequiredFieldOutcome("Parameters.parameter.resource")
		}
		rt, _ = doc["resourceType"].(string)
	}
	if rt != resourceType {
		return nil, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid,
			"Expected resourceType '"+resourceType+"', got '"+rt+"'")
	}
	return doc, nil
}

func resourceParameter(params map[string]interface{}) map[string]interface{} {
	list, _ := params["parameter"].([]interface{})
	for _, raw := range list {
		p, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if name, _ := p["name"].(string); name == "resource" {
			res, _ := p["resource"].(map[string]interface{})
			return res
		}
	}
	return nil
}

func buildMatchBundle(candidates []empi.MatchedPersonCandidate) *fhir.Bundle {
	entries := make([]fhir.BundleEntry, 0, len(candidates))
	for _, cand := range candidates {
		person := map[string]interface{}{"resourceType": "Person", "id": cand.PersonID.String()}
		entries = append(entries, fhir.MatchEntry(person, cand.Score, matching.Grade(cand.Score)))
	}
	return fhir.NewMatchBundle(entries)
}

// outcomeFor maps an error to its HTTP status and OperationOutcome.
func outcomeFor(err error) (int, *fhir.OperationOutcome) {
	switch {
	case errors.Is(err, empi.ErrPersonNotFound) && !errors.Is(err, empi.ErrInvariant):
		return http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error())
	case errors.Is(err, empi.ErrConfiguration):
		return http.StatusUnprocessableEntity, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeBusinessRule, err.Error())
	case errors.Is(err, empi.ErrInvariant):
		return http.StatusConflict, fhir.ConflictOutcome(err.Error())
	case empi.IsRetryable(err):
		return http.StatusServiceUnavailable, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient, err.Error())
	}
	return http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error())
}
