package person

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/platform/auth"
	"github.com/ehr/empi/internal/platform/fhir"
	"github.com/ehr/empi/pkg/pagination"
)

// Reader is the read side of Service used by the handler.
type Reader interface {
	GetPerson(ctx context.Context, id uuid.UUID) (*Person, error)
	SearchPersons(ctx context.Context, params map[string]string, limit, offset int) ([]*Person, int, error)
}

type Handler struct {
	svc   Reader
	links LinkLister
}

func NewHandler(svc Reader, links LinkLister) *Handler {
	return &Handler{svc: svc, links: links}
}

// RegisterRoutes mounts the read-only person endpoints. Persons are created
// and changed only by the link engine.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	role := auth.RequireRole(auth.RoleReader, auth.RoleSteward)

	read := api.Group("", role)
	read.GET("/persons", h.ListPersons)
	read.GET("/persons/:id", h.GetPerson)

	fhirRead := fhirGroup.Group("", role)
	fhirRead.GET("/Person", h.SearchPersonsFHIR)
	fhirRead.POST("/Person/_search", h.SearchPersonsFHIR)
	fhirRead.GET("/Person/:id", h.GetPersonFHIR)
}

// -- REST Endpoints --

func (h *Handler) GetPerson(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPerson(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, empi.ErrPersonNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "person not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPersons(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := fhir.ExtractSearchParams(c)
	items, total, err := h.svc.SearchPersons(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- FHIR Endpoints --

func (h *Handler) SearchPersonsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := fhir.ExtractSearchParams(c)
	items, total, err := h.svc.SearchPersons(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, fhir.SearchBundleParams{
		BaseURL: "/fhir/Person",
		Params:  params,
		Count:   pg.Limit,
		Offset:  pg.Offset,
		Total:   total,
	}))
}

func (h *Handler) GetPersonFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Person", c.Param("id")))
	}
	ctx := c.Request().Context()
	p, err := h.svc.GetPerson(ctx, id)
	if err != nil {
		if errors.Is(err, empi.ErrPersonNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Person", c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	if fhir.CheckIfNoneMatch(c, p.VersionID) {
		return c.NoContent(http.StatusNotModified)
	}
	var links []LinkView
	if h.links != nil {
		links, err = h.links.ListPersonLinks(ctx, p.ID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
		}
	}
	fhir.SetVersionHeaders(c, p.VersionID, p.UpdatedAt.Format("2006-01-02T15:04:05Z"))
	return c.JSON(http.StatusOK, p.ToFHIRWithLinks(links))
}
