package testpatient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/headachemd/emr/internal/platform/middleware"
	"github.com/headachemd/emr/pkg/pagination"
)

// anonymousCreator is recorded when no user id accompanies the request.
const anonymousCreator = "anonymous"

type Handler struct {
	store  *Store
	logger zerolog.Logger
}

func NewHandler(store *Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/test-patients")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.DELETE("", h.DeleteAll)
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	createdBy := middleware.UserIDFrom(c)
	if createdBy == "" {
		createdBy = anonymousCreator
	}

	var (
		rec *Record
		err error
	)
	switch req.Action {
	case ActionGenerateMock:
		rec, err = h.store.Generate(createdBy)
	case ActionCustom:
		if req.Data == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "data is required for action custom")
		}
		rec, err = h.store.AddCustom(createdBy, req.Data)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "action must be generate_mock or custom")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	h.logger.Info().Str("id", rec.ID).Str("action", req.Action).Str("created_by", createdBy).Msg("test patient created")
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total := h.store.Page(pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	rec, err := h.store.Get(c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "test patient not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.store.Delete(c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "test patient not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteAll(c echo.Context) error {
	n := h.store.DeleteAll()
	h.logger.Info().Int("count", n).Msg("test patients cleared")
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}
