package integration

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/headachemd/emr/internal/platform/emr"
	"github.com/headachemd/emr/internal/platform/emrauth"
	"github.com/headachemd/emr/internal/platform/emrclient"
	"github.com/headachemd/emr/internal/platform/middleware"
)

// ErrorResponse is the body of every failed EMR request.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	// State is the authorization attempt's final state on callback failures.
	State emrauth.FlowState `json:"state,omitempty"`
}

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/emr")
	// The callback identifies the user from the state, not from a header.
	g.GET("/callback", h.Callback)

	user := g.Group("", middleware.RequireUser())
	user.GET("/mock-patient", h.MockPatient)
	user.GET("/:system/authorize", h.Authorize)
	user.GET("/:system/status", h.Status)
	user.DELETE("/:system/session", h.Disconnect)
	user.GET("/:system/patients", h.SearchPatients)
	user.GET("/:system/patients/:id", h.GetPatient)
	user.POST("/:system/patients/:id/import", h.ImportPatient)
	user.POST("/:system/test-connection", h.TestConnection)
}

func (h *Handler) Authorize(c echo.Context) error {
	u, err := h.svc.AuthorizeURL(middleware.UserIDFrom(c), c.Param("system"), c.QueryParam("launch"))
	if err != nil {
		return h.fail(c, err)
	}
	if c.QueryParam("format") == "json" {
		return c.JSON(http.StatusOK, map[string]string{"url": u})
	}
	return c.Redirect(http.StatusFound, u)
}

func (h *Handler) Callback(c echo.Context) error {
	res, err := h.svc.CompleteAuthorization(c.Request().Context(), emrauth.CallbackParams{
		Code:             c.QueryParam("code"),
		State:            c.QueryParam("state"),
		Error:            c.QueryParam("error"),
		ErrorDescription: c.QueryParam("error_description"),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"system":     res.System,
		"user_id":    res.UserID,
		"patient_id": res.PatientID,
		"expires_at": res.Token.ExpiresAt,
		"state":      res.State,
	})
}

func (h *Handler) Status(c echo.Context) error {
	st, err := h.svc.ConnectionStatus(c.Request().Context(), middleware.UserIDFrom(c), c.Param("system"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Disconnect(c echo.Context) error {
	if err := h.svc.Disconnect(c.Request().Context(), middleware.UserIDFrom(c), c.Param("system")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	crit := emrclient.Criteria{
		FirstName:   c.QueryParam("firstName"),
		LastName:    c.QueryParam("lastName"),
		DateOfBirth: c.QueryParam("dateOfBirth"),
	}
	if crit.Empty() {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:            "invalid_request",
			ErrorDescription: "at least one of firstName, lastName or dateOfBirth is required",
		})
	}
	results, err := h.svc.SearchPatients(c.Request().Context(), middleware.UserIDFrom(c), c.Param("system"), crit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  results,
		"total": len(results),
	})
}

func (h *Handler) GetPatient(c echo.Context) error {
	data, err := h.svc.GetPatientData(c.Request().Context(), middleware.UserIDFrom(c), c.Param("system"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, data)
}

func (h *Handler) ImportPatient(c echo.Context) error {
	p, err := h.svc.ImportPatient(c.Request().Context(), middleware.UserIDFrom(c), c.Param("system"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) TestConnection(c echo.Context) error {
	report, err := h.svc.TestConnection(c.Request().Context(), c.Param("system"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) MockPatient(c echo.Context) error {
	p, err := h.svc.MockPreview(middleware.UserIDFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := StatusFor(err)
	kind := emr.KindOf(err)

	evt := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		evt = h.logger.Error()
	}
	evt.Err(err).
		Str("request_id", middleware.RequestIDFrom(c)).
		Str("kind", kind.String()).
		Str("path", c.Path()).
		Int("status", status).
		Msg("emr request failed")

	code := kind.String()
	if kind == emr.KindUnknown {
		code = "internal_error"
	}
	return c.JSON(status, ErrorResponse{Error: code, ErrorDescription: describe(err), State: emrauth.AttemptStateOf(err)})
}

// StatusFor maps an integration error onto the HTTP status returned to clients.
func StatusFor(err error) int {
	switch emr.KindOf(err) {
	case emr.KindConfigurationMissing:
		return http.StatusNotFound
	case emr.KindAuthorizationDenied:
		return http.StatusForbidden
	case emr.KindStateExpired, emr.KindStateInvalid:
		return http.StatusBadRequest
	case emr.KindAuthenticationRequired:
		return http.StatusUnauthorized
	case emr.KindUpstreamUnavailable:
		return http.StatusGatewayTimeout
	case emr.KindProviderError, emr.KindTokenExchangeFailed, emr.KindTokenRequestFailed, emr.KindMalformedResponse:
		return http.StatusBadGateway
	case emr.KindHTTPError:
		if emr.StatusOf(err) == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func describe(err error) string {
	var e *emr.Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return "internal server error"
}
