package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// Check is a named dependency probe used by the health endpoint.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Handler serves the health endpoint.
type Handler struct {
	version string
	checks  []Check
}

// NewHandler creates a new Handler with the given dependency probes.
func NewHandler(version string, checks ...Check) *Handler {
	return &Handler{version: version, checks: checks}
}

// HandleHealth reports service health. It returns 503 when any dependency
// probe fails.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := models.HealthStatus{
		Status:    "ok",
		Service:   "manu-agent-service",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{},
	}
	code := http.StatusOK
	for _, chk := range h.checks {
		if err := chk.Probe(ctx); err != nil {
			status.Checks[chk.Name] = err.Error()
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Checks[chk.Name] = "ok"
	}
	return c.JSON(code, status)
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.CodeSyntax, apperrors.CodeStructuralValidation,
		apperrors.CodeSchemaValidation, apperrors.CodeImportPolicy:
		return http.StatusUnprocessableEntity
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeCategoryMismatch:
		return http.StatusForbidden
	case apperrors.CodeVersionConflict:
		return http.StatusConflict
	case apperrors.CodeEngineSubmission, apperrors.CodeEngineExecution:
		return http.StatusBadGateway
	case apperrors.CodeEngineTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every error as an RFC 7807 problem.
func ErrorHandler(logger logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := problemFor(err)
		problem.Instance = c.Request().URL.Path
		if problem.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "path", problem.Instance, "code", problem.Code, "error", err)
		}
		writeProblem(c, problem)
	}
}

func problemFor(err error) models.ProblemDetails {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return models.ProblemDetails{
			Type:   "about:blank",
			Title:  http.StatusText(he.Code),
			Status: he.Code,
			Detail: detailOf(he.Message),
		}
	}
	var ae *apperrors.Error
	if !errors.As(err, &ae) {
		return models.ProblemDetails{
			Type:   "about:blank",
			Title:  http.StatusText(http.StatusInternalServerError),
			Status: http.StatusInternalServerError,
			Detail: "internal error",
			Code:   string(apperrors.CodeInternal),
		}
	}
	status := StatusFor(ae.Code)
	p := models.ProblemDetails{
		Type:    "urn:codeflow:problem:" + strings.ToLower(string(ae.Code)),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  ae.Message,
		Code:    string(ae.Code),
		Details: ae.Details,
	}
	if status == http.StatusInternalServerError {
		p.Details = nil
	}
	return p
}

func detailOf(msg any) string {
	switch m := msg.(type) {
	case string:
		return m
	case error:
		return m.Error()
	default:
		return ""
	}
}

// writeProblem writes an RFC 7807 Problem Details JSON error response
func writeProblem(c echo.Context, p models.ProblemDetails) {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(p.Status)
		return
	}
	c.Response().WriteHeader(p.Status)
	_ = json.NewEncoder(c.Response()).Encode(p)
}
