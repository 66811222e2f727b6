package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// CreateActivity creates version 1 of an activity
// (POST /api/v1/activities)
func (s *Server) CreateActivity(c echo.Context) error {
	d, err := bindDraft(c)
	if err != nil {
		return err
	}
	a, err := s.Definitions.CreateActivity(c.Request().Context(), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

// NewActivityVersion stores the next version of an activity
// (POST /api/v1/activities/:id/versions)
func (s *Server) NewActivityVersion(c echo.Context) error {
	d, err := bindDraft(c)
	if err != nil {
		return err
	}
	a, err := s.Definitions.NewActivityVersion(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

// GetActivity returns an activity
// (GET /api/v1/activities/:id)
func (s *Server) GetActivity(c echo.Context) error {
	a, err := s.Definitions.GetActivity(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if t := owner(c).TenantID; t != "" && a.TenantID != t {
		return apperrors.NotFound("activity", c.Param("id"))
	}
	return c.JSON(http.StatusOK, a)
}

// GetActivityByExternalName returns an activity by external name
// (GET /api/v1/activities/by-name/:externalName)
func (s *Server) GetActivityByExternalName(c echo.Context) error {
	name := c.Param("externalName")
	a, err := s.Definitions.GetActivityByExternalName(c.Request().Context(), name)
	if err != nil {
		return err
	}
	if t := owner(c).TenantID; t != "" && a.TenantID != t {
		return apperrors.NotFound("activity", name)
	}
	return c.JSON(http.StatusOK, a)
}

type validateRequest struct {
	Kind           models.UnitKind `json:"kind"`
	Language       models.Language `json:"language"`
	SourceCode     string          `json:"source_code"`
	EnvInputSchema map[string]any  `json:"env_input_schema"`
}

// Validate dry-runs the local checks of a definition
// (POST /api/v1/validate)
func (s *Server) Validate(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidInput, err, "invalid request body")
	}
	if req.Kind == "" {
		req.Kind = models.KindActivity
	}
	report, err := s.Definitions.ValidateSource(req.Kind, req.Language, req.SourceCode, req.EnvInputSchema)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// GetExecution reports the status of an execution
// (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	h, err := s.Executions.Status(c.Request().Context(), c.Param("id"), owner(c).TenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h)
}

// CancelExecution cancels an execution or deletes its schedule
// (POST /api/v1/executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	if err := s.Executions.Cancel(c.Request().Context(), c.Param("id"), owner(c).TenantID); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
