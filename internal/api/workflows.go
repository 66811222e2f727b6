// Package api contains the HTTP handlers for the definition and execution
// service.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/services"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// Caller identity headers. Authentication happens upstream.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderPersonID = "X-Person-ID"
	HeaderOrgID    = "X-Org-ID"
)

// Server holds the dependencies for the API server.
type Server struct {
	Definitions *services.DefinitionService
	Executions  *services.ExecutionService
	logger      logging.Logger
}

// NewServer creates a new Server.
func NewServer(defs *services.DefinitionService, execs *services.ExecutionService, logger logging.Logger) *Server {
	return &Server{Definitions: defs, Executions: execs, logger: logger}
}

// Register mounts the v1 routes on e.
func (s *Server) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/categories", s.CreateCategory)

	g.POST("/activities", s.CreateActivity)
	g.GET("/activities/:id", s.GetActivity)
	g.GET("/activities/by-name/:externalName", s.GetActivityByExternalName)
	g.POST("/activities/:id/versions", s.NewActivityVersion)

	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.GET("/workflows/by-name/:externalName", s.GetWorkflowByExternalName)
	g.POST("/workflows/:id/versions", s.NewWorkflowVersion)
	g.POST("/workflows/:id/execute", s.ExecuteWorkflow)

	g.GET("/executions/:id", s.GetExecution)
	g.POST("/executions/:id/cancel", s.CancelExecution)

	g.POST("/validate", s.Validate)
}

func owner(c echo.Context) models.Owner {
	h := c.Request().Header
	return models.Owner{
		TenantID: h.Get(HeaderTenantID),
		PersonID: h.Get(HeaderPersonID),
		OrgID:    h.Get(HeaderOrgID),
	}
}

// bindDraft reads a draft and fills the caller identity from the headers.
func bindDraft(c echo.Context) (*models.Draft, error) {
	var d models.Draft
	if err := c.Bind(&d); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, err, "invalid request body")
	}
	o := owner(c)
	if o.TenantID != "" {
		d.TenantID = o.TenantID
	}
	if o.PersonID != "" {
		d.PersonID = o.PersonID
	}
	return &d, nil
}

type categoryRequest struct {
	Name     string `json:"name"`
	TenantID string `json:"tenant_id"`
}

// CreateCategory creates a category
// (POST /api/v1/categories)
func (s *Server) CreateCategory(c echo.Context) error {
	var req categoryRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidInput, err, "invalid request body")
	}
	if t := owner(c).TenantID; t != "" {
		req.TenantID = t
	}
	cat, err := s.Definitions.CreateCategory(c.Request().Context(), req.TenantID, req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cat)
}

// CreateWorkflow creates version 1 of a workflow
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	d, err := bindDraft(c)
	if err != nil {
		return err
	}
	wf, err := s.Definitions.CreateWorkflow(c.Request().Context(), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// NewWorkflowVersion stores the next version of a workflow
// (POST /api/v1/workflows/:id/versions)
func (s *Server) NewWorkflowVersion(c echo.Context) error {
	d, err := bindDraft(c)
	if err != nil {
		return err
	}
	wf, err := s.Definitions.NewWorkflowVersion(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// GetWorkflow returns a workflow with its links
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.Definitions.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if t := owner(c).TenantID; t != "" && wf.TenantID != t {
		return apperrors.NotFound("workflow", c.Param("id"))
	}
	return c.JSON(http.StatusOK, wf)
}

// GetWorkflowByExternalName returns a workflow by external name
// (GET /api/v1/workflows/by-name/:externalName)
func (s *Server) GetWorkflowByExternalName(c echo.Context) error {
	name := c.Param("externalName")
	wf, err := s.Definitions.GetWorkflowByExternalName(c.Request().Context(), name)
	if err != nil {
		return err
	}
	if t := owner(c).TenantID; t != "" && wf.TenantID != t {
		return apperrors.NotFound("workflow", name)
	}
	return c.JSON(http.StatusOK, wf)
}

// ExecuteWorkflow runs a workflow sync, async or on a schedule
// (POST /api/v1/workflows/:id/execute)
func (s *Server) ExecuteWorkflow(c echo.Context) error {
	var req models.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidInput, err, "invalid request body")
	}
	req.WorkflowID = c.Param("id")
	o := owner(c)
	if o.TenantID != "" {
		req.Owner = o
	}

	h, err := s.Executions.Execute(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	if h.Status == models.StatusCompleted {
		return c.JSON(http.StatusOK, h)
	}
	return c.JSON(http.StatusAccepted, h)
}
