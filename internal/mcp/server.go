// Package mcp exposes workflow validation and execution as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/services"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

type Server struct {
	mcpServer   *server.MCPServer
	definitions *services.DefinitionService
	executions  *services.ExecutionService
}

func NewServer(definitions *services.DefinitionService, executions *services.ExecutionService, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Codeflow",
			version,
			server.WithToolCapabilities(true),
		),
		definitions: definitions,
		executions:  executions,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"validate_source",
			mcp.WithDescription("Validate activity or workflow source code without storing it"),
			mcp.WithString("source_code", mcp.Required(), mcp.Description("The TypeScript source")),
			mcp.WithString("kind", mcp.Description("activity or workflow"), mcp.Enum("activity", "workflow")),
		),
		s.handleValidate,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_workflow",
			mcp.WithDescription("Execute a stored workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("The tenant owning the workflow")),
			mcp.WithString("mode", mcp.Description("sync, async or scheduled"), mcp.Enum("sync", "async", "scheduled")),
			mcp.WithObject("input", mcp.Description("Workflow input")),
			mcp.WithObject("env_input", mcp.Description("Environment variables for the workflow and its activities")),
			mcp.WithObject("schedule", mcp.Description("Schedule for scheduled mode")),
			mcp.WithNumber("timeout_ms", mcp.Description("Sync wait timeout in milliseconds")),
		),
		s.handleExecute,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution_status",
			mcp.WithDescription("Get the status of an execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("Workflow ID or schedule ID of the execution")),
			mcp.WithString("tenant_id", mcp.Description("The tenant that started the execution")),
		),
		s.handleStatus,
	)
}

func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	source, ok := args["source_code"].(string)
	if !ok || source == "" {
		return mcp.NewToolResultError("Missing required parameter: source_code"), nil
	}
	kind := models.KindActivity
	if k, ok := args["kind"].(string); ok && k != "" {
		kind = models.UnitKind(k)
	}
	if !kind.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown kind: %s", kind)), nil
	}

	report, err := s.definitions.ValidateSource(kind, models.LanguageTypeScript, source, nil)
	if err != nil {
		return toolError("Validation failed", err), nil
	}
	return jsonResult(report), nil
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	tenantID, ok := args["tenant_id"].(string)
	if !ok || tenantID == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_id"), nil
	}

	// Re-decode through JSON so the request fields get their declared types.
	raw, err := json.Marshal(args)
	if err != nil {
		return mcp.NewToolResultError("Invalid arguments"), nil
	}
	var req models.ExecuteRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}
	req.WorkflowID = workflowID
	req.Owner = models.Owner{TenantID: tenantID}

	h, err := s.executions.Execute(ctx, &req)
	if err != nil {
		return toolError("Execution failed", err), nil
	}
	return jsonResult(h), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	id, ok := args["execution_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}
	tenantID, _ := args["tenant_id"].(string)

	h, err := s.executions.Status(ctx, id, tenantID)
	if err != nil {
		return toolError("Failed to get status", err), nil
	}
	return jsonResult(h), nil
}

func jsonResult(v any) *mcp.CallToolResult {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(jsonBytes))
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", prefix, apperrors.CodeOf(err), err))
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
