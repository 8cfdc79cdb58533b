package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/session"
)

// sessionView is the JSON shape tools return for a session.
type sessionView struct {
	ID           string `json:"id"`
	Project      string `json:"project"`
	Status       string `json:"status"`
	Branch       string `json:"branch,omitempty"`
	Issue        string `json:"issue,omitempty"`
	PR           string `json:"pr,omitempty"`
	PRPPhase     string `json:"prp_phase,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

func viewOf(s *session.Session) sessionView {
	v := sessionView{
		ID:        s.ID,
		Project:   s.ProjectID,
		Status:    string(s.Status),
		Branch:    s.Branch,
		Issue:     s.IssueID,
		PR:        s.PR,
		PRPPhase:  s.PRPPhase,
		Workspace: s.WorkspacePath,
	}
	if !s.LastActivityAt.IsZero() {
		v.LastActivity = s.LastActivityAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return v
}

func registerTools(s *server.MCPServer, sessions Sessions, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List agent sessions with their current status. Optionally filter by project."),
			mcp.WithString("project",
				mcp.Description("Project id to filter by (optional)"),
			),
		),
		listSessionsHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Get one session's details plus the tail of its terminal output."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session id"),
			),
			mcp.WithNumber("output_lines",
				mcp.Description("How many trailing terminal lines to include (default 40, 0 for none)"),
			),
		),
		getSessionHandler(sessions, log),
	)

	s.AddTool(
		mcp.NewTool("send_to_session",
			mcp.WithDescription("Send text to a session's agent terminal, for example an instruction or an answer to a question it asked."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session id"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The text to deliver"),
			),
		),
		sendToSessionHandler(sessions, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func listSessionsHandler(sessions Sessions, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project := req.GetString("project", "")
		list, err := sessions.List(ctx, project)
		if err != nil {
			log.Error("failed to list sessions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
		}

		views := make([]sessionView, 0, len(list))
		for _, s := range list {
			views = append(views, viewOf(s))
		}
		formatted, _ := json.MarshalIndent(views, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getSessionHandler(sessions Sessions, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		lines := req.GetInt("output_lines", 40)

		s, err := sessions.Get(id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
		}

		result := struct {
			sessionView
			Output string `json:"output,omitempty"`
		}{sessionView: viewOf(s)}

		if lines > 0 {
			out, err := sessions.Output(ctx, id, lines)
			if err != nil {
				log.Warn("failed to read session output",
					zap.String("session_id", id), zap.Error(err))
			} else {
				result.Output = out
			}
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sendToSessionHandler(sessions Sessions, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := sessions.Send(ctx, id, text); err != nil {
			log.Error("failed to send to session",
				zap.String("session_id", id), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send to session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Delivered to session %s.", id)), nil
	}
}
