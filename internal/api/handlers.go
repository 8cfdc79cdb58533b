// Package api exposes the orchestrator's session operations over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/session"
)

// SessionService is the slice of the session manager the API serves.
type SessionService interface {
	List(ctx context.Context, projectID string) ([]*session.Session, error)
	Get(id string) (*session.Session, error)
	Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error)
	Send(ctx context.Context, id, text string) error
	Output(ctx context.Context, id string, lastN int) (string, error)
	Kill(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) (*session.Session, error)
	Cleanup(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Handlers carries the API's dependencies.
type Handlers struct {
	sessions SessionService
	logger   *logger.Logger
}

// NewHandlers creates the API handler set.
func NewHandlers(sessions SessionService, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{sessions: sessions, logger: log.WithFields(zap.String("component", "api"))}
}

// SetupRoutes registers the session routes on a router group.
func (h *Handlers) SetupRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.listSessions)
	rg.POST("/sessions", h.spawnSession)
	rg.GET("/sessions/:id", h.getSession)
	rg.GET("/sessions/:id/output", h.sessionOutput)
	rg.POST("/sessions/:id/send", h.sendToSession)
	rg.POST("/sessions/:id/restore", h.restoreSession)
	rg.DELETE("/sessions/:id", h.killSession)
	rg.POST("/cleanup", h.cleanup)
}

// sessionResponse is the JSON shape of a session.
type sessionResponse struct {
	ID             string    `json:"id"`
	Project        string    `json:"project"`
	Status         string    `json:"status"`
	Branch         string    `json:"branch,omitempty"`
	Issue          string    `json:"issue,omitempty"`
	PR             string    `json:"pr,omitempty"`
	PRPPhase       string    `json:"prp_phase,omitempty"`
	Workspace      string    `json:"workspace,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`
}

func toResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		Project:        s.ProjectID,
		Status:         string(s.Status),
		Branch:         s.Branch,
		Issue:          s.IssueID,
		PR:             s.PR,
		PRPPhase:       s.PRPPhase,
		Workspace:      s.WorkspacePath,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := orcherrors.GetHTTPStatus(err)
	if errors.Is(err, os.ErrNotExist) {
		status = http.StatusNotFound
	}
	if status >= 500 {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": orcherrors.KindOf(err)})
}

func (h *Handlers) listSessions(c *gin.Context) {
	list, err := h.sessions.List(c.Request.Context(), c.Query("project"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

type spawnRequest struct {
	Project string `json:"project" binding:"required"`
	Issue   string `json:"issue"`
	Branch  string `json:"branch"`
	Prompt  string `json:"prompt"`
}

func (h *Handlers) spawnSession(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.sessions.Spawn(c.Request.Context(), session.SpawnRequest{
		ProjectID: req.Project,
		IssueID:   req.Issue,
		Branch:    req.Branch,
		Prompt:    req.Prompt,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(s))
}

func (h *Handlers) getSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(s))
}

func (h *Handlers) sessionOutput(c *gin.Context) {
	lines := 0
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a non-negative integer"})
			return
		}
		lines = n
	}
	out, err := h.sessions.Output(c.Request.Context(), c.Param("id"), lines)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

type sendRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *Handlers) sendToSession(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.Send(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (h *Handlers) restoreSession(c *gin.Context) {
	s, err := h.sessions.Restore(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(s))
}

func (h *Handlers) killSession(c *gin.Context) {
	if err := h.sessions.Kill(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "killed"})
}

type cleanupRequest struct {
	OlderThan string `json:"older_than"` // duration, default 168h
}

func (h *Handlers) cleanup(c *gin.Context) {
	req := cleanupRequest{OlderThan: "168h"}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "older_than must be a duration like 168h"})
		return
	}
	removed, err := h.sessions.Cleanup(c.Request.Context(), olderThan)
	if err != nil {
		h.fail(c, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
