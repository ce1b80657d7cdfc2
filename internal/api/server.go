// Package api exposes the runtime over HTTP: status, health, sends,
// approvals and a WebSocket feed of agent events.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/approval"
	"github.com/cpjet64/codexrt/internal/common/httpmw"
	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/events/bus"
	"github.com/cpjet64/codexrt/internal/health"
	"github.com/cpjet64/codexrt/internal/protocol"
	"github.com/cpjet64/codexrt/internal/session"
	"github.com/cpjet64/codexrt/pkg/codex"
)

const (
	serverName  = "codexrt-api"
	sendTimeout = 30 * time.Second
)

// StatusSource reports the session state.
type StatusSource interface {
	Status() session.Status
}

// Sender delivers user input to the agent.
type Sender interface {
	SendMessage(ctx context.Context, text string) (*protocol.Future, error)
	Interrupt(ctx context.Context) (*protocol.Future, error)
}

// Deps are the runtime parts the server reads from. Health and Approvals
// are optional.
type Deps struct {
	Session   StatusSource
	Sender    Sender
	Events    *bus.Bus
	Health    func() health.View
	Approvals *approval.Queue
}

// Server is the HTTP API server.
type Server struct {
	deps     Deps
	logger   *logger.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer creates the server and its routes.
func NewServer(deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api-server"),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			// Local control surface; no browser origin to enforce.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router.Use(gin.Recovery(), httpmw.Tracing(serverName), httpmw.RequestLogger(s.logger, serverName))
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/messages", s.handleSendMessage)
		api.POST("/interrupt", s.handleInterrupt)
		api.GET("/events", s.handleEventStreamWS)

		api.GET("/approvals", s.handleListApprovals)
		api.POST("/approvals/:id", s.handleRespondApproval)
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Timestamp       string `json:"timestamp"`
	LastStdout      string `json:"lastStdout,omitempty"`
	RestartAttempts int    `json:"restartAttempts"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    health.StatusOK.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if s.deps.Health != nil {
		v := s.deps.Health()
		resp.Status = v.Status.String()
		resp.RestartAttempts = v.RestartAttempts
		if !v.LastStdout.IsZero() {
			resp.LastStdout = v.LastStdout.UTC().Format(time.RFC3339Nano)
		}
		if v.Status == health.StatusError {
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Session.Status())
}

// SendMessageRequest is the body of POST /api/v1/messages.
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendResponse acknowledges a request the agent accepted.
type SendResponse struct {
	RequestID   string `json:"requestId"`
	AbortReason string `json:"abortReason,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), sendTimeout)
	defer cancel()

	f, err := s.deps.Sender.SendMessage(ctx, req.Text)
	if err == nil {
		_, err = f.Wait(ctx)
	}
	if err != nil {
		s.writeError(c, "send message", err)
		return
	}
	c.JSON(http.StatusOK, SendResponse{RequestID: f.ID()})
}

func (s *Server) handleInterrupt(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), sendTimeout)
	defer cancel()

	var result codex.InterruptConversationResult
	f, err := s.deps.Sender.Interrupt(ctx)
	if err == nil {
		err = f.Decode(ctx, &result)
	}
	if err != nil {
		s.writeError(c, "interrupt", err)
		return
	}
	c.JSON(http.StatusOK, SendResponse{RequestID: f.ID(), AbortReason: result.AbortReason})
}

func (s *Server) handleListApprovals(c *gin.Context) {
	if s.deps.Approvals == nil {
		c.JSON(http.StatusOK, []approval.PendingPrompt{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Approvals.Pending())
}

// ApprovalResponseRequest is the body of POST /api/v1/approvals/:id.
type ApprovalResponseRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

func (s *Server) handleRespondApproval(c *gin.Context) {
	if s.deps.Approvals == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "approvals are not answered over the API"})
		return
	}
	var req ApprovalResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	err := s.deps.Approvals.Respond(c.Param("id"), *req.Approved)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, approval.ErrPromptNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, approval.ErrAlreadyAnswered):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// writeError maps runtime errors to HTTP statuses.
func (s *Server) writeError(c *gin.Context, op string, err error) {
	var remote *protocol.RemoteError
	switch {
	case errors.Is(err, session.ErrNoConversation):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.As(err, &remote):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: remote.Message, Code: remote.Code})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: err.Error()})
	case session.IsTransportError(err):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
