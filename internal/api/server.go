package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/replyflow/internal/conversation"
	"github.com/replyflow/internal/ingress"
)

// ConversationService is the write side the HTTP layer drives.
type ConversationService interface {
	AcceptInbound(ctx context.Context, in ingress.Inbound) (*ingress.Result, error)
	ApplyStatus(ctx context.Context, upd ingress.StatusUpdate) (bool, error)
	SetAIActive(ctx context.Context, conversationID string, active bool) (*conversation.Conversation, error)
}

// EventStreamer serves a broker channel as a Server-Sent Events stream.
type EventStreamer interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, channel string) error
}

// Server represents the API server
type Server struct {
	echo            *echo.Echo
	port            int
	service         ConversationService
	streams         EventStreamer
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

// NewServer creates a new API server
func NewServer(port int, service ConversationService, streams EventStreamer, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	server := &Server{
		echo:            e,
		port:            port,
		service:         service,
		streams:         streams,
		shutdownTimeout: 10 * time.Second,
		log:             logger.With().Str("component", "api").Logger(),
	}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := server.log.Info()
			if v.Error != nil {
				ev = server.log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server.setupRoutes()
	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	v1 := s.echo.Group("/api/v1")

	v1.POST("/workspaces/:workspaceID/inbound", s.acceptInbound)
	v1.POST("/delivery/status", s.applyStatus)
	v1.PATCH("/conversations/:conversationID/ai", s.setAIActive)

	v1.GET("/conversations/:conversationID/events", s.conversationEvents)
	v1.GET("/workspaces/:workspaceID/events", s.workspaceEvents)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// RegisterOnShutdown runs f when graceful shutdown begins. Long-lived
// streams use it to end, since shutdown does not cancel active requests.
func (s *Server) RegisterOnShutdown(f func()) {
	s.echo.Server.RegisterOnShutdown(f)
}

func (s *Server) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		s.shutdownTimeout = d
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", s.port).Msg("API server listening")
		errCh <- s.echo.Start(fmt.Sprintf(":%d", s.port))
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.log.Info().Msg("Shutting down API server")
	return s.echo.Shutdown(shutdownCtx)
}
