package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/replyflow/internal/events"
)

// conversationEvents handles GET /api/v1/conversations/:conversationID/events
func (s *Server) conversationEvents(c echo.Context) error {
	id := strings.TrimSpace(c.Param("conversationID"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid conversation ID")
	}
	return s.stream(c, events.ConversationChannel(id))
}

// workspaceEvents handles GET /api/v1/workspaces/:workspaceID/events
func (s *Server) workspaceEvents(c echo.Context) error {
	id := strings.TrimSpace(c.Param("workspaceID"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid workspace ID")
	}
	return s.stream(c, events.WorkspaceChannel(id))
}

func (s *Server) stream(c echo.Context, channel string) error {
	err := s.streams.ServeSSE(c.Response(), c.Request(), channel)
	if err == nil {
		return nil
	}
	if c.Response().Committed {
		// Client went away mid-stream.
		s.log.Debug().Err(err).Str("channel", channel).Msg("Event stream ended")
		return nil
	}
	s.log.Error().Err(err).Str("channel", channel).Msg("Failed to open event stream")
	return echo.NewHTTPError(http.StatusServiceUnavailable, "Event stream unavailable")
}
