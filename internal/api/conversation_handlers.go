package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/replyflow/internal/events"
	"github.com/replyflow/internal/ingress"
	"github.com/replyflow/internal/store"
)

type inboundResponse struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Duplicate      bool   `json:"duplicate"`
}

// acceptInbound handles POST /api/v1/workspaces/:workspaceID/inbound
func (s *Server) acceptInbound(c echo.Context) error {
	var in ingress.Inbound
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	in.WorkspaceID = c.Param("workspaceID")

	res, err := s.service.AcceptInbound(c.Request().Context(), in)
	if err != nil {
		return s.serviceError(err)
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, inboundResponse{
		ConversationID: res.Conversation.ID,
		MessageID:      res.Message.ID,
		Duplicate:      res.Duplicate,
	})
}

// applyStatus handles POST /api/v1/delivery/status
func (s *Server) applyStatus(c echo.Context) error {
	var upd ingress.StatusUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(upd.ProviderMessageID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "providerMessageId is required")
	}

	changed, err := s.service.ApplyStatus(c.Request().Context(), upd)
	if err != nil {
		return s.serviceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"changed": changed})
}

type aiToggleRequest struct {
	IsAIActive *bool `json:"isAiActive"`
}

// setAIActive handles PATCH /api/v1/conversations/:conversationID/ai
func (s *Server) setAIActive(c echo.Context) error {
	var req aiToggleRequest
	if err := c.Bind(&req); err != nil || req.IsAIActive == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "isAiActive is required")
	}

	conv, err := s.service.SetAIActive(c.Request().Context(), c.Param("conversationID"), *req.IsAIActive)
	if err != nil {
		return s.serviceError(err)
	}
	return c.JSON(http.StatusOK, events.NewConversationUpdated(conv))
}

func (s *Server) serviceError(err error) error {
	switch {
	case errors.Is(err, ingress.ErrInvalidInbound), errors.Is(err, ingress.ErrUnknownStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Not found")
	}
	s.log.Error().Err(err).Msg("Request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "Internal error")
}
