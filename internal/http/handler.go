// Package http is the thin glue between the webhook/add-on surface and the
// ingest and poller services.
package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailpilot.app/enrich/internal/ingest"
	"mailpilot.app/enrich/internal/poller"
	"mailpilot.app/enrich/internal/store"
)

type EventsHandler struct {
	service *ingest.Service
}

func NewEventsHandler(service *ingest.Service) *EventsHandler {
	return &EventsHandler{service: service}
}

// Ingest accepts one normalized provider message and dispatches its job.
func (h *EventsHandler) Ingest(c *gin.Context) {
	ctx := c.Request.Context()

	var req ingest.NormalizedMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid ingest request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.Submit(ctx, req); err != nil {
		slog.ErrorContext(ctx, "failed to ingest message", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest message"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"conv_id":    ingest.NormalizeID(req.ConvID),
		"message_id": ingest.NormalizeID(req.MessageID),
	})
}

type DashboardHandler struct {
	poller *poller.Poller
}

func NewDashboardHandler(p *poller.Poller) *DashboardHandler {
	return &DashboardHandler{poller: p}
}

type dashboardRequest struct {
	ConvID    string `json:"conv_id" binding:"required"`
	MessageID string `json:"message_id" binding:"required"`
	Owner     string `json:"owner"`
}

// Dashboard blocks until the message's analysis completes or the poll budget
// runs out, dispatching enrichment if nothing else has.
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	var req dashboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid dashboard request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.poller.Poll(ctx,
		ingest.NormalizeID(req.ConvID), ingest.NormalizeID(req.MessageID), req.Owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		slog.ErrorContext(ctx, "dashboard poll failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "poll failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}
