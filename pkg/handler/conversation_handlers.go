// Conversation HTTP handlers
package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/choraleia/concierge/pkg/models"
	"github.com/choraleia/concierge/pkg/service"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// ConversationHandler handles customer and staff messaging
type ConversationHandler struct {
	assistant *service.AssistantService
	store     *service.ConversationStore
	delivery  *service.DeliveryService
	identity  *service.IdentityService
	compactor *service.Compactor
	logger    *slog.Logger
}

func NewConversationHandler(assistant *service.AssistantService, store *service.ConversationStore, delivery *service.DeliveryService, identity *service.IdentityService, compactor *service.Compactor, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		assistant: assistant,
		store:     store,
		delivery:  delivery,
		identity:  identity,
		compactor: compactor,
		logger:    logger,
	}
}

// RegisterRoutes registers conversation routes
func (h *ConversationHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/customers/:customer_id/messages", h.PostCustomerMessage)

	conversations := r.Group("/conversations")
	{
		conversations.GET("/:id", h.GetConversation)
		conversations.GET("/:id/messages", h.ListMessages)
		conversations.POST("/:id/staff-messages", h.PostStaffMessage)
		conversations.POST("/:id/archive", h.Archive)
		conversations.POST("/:id/compact", h.Compact)
		conversations.GET("/:id/snapshots", h.Snapshots)

		// Provisional deltas of the running turn
		conversations.GET("/:id/stream", h.Stream)
	}
}

// PostCustomerMessage stores a customer message and starts the assistant turn.
// POST /api/v1/customers/:customer_id/messages
func (h *ConversationHandler) PostCustomerMessage(c *gin.Context) {
	tenantID := tenantOf(c)
	if tenantID == "" {
		badRequest(c, "X-Tenant-ID header is required")
		return
	}
	var req models.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	result, err := h.assistant.PostCustomerMessage(c.Request.Context(), tenantID, c.Param("customer_id"), req.Body, req.Stream)
	if err != nil {
		h.logger.Error("Failed to post customer message", "tenantID", tenantID, "error", err)
		respondError(c, err)
		return
	}
	resp := models.PostMessageResponse{
		ConversationID: result.Conversation.ID,
		Created:        result.Created,
		Message:        result.Message,
		Ownership:      string(result.Decision.Ownership),
		StaffID:        result.Decision.StaffID,
	}

	// Staff owns the turn or the service is shutting down: nothing to stream.
	if !req.Stream || result.Stream == nil {
		respondOK(c, http.StatusAccepted, resp)
		return
	}

	w := NewSSEWriter(c)
	_ = w.WriteEvent("ack", resp)
	pipeStream(c, w, result.Stream, 0)
}

// PostStaffMessage stores a reply from a registered staff member.
// POST /api/v1/conversations/:id/staff-messages
func (h *ConversationHandler) PostStaffMessage(c *gin.Context) {
	id := c.Param("id")
	var req models.StaffMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	tenantID, _, err := h.identity.CustomerFor(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.identity.IsStaff(tenantID, req.StaffID) {
		c.JSON(http.StatusForbidden, models.Response{Code: http.StatusForbidden, Message: "sender is not a staff member of this tenant"})
		return
	}

	msg, err := h.assistant.PostStaffMessage(c.Request.Context(), id, req.StaffID, req.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, msg)
}

// GetConversation returns a conversation with its rolling summary.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	id := c.Param("id")
	conv, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	streaming := false
	if ss, ok := h.delivery.Stream(id); ok {
		select {
		case <-ss.DoneChan():
		default:
			streaming = true
		}
	}
	respondOK(c, http.StatusOK, models.ConversationResponse{
		Conversation: conv,
		Summary:      conv.SummaryText(),
		RunningTurns: h.assistant.Running(id),
		Streaming:    streaming,
	})
}

// ListMessages is the poll fallback for observers that missed notifications.
// GET /api/v1/conversations/:id/messages?after_seq=N&limit=M
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	id := c.Param("id")
	afterSeq, err := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	if err != nil || afterSeq < 0 {
		badRequest(c, "after_seq must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), id, afterSeq, limit)
	if err != nil {
		h.logger.Error("Failed to list messages", "conversationID", id, "error", err)
		respondError(c, err)
		return
	}

	next := afterSeq
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Seq
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondOK(c, http.StatusOK, models.MessageListResponse{Messages: msgs, NextAfterSeq: next})
}

// Archive closes the conversation and cancels its running turn.
func (h *ConversationHandler) Archive(c *gin.Context) {
	conv, err := h.assistant.Archive(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, conv)
}

// Compact folds the unsummarized history regardless of thresholds.
func (h *ConversationHandler) Compact(c *gin.Context) {
	res, err := h.compactor.CompactNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusOK, models.Response{Code: http.StatusOK, Message: "Nothing to compact"})
		return
	}
	respondOK(c, http.StatusOK, res)
}

// Snapshots lists the summary history of a conversation.
func (h *ConversationHandler) Snapshots(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	snaps, err := h.store.Snapshots(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if snaps == nil {
		snaps = []models.ConversationSnapshot{}
	}
	respondOK(c, http.StatusOK, snaps)
}

// Stream replays the provisional frames of the latest streaming turn and
// follows it until done. Reconnecting clients send Last-Event-ID.
// GET /api/v1/conversations/:id/stream
func (h *ConversationHandler) Stream(c *gin.Context) {
	ss, ok := h.delivery.Stream(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, models.Response{Code: http.StatusNotFound, Message: "no stream for this conversation"})
		return
	}
	w := NewSSEWriter(c)
	pipeStream(c, w, ss, lastEventID(c))
}
