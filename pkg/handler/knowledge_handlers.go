package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/choraleia/concierge/pkg/models"
	"github.com/choraleia/concierge/pkg/service"
	"github.com/gin-gonic/gin"
)

// KnowledgeHandler exposes the indexer and the retrieval engine
type KnowledgeHandler struct {
	indexer   *service.KnowledgeIndexer
	retrieval *service.RetrievalService
	scheduler *service.Scheduler
	logger    *slog.Logger
}

func NewKnowledgeHandler(indexer *service.KnowledgeIndexer, retrieval *service.RetrievalService, scheduler *service.Scheduler, logger *slog.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{
		indexer:   indexer,
		retrieval: retrieval,
		scheduler: scheduler,
		logger:    logger,
	}
}

// RegisterRoutes registers knowledge routes
func (h *KnowledgeHandler) RegisterRoutes(r *gin.RouterGroup) {
	knowledge := r.Group("/knowledge")
	{
		knowledge.PUT("/:source_type/:source_id", h.Upsert)
		knowledge.DELETE("/:source_type/:source_id", h.Remove)
		knowledge.POST("/search", h.Search)
		knowledge.POST("/reindex", h.Reindex)
	}
}

// Upsert replaces the indexed chunks of one business record.
// PUT /api/v1/knowledge/:source_type/:source_id
func (h *KnowledgeHandler) Upsert(c *gin.Context) {
	var req models.KnowledgeUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	res, err := h.indexer.Upsert(c.Request.Context(), service.KnowledgeDocument{
		TenantID:   req.TenantID,
		SourceType: c.Param("source_type"),
		SourceID:   c.Param("source_id"),
		CustomerID: req.CustomerID,
		Title:      req.Title,
		Content:    req.Content,
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		h.logger.Warn("Failed to index knowledge", "sourceType", c.Param("source_type"), "sourceID", c.Param("source_id"), "error", err)
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, res)
}

// Remove drops a record from the index.
// DELETE /api/v1/knowledge/:source_type/:source_id?tenant_id=t
func (h *KnowledgeHandler) Remove(c *gin.Context) {
	tenantID := tenantOf(c)
	if tenantID == "" {
		badRequest(c, "tenant is required")
		return
	}
	n, err := h.indexer.Remove(c.Request.Context(), tenantID, c.Param("source_type"), c.Param("source_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"removed": n})
}

// Search runs a retrieval with the given scope.
func (h *KnowledgeHandler) Search(c *gin.Context) {
	var req models.KnowledgeSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	snippets, err := h.retrieval.Retrieve(c.Request.Context(), req.Query, service.RetrievalScope{
		TenantID:   req.TenantID,
		CustomerID: req.CustomerID,
	}, req.Budget)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, snippets)
}

// Reindex pulls every configured knowledge source now instead of waiting
// for the schedule.
func (h *KnowledgeHandler) Reindex(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, models.Response{Code: http.StatusServiceUnavailable, Message: "scheduler is not running"})
		return
	}
	n, err := h.scheduler.Reindex(c.Request.Context())
	data := gin.H{"indexed": n}
	if err != nil {
		data["error"] = err.Error()
	}
	respondOK(c, http.StatusOK, data)
}
