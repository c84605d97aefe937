package handler

import (
	"log/slog"
	"net/http"

	"github.com/choraleia/concierge/pkg/models"
	"github.com/choraleia/concierge/pkg/service"
	"github.com/gin-gonic/gin"
)

// StaffHandler manages the staff directory and read access to domain records
type StaffHandler struct {
	identity *service.IdentityService
	domain   *service.DomainService
	logger   *slog.Logger
}

func NewStaffHandler(identity *service.IdentityService, domain *service.DomainService, logger *slog.Logger) *StaffHandler {
	return &StaffHandler{identity: identity, domain: domain, logger: logger}
}

// RegisterRoutes registers staff and domain routes
func (h *StaffHandler) RegisterRoutes(r *gin.RouterGroup) {
	staff := r.Group("/tenants/:tenant_id/staff")
	{
		staff.GET("", h.List)
		staff.PUT("/:staff_id", h.Upsert)
		staff.DELETE("/:staff_id", h.Deactivate)
	}

	r.GET("/quotes/:id", h.GetQuote)
	r.GET("/folders/:id/items", h.FolderItems)
}

func (h *StaffHandler) List(c *gin.Context) {
	members, err := h.identity.ListStaff(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if members == nil {
		members = []models.StaffMember{}
	}
	respondOK(c, http.StatusOK, models.StaffListResponse{Staff: members, Total: len(members)})
}

func (h *StaffHandler) Upsert(c *gin.Context) {
	var req models.UpsertStaffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	member, err := h.identity.UpsertStaff(c.Request.Context(), c.Param("tenant_id"), c.Param("staff_id"), req.DisplayName)
	if err != nil {
		h.logger.Error("Failed to save staff member", "tenantID", c.Param("tenant_id"), "error", err)
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, member)
}

func (h *StaffHandler) Deactivate(c *gin.Context) {
	if err := h.identity.DeactivateStaff(c.Request.Context(), c.Param("tenant_id"), c.Param("staff_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: http.StatusOK, Message: "Staff member deactivated"})
}

// GetQuote returns a quote of the caller's tenant.
func (h *StaffHandler) GetQuote(c *gin.Context) {
	quote, err := h.domain.GetQuote(c.Request.Context(), c.Param("id"))
	if err == nil && quote.TenantID != tenantOf(c) {
		err = service.ErrQuoteNotFound
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, quote)
}

func (h *StaffHandler) FolderItems(c *gin.Context) {
	items, err := h.domain.FolderItems(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []models.FolderItem{}
	}
	respondOK(c, http.StatusOK, items)
}
