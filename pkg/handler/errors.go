package handler

import (
	"errors"
	"net/http"

	"github.com/choraleia/concierge/pkg/models"
	"github.com/choraleia/concierge/pkg/service"
	"github.com/gin-gonic/gin"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrQuoteNotFound),
		errors.Is(err, service.ErrFolderNotFound),
		errors.Is(err, service.ErrStaffNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConversationArchived),
		errors.Is(err, service.ErrSummaryConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrInvalidSourceType),
		errors.Is(err, service.ErrInvalidDocument):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRetrievalUnavailable),
		errors.Is(err, service.ErrModelNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	c.JSON(code, models.Response{Code: code, Message: err.Error()})
}

func respondOK(c *gin.Context, code int, data interface{}) {
	c.JSON(code, models.Response{Code: code, Message: http.StatusText(code), Data: data})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.Response{Code: http.StatusBadRequest, Message: msg})
}

// tenantOf reads the caller's tenant from the X-Tenant-ID header, falling
// back to the tenant_id query parameter.
func tenantOf(c *gin.Context) string {
	if t := c.GetHeader("X-Tenant-ID"); t != "" {
		return t
	}
	return c.Query("tenant_id")
}
