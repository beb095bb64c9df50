package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"servicedesk/internal/middleware"
	"servicedesk/internal/models"
	"servicedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func paginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	if page <= 0 {
		page = 1
	}
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// parseID 解析路径参数中的数字 ID
func parseID(c *gin.Context, name, label string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + label + " ID",
			Message: "ID must be a positive integer",
		})
		return 0, false
	}
	return uint(id), true
}

// tenantOf returns the authenticated tenant, answering 401 when there is none.
func tenantOf(c *gin.Context) (string, bool) {
	tenantID := middleware.TenantID(c)
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "tenant not resolved",
		})
		return "", false
	}
	return tenantID, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Message: err.Error(),
	})
}

// writeServiceError 根据错误类型返回不同状态码
func writeServiceError(c *gin.Context, logger *logrus.Logger, action string, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: err.Error()})
	case errors.Is(err, services.ErrInvalidInput), errors.Is(err, models.ErrInvalidScope):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
	case errors.Is(err, services.ErrRecomputeConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Conflict", Message: err.Error()})
	default:
		logger.Errorf("Failed to %s: %v", action, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to " + action,
			Message: err.Error(),
		})
	}
}
