package handler

import (
	"doctrine-agent-go/internal/service"
	"doctrine-agent-go/pkg/log"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// QueryLogHandler 提供查询审计日志的只读接口。
type QueryLogHandler struct {
	queryLogService service.QueryLogService
}

// NewQueryLogHandler 创建一个新的 QueryLogHandler 实例。
func NewQueryLogHandler(queryLogService service.QueryLogService) *QueryLogHandler {
	return &QueryLogHandler{queryLogService: queryLogService}
}

// ListRecent 处理 GET /api/query-logs?limit=N。
func (h *QueryLogHandler) ListRecent(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的 limit 参数", "data": nil})
		return
	}

	logs, err := h.queryLogService.ListRecent(limit)
	if errors.Is(err, service.ErrQueryLogDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "查询日志未启用", "data": nil})
		return
	}
	if err != nil {
		log.Errorf("[QueryLogHandler] 查询日志失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询日志失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": logs})
}
