// Package handler 包含了本地调试 HTTP 端点的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"crs-sync-go/internal/chat"
	"crs-sync-go/internal/diagnostics"
	"crs-sync-go/internal/service"
	"crs-sync-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SessionController 是调试端点用到的会话操作。
type SessionController interface {
	View() service.View
	Send(content string) (int64, error)
	Retry(localID int64) error
	ReconnectStream()
	DismissError()
	Metrics() *diagnostics.MetricsLog
}

// DebugHandler 暴露会话状态和几个手动操作，只用于本地调试。
type DebugHandler struct {
	session SessionController
}

// NewDebugHandler 创建一个新的 DebugHandler 实例。
func NewDebugHandler(session SessionController) *DebugHandler {
	return &DebugHandler{session: session}
}

// SendMessageRequest 定义了发送消息的请求体结构。
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Register 把调试路由挂到给定的路由组上。
func (h *DebugHandler) Register(r gin.IRouter) {
	debug := r.Group("/debug")
	{
		debug.GET("/state", h.GetState)
		debug.GET("/patch-metrics", h.GetPatchMetrics)
		debug.POST("/messages", h.SendMessage)
		debug.POST("/messages/:id/retry", h.RetryMessage)
		debug.POST("/stream/reconnect", h.ReconnectStream)
		debug.POST("/banner/dismiss", h.DismissBanner)
	}
}

// GetState 返回当前会话快照。
func (h *DebugHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    h.session.View(),
	})
}

// GetPatchMetrics 返回 patch 应用指标及汇总。
func (h *DebugHandler) GetPatchMetrics(c *gin.Context) {
	metrics := h.session.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"records": metrics.Records(),
			"summary": metrics.Summary(),
		},
	})
}

// SendMessage 以当前角色发送一条聊天消息。
func (h *DebugHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("SendMessage: invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载：content 不能为空",
			"data":    nil,
		})
		return
	}

	id, err := h.session.Send(req.Content)
	if err != nil {
		status := sendErrorStatus(err)
		c.JSON(status, gin.H{
			"code":    status,
			"message": err.Error(),
			"data":    gin.H{"localId": id},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    gin.H{"localId": id},
	})
}

// RetryMessage 重新发送一条失败的消息，id 是发送时返回的 localId。
func (h *DebugHandler) RetryMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		log.Warnf("RetryMessage: invalid message id %q", c.Param("id"))
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的消息 ID",
			"data":    nil,
		})
		return
	}

	if err := h.session.Retry(id); err != nil {
		status := sendErrorStatus(err)
		c.JSON(status, gin.H{
			"code":    status,
			"message": err.Error(),
			"data":    gin.H{"localId": id},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    gin.H{"localId": id},
	})
}

func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotOpen), errors.Is(err, service.ErrNoSender):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownMessage):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ReconnectStream 手动重连事件流。
func (h *DebugHandler) ReconnectStream(c *gin.Context) {
	h.session.ReconnectStream()
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// DismissBanner 关闭错误横幅。
func (h *DebugHandler) DismissBanner(c *gin.Context) {
	h.session.DismissError()
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}
