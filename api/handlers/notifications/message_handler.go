package notifications

import (
	response "backend/api/handlers/common"
	"backend/internal/auth"
	"backend/internal/common"
	"backend/internal/notification"

	"github.com/gin-gonic/gin"
)

// MessageHandler 站内通知 API 处理器
type MessageHandler struct {
	service *notification.Service
}

// NewMessageHandler 创建处理器
func NewMessageHandler(service *notification.Service) *MessageHandler {
	return &MessageHandler{service: service}
}

func currentUserID(c *gin.Context) string {
	if userCtx, ok := auth.GetUserContext(c); ok {
		return userCtx.UserID
	}
	return ""
}

// List 查询当前用户的通知
// @Summary 查询通知列表
// @Description 分页查询当前用户的通知，支持按类别过滤与仅看未读
// @Tags Notifications
// @Produce json
// @Param category query string false "类别过滤"
// @Param unreadOnly query bool false "仅未读"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/notifications [get]
func (h *MessageHandler) List(c *gin.Context) {
	var req notification.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BindError(c, err)
		return
	}

	userID := currentUserID(c)
	if userID == "" {
		common.ResponseUnauthorized(c, "未认证")
		return
	}
	req.RecipientID = userID

	items, total, err := h.service.List(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseList(c, items, total, &req.PaginationRequest)
}

// UnreadCount 查询未读数量
// @Summary 查询未读数量
// @Tags Notifications
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/notifications/unread-count [get]
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		common.ResponseUnauthorized(c, "未认证")
		return
	}

	count, err := h.service.CountUnread(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"unread": count})
}

// MarkRead 标记单条通知已读
// @Summary 标记通知已读
// @Tags Notifications
// @Produce json
// @Param id path string true "通知 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/notifications/{id}/read [put]
func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		common.ResponseUnauthorized(c, "未认证")
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), c.Param("id"), userID); err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccessMessage(c, "已标记为已读", nil)
}

// MarkAllRead 标记全部通知已读
// @Summary 标记全部通知已读
// @Tags Notifications
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/notifications/read-all [put]
func (h *MessageHandler) MarkAllRead(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		common.ResponseUnauthorized(c, "未认证")
		return
	}

	affected, err := h.service.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"marked": affected})
}
