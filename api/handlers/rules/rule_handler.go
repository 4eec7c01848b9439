package rules

import (
	response "backend/api/handlers/common"
	"backend/internal/auth"
	"backend/internal/common"
	"backend/internal/lifecycle"

	"github.com/gin-gonic/gin"
)

// Handler 守卫规则管理 API 处理器
type Handler struct {
	engine *lifecycle.RuleEngine
}

// NewHandler 创建处理器
func NewHandler(engine *lifecycle.RuleEngine) *Handler {
	return &Handler{engine: engine}
}

type createRuleRequest struct {
	EntityType   string `json:"entityType" binding:"required"`
	TargetStatus string `json:"targetStatus" binding:"required"`
	Name         string `json:"name" binding:"required"`
	Expression   string `json:"expression" binding:"required"`
	Message      string `json:"message"`
	Priority     int    `json:"priority"`
}

// Create 创建守卫规则
// @Summary 创建守卫规则
// @Description 为指定实体类型与目标状态配置附加前置条件表达式，创建前校验表达式可解析
// @Tags GuardRules
// @Accept json
// @Produce json
// @Param request body createRuleRequest true "规则定义"
// @Success 201 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/admin/guard-rules [post]
func (h *Handler) Create(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	rule := &lifecycle.GuardRule{
		EntityType:   req.EntityType,
		TargetStatus: req.TargetStatus,
		Name:         req.Name,
		Expression:   req.Expression,
		Message:      req.Message,
		Priority:     req.Priority,
		IsActive:     true,
	}
	if userCtx, ok := auth.GetUserContext(c); ok {
		rule.CreatedBy = userCtx.UserID
	}

	if err := h.engine.CreateRule(c.Request.Context(), rule); err != nil {
		common.ResponseError(c, common.CodeGuardRuleInvalid, err.Error())
		return
	}
	common.ResponseCreated(c, rule)
}

// List 查询守卫规则
// @Summary 查询守卫规则列表
// @Tags GuardRules
// @Produce json
// @Param entityType query string false "实体类型过滤"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/admin/guard-rules [get]
func (h *Handler) List(c *gin.Context) {
	rules, err := h.engine.ListRules(c.Request.Context(), c.Query("entityType"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, rules)
}

type updateRuleRequest struct {
	Name       *string `json:"name"`
	Expression *string `json:"expression"`
	Message    *string `json:"message"`
	Priority   *int    `json:"priority"`
	IsActive   *bool   `json:"isActive"`
}

// Update 更新守卫规则
// @Summary 更新守卫规则
// @Tags GuardRules
// @Accept json
// @Produce json
// @Param id path string true "规则 ID"
// @Param request body updateRuleRequest true "更新字段"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/admin/guard-rules/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	var req updateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Expression != nil {
		updates["expression"] = *req.Expression
	}
	if req.Message != nil {
		updates["message"] = *req.Message
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) == 0 {
		common.ResponseBadRequest(c, "没有需要更新的字段")
		return
	}

	if err := h.engine.UpdateRule(c.Request.Context(), c.Param("id"), updates); err != nil {
		common.ResponseError(c, common.CodeGuardRuleInvalid, err.Error())
		return
	}
	common.ResponseSuccessMessage(c, "规则已更新", nil)
}

// Delete 删除守卫规则
// @Summary 删除守卫规则
// @Tags GuardRules
// @Produce json
// @Param id path string true "规则 ID"
// @Success 204
// @Router /api/v1/admin/guard-rules/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	if err := h.engine.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		common.ResponseError(c, common.CodeGuardRuleNotFound, err.Error())
		return
	}
	common.ResponseNoContent(c)
}
