package findings

import (
	response "backend/api/handlers/common"
	"backend/internal/common"
	"backend/internal/finding"

	"github.com/gin-gonic/gin"
)

// ActionHandler 纠正措施 API 处理器
type ActionHandler struct {
	service *finding.Service
}

// NewActionHandler 创建处理器
func NewActionHandler(service *finding.Service) *ActionHandler {
	return &ActionHandler{service: service}
}

// Create 创建纠正措施
// @Summary 创建纠正措施
// @Description 在发现项下创建纠正措施；发现项随之进入 IN_TREATMENT
// @Tags Actions
// @Accept json
// @Produce json
// @Param id path string true "发现项 ID"
// @Param request body finding.CreateActionRequest true "措施信息"
// @Success 201 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/findings/{id}/actions [post]
func (h *ActionHandler) Create(c *gin.Context) {
	var req finding.CreateActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	action, err := h.service.CreateAction(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, action)
}

// Get 查询措施详情
// @Summary 查询措施详情
// @Tags Actions
// @Produce json
// @Param id path string true "措施 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/actions/{id} [get]
func (h *ActionHandler) Get(c *gin.Context) {
	action, err := h.service.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, action)
}

// UpdateProgress 更新措施进度
// @Summary 更新措施进度
// @Description 记录进度百分比；首次推进时措施自动进入 IN_PROGRESS
// @Tags Actions
// @Accept json
// @Produce json
// @Param id path string true "措施 ID"
// @Param request body finding.UpdateProgressRequest true "进度"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/actions/{id}/progress [put]
func (h *ActionHandler) UpdateProgress(c *gin.Context) {
	var req finding.UpdateProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	req.Actor = resolveActor(c, req.Actor)

	action, err := h.service.UpdateProgress(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, action)
}

// Complete 完成措施
// @Summary 完成措施
// @Description 措施进入 COMPLETED，等待静置期后进行有效性验证
// @Tags Actions
// @Accept json
// @Produce json
// @Param id path string true "措施 ID"
// @Param request body finding.CompleteActionRequest true "完成说明"
// @Success 200 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/actions/{id}/complete [post]
func (h *ActionHandler) Complete(c *gin.Context) {
	var req finding.CompleteActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	req.Actor = resolveActor(c, req.Actor)

	if err := h.service.Complete(c.Request.Context(), c.Param("id"), &req); err != nil {
		response.Error(c, err)
		return
	}

	action, err := h.service.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, action)
}

// Verify 有效性验证
// @Summary 有效性验证
// @Description 验证人对已完成措施做有效性判定；验证通过且发现项全部措施验证有效时级联推进发现项
// @Tags Actions
// @Accept json
// @Produce json
// @Param id path string true "措施 ID"
// @Param request body finding.VerifyActionRequest true "验证结论"
// @Success 200 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/actions/{id}/verify [post]
func (h *ActionHandler) Verify(c *gin.Context) {
	var req finding.VerifyActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	req.Actor = resolveActor(c, req.Actor)

	if err := h.service.VerifyEffectiveness(c.Request.Context(), c.Param("id"), &req); err != nil {
		response.Error(c, err)
		return
	}

	action, err := h.service.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, action)
}

type actionReasonRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// Cancel 取消措施
// @Summary 取消措施
// @Tags Actions
// @Accept json
// @Produce json
// @Param id path string true "措施 ID"
// @Param request body actionReasonRequest false "取消原因"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/actions/{id}/cancel [post]
func (h *ActionHandler) Cancel(c *gin.Context) {
	var req actionReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BindError(c, err)
		return
	}
	actor := resolveActor(c, req.Actor)

	if err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor, req.Reason); err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccessMessage(c, "措施已取消", nil)
}

// Reopen 重新打开措施
// @Summary 重新打开措施
// @Description 已完成的措施回到 IN_PROGRESS，常见于验证不通过后的返工
// @Tags Actions
// @Accept json
// @Produce json
// @Param id path string true "措施 ID"
// @Param request body actionReasonRequest false "原因"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/actions/{id}/reopen [post]
func (h *ActionHandler) Reopen(c *gin.Context) {
	var req actionReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BindError(c, err)
		return
	}
	actor := resolveActor(c, req.Actor)

	if err := h.service.ReopenAction(c.Request.Context(), c.Param("id"), actor, req.Reason); err != nil {
		response.Error(c, err)
		return
	}

	action, err := h.service.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, action)
}

// Overdue 查询逾期措施
// @Summary 查询逾期措施
// @Description 计划完成日期已过且仍在执行的措施及其逾期天数
// @Tags Reports
// @Produce json
// @Param asOf query string false "基准时间（RFC3339），缺省为当前时间"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/reports/overdue-actions [get]
func (h *ActionHandler) Overdue(c *gin.Context) {
	asOf, err := parseAsOf(c)
	if err != nil {
		common.ResponseBadRequest(c, "asOf 参数格式错误，应为 RFC3339")
		return
	}

	items, err := h.service.GetOverdueActions(c.Request.Context(), asOf)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, items)
}

// PendingVerifications 查询待验证措施
// @Summary 查询待验证措施
// @Description 静置期已满、可以进行有效性验证的已完成措施
// @Tags Reports
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/reports/pending-verifications [get]
func (h *ActionHandler) PendingVerifications(c *gin.Context) {
	items, err := h.service.GetPendingVerifications(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, items)
}

// EffectivenessRate 措施有效率
// @Summary 措施有效率
// @Description 已验证措施中判定为有效的比例
// @Tags Reports
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/reports/effectiveness-rate [get]
func (h *ActionHandler) EffectivenessRate(c *gin.Context) {
	rate, err := h.service.EffectivenessRate(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"effectivenessRate": rate})
}
