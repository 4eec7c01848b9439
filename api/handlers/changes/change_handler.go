package changes

import (
	"strconv"

	response "backend/api/handlers/common"
	"backend/internal/auth"
	"backend/internal/change"
	"backend/internal/common"
	"backend/internal/lifecycle"

	"github.com/gin-gonic/gin"
)

// Handler 变更管理 API 处理器
type Handler struct {
	service *change.Service
}

// NewHandler 创建处理器
func NewHandler(service *change.Service) *Handler {
	return &Handler{service: service}
}

// resolveActor 优先使用请求体中的 actor，缺省时回退到认证用户
func resolveActor(c *gin.Context, bodyActor string) string {
	if bodyActor != "" {
		return bodyActor
	}
	if userCtx, ok := auth.GetUserContext(c); ok {
		return userCtx.UserID
	}
	return ""
}

// Create 创建变更请求
// @Summary 创建变更请求
// @Description 创建一条新的变更请求，初始状态为 DRAFT
// @Tags Changes
// @Accept json
// @Produce json
// @Param request body change.CreateChangeRequest true "变更信息"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/v1/changes [post]
func (h *Handler) Create(c *gin.Context) {
	var req change.CreateChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	chg, err := h.service.CreateChange(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, chg)
}

// Get 查询变更详情
// @Summary 查询变更详情
// @Tags Changes
// @Produce json
// @Param id path string true "变更 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/changes/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	chg, err := h.service.GetChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, chg)
}

// List 查询变更列表
// @Summary 查询变更列表
// @Description 分页查询变更请求，支持按状态、风险等级、类型、申请人过滤与关键字搜索
// @Tags Changes
// @Produce json
// @Param status query string false "状态过滤"
// @Param riskLevel query string false "风险等级过滤"
// @Param keyword query string false "关键字"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/changes [get]
func (h *Handler) List(c *gin.Context) {
	var req change.ListChangesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BindError(c, err)
		return
	}

	items, total, err := h.service.ListChanges(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseList(c, items, total, &req.PaginationRequest)
}

// Update 更新变更（仅 DRAFT / SUBMITTED 可编辑）
// @Summary 更新变更
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "变更 ID"
// @Param request body change.UpdateChangeRequest true "更新字段"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/changes/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	var req change.UpdateChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	actor := resolveActor(c, "")
	chg, err := h.service.UpdateChange(c.Request.Context(), c.Param("id"), actor, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, chg)
}

type submitRequest struct {
	TechApproverID string `json:"techApproverId"`
}

// Submit 提交变更进入评审
// @Summary 提交变更
// @Description 将 DRAFT 状态的变更提交进入评审流程，并生成审批链
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "变更 ID"
// @Param request body submitRequest false "提交参数"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/changes/{id}/submit [post]
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BindError(c, err)
		return
	}

	actor := resolveActor(c, "")
	if actor == "" {
		common.ResponseBadRequest(c, "缺少操作人")
		return
	}

	if err := h.service.Submit(c.Request.Context(), c.Param("id"), actor, req.TechApproverID); err != nil {
		response.Error(c, err)
		return
	}

	chg, err := h.service.GetChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, chg)
}

// Transition 执行状态流转
// @Summary 执行状态流转
// @Description 将变更流转到目标状态，流转合法性与前置条件由状态机校验
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "变更 ID"
// @Param request body change.TransitionRequest true "流转参数"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/changes/{id}/transition [post]
func (h *Handler) Transition(c *gin.Context) {
	var req change.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	req.Actor = resolveActor(c, req.Actor)
	if req.Actor == "" {
		common.ResponseBadRequest(c, "缺少操作人")
		return
	}

	if err := h.service.Transition(c.Request.Context(), c.Param("id"), &req); err != nil {
		response.Error(c, err)
		return
	}

	chg, err := h.service.GetChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, chg)
}

// Transitions 查询当前可用的流转目标
// @Summary 查询可用流转
// @Tags Changes
// @Produce json
// @Param id path string true "变更 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/changes/{id}/transitions [get]
func (h *Handler) Transitions(c *gin.Context) {
	chg, err := h.service.GetChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{
		"current": chg.Status,
		"targets": h.service.Machine().Targets(chg.Status),
	})
}

type guardCheckRequest struct {
	Target lifecycle.Status `json:"target" binding:"required"`
}

// CheckGuards 前置条件试运行
// @Summary 前置条件试运行
// @Description 评估流转到目标状态的全部前置条件，不改变实体状态
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "变更 ID"
// @Param request body guardCheckRequest true "目标状态"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/changes/{id}/guard-check [post]
func (h *Handler) CheckGuards(c *gin.Context) {
	var req guardCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	chg, err := h.service.GetChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	machine := h.service.Machine()
	allowed := machine.CanTransition(chg.Status, req.Target)
	violations := []lifecycle.Violation{}
	if allowed {
		violations = append(violations, machine.EvaluateGuards(c.Request.Context(), req.Target, chg)...)
	}

	common.ResponseSuccess(c, gin.H{
		"target":     req.Target,
		"allowed":    allowed,
		"passed":     allowed && len(violations) == 0,
		"violations": violations,
	})
}

// Consensus 查询审批共识
// @Summary 查询审批共识
// @Description 汇总全部审批决定：NOT_REQUIRED / APPROVED / REJECTED / PENDING
// @Tags Changes
// @Produce json
// @Param id path string true "变更 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/changes/{id}/consensus [get]
func (h *Handler) Consensus(c *gin.Context) {
	chg, err := h.service.GetChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	pending := 0
	for _, a := range chg.Approvals {
		if !a.Decided() {
			pending++
		}
	}
	common.ResponseSuccess(c, gin.H{
		"consensus": chg.ApprovalConsensus(),
		"pending":   pending,
		"approvals": chg.Approvals,
	})
}

// AddApproval 指定审批人
// @Summary 指定审批人
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "变更 ID"
// @Param request body change.AddApprovalRequest true "审批人信息"
// @Success 201 {object} common.APIResponse
// @Router /api/v1/changes/{id}/approvals [post]
func (h *Handler) AddApproval(c *gin.Context) {
	var req change.AddApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	approval, err := h.service.AddApproval(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, approval)
}

// DecideApproval 审批决定
// @Summary 审批决定
// @Description 批准、拒绝或转授审批项；全部审批通过或任一拒绝时自动推进变更状态
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "审批项 ID"
// @Param request body change.DecideApprovalRequest true "决定"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/approvals/{id}/decide [post]
func (h *Handler) DecideApproval(c *gin.Context) {
	var req change.DecideApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	req.Actor = resolveActor(c, req.Actor)

	approval, err := h.service.DecideApproval(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, approval)
}

// PendingApprovals 查询当前用户的待办审批
// @Summary 查询待办审批
// @Tags Changes
// @Produce json
// @Param approverId query string false "审批人 ID（缺省为当前用户）"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/approvals [get]
func (h *Handler) PendingApprovals(c *gin.Context) {
	approverID := resolveActor(c, c.Query("approverId"))
	if approverID == "" {
		common.ResponseBadRequest(c, "缺少审批人")
		return
	}

	items, err := h.service.ListPendingApprovals(c.Request.Context(), approverID)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, items)
}

// AddTask 添加实施任务
// @Summary 添加实施任务
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "变更 ID"
// @Param request body change.AddTaskRequest true "任务信息"
// @Success 201 {object} common.APIResponse
// @Router /api/v1/changes/{id}/tasks [post]
func (h *Handler) AddTask(c *gin.Context) {
	var req change.AddTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	task, err := h.service.AddTask(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, task)
}

type updateTaskStatusRequest struct {
	Status change.TaskStatus `json:"status" binding:"required"`
}

// UpdateTaskStatus 更新任务状态
// @Summary 更新任务状态
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "任务 ID"
// @Param request body updateTaskStatusRequest true "目标状态"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/tasks/{id}/status [put]
func (h *Handler) UpdateTaskStatus(c *gin.Context) {
	var req updateTaskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	task, err := h.service.UpdateTaskStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, task)
}

// AssessRisk 记录风险评估
// @Summary 记录风险评估
// @Description 记录概率×影响评估，并同步更新变更的风险等级
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "变更 ID"
// @Param request body change.AssessRiskRequest true "评估内容"
// @Success 201 {object} common.APIResponse
// @Router /api/v1/changes/{id}/risk-assessments [post]
func (h *Handler) AssessRisk(c *gin.Context) {
	var req change.AssessRiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	assessment, err := h.service.AssessRisk(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, assessment)
}

// AddReview 记录实施后评审
// @Summary 记录实施后评审
// @Tags Changes
// @Accept json
// @Produce json
// @Param id path string true "变更 ID"
// @Param request body change.AddReviewRequest true "评审内容"
// @Success 201 {object} common.APIResponse
// @Router /api/v1/changes/{id}/reviews [post]
func (h *Handler) AddReview(c *gin.Context) {
	var req change.AddReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	review, err := h.service.AddReview(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, review)
}

// History 查询状态流转历史
// @Summary 查询流转历史
// @Tags Changes
// @Produce json
// @Param id path string true "变更 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/changes/{id}/history [get]
func (h *Handler) History(c *gin.Context) {
	items, err := h.service.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, items)
}

// Upcoming 查询临近计划窗口的变更
// @Summary 查询临近窗口的变更
// @Tags Changes
// @Produce json
// @Param days query int false "提前天数，默认 7"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/reports/upcoming-changes [get]
func (h *Handler) Upcoming(c *gin.Context) {
	days := 7
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}

	items, err := h.service.ListUpcoming(c.Request.Context(), days)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, items)
}
