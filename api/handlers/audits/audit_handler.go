package audits

import (
	response "backend/api/handlers/common"
	"backend/internal/audit"
	"backend/internal/auth"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// Handler 内审执行 API 处理器
type Handler struct {
	service *audit.Service
}

// NewHandler 创建处理器
func NewHandler(service *audit.Service) *Handler {
	return &Handler{service: service}
}

func resolveActor(c *gin.Context, bodyActor string) string {
	if bodyActor != "" {
		return bodyActor
	}
	if userCtx, ok := auth.GetUserContext(c); ok {
		return userCtx.UserID
	}
	return ""
}

// Create 创建审计
// @Summary 创建审计
// @Description 创建一次审计，初始状态为 PLANNED，可挂载到年度方案
// @Tags Audits
// @Accept json
// @Produce json
// @Param request body audit.CreateAuditRequest true "审计信息"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/v1/audits [post]
func (h *Handler) Create(c *gin.Context) {
	var req audit.CreateAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	a, err := h.service.CreateAudit(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, a)
}

// Get 查询审计详情
// @Summary 查询审计详情
// @Tags Audits
// @Produce json
// @Param id path string true "审计 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/audits/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	a, err := h.service.GetAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, a)
}

// List 查询审计列表
// @Summary 查询审计列表
// @Tags Audits
// @Produce json
// @Param status query string false "状态过滤"
// @Param auditType query string false "类型过滤"
// @Param programId query string false "所属方案"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/audits [get]
func (h *Handler) List(c *gin.Context) {
	var req audit.ListAuditsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BindError(c, err)
		return
	}

	items, total, err := h.service.ListAudits(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseList(c, items, total, &req.PaginationRequest)
}

// Update 更新审计基础信息
// @Summary 更新审计
// @Tags Audits
// @Accept json
// @Produce json
// @Param id path string true "审计 ID"
// @Param request body audit.UpdateAuditRequest true "更新字段"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/audits/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	var req audit.UpdateAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	a, err := h.service.UpdateAudit(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, a)
}

// Transition 执行审计状态流转
// @Summary 执行审计状态流转
// @Description 将审计流转到目标状态；报告发布等动作由守卫约束
// @Tags Audits
// @Accept json
// @Produce json
// @Param id path string true "审计 ID"
// @Param request body audit.TransitionRequest true "流转参数"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/audits/{id}/transition [post]
func (h *Handler) Transition(c *gin.Context) {
	var req audit.TransitionRequest
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

	a, err := h.service.GetAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, a)
}

// Transitions 查询当前可用的流转目标
// @Summary 查询可用流转
// @Tags Audits
// @Produce json
// @Param id path string true "审计 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/audits/{id}/transitions [get]
func (h *Handler) Transitions(c *gin.Context) {
	a, err := h.service.GetAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{
		"current": a.Status,
		"targets": h.service.Machine().Targets(a.Status),
	})
}

// AddTeamMember 添加审计组成员
// @Summary 添加审计组成员
// @Description 加入审计组；独立性校验拒绝与受审区域相同部门的成员
// @Tags Audits
// @Accept json
// @Produce json
// @Param id path string true "审计 ID"
// @Param request body audit.AddTeamMemberRequest true "成员信息"
// @Success 201 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/audits/{id}/team-members [post]
func (h *Handler) AddTeamMember(c *gin.Context) {
	var req audit.AddTeamMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	member, err := h.service.AddTeamMember(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, member)
}

// Metrics 查询单次审计度量
// @Summary 查询审计度量
// @Description 统计发现项分布与符合率
// @Tags Audits
// @Produce json
// @Param id path string true "审计 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/audits/{id}/metrics [get]
func (h *Handler) Metrics(c *gin.Context) {
	m, err := h.service.GetMetrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, m)
}
