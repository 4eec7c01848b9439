package audits

import (
	response "backend/api/handlers/common"
	"backend/internal/audit"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// ProgramHandler 年度审计方案 API 处理器
type ProgramHandler struct {
	service           *audit.Service
	coverageThreshold float64
}

// NewProgramHandler 创建处理器，coverageThreshold 为方案批准所需的控制覆盖率下限
func NewProgramHandler(service *audit.Service, coverageThreshold float64) *ProgramHandler {
	return &ProgramHandler{service: service, coverageThreshold: coverageThreshold}
}

// Create 创建年度方案
// @Summary 创建年度审计方案
// @Tags Programs
// @Accept json
// @Produce json
// @Param request body audit.CreateProgramRequest true "方案信息"
// @Success 201 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/programs [post]
func (h *ProgramHandler) Create(c *gin.Context) {
	var req audit.CreateProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	p, err := h.service.CreateProgram(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, p)
}

// Get 查询方案详情
// @Summary 查询方案详情
// @Tags Programs
// @Produce json
// @Param id path string true "方案 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/programs/{id} [get]
func (h *ProgramHandler) Get(c *gin.Context) {
	p, err := h.service.GetProgram(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, p)
}

// Update 更新方案
// @Summary 更新方案
// @Tags Programs
// @Accept json
// @Produce json
// @Param id path string true "方案 ID"
// @Param request body audit.UpdateProgramRequest true "更新字段"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/programs/{id} [put]
func (h *ProgramHandler) Update(c *gin.Context) {
	var req audit.UpdateProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	p, err := h.service.UpdateProgram(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, p)
}

type approveProgramRequest struct {
	ApprovedBy string `json:"approvedBy"`
}

// Approve 批准方案
// @Summary 批准年度方案
// @Description 批准前校验排期对附录A控制的覆盖率达到配置阈值
// @Tags Programs
// @Accept json
// @Produce json
// @Param id path string true "方案 ID"
// @Param request body approveProgramRequest false "批准人"
// @Success 200 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/programs/{id}/approve [post]
func (h *ProgramHandler) Approve(c *gin.Context) {
	var req approveProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BindError(c, err)
		return
	}

	approvedBy := resolveActor(c, req.ApprovedBy)
	if approvedBy == "" {
		common.ResponseBadRequest(c, "缺少批准人")
		return
	}

	p, err := h.service.ApproveProgram(c.Request.Context(), c.Param("id"), approvedBy, h.coverageThreshold)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, p)
}

// Close 关闭方案
// @Summary 关闭年度方案
// @Description 所有挂载审计处于终态后才允许关闭
// @Tags Programs
// @Produce json
// @Param id path string true "方案 ID"
// @Success 200 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/programs/{id}/close [post]
func (h *ProgramHandler) Close(c *gin.Context) {
	p, err := h.service.CloseProgram(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, p)
}

// Metrics 查询方案度量
// @Summary 查询方案度量
// @Description 统计完成率、发现项分布与控制覆盖率
// @Tags Programs
// @Produce json
// @Param id path string true "方案 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/programs/{id}/metrics [get]
func (h *ProgramHandler) Metrics(c *gin.Context) {
	m, err := h.service.GetProgramMetrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, m)
}

// AddSchedule 添加周期性排期
// @Summary 添加排期
// @Tags Programs
// @Accept json
// @Produce json
// @Param id path string true "方案 ID"
// @Param request body audit.AddScheduleRequest true "排期信息"
// @Success 201 {object} common.APIResponse
// @Router /api/v1/programs/{id}/schedules [post]
func (h *ProgramHandler) AddSchedule(c *gin.Context) {
	var req audit.AddScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	s, err := h.service.AddSchedule(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, s)
}

type createFromScheduleRequest struct {
	CreatedBy string `json:"createdBy"`
}

// CreateAuditFromSchedule 从排期生成审计
// @Summary 从排期生成审计
// @Description 按排期生成一次 PLANNED 审计，并顺延下次计划日期
// @Tags Programs
// @Accept json
// @Produce json
// @Param id path string true "排期 ID"
// @Param request body createFromScheduleRequest false "创建人"
// @Success 201 {object} common.APIResponse
// @Router /api/v1/schedules/{id}/create-audit [post]
func (h *ProgramHandler) CreateAuditFromSchedule(c *gin.Context) {
	var req createFromScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BindError(c, err)
		return
	}

	createdBy := resolveActor(c, req.CreatedBy)
	if createdBy == "" {
		common.ResponseBadRequest(c, "缺少创建人")
		return
	}

	a, err := h.service.CreateAuditFromSchedule(c.Request.Context(), c.Param("id"), createdBy)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, a)
}
