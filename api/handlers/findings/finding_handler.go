package findings

import (
	"strconv"
	"time"

	response "backend/api/handlers/common"
	"backend/internal/auth"
	"backend/internal/common"
	"backend/internal/finding"
	"backend/internal/lifecycle"

	"github.com/gin-gonic/gin"
)

// Handler 审计发现项 API 处理器
type Handler struct {
	service *finding.Service
}

// NewHandler 创建处理器
func NewHandler(service *finding.Service) *Handler {
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

// parseAsOf 解析基准时间参数，缺省为当前时间
func parseAsOf(c *gin.Context) (time.Time, error) {
	v := c.Query("asOf")
	if v == "" {
		return time.Now(), nil
	}
	return time.Parse(time.RFC3339, v)
}

// Create 登记发现项
// @Summary 登记发现项
// @Description 在一次审计下登记发现项；类型决定整改期限
// @Tags Findings
// @Accept json
// @Produce json
// @Param id path string true "审计 ID"
// @Param request body finding.CreateFindingRequest true "发现项信息"
// @Success 201 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/audits/{id}/findings [post]
func (h *Handler) Create(c *gin.Context) {
	var req finding.CreateFindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	f, err := h.service.CreateFinding(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, f)
}

// Get 查询发现项详情
// @Summary 查询发现项详情
// @Tags Findings
// @Produce json
// @Param id path string true "发现项 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/findings/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	f, err := h.service.GetFinding(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, f)
}

// List 查询发现项列表
// @Summary 查询发现项列表
// @Tags Findings
// @Produce json
// @Param auditId query string false "所属审计"
// @Param status query string false "状态过滤"
// @Param findingType query string false "类型过滤"
// @Param affectedControl query string false "受影响控制"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/findings [get]
func (h *Handler) List(c *gin.Context) {
	var req finding.ListFindingsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BindError(c, err)
		return
	}

	items, total, err := h.service.ListFindings(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseList(c, items, total, &req.PaginationRequest)
}

// Transition 执行发现项状态流转
// @Summary 执行发现项状态流转
// @Tags Findings
// @Accept json
// @Produce json
// @Param id path string true "发现项 ID"
// @Param request body finding.TransitionRequest true "流转参数"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/findings/{id}/transition [post]
func (h *Handler) Transition(c *gin.Context) {
	var req finding.TransitionRequest
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

	f, err := h.service.GetFinding(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, f)
}

// Transitions 查询当前可用的流转目标
// @Summary 查询可用流转
// @Tags Findings
// @Produce json
// @Param id path string true "发现项 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/findings/{id}/transitions [get]
func (h *Handler) Transitions(c *gin.Context) {
	f, err := h.service.GetFinding(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{
		"current": f.Status,
		"targets": h.service.FindingMachine().Targets(f.Status),
	})
}

type deferRequest struct {
	Actor         string `json:"actor"`
	Justification string `json:"justification" binding:"required"`
}

// Defer 暂缓发现项
// @Summary 暂缓发现项
// @Description 将发现项置为 DEFERRED，必须给出理由
// @Tags Findings
// @Accept json
// @Produce json
// @Param id path string true "发现项 ID"
// @Param request body deferRequest true "暂缓理由"
// @Success 200 {object} common.APIResponse
// @Failure 422 {object} common.APIResponse
// @Router /api/v1/findings/{id}/defer [post]
func (h *Handler) Defer(c *gin.Context) {
	var req deferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}
	actor := resolveActor(c, req.Actor)

	if err := h.service.Defer(c.Request.Context(), c.Param("id"), actor, req.Justification); err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccessMessage(c, "发现项已暂缓", nil)
}

type reopenRequest struct {
	Actor   string `json:"actor"`
	Comment string `json:"comment"`
}

// Reopen 重新打开发现项
// @Summary 重新打开发现项
// @Description RESOLVED 回到 IN_TREATMENT，DEFERRED 回到 OPEN
// @Tags Findings
// @Accept json
// @Produce json
// @Param id path string true "发现项 ID"
// @Param request body reopenRequest false "备注"
// @Success 200 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/findings/{id}/reopen [post]
func (h *Handler) Reopen(c *gin.Context) {
	var req reopenRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.BindError(c, err)
		return
	}
	actor := resolveActor(c, req.Actor)

	if err := h.service.Reopen(c.Request.Context(), c.Param("id"), actor, req.Comment); err != nil {
		response.Error(c, err)
		return
	}

	f, err := h.service.GetFinding(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, f)
}

// ValidateClosure 关闭条件试算
// @Summary 关闭条件试算
// @Description 返回关闭发现项尚未满足的全部条件，不改变状态
// @Tags Findings
// @Produce json
// @Param id path string true "发现项 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/findings/{id}/closure-check [get]
func (h *Handler) ValidateClosure(c *gin.Context) {
	violations, err := h.service.ValidateClosure(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if violations == nil {
		violations = []lifecycle.Violation{}
	}

	common.ResponseSuccess(c, gin.H{
		"closable":   len(violations) == 0,
		"violations": violations,
	})
}

// Overdue 查询逾期发现项
// @Summary 查询逾期发现项
// @Description 整改期限已过且尚未关闭的发现项及其逾期天数
// @Tags Reports
// @Produce json
// @Param asOf query string false "基准时间（RFC3339），缺省为当前时间"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/reports/overdue-findings [get]
func (h *Handler) Overdue(c *gin.Context) {
	asOf, err := parseAsOf(c)
	if err != nil {
		common.ResponseBadRequest(c, "asOf 参数格式错误，应为 RFC3339")
		return
	}

	items, err := h.service.GetOverdueFindings(c.Request.Context(), asOf)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, items)
}

// Recurrence 重复发生分析
// @Summary 重复发生分析
// @Description 按受影响控制分组，统计时间窗口内重复出现的发现项
// @Tags Reports
// @Produce json
// @Param windowDays query int false "时间窗口天数，缺省使用配置值"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/reports/finding-recurrence [get]
func (h *Handler) Recurrence(c *gin.Context) {
	windowDays := 0
	if v := c.Query("windowDays"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			common.ResponseBadRequest(c, "windowDays 必须为正整数")
			return
		}
		windowDays = n
	}

	report, err := h.service.AnalyzeRecurrence(c.Request.Context(), windowDays)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, report)
}
