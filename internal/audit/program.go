package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"backend/internal/common"
)

// parseDate 解析日期，兼容 RFC3339 与 YYYY-MM-DD
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// ============================================================================
// 请求与结果
// ============================================================================

// CreateProgramRequest 创建年度审计方案
type CreateProgramRequest struct {
	Name        string `json:"name" binding:"required"`
	Year        int    `json:"year" binding:"required"`
	Description string `json:"description"`
	Objectives  string `json:"objectives"`
	CreatedBy   string `json:"createdBy" binding:"required"`
}

// UpdateProgramRequest 更新方案
type UpdateProgramRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Objectives  *string `json:"objectives"`
}

// AddScheduleRequest 添加周期性排期
type AddScheduleRequest struct {
	Area            string            `json:"area" binding:"required"`
	Frequency       ScheduleFrequency `json:"frequency"`
	NextPlannedDate *string           `json:"nextPlannedDate"` // RFC3339 日期
}

// ProgramMetrics 方案度量
type ProgramMetrics struct {
	Year            int     `json:"year"`
	TotalAudits     int     `json:"totalAudits"`
	ClosedAudits    int     `json:"closedAudits"`
	CompletionRate  float64 `json:"completionRate"`
	TotalFindings   int     `json:"totalFindings"`
	MajorNCCount    int     `json:"majorNcCount"`
	MinorNCCount    int     `json:"minorNcCount"`
	ControlsCovered int     `json:"controlsCovered"`
	CoverageRate    float64 `json:"coverageRate"` // 相对附录A 93项
}

// ============================================================================
// 方案管理
// ============================================================================

// CreateProgram 创建年度审计方案
// 同一年度同时只能有一个未取消的方案；年度不得早于当前年
func (s *Service) CreateProgram(ctx context.Context, req *CreateProgramRequest) (*AuditProgram, error) {
	currentYear := s.executor.Clock().Now().Year()
	if req.Year < currentYear {
		return nil, common.NewBusinessError(common.CodeInvalidRequest,
			fmt.Sprintf("方案年度 %d 不能早于当前年度 %d", req.Year, currentYear))
	}

	exists, err := s.Exists(ctx, &AuditProgram{}, "year = ? AND status != ?", req.Year, ProgramCancelled)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, common.NewBusinessError(common.CodeConflict,
			fmt.Sprintf("%d 年度已存在有效的审计方案", req.Year))
	}

	p := &AuditProgram{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Year:        req.Year,
		Status:      ProgramDraft,
		Description: req.Description,
		Objectives:  req.Objectives,
		CreatedBy:   req.CreatedBy,
	}
	if err := s.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProgram 获取方案详情（含审计与排期）
func (s *Service) GetProgram(ctx context.Context, id string) (*AuditProgram, error) {
	var p AuditProgram
	err := s.GetDBWithContext(ctx).
		Preload("Audits").
		Preload("Schedules").
		Where("id = ?", id).
		First(&p).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, common.NewBusinessErrorWithCode(common.CodeProgramNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// UpdateProgram 更新方案，批准后不可修改
func (s *Service) UpdateProgram(ctx context.Context, id string, req *UpdateProgramRequest) (*AuditProgram, error) {
	p, err := s.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != ProgramDraft {
		return nil, common.NewBusinessError(common.CodeConflict,
			fmt.Sprintf("方案状态为 %s，仅草稿可修改", p.Status))
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Objectives != nil {
		p.Objectives = *req.Objectives
	}
	if err := s.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ApproveProgram 批准方案
// 门槛：至少1次已计划审计，且附录A控制覆盖率达到阈值（默认80%）
func (s *Service) ApproveProgram(ctx context.Context, id string, approvedBy string, coverageThreshold float64) (*AuditProgram, error) {
	p, err := s.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != ProgramDraft {
		return nil, common.NewBusinessError(common.CodeProgramNotApprovable,
			fmt.Sprintf("方案状态为 %s，仅草稿可批准", p.Status))
	}
	if len(p.Audits) == 0 {
		return nil, common.NewBusinessError(common.CodeProgramNotApprovable,
			"方案至少需要包含 1 次已计划的审计")
	}

	covered := programControlCoverage(p.Audits)
	rate := float64(covered) / float64(AnnexAControlCount) * 100
	if rate < coverageThreshold {
		return nil, common.NewBusinessError(common.CodeProgramNotApprovable,
			fmt.Sprintf("附录A控制覆盖率 %.1f%% 低于要求的 %.0f%%（已覆盖 %d/%d 项）",
				rate, coverageThreshold, covered, AnnexAControlCount))
	}

	now := s.executor.Clock().Now()
	p.Status = ProgramApproved
	p.ApprovedBy = approvedBy
	p.ApprovedAt = &now
	if err := s.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// programControlCoverage 方案下全部审计覆盖的不重复控制项数量
func programControlCoverage(audits []Audit) int {
	seen := make(map[string]bool)
	for _, a := range audits {
		if len(a.AuditedControls) == 0 {
			continue
		}
		var controls []string
		if err := json.Unmarshal(a.AuditedControls, &controls); err != nil {
			continue
		}
		for _, c := range controls {
			seen[c] = true
		}
	}
	if len(seen) > AnnexAControlCount {
		return AnnexAControlCount
	}
	return len(seen)
}

// CloseProgram 关闭方案，要求全部审计均已关闭或取消
func (s *Service) CloseProgram(ctx context.Context, id string) (*AuditProgram, error) {
	p, err := s.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == ProgramCompleted || p.Status == ProgramCancelled {
		return nil, common.NewBusinessError(common.CodeConflict, "方案已经结束")
	}

	open := 0
	for _, a := range p.Audits {
		if a.Status != StatusClosed && a.Status != StatusCancelled {
			open++
		}
	}
	if open > 0 {
		return nil, common.NewBusinessError(common.CodeConflict,
			fmt.Sprintf("仍有 %d 次审计未关闭，方案不能关闭", open))
	}

	now := s.executor.Clock().Now()
	p.Status = ProgramCompleted
	p.ClosedAt = &now
	if err := s.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProgramMetrics 方案度量
func (s *Service) GetProgramMetrics(ctx context.Context, id string) (*ProgramMetrics, error) {
	p, err := s.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}

	m := &ProgramMetrics{Year: p.Year, TotalAudits: len(p.Audits)}
	for _, a := range p.Audits {
		if a.Status == StatusClosed {
			m.ClosedAudits++
		}
		m.TotalFindings += a.TotalFindings()
		m.MajorNCCount += a.MajorNCCount
		m.MinorNCCount += a.MinorNCCount
	}
	if m.TotalAudits > 0 {
		m.CompletionRate = float64(m.ClosedAudits) / float64(m.TotalAudits) * 100
	}
	m.ControlsCovered = programControlCoverage(p.Audits)
	m.CoverageRate = float64(m.ControlsCovered) / float64(AnnexAControlCount) * 100
	return m, nil
}

// ============================================================================
// 排期
// ============================================================================

// AddSchedule 为方案添加周期性审计排期
func (s *Service) AddSchedule(ctx context.Context, programID string, req *AddScheduleRequest) (*AuditSchedule, error) {
	if _, err := s.GetProgram(ctx, programID); err != nil {
		return nil, err
	}

	item := &AuditSchedule{
		ID:        uuid.New().String(),
		ProgramID: programID,
		Area:      req.Area,
		Frequency: req.Frequency,
	}
	if item.Frequency == "" {
		item.Frequency = FrequencyAnnual
	}
	if req.NextPlannedDate != nil {
		t, err := parseDate(*req.NextPlannedDate)
		if err != nil {
			return nil, common.NewBusinessError(common.CodeInvalidRequest, "下次计划日期格式错误")
		}
		item.NextPlannedDate = &t
	}
	if err := s.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// CreateAuditFromSchedule 从排期生成审计并按频率推进下次计划日期
func (s *Service) CreateAuditFromSchedule(ctx context.Context, scheduleID string, createdBy string) (*Audit, error) {
	var item AuditSchedule
	if err := s.FindByID(ctx, &item, scheduleID); err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, common.NewBusinessErrorWithCode(common.CodeScheduleNotFound)
		}
		return nil, err
	}

	planned := s.executor.Clock().Now()
	if item.NextPlannedDate != nil {
		planned = *item.NextPlannedDate
	}

	a, err := s.CreateAudit(ctx, &CreateAuditRequest{
		ProgramID:    item.ProgramID,
		Title:        fmt.Sprintf("%s 例行审计", item.Area),
		AuditType:    TypeInternal,
		PlannedDate:  &planned,
		AuditedAreas: []string{item.Area},
		CreatedBy:    createdBy,
	})
	if err != nil {
		return nil, err
	}

	next := planned.AddDate(0, item.AdvanceInterval(), 0)
	item.NextPlannedDate = &next
	item.LastAuditID = a.ID
	if err := s.Update(ctx, &item); err != nil {
		return nil, err
	}
	return a, nil
}
