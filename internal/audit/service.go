package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/lifecycle"
)

// Service 审计服务
type Service struct {
	*common.BaseService
	executor *lifecycle.Executor
	machine  *lifecycle.Machine
}

// NewService 创建审计服务
func NewService(db *gorm.DB, executor *lifecycle.Executor) *Service {
	return &Service{
		BaseService: common.NewBaseService(db),
		executor:    executor,
		machine:     NewAuditMachine(),
	}
}

// Machine 返回审计状态机
func (s *Service) Machine() *lifecycle.Machine {
	return s.machine
}

// ============================================================================
// 请求结构
// ============================================================================

// CreateAuditRequest 创建审计
type CreateAuditRequest struct {
	ProgramID       string     `json:"programId"`
	Title           string     `json:"title" binding:"required"`
	AuditType       AuditType  `json:"auditType"`
	Scope           string     `json:"scope"`
	Criteria        string     `json:"criteria"`
	LeadAuditorID   string     `json:"leadAuditorId"`
	PlannedDate     *time.Time `json:"plannedDate"`
	AuditedAreas    []string   `json:"auditedAreas"`
	AuditedControls []string   `json:"auditedControls"`
	CreatedBy       string     `json:"createdBy" binding:"required"`
}

// UpdateAuditRequest 更新审计基础信息
type UpdateAuditRequest struct {
	Title           *string    `json:"title"`
	Scope           *string    `json:"scope"`
	Criteria        *string    `json:"criteria"`
	LeadAuditorID   *string    `json:"leadAuditorId"`
	PlannedDate     *time.Time `json:"plannedDate"`
	AuditedAreas    []string   `json:"auditedAreas"`
	AuditedControls []string   `json:"auditedControls"`
	Summary         *string    `json:"summary"`
}

// TransitionRequest 审计状态流转
type TransitionRequest struct {
	Target  lifecycle.Status `json:"target" binding:"required"`
	Actor   string           `json:"actor"`
	Comment string           `json:"comment"`
}

// AddTeamMemberRequest 添加审计组成员
type AddTeamMemberRequest struct {
	UserID     string   `json:"userId" binding:"required"`
	Role       TeamRole `json:"role"`
	Department string   `json:"department"`
}

// ListAuditsRequest 审计列表查询
type ListAuditsRequest struct {
	common.PaginationRequest
	Status    string `form:"status"`
	AuditType string `form:"auditType"`
	ProgramID string `form:"programId"`
	Keyword   string `form:"keyword"`
}

// AuditMetrics 单次审计度量
type AuditMetrics struct {
	AuditCode        string  `json:"auditCode"`
	Status           string  `json:"status"`
	TotalFindings    int     `json:"totalFindings"`
	MajorNCCount     int     `json:"majorNcCount"`
	MinorNCCount     int     `json:"minorNcCount"`
	ObservationCount int     `json:"observationCount"`
	OpportunityCount int     `json:"opportunityCount"`
	ConformityRate   float64 `json:"conformityRate"`
	CycleTimeDays    int     `json:"cycleTimeDays"` // 开始到结束的天数
}

// ============================================================================
// CRUD
// ============================================================================

// CreateAudit 创建审计（初始状态 PLANNED）
func (s *Service) CreateAudit(ctx context.Context, req *CreateAuditRequest) (*Audit, error) {
	a := &Audit{
		ID:             uuid.New().String(),
		ProgramID:      req.ProgramID,
		Title:          req.Title,
		AuditType:      req.AuditType,
		Status:         StatusPlanned,
		Scope:          req.Scope,
		Criteria:       req.Criteria,
		LeadAuditorID:  req.LeadAuditorID,
		PlannedDate:    req.PlannedDate,
		ConformityRate: 100,
		CreatedBy:      req.CreatedBy,
	}
	if a.AuditType == "" {
		a.AuditType = TypeInternal
	}
	if len(req.AuditedAreas) > 0 {
		raw, _ := json.Marshal(req.AuditedAreas)
		a.AuditedAreas = datatypes.JSON(raw)
	}
	if len(req.AuditedControls) > 0 {
		raw, _ := json.Marshal(req.AuditedControls)
		a.AuditedControls = datatypes.JSON(raw)
	}

	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		code, err := s.generateAuditCode(tx)
		if err != nil {
			return err
		}
		a.AuditCode = code
		return tx.Create(a).Error
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// generateAuditCode 生成审计编号 AUD-YYYY-NNN，按年递增
func (s *Service) generateAuditCode(tx *gorm.DB) (string, error) {
	year := s.executor.Clock().Now().Year()
	var count int64
	if err := tx.Model(&Audit{}).
		Where("audit_code LIKE ?", fmt.Sprintf("AUD-%d-%%", year)).
		Count(&count).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("AUD-%d-%03d", year, count+1), nil
}

// GetAudit 获取审计详情（含审计组）
func (s *Service) GetAudit(ctx context.Context, id string) (*Audit, error) {
	var a Audit
	err := s.GetDBWithContext(ctx).
		Preload("TeamMembers").
		Where("id = ?", id).
		First(&a).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, common.NewBusinessErrorWithCode(common.CodeAuditNotFound)
		}
		return nil, err
	}
	return &a, nil
}

// ListAudits 分页查询审计列表
func (s *Service) ListAudits(ctx context.Context, req *ListAuditsRequest) ([]Audit, int64, error) {
	query := s.GetDBWithContext(ctx).Model(&Audit{})
	query = s.ApplyStatusFilter(query, req.Status)
	if req.AuditType != "" {
		query = query.Where("audit_type = ?", req.AuditType)
	}
	if req.ProgramID != "" {
		query = query.Where("program_id = ?", req.ProgramID)
	}
	query = s.ApplyKeywordSearch(query, req.Keyword, []string{"title", "audit_code"})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []Audit
	err := s.ApplyPaginationRequest(query.Order("created_at DESC"), req.PaginationRequest).
		Find(&items).Error
	return items, total, err
}

// UpdateAudit 更新审计基础信息，终态不可编辑
func (s *Service) UpdateAudit(ctx context.Context, id string, req *UpdateAuditRequest) (*Audit, error) {
	a, err := s.GetAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.machine.IsTerminal(a.Status) {
		return nil, common.NewBusinessError(common.CodeConflict,
			fmt.Sprintf("审计处于终态 %s，不允许编辑", a.Status))
	}

	if req.Title != nil {
		a.Title = *req.Title
	}
	if req.Scope != nil {
		a.Scope = *req.Scope
	}
	if req.Criteria != nil {
		a.Criteria = *req.Criteria
	}
	if req.LeadAuditorID != nil {
		a.LeadAuditorID = *req.LeadAuditorID
	}
	if req.PlannedDate != nil {
		a.PlannedDate = req.PlannedDate
	}
	if req.AuditedAreas != nil {
		raw, _ := json.Marshal(req.AuditedAreas)
		a.AuditedAreas = datatypes.JSON(raw)
	}
	if req.AuditedControls != nil {
		raw, _ := json.Marshal(req.AuditedControls)
		a.AuditedControls = datatypes.JSON(raw)
	}
	if req.Summary != nil {
		a.Summary = *req.Summary
	}
	if err := s.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ============================================================================
// 状态流转
// ============================================================================

// Transition 执行审计状态流转，附带日期戳与历史记录
func (s *Service) Transition(ctx context.Context, id string, req *TransitionRequest) error {
	return s.executor.Execute(ctx, lifecycle.Request{
		Machine: s.machine,
		Model:   &Audit{},
		ID:      id,
		Target:  req.Target,
		Actor:   req.Actor,
		Comment: req.Comment,
		Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
			subject, err := s.loadSubject(tx, id)
			if err != nil {
				return nil, "", err
			}
			return subject, subject.Audit.Status, nil
		},
		Updates: func(now time.Time) map[string]any {
			return s.transitionUpdates(ctx, id, req.Target, now)
		},
		Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
			return tx.Create(&AuditHistory{
				ID:           uuid.New().String(),
				AuditID:      id,
				FieldChanged: "STATUS",
				OldValue:     string(from),
				NewValue:     string(req.Target),
				ChangedBy:    req.Actor,
				ChangedAt:    now,
				Comments:     req.Comment,
			}).Error
		},
	})
}

// loadSubject 事务内加载审计并统计子实体状态
func (s *Service) loadSubject(tx *gorm.DB, id string) (*auditSubject, error) {
	var a Audit
	if err := tx.Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}

	subject := &auditSubject{Audit: &a}

	var teamSize int64
	if err := tx.Model(&AuditTeamMember{}).
		Where("audit_id = ?", id).Count(&teamSize).Error; err != nil {
		return nil, err
	}
	subject.TeamSize = int(teamSize)

	// 不在 VERIFIED/CLOSED 的发现项
	var open int64
	if err := tx.Table("audit_findings").
		Where("audit_id = ? AND status NOT IN ?", id, []string{"VERIFIED", "CLOSED"}).
		Count(&open).Error; err != nil {
		return nil, err
	}
	subject.OpenFindings = int(open)

	// 没有纠正措施的 MAJOR_NC 发现项
	var codes []string
	err := tx.Table("audit_findings").
		Select("finding_code").
		Where("audit_id = ? AND finding_type = ?", id, "MAJOR_NC").
		Where("NOT EXISTS (SELECT 1 FROM corrective_actions ca WHERE ca.finding_id = audit_findings.id AND ca.status != 'CANCELLED')").
		Scan(&codes).Error
	if err != nil {
		return nil, err
	}
	subject.MajorWithoutAction = codes

	return subject, nil
}

// transitionUpdates 随目标状态写入的日期戳
func (s *Service) transitionUpdates(ctx context.Context, id string, target lifecycle.Status, now time.Time) map[string]any {
	switch target {
	case StatusNotified:
		return map[string]any{"notification_date": now}
	case StatusInProgress:
		var a Audit
		if err := s.GetDBWithContext(ctx).Select("start_date").Where("id = ?", id).First(&a).Error; err == nil && a.StartDate != nil {
			return nil // 已有开始时间时不覆盖
		}
		return map[string]any{"start_date": now}
	case StatusCompleted:
		return map[string]any{"end_date": now, "report_date": now}
	case StatusClosed:
		return map[string]any{"closure_date": now}
	}
	return nil
}

// ============================================================================
// 审计组
// ============================================================================

// AddTeamMember 添加审计组成员
// 独立性校验：成员所属部门不得在受审区域内
func (s *Service) AddTeamMember(ctx context.Context, auditID string, req *AddTeamMemberRequest) (*AuditTeamMember, error) {
	a, err := s.GetAudit(ctx, auditID)
	if err != nil {
		return nil, err
	}

	if req.Department != "" && len(a.AuditedAreas) > 0 {
		var areas []string
		if err := json.Unmarshal(a.AuditedAreas, &areas); err == nil {
			for _, area := range areas {
				if area == req.Department {
					return nil, common.NewBusinessError(common.CodeTeamMemberConflict,
						fmt.Sprintf("成员所属部门 %s 在受审范围内，违反独立性要求", req.Department))
				}
			}
		}
	}

	member := &AuditTeamMember{
		ID:            uuid.New().String(),
		AuditID:       auditID,
		UserID:        req.UserID,
		Role:          req.Role,
		Department:    req.Department,
		IsIndependent: true,
	}
	if member.Role == "" {
		member.Role = RoleAuditor
	}

	err = s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(member).Error; err != nil {
			return err
		}
		if member.Role == RoleLeadAuditor {
			return tx.Model(&Audit{}).Where("id = ?", auditID).
				Update("lead_auditor_id", member.UserID).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// ============================================================================
// 发现项计数缓存
// ============================================================================

// RecomputeCounters 重算审计的发现项计数与符合率
// 在发现项创建或类型变化的同一事务内调用
func RecomputeCounters(tx *gorm.DB, auditID string) error {
	type row struct {
		FindingType string
		N           int
	}
	var rows []row
	err := tx.Table("audit_findings").
		Select("finding_type, COUNT(*) AS n").
		Where("audit_id = ?", auditID).
		Group("finding_type").
		Scan(&rows).Error
	if err != nil {
		return err
	}

	updates := map[string]any{
		"major_nc_count":    0,
		"minor_nc_count":    0,
		"observation_count": 0,
		"opportunity_count": 0,
	}
	for _, r := range rows {
		switch r.FindingType {
		case "MAJOR_NC":
			updates["major_nc_count"] = r.N
		case "MINOR_NC":
			updates["minor_nc_count"] = r.N
		case "OBSERVATION":
			updates["observation_count"] = r.N
		case "OPPORTUNITY":
			updates["opportunity_count"] = r.N
		}
	}

	rate, err := conformityRate(tx, auditID)
	if err != nil {
		return err
	}
	updates["conformity_rate"] = rate

	return tx.Model(&Audit{}).Where("id = ?", auditID).Updates(updates).Error
}

// conformityRate 受审控制项中不存在不符合项的比例
func conformityRate(tx *gorm.DB, auditID string) (float64, error) {
	var a Audit
	if err := tx.Select("audited_controls").Where("id = ?", auditID).First(&a).Error; err != nil {
		return 0, err
	}

	var audited []string
	if len(a.AuditedControls) > 0 {
		if err := json.Unmarshal(a.AuditedControls, &audited); err != nil {
			return 0, err
		}
	}
	if len(audited) == 0 {
		return 100, nil
	}

	var nonconforming []string
	err := tx.Table("audit_findings").
		Distinct("affected_control").
		Where("audit_id = ? AND finding_type IN ?", auditID, []string{"MAJOR_NC", "MINOR_NC"}).
		Where("affected_control != ''").
		Scan(&nonconforming).Error
	if err != nil {
		return 0, err
	}

	bad := make(map[string]bool, len(nonconforming))
	for _, c := range nonconforming {
		bad[c] = true
	}
	conforming := 0
	for _, c := range audited {
		if !bad[c] {
			conforming++
		}
	}
	return float64(conforming) / float64(len(audited)) * 100, nil
}

// ============================================================================
// 度量
// ============================================================================

// GetMetrics 单次审计度量
func (s *Service) GetMetrics(ctx context.Context, id string) (*AuditMetrics, error) {
	a, err := s.GetAudit(ctx, id)
	if err != nil {
		return nil, err
	}

	m := &AuditMetrics{
		AuditCode:        a.AuditCode,
		Status:           string(a.Status),
		TotalFindings:    a.TotalFindings(),
		MajorNCCount:     a.MajorNCCount,
		MinorNCCount:     a.MinorNCCount,
		ObservationCount: a.ObservationCount,
		OpportunityCount: a.OpportunityCount,
		ConformityRate:   a.ConformityRate,
	}
	if a.StartDate != nil && a.EndDate != nil {
		m.CycleTimeDays = int(a.EndDate.Sub(*a.StartDate).Hours() / 24)
	}
	return m, nil
}
