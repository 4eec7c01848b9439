package finding

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"backend/internal/audit"
	"backend/internal/common"
	"backend/internal/config"
	"backend/internal/lifecycle"
)

// Service 发现项与纠正措施服务
type Service struct {
	*common.BaseService
	executor *lifecycle.Executor
	findings *lifecycle.Machine
	actions  *lifecycle.Machine
	cfg      config.ComplianceConfig
}

// NewService 创建发现项服务
func NewService(db *gorm.DB, executor *lifecycle.Executor, cfg config.ComplianceConfig) *Service {
	return &Service{
		BaseService: common.NewBaseService(db),
		executor:    executor,
		findings:    NewFindingMachine(),
		actions:     NewActionMachine(),
		cfg:         cfg,
	}
}

// FindingMachine 返回发现项状态机
func (s *Service) FindingMachine() *lifecycle.Machine {
	return s.findings
}

// ActionMachine 返回纠正措施状态机
func (s *Service) ActionMachine() *lifecycle.Machine {
	return s.actions
}

// ============================================================================
// 请求结构
// ============================================================================

// CreateFindingRequest 登记发现项
type CreateFindingRequest struct {
	Title           string      `json:"title" binding:"required"`
	Description     string      `json:"description"`
	FindingType     FindingType `json:"findingType" binding:"required"`
	AffectedControl string      `json:"affectedControl"`
	AffectedArea    string      `json:"affectedArea"`
	Evidence        string      `json:"evidence"`
	RootCause       string      `json:"rootCause"`
	ResponsibleID   string      `json:"responsibleId"`
	RaisedBy        string      `json:"raisedBy" binding:"required"`
	DetectionDate   *time.Time  `json:"detectionDate"`
}

// TransitionRequest 发现项状态流转
type TransitionRequest struct {
	Target        lifecycle.Status `json:"target" binding:"required"`
	Actor         string           `json:"actor"`
	Comment       string           `json:"comment"`
	Justification string           `json:"justification"` // DEFERRED 时必填
}

// ListFindingsRequest 发现项列表查询
type ListFindingsRequest struct {
	common.PaginationRequest
	AuditID         string `form:"auditId"`
	Status          string `form:"status"`
	FindingType     string `form:"findingType"`
	AffectedControl string `form:"affectedControl"`
}

// OverdueFinding 逾期发现项
type OverdueFinding struct {
	Finding     AuditFinding `json:"finding"`
	DaysOverdue int          `json:"daysOverdue"`
}

// RecurrenceReport 重复发生分析结果
type RecurrenceReport struct {
	WindowDays     int                 `json:"windowDays"`
	TotalFindings  int                 `json:"totalFindings"`
	RecurrentCount int                 `json:"recurrentCount"`
	RecurrenceRate float64             `json:"recurrenceRate"` // 百分比
	Groups         map[string][]string `json:"groups"`         // 控制编号 → 发现项编号列表
}

// ============================================================================
// SLA
// ============================================================================

// closureDeadlineDays 各类发现项的整改期限（天）
func (s *Service) closureDeadlineDays(t FindingType) int {
	switch t {
	case TypeMajorNC:
		return s.cfg.MajorNCDeadlineDays
	case TypeMinorNC:
		return s.cfg.MinorNCDeadlineDays
	case TypeObservation:
		return s.cfg.ObservationDeadlineDays
	default:
		return s.cfg.OpportunityDeadlineDays
	}
}

// ============================================================================
// CRUD
// ============================================================================

// CreateFinding 登记发现项并重算所属审计的计数缓存
// 编号 HAL-YYYY-NNN-NN 由审计编号派生，整改期限按类型 SLA 计算
func (s *Service) CreateFinding(ctx context.Context, auditID string, req *CreateFindingRequest) (*AuditFinding, error) {
	var parent audit.Audit
	if err := s.GetDBWithContext(ctx).Where("id = ?", auditID).First(&parent).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, common.NewBusinessErrorWithCode(common.CodeAuditNotFound)
		}
		return nil, err
	}

	detection := s.executor.Clock().Now()
	if req.DetectionDate != nil {
		detection = *req.DetectionDate
	}
	deadline := detection.AddDate(0, 0, s.closureDeadlineDays(req.FindingType))

	f := &AuditFinding{
		ID:              uuid.New().String(),
		AuditID:         auditID,
		Title:           req.Title,
		Description:     req.Description,
		FindingType:     req.FindingType,
		Status:          StatusOpen,
		AffectedControl: req.AffectedControl,
		AffectedArea:    req.AffectedArea,
		Evidence:        req.Evidence,
		RootCause:       req.RootCause,
		ResponsibleID:   req.ResponsibleID,
		RaisedBy:        req.RaisedBy,
		DetectionDate:   detection,
		ClosureDeadline: &deadline,
	}

	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		code, err := generateFindingCode(tx, &parent)
		if err != nil {
			return err
		}
		f.FindingCode = code
		if err := tx.Create(f).Error; err != nil {
			return err
		}
		return audit.RecomputeCounters(tx, auditID)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// generateFindingCode 由审计编号 AUD-YYYY-NNN 派生 HAL-YYYY-NNN-NN
func generateFindingCode(tx *gorm.DB, parent *audit.Audit) (string, error) {
	base := strings.Replace(parent.AuditCode, "AUD-", "HAL-", 1)
	var count int64
	if err := tx.Model(&AuditFinding{}).
		Where("audit_id = ?", parent.ID).
		Count(&count).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%02d", base, count+1), nil
}

// GetFinding 获取发现项详情（含纠正措施）
func (s *Service) GetFinding(ctx context.Context, id string) (*AuditFinding, error) {
	var f AuditFinding
	err := s.GetDBWithContext(ctx).
		Preload("Actions").
		Where("id = ?", id).
		First(&f).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, common.NewBusinessErrorWithCode(common.CodeFindingNotFound)
		}
		return nil, err
	}
	return &f, nil
}

// ListFindings 分页查询发现项
func (s *Service) ListFindings(ctx context.Context, req *ListFindingsRequest) ([]AuditFinding, int64, error) {
	query := s.GetDBWithContext(ctx).Model(&AuditFinding{})
	if req.AuditID != "" {
		query = query.Where("audit_id = ?", req.AuditID)
	}
	query = s.ApplyStatusFilter(query, req.Status)
	if req.FindingType != "" {
		query = query.Where("finding_type = ?", req.FindingType)
	}
	if req.AffectedControl != "" {
		query = query.Where("affected_control = ?", req.AffectedControl)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []AuditFinding
	err := s.ApplyPaginationRequest(query.Order("detection_date DESC"), req.PaginationRequest).
		Find(&items).Error
	return items, total, err
}

// ============================================================================
// 状态流转
// ============================================================================

// Transition 执行发现项状态流转
func (s *Service) Transition(ctx context.Context, id string, req *TransitionRequest) error {
	return s.executor.Execute(ctx, lifecycle.Request{
		Machine: s.findings,
		Model:   &AuditFinding{},
		ID:      id,
		Target:  req.Target,
		Actor:   req.Actor,
		Comment: req.Comment,
		Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
			var f AuditFinding
			if err := tx.Preload("Actions").Where("id = ?", id).First(&f).Error; err != nil {
				return nil, "", err
			}
			return &findingSubject{Finding: &f, PendingJustification: req.Justification}, f.Status, nil
		},
		Updates: func(now time.Time) map[string]any {
			updates := map[string]any{}
			switch req.Target {
			case StatusClosed:
				updates["closed_at"] = now
			case StatusDeferred:
				if req.Justification != "" {
					updates["deferral_justification"] = req.Justification
				}
			}
			if len(updates) == 0 {
				return nil
			}
			return updates
		},
		Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
			return appendHistory(tx, "finding", id, from, req.Target, req.Actor, req.Comment, now)
		},
	})
}

// Defer 延期处理发现项，必须说明理由
func (s *Service) Defer(ctx context.Context, id string, actor, justification string) error {
	return s.Transition(ctx, id, &TransitionRequest{
		Target:        StatusDeferred,
		Actor:         actor,
		Justification: justification,
	})
}

// Reopen 重新打开发现项：RESOLVED→IN_TREATMENT，DEFERRED→OPEN
func (s *Service) Reopen(ctx context.Context, id string, actor, comment string) error {
	f, err := s.GetFinding(ctx, id)
	if err != nil {
		return err
	}

	var target lifecycle.Status
	switch f.Status {
	case StatusResolved:
		target = StatusInTreatment
	case StatusDeferred:
		target = StatusOpen
	default:
		return lifecycle.NewInvalidTransition(lifecycle.EntityFinding, id, f.Status, StatusInTreatment,
			s.findings.Targets(f.Status))
	}
	return s.Transition(ctx, id, &TransitionRequest{Target: target, Actor: actor, Comment: comment})
}

// ValidateClosure 关闭条件试算：返回全部未满足的条件，不改变状态
func (s *Service) ValidateClosure(ctx context.Context, id string) ([]lifecycle.Violation, error) {
	f, err := s.GetFinding(ctx, id)
	if err != nil {
		return nil, err
	}
	subject := &findingSubject{Finding: f}
	return s.findings.EvaluateGuards(ctx, StatusClosed, subject), nil
}

// ============================================================================
// 逾期与重复发生分析
// ============================================================================

// GetOverdueFindings 整改期限已过且尚未关闭的发现项
func (s *Service) GetOverdueFindings(ctx context.Context, asOf time.Time) ([]OverdueFinding, error) {
	var items []AuditFinding
	err := s.GetDBWithContext(ctx).
		Where("status != ? AND closure_deadline < ?", StatusClosed, asOf).
		Order("closure_deadline ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	out := make([]OverdueFinding, 0, len(items))
	for _, f := range items {
		days := int(asOf.Sub(*f.ClosureDeadline).Hours() / 24)
		out = append(out, OverdueFinding{Finding: f, DaysOverdue: days})
	}
	return out, nil
}

// AnalyzeRecurrence 回溯窗口内的重复发生分析
// 某发现项的 affected_control 在窗口内存在更早的发现项即视为重复发生
func (s *Service) AnalyzeRecurrence(ctx context.Context, windowDays int) (*RecurrenceReport, error) {
	if windowDays <= 0 {
		windowDays = s.cfg.RecurrenceWindowDays
	}
	since := s.executor.Clock().Now().AddDate(0, 0, -windowDays)

	var items []AuditFinding
	err := s.GetDBWithContext(ctx).
		Where("detection_date >= ?", since).
		Order("detection_date ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	report := &RecurrenceReport{
		WindowDays:    windowDays,
		TotalFindings: len(items),
		Groups:        make(map[string][]string),
	}

	seen := make(map[string]bool)
	for _, f := range items {
		if f.AffectedControl == "" {
			continue
		}
		if seen[f.AffectedControl] {
			report.RecurrentCount++
			report.Groups[f.AffectedControl] = append(report.Groups[f.AffectedControl], f.FindingCode)
		} else {
			seen[f.AffectedControl] = true
			report.Groups[f.AffectedControl] = []string{f.FindingCode}
		}
	}
	// 只保留真正重复的控制项分组
	for control, codes := range report.Groups {
		if len(codes) < 2 {
			delete(report.Groups, control)
		} else {
			sort.Strings(codes)
		}
	}
	if report.TotalFindings > 0 {
		report.RecurrenceRate = float64(report.RecurrentCount) / float64(report.TotalFindings) * 100
	}
	return report, nil
}

// ============================================================================
// 事务内辅助
// ============================================================================

// appendHistory 写入状态历史
func appendHistory(tx *gorm.DB, entityType, entityID string, from, to lifecycle.Status, actor, comment string, now time.Time) error {
	return tx.Create(&FindingHistory{
		ID:           uuid.New().String(),
		EntityType:   entityType,
		EntityID:     entityID,
		FieldChanged: "STATUS",
		OldValue:     string(from),
		NewValue:     string(to),
		ChangedBy:    actor,
		ChangedAt:    now,
		Comments:     comment,
	}).Error
}

// cascadeFindingTransition 在既有事务内推进发现项状态（级联用）
// 幂等：当前状态不等于期望来源状态时静默跳过
func (s *Service) cascadeFindingTransition(ctx context.Context, tx *gorm.DB, findingID string, expectFrom, target lifecycle.Status, actor string, now time.Time) error {
	var f AuditFinding
	if err := tx.Preload("Actions").Where("id = ?", findingID).First(&f).Error; err != nil {
		return err
	}
	if f.Status != expectFrom {
		return nil
	}

	subject := &findingSubject{Finding: &f}
	if err := s.findings.Validate(findingID, f.Status, target); err != nil {
		return err
	}
	if violations := s.findings.EvaluateGuards(ctx, target, subject); len(violations) > 0 {
		// 级联条件未满足时不报错，由后续操作再次触发
		return nil
	}

	res := tx.Model(&AuditFinding{}).
		Where("id = ? AND status = ?", findingID, f.Status).
		Update("status", target)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return appendHistory(tx, "finding", findingID, f.Status, target, actor, "纠正措施状态级联", now)
}
