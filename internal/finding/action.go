package finding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/lifecycle"
)

// ============================================================================
// 请求结构
// ============================================================================

// CreateActionRequest 制定纠正措施
type CreateActionRequest struct {
	Title                 string     `json:"title" binding:"required"`
	Description           string     `json:"description"`
	ResponsibleID         string     `json:"responsibleId" binding:"required"`
	VerifierID            string     `json:"verifierId" binding:"required"`
	PlannedCompletionDate *time.Time `json:"plannedCompletionDate" binding:"required"`
}

// UpdateProgressRequest 更新措施进度
type UpdateProgressRequest struct {
	Progress int    `json:"progress"`
	Notes    string `json:"notes"`
	Actor    string `json:"actor"`
}

// CompleteActionRequest 完成措施
type CompleteActionRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes" binding:"required"`
}

// VerifyActionRequest 有效性验证
type VerifyActionRequest struct {
	Actor     string `json:"actor"`
	Effective bool   `json:"effective"`
	Notes     string `json:"notes"`
}

// PendingVerification 可以进行有效性验证的措施
type PendingVerification struct {
	Action      CorrectiveAction `json:"action"`
	WaitedDays  int              `json:"waitedDays"`
	FindingCode string           `json:"findingCode"`
}

// OverdueAction 逾期措施
type OverdueAction struct {
	Action      CorrectiveAction `json:"action"`
	DaysOverdue int              `json:"daysOverdue"`
}

// ============================================================================
// 创建
// ============================================================================

// CreateAction 为发现项制定纠正措施
// 验证人不得兼任责任人；计划完成日期不得早于当前、不得超过一年
// 级联：发现项处于 OPEN 时推进到 ACTION_PLAN_PENDING
func (s *Service) CreateAction(ctx context.Context, findingID string, req *CreateActionRequest) (*CorrectiveAction, error) {
	if req.VerifierID == req.ResponsibleID {
		return nil, common.NewBusinessError(common.CodeInvalidRequest,
			"验证人不得与责任人为同一人")
	}

	now := s.executor.Clock().Now()
	if req.PlannedCompletionDate.Before(now) {
		return nil, common.NewBusinessError(common.CodeInvalidRequest,
			"计划完成日期不能早于当前时间")
	}
	if req.PlannedCompletionDate.After(now.AddDate(1, 0, 0)) {
		return nil, common.NewBusinessError(common.CodeInvalidRequest,
			"计划完成日期不能超过一年")
	}

	if _, err := s.GetFinding(ctx, findingID); err != nil {
		return nil, err
	}

	action := &CorrectiveAction{
		ID:                    uuid.New().String(),
		FindingID:             findingID,
		Title:                 req.Title,
		Description:           req.Description,
		Status:                ActionPlanned,
		ResponsibleID:         req.ResponsibleID,
		VerifierID:            req.VerifierID,
		PlannedCompletionDate: req.PlannedCompletionDate,
	}

	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		code, err := generateActionCode(tx, s.executor.Clock().Now().Year())
		if err != nil {
			return err
		}
		action.ActionCode = code
		if err := tx.Create(action).Error; err != nil {
			return err
		}
		return s.cascadeFindingTransition(ctx, tx, findingID,
			StatusOpen, StatusActionPlanPending, req.ResponsibleID, now)
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// generateActionCode 生成措施编号 AC-YYYY-NNN，按年递增
func generateActionCode(tx *gorm.DB, year int) (string, error) {
	var count int64
	if err := tx.Model(&CorrectiveAction{}).
		Where("action_code LIKE ?", fmt.Sprintf("AC-%d-%%", year)).
		Count(&count).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("AC-%d-%03d", year, count+1), nil
}

// GetAction 获取措施详情
func (s *Service) GetAction(ctx context.Context, id string) (*CorrectiveAction, error) {
	var a CorrectiveAction
	if err := s.FindByID(ctx, &a, id); err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, common.NewBusinessErrorWithCode(common.CodeActionNotFound)
		}
		return nil, err
	}
	return &a, nil
}

// ============================================================================
// 进度与完成
// ============================================================================

// UpdateProgress 更新措施进度
// 进度首次大于 0 时自动从 PLANNED 进入 IN_PROGRESS 并记录实际开始时间
func (s *Service) UpdateProgress(ctx context.Context, id string, req *UpdateProgressRequest) (*CorrectiveAction, error) {
	if req.Progress < 0 || req.Progress > 100 {
		return nil, common.NewBusinessErrorWithCode(common.CodeActionProgressInvalid)
	}

	a, err := s.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.Status == ActionPlanned && req.Progress > 0 {
		err := s.executor.Execute(ctx, lifecycle.Request{
			Machine: s.actions,
			Model:   &CorrectiveAction{},
			ID:      id,
			Target:  ActionInProgress,
			Actor:   req.Actor,
			Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
				var cur CorrectiveAction
				if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
					return nil, "", err
				}
				return &actionSubject{Action: &cur, Actor: req.Actor}, cur.Status, nil
			},
			Updates: func(now time.Time) map[string]any {
				return map[string]any{
					"progress":          req.Progress,
					"progress_notes":    req.Notes,
					"actual_start_date": now,
				}
			},
			Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
				return appendHistory(tx, "corrective_action", id, from, ActionInProgress, req.Actor, req.Notes, now)
			},
		})
		if err != nil {
			return nil, err
		}
		return s.GetAction(ctx, id)
	}

	if a.Status != ActionInProgress {
		return nil, common.NewBusinessError(common.CodeConflict,
			fmt.Sprintf("措施状态为 %s，不能更新进度", a.Status))
	}

	a.Progress = req.Progress
	if req.Notes != "" {
		a.ProgressNotes = req.Notes
	}
	if err := s.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Complete 完成措施，进度必须为 100 且附实施说明
// 级联：发现项处于 IN_TREATMENT 且全部兄弟措施已完成/已验证时推进为 RESOLVED
func (s *Service) Complete(ctx context.Context, id string, req *CompleteActionRequest) error {
	return s.executor.Execute(ctx, lifecycle.Request{
		Machine: s.actions,
		Model:   &CorrectiveAction{},
		ID:      id,
		Target:  ActionCompleted,
		Actor:   req.Actor,
		Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
			var cur CorrectiveAction
			if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
				return nil, "", err
			}
			return &actionSubject{Action: &cur, Actor: req.Actor, CompletionNotes: req.Notes}, cur.Status, nil
		},
		Updates: func(now time.Time) map[string]any {
			return map[string]any{
				"actual_completion_date": now,
				"progress_notes":         req.Notes,
			}
		},
		Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
			if err := appendHistory(tx, "corrective_action", id, from, ActionCompleted, req.Actor, req.Notes, now); err != nil {
				return err
			}
			return s.cascadeAfterActionChange(ctx, tx, id, req.Actor, now)
		},
	})
}

// cascadeAfterActionChange 措施状态变化后的发现项级联
// 全部兄弟措施 COMPLETED/VERIFIED 且发现项 IN_TREATMENT ⇒ RESOLVED
// 全部兄弟措施 VERIFIED 且发现项 RESOLVED ⇒ VERIFIED
func (s *Service) cascadeAfterActionChange(ctx context.Context, tx *gorm.DB, actionID, actor string, now time.Time) error {
	var a CorrectiveAction
	if err := tx.Where("id = ?", actionID).First(&a).Error; err != nil {
		return err
	}

	var siblings []CorrectiveAction
	if err := tx.Where("finding_id = ?", a.FindingID).Find(&siblings).Error; err != nil {
		return err
	}

	allDone := true
	allVerified := true
	for _, sib := range siblings {
		if sib.Status == ActionCancelled || sib.Status == ActionRejected {
			continue
		}
		if sib.Status != ActionCompleted && sib.Status != ActionVerified {
			allDone = false
		}
		if sib.Status != ActionVerified {
			allVerified = false
		}
	}

	if allDone {
		if err := s.cascadeFindingTransition(ctx, tx, a.FindingID, StatusInTreatment, StatusResolved, actor, now); err != nil {
			return err
		}
	}
	if allVerified {
		return s.cascadeFindingTransition(ctx, tx, a.FindingID, StatusResolved, StatusVerified, actor, now)
	}
	return nil
}

// ============================================================================
// 有效性验证
// ============================================================================

// VerifyEffectiveness 有效性验证
// 仅指定验证人可操作；完成后须等待固定天数，不足时报告剩余天数
// 有效 ⇒ VERIFIED（可能级联发现项 VERIFIED）；无效 ⇒ 回到 IN_PROGRESS，进度重置为 50
func (s *Service) VerifyEffectiveness(ctx context.Context, id string, req *VerifyActionRequest) error {
	if req.Effective {
		return s.executor.Execute(ctx, lifecycle.Request{
			Machine: s.actions,
			Model:   &CorrectiveAction{},
			ID:      id,
			Target:  ActionVerified,
			Actor:   req.Actor,
			Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
				var cur CorrectiveAction
				if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
					return nil, "", err
				}
				subject := &actionSubject{
					Action:   &cur,
					Actor:    req.Actor,
					Now:      s.executor.Clock().Now(),
					WaitDays: s.cfg.VerificationWaitDays,
				}
				return subject, cur.Status, nil
			},
			Updates: func(now time.Time) map[string]any {
				return map[string]any{
					"effectiveness_verified": true,
					"effectiveness_notes":    req.Notes,
					"verified_by":            req.Actor,
					"verified_at":            now,
				}
			},
			Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
				if err := appendHistory(tx, "corrective_action", id, from, ActionVerified, req.Actor, req.Notes, now); err != nil {
					return err
				}
				return s.cascadeAfterActionChange(ctx, tx, id, req.Actor, now)
			},
		})
	}

	// 无效：验证资格条件同样适用
	a, err := s.GetAction(ctx, id)
	if err != nil {
		return err
	}
	subject := &actionSubject{
		Action:   a,
		Actor:    req.Actor,
		Now:      s.executor.Clock().Now(),
		WaitDays: s.cfg.VerificationWaitDays,
	}
	if violations := s.actions.EvaluateGuards(ctx, ActionVerified, subject); len(violations) > 0 {
		return lifecycle.NewGuardViolation(lifecycle.EntityCorrectiveAction, id, ActionVerified, violations)
	}

	return s.executor.Execute(ctx, lifecycle.Request{
		Machine: s.actions,
		Model:   &CorrectiveAction{},
		ID:      id,
		Target:  ActionInProgress,
		Actor:   req.Actor,
		Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
			var cur CorrectiveAction
			if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
				return nil, "", err
			}
			return &actionSubject{Action: &cur, Actor: req.Actor}, cur.Status, nil
		},
		Updates: func(now time.Time) map[string]any {
			return map[string]any{
				"progress":               50,
				"effectiveness_verified": false,
				"blocking_issues":        req.Notes,
			}
		},
		Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
			return appendHistory(tx, "corrective_action", id, from, ActionInProgress, req.Actor,
				"有效性验证未通过: "+req.Notes, now)
		},
	})
}

// Cancel 取消措施
func (s *Service) Cancel(ctx context.Context, id string, actor, reason string) error {
	return s.executor.Execute(ctx, lifecycle.Request{
		Machine: s.actions,
		Model:   &CorrectiveAction{},
		ID:      id,
		Target:  ActionCancelled,
		Actor:   actor,
		Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
			var cur CorrectiveAction
			if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
				return nil, "", err
			}
			return &actionSubject{Action: &cur, Actor: actor}, cur.Status, nil
		},
		Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
			return appendHistory(tx, "corrective_action", id, from, ActionCancelled, actor, reason, now)
		},
	})
}

// ReopenAction 重新打开已完成的措施
func (s *Service) ReopenAction(ctx context.Context, id string, actor, reason string) error {
	return s.executor.Execute(ctx, lifecycle.Request{
		Machine: s.actions,
		Model:   &CorrectiveAction{},
		ID:      id,
		Target:  ActionInProgress,
		Actor:   actor,
		Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
			var cur CorrectiveAction
			if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
				return nil, "", err
			}
			return &actionSubject{Action: &cur, Actor: actor}, cur.Status, nil
		},
		Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
			return appendHistory(tx, "corrective_action", id, from, ActionInProgress, actor, reason, now)
		},
	})
}

// ============================================================================
// 查询与度量
// ============================================================================

// GetOverdueActions 计划完成日期已过且仍在执行的措施
func (s *Service) GetOverdueActions(ctx context.Context, asOf time.Time) ([]OverdueAction, error) {
	var items []CorrectiveAction
	err := s.GetDBWithContext(ctx).
		Where("status IN ? AND planned_completion_date < ?",
			[]lifecycle.Status{ActionPlanned, ActionInProgress}, asOf).
		Order("planned_completion_date ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	out := make([]OverdueAction, 0, len(items))
	for _, a := range items {
		days := int(asOf.Sub(*a.PlannedCompletionDate).Hours() / 24)
		out = append(out, OverdueAction{Action: a, DaysOverdue: days})
	}
	return out, nil
}

// GetPendingVerifications 完成后等待期已满、可以验证有效性的措施
func (s *Service) GetPendingVerifications(ctx context.Context) ([]PendingVerification, error) {
	now := s.executor.Clock().Now()
	cutoff := now.AddDate(0, 0, -s.cfg.VerificationWaitDays)

	var items []CorrectiveAction
	err := s.GetDBWithContext(ctx).
		Where("status = ? AND actual_completion_date <= ?", ActionCompleted, cutoff).
		Order("actual_completion_date ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	out := make([]PendingVerification, 0, len(items))
	for _, a := range items {
		var f AuditFinding
		code := ""
		if err := s.GetDBWithContext(ctx).Select("finding_code").
			Where("id = ?", a.FindingID).First(&f).Error; err == nil {
			code = f.FindingCode
		}
		out = append(out, PendingVerification{
			Action:      a,
			WaitedDays:  int(now.Sub(*a.ActualCompletionDate).Hours() / 24),
			FindingCode: code,
		})
	}
	return out, nil
}

// EffectivenessRate 有效性比率：已验证有效的措施占已完成及以上措施的百分比
func (s *Service) EffectivenessRate(ctx context.Context) (float64, error) {
	var verified, total int64
	db := s.GetDBWithContext(ctx).Model(&CorrectiveAction{})
	if err := db.Where("status = ?", ActionVerified).Count(&verified).Error; err != nil {
		return 0, err
	}
	if err := s.GetDBWithContext(ctx).Model(&CorrectiveAction{}).
		Where("status IN ?", []lifecycle.Status{ActionCompleted, ActionVerified}).
		Count(&total).Error; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(verified) / float64(total) * 100, nil
}
