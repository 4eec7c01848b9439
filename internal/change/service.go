package change

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/lifecycle"
)

// Service 变更请求服务
type Service struct {
	*common.BaseService
	executor *lifecycle.Executor
	machine  *lifecycle.Machine
}

// NewService 创建变更服务
func NewService(db *gorm.DB, executor *lifecycle.Executor) *Service {
	return &Service{
		BaseService: common.NewBaseService(db),
		executor:    executor,
		machine:     NewChangeMachine(executor.Clock()),
	}
}

// Machine 返回变更状态机（供守卫规则引擎适配）
func (s *Service) Machine() *lifecycle.Machine {
	return s.machine
}

// ============================================================================
// 请求结构
// ============================================================================

// CreateChangeRequest 创建变更请求
type CreateChangeRequest struct {
	Title              string     `json:"title" binding:"required"`
	Description        string     `json:"description"`
	Justification      string     `json:"justification"`
	ChangeType         ChangeType `json:"changeType"`
	Priority           Priority   `json:"priority"`
	RiskLevel          RiskLevel  `json:"riskLevel"`
	RequesterID        string     `json:"requesterId" binding:"required"`
	AssignedTo         string     `json:"assignedTo"`
	ApprovalRequired   *bool      `json:"approvalRequired"`
	PlannedStartDate   *time.Time `json:"plannedStartDate"`
	PlannedEndDate     *time.Time `json:"plannedEndDate"`
	ImplementationPlan string     `json:"implementationPlan"`
	RollbackPlan       string     `json:"rollbackPlan"`
	AffectedControls   []byte     `json:"-"`
}

// UpdateChangeRequest 更新变更请求
// 基础字段仅可编辑状态下可改；过程记录在实施阶段也可补充
type UpdateChangeRequest struct {
	Title               *string    `json:"title"`
	Description         *string    `json:"description"`
	Justification       *string    `json:"justification"`
	Priority            *Priority  `json:"priority"`
	AssignedTo          *string    `json:"assignedTo"`
	PlannedStartDate    *time.Time `json:"plannedStartDate"`
	PlannedEndDate      *time.Time `json:"plannedEndDate"`
	ImplementationPlan  *string    `json:"implementationPlan"`
	RollbackPlan        *string    `json:"rollbackPlan"`
	ImplementationNotes *string    `json:"implementationNotes"`
	ValidationNotes     *string    `json:"validationNotes"`
}

// TransitionRequest 状态流转请求
type TransitionRequest struct {
	Target  lifecycle.Status `json:"target" binding:"required"`
	Actor   string           `json:"actor"`
	Comment string           `json:"comment"`
}

// AddApprovalRequest 指定审批人
type AddApprovalRequest struct {
	ApprovalType string `json:"approvalType" binding:"required"`
	ApproverID   string `json:"approverId" binding:"required"`
}

// DecideApprovalRequest 审批决定
type DecideApprovalRequest struct {
	Decision    ApprovalStatus `json:"decision" binding:"required"` // APPROVED, REJECTED, DELEGATED
	Actor       string         `json:"actor"`
	Comments    string         `json:"comments"`
	DelegatedTo string         `json:"delegatedTo"`
}

// AddTaskRequest 添加实施任务
type AddTaskRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	AssignedTo  string     `json:"assignedTo"`
	IsCritical  bool       `json:"isCritical"`
	OrderIndex  int        `json:"orderIndex"`
	DueDate     *time.Time `json:"dueDate"`
}

// AssessRiskRequest 风险评估
type AssessRiskRequest struct {
	Probability    int    `json:"probability" binding:"required"`
	Impact         int    `json:"impact" binding:"required"`
	MitigationPlan string `json:"mitigationPlan"`
	AssessedBy     string `json:"assessedBy" binding:"required"`
}

// AddReviewRequest 实施后评审
type AddReviewRequest struct {
	Outcome        string `json:"outcome" binding:"required"`
	LessonsLearned string `json:"lessonsLearned"`
	ReviewedBy     string `json:"reviewedBy" binding:"required"`
}

// ListChangesRequest 变更列表查询
type ListChangesRequest struct {
	common.PaginationRequest
	Status      string `form:"status"`
	RiskLevel   string `form:"riskLevel"`
	ChangeType  string `form:"changeType"`
	RequesterID string `form:"requesterId"`
	Keyword     string `form:"keyword"`
}

// ============================================================================
// CRUD
// ============================================================================

// CreateChange 创建变更请求（初始状态 DRAFT）
func (s *Service) CreateChange(ctx context.Context, req *CreateChangeRequest) (*Change, error) {
	c := &Change{
		ID:                 uuid.New().String(),
		Title:              req.Title,
		Description:        req.Description,
		Justification:      req.Justification,
		ChangeType:         req.ChangeType,
		Priority:           req.Priority,
		RiskLevel:          req.RiskLevel,
		Status:             StatusDraft,
		RequesterID:        req.RequesterID,
		AssignedTo:         req.AssignedTo,
		ApprovalRequired:   true,
		PlannedStartDate:   req.PlannedStartDate,
		PlannedEndDate:     req.PlannedEndDate,
		ImplementationPlan: req.ImplementationPlan,
		RollbackPlan:       req.RollbackPlan,
	}
	if req.ApprovalRequired != nil {
		c.ApprovalRequired = *req.ApprovalRequired
	}
	if c.ChangeType == "" {
		c.ChangeType = TypeNormal
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if c.RiskLevel == "" {
		c.RiskLevel = RiskLow
	}
	if len(req.AffectedControls) > 0 {
		c.AffectedControls = datatypes.JSON(req.AffectedControls)
	}

	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		code, err := s.generateChangeCode(tx)
		if err != nil {
			return err
		}
		c.ChangeCode = code
		return tx.Create(c).Error
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// generateChangeCode 生成变更编号 CHG-YYYY-NNNN，按年递增
func (s *Service) generateChangeCode(tx *gorm.DB) (string, error) {
	year := s.executor.Clock().Now().Year()
	var count int64
	if err := tx.Model(&Change{}).
		Where("change_code LIKE ?", fmt.Sprintf("CHG-%d-%%", year)).
		Count(&count).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("CHG-%d-%04d", year, count+1), nil
}

// GetChange 获取变更详情（含审批、任务）
func (s *Service) GetChange(ctx context.Context, id string) (*Change, error) {
	var c Change
	err := s.GetDBWithContext(ctx).
		Preload("Approvals").
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("order_index ASC") }).
		Preload("RiskAssessments").
		Preload("Reviews").
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, common.NewBusinessErrorWithCode(common.CodeChangeNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// ListChanges 分页查询变更列表
func (s *Service) ListChanges(ctx context.Context, req *ListChangesRequest) ([]Change, int64, error) {
	query := s.GetDBWithContext(ctx).Model(&Change{})
	query = s.ApplyStatusFilter(query, req.Status)
	if req.RiskLevel != "" {
		query = query.Where("risk_level = ?", req.RiskLevel)
	}
	if req.ChangeType != "" {
		query = query.Where("change_type = ?", req.ChangeType)
	}
	if req.RequesterID != "" {
		query = query.Where("requester_id = ?", req.RequesterID)
	}
	query = s.ApplyKeywordSearch(query, req.Keyword, []string{"title", "change_code"})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []Change
	err := s.ApplyPaginationRequest(query.Order("created_at DESC"), req.PaginationRequest).
		Find(&items).Error
	return items, total, err
}

// UpdateChange 更新变更
// 基础字段仅 DRAFT/SUBMITTED/REJECTED 可编辑；实施/验证记录在实施阶段也可补充
func (s *Service) UpdateChange(ctx context.Context, id string, actor string, req *UpdateChangeRequest) (*Change, error) {
	c, err := s.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	baseEdit := req.Title != nil || req.Description != nil || req.Justification != nil ||
		req.Priority != nil || req.AssignedTo != nil ||
		req.PlannedStartDate != nil || req.PlannedEndDate != nil ||
		req.ImplementationPlan != nil || req.RollbackPlan != nil
	notesEdit := req.ImplementationNotes != nil || req.ValidationNotes != nil
	if baseEdit && !IsEditable(c.Status) {
		return nil, common.NewBusinessError(common.CodeChangeNotEditable,
			fmt.Sprintf("变更当前状态为 %s，不允许编辑", c.Status))
	}
	if notesEdit && !IsEditable(c.Status) && !InImplementationPhase(c.Status) {
		return nil, common.NewBusinessError(common.CodeChangeNotEditable,
			fmt.Sprintf("变更当前状态为 %s，不允许补充过程记录", c.Status))
	}

	now := s.executor.Clock().Now()
	err = s.Transaction(ctx, func(tx *gorm.DB) error {
		record := func(field, oldVal, newVal string) error {
			if oldVal == newVal {
				return nil
			}
			return tx.Create(&ChangeHistory{
				ID:           uuid.New().String(),
				ChangeID:     c.ID,
				FieldChanged: field,
				OldValue:     oldVal,
				NewValue:     newVal,
				ChangedBy:    actor,
				ChangedAt:    now,
			}).Error
		}

		if req.Title != nil {
			if err := record("title", c.Title, *req.Title); err != nil {
				return err
			}
			c.Title = *req.Title
		}
		if req.Description != nil {
			c.Description = *req.Description
		}
		if req.Justification != nil {
			c.Justification = *req.Justification
		}
		if req.Priority != nil {
			if err := record("priority", string(c.Priority), string(*req.Priority)); err != nil {
				return err
			}
			c.Priority = *req.Priority
		}
		if req.AssignedTo != nil {
			if err := record("assigned_to", c.AssignedTo, *req.AssignedTo); err != nil {
				return err
			}
			c.AssignedTo = *req.AssignedTo
		}
		if req.PlannedStartDate != nil {
			c.PlannedStartDate = req.PlannedStartDate
		}
		if req.PlannedEndDate != nil {
			c.PlannedEndDate = req.PlannedEndDate
		}
		if req.ImplementationPlan != nil {
			c.ImplementationPlan = *req.ImplementationPlan
		}
		if req.RollbackPlan != nil {
			c.RollbackPlan = *req.RollbackPlan
		}
		if req.ImplementationNotes != nil {
			c.ImplementationNotes = *req.ImplementationNotes
		}
		if req.ValidationNotes != nil {
			c.ValidationNotes = *req.ValidationNotes
		}
		return tx.Save(c).Error
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ============================================================================
// 状态流转
// ============================================================================

// Transition 执行状态流转，附带日期戳与历史记录
func (s *Service) Transition(ctx context.Context, id string, req *TransitionRequest) error {
	return s.executor.Execute(ctx, lifecycle.Request{
		Machine: s.machine,
		Model:   &Change{},
		ID:      id,
		Target:  req.Target,
		Actor:   req.Actor,
		Comment: req.Comment,
		Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
			var c Change
			err := tx.Preload("Approvals").Preload("Tasks").
				Preload("RiskAssessments").Preload("Reviews").
				Where("id = ?", id).First(&c).Error
			if err != nil {
				return nil, "", err
			}
			return &c, c.Status, nil
		},
		Updates: func(now time.Time) map[string]any {
			return transitionUpdates(req.Target, now)
		},
		Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
			return tx.Create(&ChangeHistory{
				ID:           uuid.New().String(),
				ChangeID:     id,
				FieldChanged: HistoryFieldStatus,
				OldValue:     string(from),
				NewValue:     string(req.Target),
				ChangedBy:    req.Actor,
				ChangedAt:    now,
				Comments:     req.Comment,
			}).Error
		},
	})
}

// transitionUpdates 随目标状态写入的日期戳
func transitionUpdates(target lifecycle.Status, now time.Time) map[string]any {
	switch target {
	case StatusInProgress:
		return map[string]any{"actual_start_date": now}
	case StatusImplemented:
		return map[string]any{"actual_end_date": now}
	case StatusClosed:
		return map[string]any{"closure_date": now}
	case StatusFailed, StatusRolledBack:
		return map[string]any{"actual_end_date": now}
	}
	return nil
}

// Submit 提交变更：流转到 SUBMITTED，并为需要审批的变更创建技术审批环节
func (s *Service) Submit(ctx context.Context, id string, actor string, techApproverID string) error {
	return s.executor.Execute(ctx, lifecycle.Request{
		Machine: s.machine,
		Model:   &Change{},
		ID:      id,
		Target:  StatusSubmitted,
		Actor:   actor,
		Load: func(tx *gorm.DB) (any, lifecycle.Status, error) {
			var c Change
			if err := tx.Preload("Approvals").Where("id = ?", id).First(&c).Error; err != nil {
				return nil, "", err
			}
			return &c, c.Status, nil
		},
		Within: func(tx *gorm.DB, from lifecycle.Status, now time.Time) error {
			if err := tx.Create(&ChangeHistory{
				ID:           uuid.New().String(),
				ChangeID:     id,
				FieldChanged: HistoryFieldStatus,
				OldValue:     string(from),
				NewValue:     string(StatusSubmitted),
				ChangedBy:    actor,
				ChangedAt:    now,
			}).Error; err != nil {
				return err
			}

			var c Change
			if err := tx.Preload("Approvals").Where("id = ?", id).First(&c).Error; err != nil {
				return err
			}
			if !c.ApprovalRequired || techApproverID == "" {
				return nil
			}
			for _, a := range c.Approvals {
				if a.ApprovalType == ApprovalTypeTechnical && !a.Decided() {
					return nil // 已有待决定的技术审批
				}
			}
			return tx.Create(&ChangeApproval{
				ID:           uuid.New().String(),
				ChangeID:     id,
				ApprovalType: ApprovalTypeTechnical,
				ApproverID:   techApproverID,
				Status:       ApprovalPending,
			}).Error
		},
	})
}

// ============================================================================
// 审批
// ============================================================================

// AddApproval 为变更指定审批环节
func (s *Service) AddApproval(ctx context.Context, changeID string, req *AddApprovalRequest) (*ChangeApproval, error) {
	c, err := s.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case StatusSubmitted, StatusUnderReview, StatusPendingApproval:
		// 允许
	default:
		return nil, common.NewBusinessError(common.CodeChangeNotEditable,
			fmt.Sprintf("变更状态 %s 下不能新增审批环节", c.Status))
	}

	approval := &ChangeApproval{
		ID:           uuid.New().String(),
		ChangeID:     changeID,
		ApprovalType: req.ApprovalType,
		ApproverID:   req.ApproverID,
		Status:       ApprovalPending,
	}
	if err := s.Create(ctx, approval); err != nil {
		return nil, err
	}
	return approval, nil
}

// DecideApproval 审批人做出决定
// 任一拒绝 → 变更转为 REJECTED；全部批准 → 转为 APPROVED（仅在 PENDING_APPROVAL 下，
// 与决定落库同一事务）。DELEGATED 将本条审批改派给受托人，记录保持待决定
func (s *Service) DecideApproval(ctx context.Context, approvalID string, req *DecideApprovalRequest) (*ChangeApproval, error) {
	switch req.Decision {
	case ApprovalApproved, ApprovalRejected, ApprovalDelegated:
	default:
		return nil, common.NewBusinessError(common.CodeInvalidRequest,
			fmt.Sprintf("无效的审批决定 %s", req.Decision))
	}

	var approval ChangeApproval
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", approvalID).First(&approval).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return common.NewBusinessErrorWithCode(common.CodeApprovalNotFound)
			}
			return err
		}
		if approval.Decided() {
			return common.NewBusinessErrorWithCode(common.CodeApprovalAlreadyDecided)
		}
		if approval.ApproverID != req.Actor {
			return common.NewBusinessError(common.CodeForbidden, "只有指定的审批人才能做出决定")
		}

		now := s.executor.Clock().Now()
		if req.Decision == ApprovalDelegated {
			// 改派同一条审批记录，共识口径不变
			if req.DelegatedTo == "" {
				return common.NewBusinessError(common.CodeInvalidRequest, "委派审批必须指定受托人")
			}
			approval.ApproverID = req.DelegatedTo
			approval.DelegatedTo = req.DelegatedTo
			if req.Comments != "" {
				approval.Comments = req.Comments
			}
			return tx.Save(&approval).Error
		}

		approval.Status = req.Decision
		approval.Comments = req.Comments
		approval.DecisionDate = &now
		if err := tx.Save(&approval).Error; err != nil {
			return err
		}
		return s.advanceByConsensus(ctx, tx, approval.ChangeID, req.Actor, now)
	})
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

// advanceByConsensus 审批决定落库后，在同一事务内按共识推进变更状态
// 幂等：变更不在 PENDING_APPROVAL 或共识未定时静默跳过
func (s *Service) advanceByConsensus(ctx context.Context, tx *gorm.DB, changeID string, actor string, now time.Time) error {
	var c Change
	if err := tx.Preload("Approvals").Preload("Tasks").Preload("RiskAssessments").
		Where("id = ?", changeID).First(&c).Error; err != nil {
		return err
	}
	if c.Status != StatusPendingApproval {
		return nil
	}

	var target lifecycle.Status
	var comment string
	switch c.ApprovalConsensus() {
	case ConsensusApproved:
		target, comment = StatusApproved, "全部审批通过"
	case ConsensusRejected:
		target, comment = StatusRejected, "存在拒绝的审批"
	default:
		return nil
	}

	if err := s.machine.Validate(changeID, c.Status, target); err != nil {
		return err
	}
	if violations := s.machine.EvaluateGuards(ctx, target, &c); len(violations) > 0 {
		// 守卫未满足时不推进，等待后续审批再次触发
		return nil
	}

	res := tx.Model(&Change{}).
		Where("id = ? AND status = ?", changeID, c.Status).
		Update("status", target)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return tx.Create(&ChangeHistory{
		ID:           uuid.New().String(),
		ChangeID:     changeID,
		FieldChanged: HistoryFieldStatus,
		OldValue:     string(c.Status),
		NewValue:     string(target),
		ChangedBy:    actor,
		ChangedAt:    now,
		Comments:     comment,
	}).Error
}

// ListPendingApprovals 查询某审批人的全部待决定审批
func (s *Service) ListPendingApprovals(ctx context.Context, approverID string) ([]ChangeApproval, error) {
	var items []ChangeApproval
	err := s.GetDBWithContext(ctx).
		Where("approver_id = ? AND status = ?", approverID, ApprovalPending).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// ============================================================================
// 任务
// ============================================================================

// AddTask 添加实施任务
func (s *Service) AddTask(ctx context.Context, changeID string, req *AddTaskRequest) (*ChangeTask, error) {
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return nil, err
	}
	task := &ChangeTask{
		ID:          uuid.New().String(),
		ChangeID:    changeID,
		Title:       req.Title,
		Description: req.Description,
		AssignedTo:  req.AssignedTo,
		IsCritical:  req.IsCritical,
		Status:      TaskPending,
		OrderIndex:  req.OrderIndex,
		DueDate:     req.DueDate,
	}
	if err := s.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus 更新任务状态，完成时记录完成时间
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) (*ChangeTask, error) {
	var task ChangeTask
	if err := s.FindByID(ctx, &task, taskID); err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, common.NewBusinessErrorWithCode(common.CodeTaskNotFound)
		}
		return nil, err
	}

	task.Status = status
	if status == TaskCompleted {
		now := s.executor.Clock().Now()
		task.CompletedAt = &now
	}
	if err := s.Update(ctx, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ============================================================================
// 风险评估
// ============================================================================

// AssessRisk 记录风险评估并更新变更风险等级
// risk_score = probability × impact
func (s *Service) AssessRisk(ctx context.Context, changeID string, req *AssessRiskRequest) (*ChangeRiskAssessment, error) {
	if req.Probability < 1 || req.Probability > 5 || req.Impact < 1 || req.Impact > 5 {
		return nil, common.NewBusinessError(common.CodeInvalidRequest, "概率与影响取值范围为 1-5")
	}
	c, err := s.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}

	score := req.Probability * req.Impact
	assessment := &ChangeRiskAssessment{
		ID:             uuid.New().String(),
		ChangeID:       changeID,
		Probability:    req.Probability,
		Impact:         req.Impact,
		RiskScore:      score,
		RiskLevel:      ScoreToRiskLevel(score),
		MitigationPlan: req.MitigationPlan,
		AssessedBy:     req.AssessedBy,
		AssessedAt:     s.executor.Clock().Now(),
	}

	err = s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(assessment).Error; err != nil {
			return err
		}
		return tx.Model(&Change{}).Where("id = ?", c.ID).
			Update("risk_level", assessment.RiskLevel).Error
	})
	if err != nil {
		return nil, err
	}
	return assessment, nil
}

// ============================================================================
// 实施后评审
// ============================================================================

// AddReview 记录实施后评审，实施完成后（IMPLEMENTED 及之后）可评审
func (s *Service) AddReview(ctx context.Context, changeID string, req *AddReviewRequest) (*ChangeReview, error) {
	c, err := s.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case StatusImplemented, StatusUnderValidation, StatusClosed:
		// 允许
	default:
		return nil, common.NewBusinessError(common.CodeChangeNotEditable,
			"只有实施完成后的变更才能做实施后评审")
	}

	review := &ChangeReview{
		ID:             uuid.New().String(),
		ChangeID:       changeID,
		ReviewType:     "POST_IMPLEMENTATION",
		Outcome:        req.Outcome,
		LessonsLearned: req.LessonsLearned,
		ReviewedBy:     req.ReviewedBy,
		ReviewedAt:     s.executor.Clock().Now(),
	}
	if err := s.Create(ctx, review); err != nil {
		return nil, err
	}
	return review, nil
}

// ============================================================================
// 查询
// ============================================================================

// GetHistory 获取变更历史，按时间倒序
func (s *Service) GetHistory(ctx context.Context, changeID string) ([]ChangeHistory, error) {
	var items []ChangeHistory
	err := s.GetDBWithContext(ctx).
		Where("change_id = ?", changeID).
		Order("changed_at DESC").
		Find(&items).Error
	return items, err
}

// ListUpcoming 查询未来 N 天内计划开始的已排期变更
func (s *Service) ListUpcoming(ctx context.Context, days int) ([]Change, error) {
	now := s.executor.Clock().Now()
	until := now.AddDate(0, 0, days)

	var items []Change
	err := s.GetDBWithContext(ctx).
		Where("status = ? AND planned_start_date BETWEEN ? AND ?", StatusScheduled, now, until).
		Order("planned_start_date ASC").
		Find(&items).Error
	return items, err
}
