package change

import (
	"time"

	"gorm.io/datatypes"

	"backend/internal/lifecycle"
)

// ============================================================================
// 状态与枚举
// ============================================================================

// 变更状态（14个）
const (
	StatusDraft           lifecycle.Status = "DRAFT"            // 草稿
	StatusSubmitted       lifecycle.Status = "SUBMITTED"        // 已提交
	StatusUnderReview     lifecycle.Status = "UNDER_REVIEW"     // 评审中
	StatusPendingApproval lifecycle.Status = "PENDING_APPROVAL" // 待审批
	StatusApproved        lifecycle.Status = "APPROVED"         // 已批准
	StatusRejected        lifecycle.Status = "REJECTED"         // 已拒绝
	StatusScheduled       lifecycle.Status = "SCHEDULED"        // 已排期
	StatusInProgress      lifecycle.Status = "IN_PROGRESS"      // 实施中
	StatusImplemented     lifecycle.Status = "IMPLEMENTED"      // 已实施
	StatusUnderValidation lifecycle.Status = "UNDER_VALIDATION" // 验证中
	StatusClosed          lifecycle.Status = "CLOSED"           // 已关闭
	StatusCancelled       lifecycle.Status = "CANCELLED"        // 已取消
	StatusFailed          lifecycle.Status = "FAILED"           // 实施失败
	StatusRolledBack      lifecycle.Status = "ROLLED_BACK"      // 已回滚
)

// ChangeType 变更类型
type ChangeType string

const (
	TypeStandard  ChangeType = "STANDARD"  // 标准变更
	TypeNormal    ChangeType = "NORMAL"    // 常规变更
	TypeEmergency ChangeType = "EMERGENCY" // 紧急变更
)

// Priority 优先级
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ApprovalStatus 审批状态
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"   // 待决定
	ApprovalApproved  ApprovalStatus = "APPROVED"  // 已批准
	ApprovalRejected  ApprovalStatus = "REJECTED"  // 已拒绝
	ApprovalDelegated ApprovalStatus = "DELEGATED" // 委派指令：改派审批人，记录上保持 PENDING
)

// ApprovalType 审批环节类型
const (
	ApprovalTypeTechnical = "TECHNICAL"
	ApprovalTypeSecurity  = "SECURITY"
	ApprovalTypeBusiness  = "BUSINESS"
	ApprovalTypeCISO      = "CISO"
)

// TaskStatus 变更任务状态
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// 审批共识结果
const (
	ConsensusNotRequired = "not_required" // 不需要审批
	ConsensusPending     = "pending"      // 仍有待决定
	ConsensusApproved    = "approved"     // 全部批准
	ConsensusRejected    = "rejected"     // 任一拒绝
)

// ============================================================================
// 变更请求
// ============================================================================

// Change 变更请求
type Change struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	ChangeCode string `json:"changeCode" gorm:"size:20;not null;uniqueIndex"` // CHG-YYYY-NNNN

	Title         string `json:"title" gorm:"size:255;not null"`
	Description   string `json:"description" gorm:"type:text"`
	Justification string `json:"justification" gorm:"type:text"` // 变更理由

	ChangeType ChangeType       `json:"changeType" gorm:"size:20;not null;default:NORMAL"`
	Priority   Priority         `json:"priority" gorm:"size:20;not null;default:MEDIUM"`
	RiskLevel  RiskLevel        `json:"riskLevel" gorm:"size:20;not null;default:LOW;index"`
	Status     lifecycle.Status `json:"status" gorm:"size:30;not null;default:DRAFT;index"`

	RequesterID string `json:"requesterId" gorm:"type:uuid;not null;index"`
	AssignedTo  string `json:"assignedTo" gorm:"type:uuid;index"`

	// 审批。不设 gorm 默认值：带默认值的 bool 在 Create 时会吞掉 false
	ApprovalRequired bool `json:"approvalRequired" gorm:"not null"`

	// 排期与实际执行窗口
	PlannedStartDate *time.Time `json:"plannedStartDate"`
	PlannedEndDate   *time.Time `json:"plannedEndDate"`
	ActualStartDate  *time.Time `json:"actualStartDate"`
	ActualEndDate    *time.Time `json:"actualEndDate"`
	ClosureDate      *time.Time `json:"closureDate"`

	// 实施与回退方案
	ImplementationPlan string `json:"implementationPlan" gorm:"type:text"`

	// 过程记录
	ImplementationNotes string `json:"implementationNotes" gorm:"type:text"`
	ValidationNotes     string `json:"validationNotes" gorm:"type:text"`
	RollbackPlan        string `json:"rollbackPlan" gorm:"type:text"`
	RollbackReason      string `json:"rollbackReason" gorm:"type:text"`

	// 影响范围
	AffectedControls datatypes.JSON `json:"affectedControls" gorm:"type:jsonb"` // ISO 27001 控制编号列表
	AffectedAssets   datatypes.JSON `json:"affectedAssets" gorm:"type:jsonb"`

	// 关联
	Approvals       []ChangeApproval       `json:"approvals,omitempty" gorm:"foreignKey:ChangeID"`
	Tasks           []ChangeTask           `json:"tasks,omitempty" gorm:"foreignKey:ChangeID"`
	History         []ChangeHistory        `json:"history,omitempty" gorm:"foreignKey:ChangeID"`
	RiskAssessments []ChangeRiskAssessment `json:"riskAssessments,omitempty" gorm:"foreignKey:ChangeID"`
	Reviews         []ChangeReview         `json:"reviews,omitempty" gorm:"foreignKey:ChangeID"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (Change) TableName() string {
	return "changes"
}

// ApprovalConsensus 审批共识
// 任一拒绝即 rejected；全部批准为 approved；委派只是改派审批人，记录仍计入待决定
func (c *Change) ApprovalConsensus() string {
	if !c.ApprovalRequired {
		return ConsensusNotRequired
	}
	if len(c.Approvals) == 0 {
		return ConsensusPending
	}

	allApproved := true
	for _, a := range c.Approvals {
		switch a.Status {
		case ApprovalRejected:
			return ConsensusRejected
		case ApprovalApproved:
			// 继续检查
		default: // PENDING
			allApproved = false
		}
	}
	if allApproved {
		return ConsensusApproved
	}
	return ConsensusPending
}

// CompletionPercentage 任务完成度（取消的任务不计入）
func (c *Change) CompletionPercentage() int {
	total := 0
	done := 0
	for _, t := range c.Tasks {
		if t.Status == TaskCancelled {
			continue
		}
		total++
		if t.Status == TaskCompleted {
			done++
		}
	}
	if total == 0 {
		return 0
	}
	return done * 100 / total
}

// GuardParams 自定义守卫规则的表达式参数
func (c *Change) GuardParams() map[string]any {
	approved := 0
	for _, a := range c.Approvals {
		if a.Status == ApprovalApproved {
			approved++
		}
	}
	return map[string]any{
		"change_type":       string(c.ChangeType),
		"priority":          string(c.Priority),
		"risk_level":        string(c.RiskLevel),
		"status":            string(c.Status),
		"approval_required": c.ApprovalRequired,
		"approvals":         approved,
		"task_completion":   c.CompletionPercentage(),
	}
}

// ============================================================================
// 审批记录
// ============================================================================

// ChangeApproval 变更审批记录
type ChangeApproval struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	ChangeID string `json:"changeId" gorm:"type:uuid;not null;index"`

	ApprovalType string         `json:"approvalType" gorm:"size:20;not null"` // TECHNICAL, SECURITY, BUSINESS, CISO
	ApproverID   string         `json:"approverId" gorm:"type:uuid;not null;index"`
	Status       ApprovalStatus `json:"status" gorm:"size:20;not null;default:PENDING;index"`

	DecisionDate *time.Time `json:"decisionDate"`
	Comments     string     `json:"comments" gorm:"type:text"`
	DelegatedTo  string     `json:"delegatedTo" gorm:"type:uuid"` // 委派受托人，委派后 approver_id 同步改写

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (ChangeApproval) TableName() string {
	return "change_approvals"
}

// Decided 审批是否已有最终决定
func (a *ChangeApproval) Decided() bool {
	return a.Status == ApprovalApproved || a.Status == ApprovalRejected
}

// ============================================================================
// 变更任务
// ============================================================================

// ChangeTask 实施任务
type ChangeTask struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	ChangeID string `json:"changeId" gorm:"type:uuid;not null;index"`

	Title       string     `json:"title" gorm:"size:255;not null"`
	Description string     `json:"description" gorm:"type:text"`
	AssignedTo  string     `json:"assignedTo" gorm:"type:uuid"`
	IsCritical  bool       `json:"isCritical" gorm:"default:false"` // 关键任务未完成时不可进入 IMPLEMENTED
	Status      TaskStatus `json:"status" gorm:"size:20;not null;default:PENDING;index"`
	OrderIndex  int        `json:"orderIndex" gorm:"default:0"`

	DueDate     *time.Time `json:"dueDate"`
	CompletedAt *time.Time `json:"completedAt"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (ChangeTask) TableName() string {
	return "change_tasks"
}

// ============================================================================
// 历史记录
// ============================================================================

// ChangeHistory 字段级变更历史，状态流转以 field_changed=STATUS 记录
type ChangeHistory struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	ChangeID string `json:"changeId" gorm:"type:uuid;not null;index"`

	FieldChanged string `json:"fieldChanged" gorm:"size:50;not null"`
	OldValue     string `json:"oldValue" gorm:"size:500"`
	NewValue     string `json:"newValue" gorm:"size:500"`

	ChangedBy string    `json:"changedBy" gorm:"type:uuid;not null"`
	ChangedAt time.Time `json:"changedAt" gorm:"not null;index"`
	Comments  string    `json:"comments" gorm:"type:text"`
}

func (ChangeHistory) TableName() string {
	return "change_history"
}

// HistoryFieldStatus 状态流转历史的字段名
const HistoryFieldStatus = "STATUS"

// ============================================================================
// 风险评估
// ============================================================================

// ChangeRiskAssessment 变更风险评估
// risk_score = probability × impact；≤6 LOW，≤12 MEDIUM，≤20 HIGH，>20 CRITICAL
type ChangeRiskAssessment struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	ChangeID string `json:"changeId" gorm:"type:uuid;not null;index"`

	Probability int       `json:"probability" gorm:"not null"` // 1-5
	Impact      int       `json:"impact" gorm:"not null"`      // 1-5
	RiskScore   int       `json:"riskScore" gorm:"not null"`
	RiskLevel   RiskLevel `json:"riskLevel" gorm:"size:20;not null"`

	MitigationPlan string    `json:"mitigationPlan" gorm:"type:text"`
	AssessedBy     string    `json:"assessedBy" gorm:"type:uuid;not null"`
	AssessedAt     time.Time `json:"assessedAt" gorm:"not null"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

func (ChangeRiskAssessment) TableName() string {
	return "change_risk_assessments"
}

// ScoreToRiskLevel 按评分换算风险等级
func ScoreToRiskLevel(score int) RiskLevel {
	switch {
	case score <= 6:
		return RiskLow
	case score <= 12:
		return RiskMedium
	case score <= 20:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// ============================================================================
// 实施后评审
// ============================================================================

// ChangeReview 实施后评审
type ChangeReview struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	ChangeID string `json:"changeId" gorm:"type:uuid;not null;index"`

	ReviewType     string    `json:"reviewType" gorm:"size:30;not null;default:POST_IMPLEMENTATION"`
	Outcome        string    `json:"outcome" gorm:"size:20"` // SUCCESSFUL, PARTIAL, FAILED
	LessonsLearned string    `json:"lessonsLearned" gorm:"type:text"`
	ReviewedBy     string    `json:"reviewedBy" gorm:"type:uuid;not null"`
	ReviewedAt     time.Time `json:"reviewedAt" gorm:"not null"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

func (ChangeReview) TableName() string {
	return "change_reviews"
}
