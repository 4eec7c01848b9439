package finding

import (
	"time"

	"backend/internal/lifecycle"
)

// ============================================================================
// 状态与枚举
// ============================================================================

// 发现项状态
const (
	StatusOpen               lifecycle.Status = "OPEN"                 // 待处理
	StatusActionPlanPending  lifecycle.Status = "ACTION_PLAN_PENDING"  // 措施计划待批
	StatusActionPlanApproved lifecycle.Status = "ACTION_PLAN_APPROVED" // 措施计划已批
	StatusInTreatment        lifecycle.Status = "IN_TREATMENT"         // 整改中
	StatusResolved           lifecycle.Status = "RESOLVED"             // 已整改
	StatusVerified           lifecycle.Status = "VERIFIED"             // 已验证
	StatusClosed             lifecycle.Status = "CLOSED"               // 已关闭
	StatusDeferred           lifecycle.Status = "DEFERRED"             // 已延期
)

// 纠正措施状态（6个）
const (
	ActionPlanned    lifecycle.Status = "PLANNED"     // 已计划
	ActionInProgress lifecycle.Status = "IN_PROGRESS" // 执行中
	ActionCompleted  lifecycle.Status = "COMPLETED"   // 已完成
	ActionVerified   lifecycle.Status = "VERIFIED"    // 已验证有效
	ActionRejected   lifecycle.Status = "REJECTED"    // 计划被否决
	ActionCancelled  lifecycle.Status = "CANCELLED"   // 已取消
)

// FindingType 发现项类型
type FindingType string

const (
	TypeMajorNC     FindingType = "MAJOR_NC"    // 严重不符合
	TypeMinorNC     FindingType = "MINOR_NC"    // 轻微不符合
	TypeObservation FindingType = "OBSERVATION" // 观察项
	TypeOpportunity FindingType = "OPPORTUNITY" // 改进机会
)

// ============================================================================
// 审计发现项
// ============================================================================

// AuditFinding 审计发现项
type AuditFinding struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	FindingCode string `json:"findingCode" gorm:"size:20;not null;uniqueIndex"` // HAL-YYYY-NNN-NN
	AuditID     string `json:"auditId" gorm:"type:uuid;not null;index"`

	Title       string           `json:"title" gorm:"size:255;not null"`
	Description string           `json:"description" gorm:"type:text"`
	FindingType FindingType      `json:"findingType" gorm:"size:20;not null;index"`
	Status      lifecycle.Status `json:"status" gorm:"size:25;not null;default:OPEN;index"`

	AffectedControl string `json:"affectedControl" gorm:"size:20;index"` // 附录A控制编号
	AffectedArea    string `json:"affectedArea" gorm:"size:100"`
	Evidence        string `json:"evidence" gorm:"type:text"`
	RootCause       string `json:"rootCause" gorm:"type:text"`

	ResponsibleID string `json:"responsibleId" gorm:"type:uuid;index"`
	RaisedBy      string `json:"raisedBy" gorm:"type:uuid;not null"`

	DetectionDate   time.Time  `json:"detectionDate" gorm:"not null;index"`
	ClosureDeadline *time.Time `json:"closureDeadline" gorm:"index"`
	ClosedAt        *time.Time `json:"closedAt"`

	DeferralJustification string `json:"deferralJustification" gorm:"type:text"`

	Actions []CorrectiveAction `json:"actions,omitempty" gorm:"foreignKey:FindingID"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (AuditFinding) TableName() string {
	return "audit_findings"
}

// GuardParams 自定义守卫规则的表达式参数
func (f *AuditFinding) GuardParams() map[string]any {
	verified := 0
	for _, a := range f.Actions {
		if a.Status == ActionVerified {
			verified++
		}
	}
	return map[string]any{
		"finding_type":     string(f.FindingType),
		"status":           string(f.Status),
		"affected_control": f.AffectedControl,
		"action_count":     activeActionCount(f.Actions),
		"verified_actions": verified,
	}
}

func activeActionCount(actions []CorrectiveAction) int {
	n := 0
	for _, a := range actions {
		if a.Status != ActionCancelled && a.Status != ActionRejected {
			n++
		}
	}
	return n
}

// ============================================================================
// 纠正措施
// ============================================================================

// CorrectiveAction 纠正措施
type CorrectiveAction struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	ActionCode string `json:"actionCode" gorm:"size:20;not null;uniqueIndex"` // AC-YYYY-NNN
	FindingID  string `json:"findingId" gorm:"type:uuid;not null;index"`

	Title       string           `json:"title" gorm:"size:255;not null"`
	Description string           `json:"description" gorm:"type:text"`
	Status      lifecycle.Status `json:"status" gorm:"size:20;not null;default:PLANNED;index"`

	// 责任人与验证人必须不同
	ResponsibleID string `json:"responsibleId" gorm:"type:uuid;not null;index"`
	VerifierID    string `json:"verifierId" gorm:"type:uuid;not null"`

	Progress      int    `json:"progress" gorm:"default:0"` // 0-100
	ProgressNotes string `json:"progressNotes" gorm:"type:text"`

	PlannedCompletionDate *time.Time `json:"plannedCompletionDate" gorm:"index"`
	ActualStartDate       *time.Time `json:"actualStartDate"`
	ActualCompletionDate  *time.Time `json:"actualCompletionDate"`

	// 有效性验证
	EffectivenessVerified bool       `json:"effectivenessVerified" gorm:"default:false"`
	EffectivenessNotes    string     `json:"effectivenessNotes" gorm:"type:text"`
	VerifiedBy            string     `json:"verifiedBy" gorm:"type:uuid"`
	VerifiedAt            *time.Time `json:"verifiedAt"`

	BlockingIssues string `json:"blockingIssues" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (CorrectiveAction) TableName() string {
	return "corrective_actions"
}

// ============================================================================
// 历史记录
// ============================================================================

// FindingHistory 发现项与纠正措施的状态历史
// entity_type 区分 finding / corrective_action
type FindingHistory struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	EntityType string `json:"entityType" gorm:"size:30;not null;index"`
	EntityID   string `json:"entityId" gorm:"type:uuid;not null;index"`

	FieldChanged string `json:"fieldChanged" gorm:"size:50;not null"`
	OldValue     string `json:"oldValue" gorm:"size:500"`
	NewValue     string `json:"newValue" gorm:"size:500"`

	ChangedBy string    `json:"changedBy" gorm:"type:uuid;not null"`
	ChangedAt time.Time `json:"changedAt" gorm:"not null;index"`
	Comments  string    `json:"comments" gorm:"type:text"`
}

func (FindingHistory) TableName() string {
	return "finding_history"
}
