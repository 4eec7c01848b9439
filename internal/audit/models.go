package audit

import (
	"time"

	"gorm.io/datatypes"

	"backend/internal/lifecycle"
)

// ============================================================================
// 状态与枚举
// ============================================================================

// 审计状态（8个）
const (
	StatusPlanned     lifecycle.Status = "PLANNED"     // 已计划
	StatusNotified    lifecycle.Status = "NOTIFIED"    // 已通知
	StatusPreparation lifecycle.Status = "PREPARATION" // 准备中
	StatusInProgress  lifecycle.Status = "IN_PROGRESS" // 执行中
	StatusReporting   lifecycle.Status = "REPORTING"   // 报告编制中
	StatusCompleted   lifecycle.Status = "COMPLETED"   // 已完成
	StatusClosed      lifecycle.Status = "CLOSED"      // 已关闭
	StatusCancelled   lifecycle.Status = "CANCELLED"   // 已取消
)

// ProgramStatus 年度审计方案状态
type ProgramStatus string

const (
	ProgramDraft      ProgramStatus = "DRAFT"
	ProgramApproved   ProgramStatus = "APPROVED"
	ProgramInProgress ProgramStatus = "IN_PROGRESS"
	ProgramCompleted  ProgramStatus = "COMPLETED"
	ProgramCancelled  ProgramStatus = "CANCELLED"
)

// AuditType 审计类型
type AuditType string

const (
	TypeInternal      AuditType = "INTERNAL"      // 内部审计
	TypeExternal      AuditType = "EXTERNAL"      // 外部审计
	TypeCertification AuditType = "CERTIFICATION" // 认证审计
	TypeSurveillance  AuditType = "SURVEILLANCE"  // 监督审计
)

// TeamRole 审计组角色
type TeamRole string

const (
	RoleLeadAuditor TeamRole = "LEAD_AUDITOR"
	RoleAuditor     TeamRole = "AUDITOR"
	RoleObserver    TeamRole = "OBSERVER"
	RoleExpert      TeamRole = "TECHNICAL_EXPERT"
)

// ScheduleFrequency 审计排期频率
type ScheduleFrequency string

const (
	FrequencyMonthly    ScheduleFrequency = "MONTHLY"
	FrequencyQuarterly  ScheduleFrequency = "QUARTERLY"
	FrequencySemiannual ScheduleFrequency = "SEMIANNUAL"
	FrequencyAnnual     ScheduleFrequency = "ANNUAL"
)

// AnnexAControlCount ISO 27001:2022 附录A适用控制项总数
const AnnexAControlCount = 93

// ============================================================================
// 年度审计方案
// ============================================================================

// AuditProgram 年度审计方案
type AuditProgram struct {
	ID   string `json:"id" gorm:"primaryKey;type:uuid"`
	Name string `json:"name" gorm:"size:255;not null"`
	Year int    `json:"year" gorm:"not null;index"`

	Status      ProgramStatus `json:"status" gorm:"size:20;not null;default:DRAFT;index"`
	Description string        `json:"description" gorm:"type:text"`
	Objectives  string        `json:"objectives" gorm:"type:text"`

	ApprovedBy    string         `json:"approvedBy" gorm:"type:uuid"`
	ApprovedAt    *time.Time     `json:"approvedAt"`
	ClosedAt      *time.Time     `json:"closedAt"`
	ChecklistData datatypes.JSON `json:"checklistData" gorm:"type:jsonb"`

	Audits    []Audit         `json:"audits,omitempty" gorm:"foreignKey:ProgramID"`
	Schedules []AuditSchedule `json:"schedules,omitempty" gorm:"foreignKey:ProgramID"`

	CreatedBy string    `json:"createdBy" gorm:"type:uuid;not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (AuditProgram) TableName() string {
	return "audit_programs"
}

// ============================================================================
// 审计记录
// ============================================================================

// Audit 一次审计
type Audit struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	AuditCode string `json:"auditCode" gorm:"size:20;not null;uniqueIndex"` // AUD-YYYY-NNN
	ProgramID string `json:"programId" gorm:"type:uuid;index"`

	Title     string           `json:"title" gorm:"size:255;not null"`
	AuditType AuditType        `json:"auditType" gorm:"size:20;not null;default:INTERNAL"`
	Status    lifecycle.Status `json:"status" gorm:"size:20;not null;default:PLANNED;index"`
	Scope     string           `json:"scope" gorm:"type:text"`
	Criteria  string           `json:"criteria" gorm:"type:text"` // 审计准则（ISO 27001 条款等）

	LeadAuditorID string `json:"leadAuditorId" gorm:"type:uuid;index"`

	// 范围
	AuditedAreas    datatypes.JSON `json:"auditedAreas" gorm:"type:jsonb"`    // 受审部门/区域
	AuditedControls datatypes.JSON `json:"auditedControls" gorm:"type:jsonb"` // 附录A控制编号列表

	// 日期
	PlannedDate      *time.Time `json:"plannedDate"`
	NotificationDate *time.Time `json:"notificationDate"`
	StartDate        *time.Time `json:"startDate"`
	EndDate          *time.Time `json:"endDate"`
	ReportDate       *time.Time `json:"reportDate"`
	ClosureDate      *time.Time `json:"closureDate"`

	// 发现项计数缓存，随子发现项变化重算
	MajorNCCount     int     `json:"majorNcCount" gorm:"default:0"`
	MinorNCCount     int     `json:"minorNcCount" gorm:"default:0"`
	ObservationCount int     `json:"observationCount" gorm:"default:0"`
	OpportunityCount int     `json:"opportunityCount" gorm:"default:0"`
	ConformityRate   float64 `json:"conformityRate" gorm:"default:100"`

	Summary string `json:"summary" gorm:"type:text"`

	TeamMembers []AuditTeamMember `json:"teamMembers,omitempty" gorm:"foreignKey:AuditID"`

	CreatedBy string    `json:"createdBy" gorm:"type:uuid;not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (Audit) TableName() string {
	return "audits"
}

// TotalFindings 发现项总数
func (a *Audit) TotalFindings() int {
	return a.MajorNCCount + a.MinorNCCount + a.ObservationCount + a.OpportunityCount
}

// ============================================================================
// 审计组成员
// ============================================================================

// AuditTeamMember 审计组成员
// 独立性要求：成员不得审计自己所属的部门
type AuditTeamMember struct {
	ID      string `json:"id" gorm:"primaryKey;type:uuid"`
	AuditID string `json:"auditId" gorm:"type:uuid;not null;index"`

	UserID     string   `json:"userId" gorm:"type:uuid;not null;index"`
	Role       TeamRole `json:"role" gorm:"size:20;not null;default:AUDITOR"`
	Department string   `json:"department" gorm:"size:100"`

	IsIndependent bool `json:"isIndependent" gorm:"default:true"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

func (AuditTeamMember) TableName() string {
	return "audit_team_members"
}

// ============================================================================
// 历史记录
// ============================================================================

// AuditHistory 审计字段级历史，状态流转以 field_changed=STATUS 记录
type AuditHistory struct {
	ID      string `json:"id" gorm:"primaryKey;type:uuid"`
	AuditID string `json:"auditId" gorm:"type:uuid;not null;index"`

	FieldChanged string `json:"fieldChanged" gorm:"size:50;not null"`
	OldValue     string `json:"oldValue" gorm:"size:500"`
	NewValue     string `json:"newValue" gorm:"size:500"`

	ChangedBy string    `json:"changedBy" gorm:"type:uuid;not null"`
	ChangedAt time.Time `json:"changedAt" gorm:"not null;index"`
	Comments  string    `json:"comments" gorm:"type:text"`
}

func (AuditHistory) TableName() string {
	return "audit_history"
}

// ============================================================================
// 审计排期
// ============================================================================

// AuditSchedule 周期性审计排期，用于从方案生成审计
type AuditSchedule struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	ProgramID string `json:"programId" gorm:"type:uuid;not null;index"`

	Area      string            `json:"area" gorm:"size:100;not null"`
	Frequency ScheduleFrequency `json:"frequency" gorm:"size:20;not null;default:ANNUAL"`

	NextPlannedDate *time.Time `json:"nextPlannedDate"`
	LastAuditID     string     `json:"lastAuditId" gorm:"type:uuid"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (AuditSchedule) TableName() string {
	return "audit_schedules"
}

// AdvanceInterval 按频率推进下次计划日期
func (s *AuditSchedule) AdvanceInterval() (months int) {
	switch s.Frequency {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencySemiannual:
		return 6
	default:
		return 12
	}
}
