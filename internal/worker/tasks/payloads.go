package tasks

// Task Types
const (
	TypeScanOverdueFindings  = "compliance:scan_overdue_findings"
	TypeScanOverdueActions   = "compliance:scan_overdue_actions"
	TypeEscalateDeadline     = "compliance:escalate_deadline"
	TypeDispatchNotification = "notification:dispatch"
)

// ScanOverduePayload 逾期扫描任务载荷
// AsOf 为空时以入队时刻为基准
type ScanOverduePayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// EscalateDeadlinePayload 截止日期升级提醒任务载荷
type EscalateDeadlinePayload struct {
	EntityType string `json:"entity_type"` // finding | corrective_action
	EntityID   string `json:"entity_id"`
	Deadline   string `json:"deadline"`
	EscalateTo string `json:"escalate_to"` // 角色或用户ID
}

// DispatchNotificationPayload 通知分发任务载荷
type DispatchNotificationPayload struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"` // email | webhook | websocket
}
