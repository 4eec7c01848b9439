package notification

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Channel 通知渠道
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelWebhook   Channel = "webhook"
	ChannelWebSocket Channel = "websocket"
)

// Category 通知类别
type Category string

const (
	CategoryApproval     Category = "approval"     // 审批待办
	CategoryOverdue      Category = "overdue"      // 逾期提醒
	CategoryEscalation   Category = "escalation"   // 截止升级
	CategoryVerification Category = "verification" // 有效性验证到期
	CategoryTransition   Category = "transition"   // 状态变更
	CategorySystem       Category = "system"       // 系统通知
)

// 分发状态
const (
	StatusPending = "PENDING" // 待分发
	StatusSent    = "SENT"    // 已发送
	StatusFailed  = "FAILED"  // 发送失败
)

// Notification 通知记录
// 先落库再经异步任务分发。Target 为邮箱地址或 Webhook URL，
// websocket 渠道按 RecipientID 投递
type Notification struct {
	ID          string         `json:"id" gorm:"primaryKey;type:uuid"`
	RecipientID string         `json:"recipientId" gorm:"size:64;not null;index"`
	Channel     Channel        `json:"channel" gorm:"size:20;not null"`
	Category    Category       `json:"category" gorm:"size:20;not null;index"`
	Target      string         `json:"target" gorm:"size:500"`
	Subject     string         `json:"subject" gorm:"size:255;not null"`
	Body        string         `json:"body" gorm:"type:text"`
	Data        datatypes.JSON `json:"data" gorm:"type:jsonb"`

	// 关联的合规实体
	RefType string `json:"refType" gorm:"size:30;index:idx_notifications_ref"`
	RefID   string `json:"refId" gorm:"size:64;index:idx_notifications_ref"`

	Status    string     `json:"status" gorm:"size:20;not null;default:PENDING;index"`
	LastError string     `json:"lastError" gorm:"size:500"`
	SentAt    *time.Time `json:"sentAt"`
	ReadAt    *time.Time `json:"readAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Notification) TableName() string {
	return "notifications"
}

// DataMap 将附加数据解析为 map，解析失败时返回 nil
func (n *Notification) DataMap() map[string]any {
	if len(n.Data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(n.Data, &m); err != nil {
		return nil
	}
	return m
}
