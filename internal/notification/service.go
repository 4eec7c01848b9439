package notification

import (
	"context"
	"encoding/json"
	"time"

	"backend/internal/common"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ============================================================================
// 通知服务：先落库，再由异步任务分发
// ============================================================================

// Service 通知服务
type Service struct {
	*common.BaseService
	queue    queue.Client
	notifier Notifier
}

// NewService 创建通知服务
// q 为空时仅落库不入队（测试或同步分发场景）
func NewService(db *gorm.DB, q queue.Client, notifier Notifier) *Service {
	return &Service{
		BaseService: common.NewBaseService(db),
		queue:       q,
		notifier:    notifier,
	}
}

// CreateRequest 创建通知请求
type CreateRequest struct {
	RecipientID string         `json:"recipientId" binding:"required"`
	Channel     Channel        `json:"channel" binding:"required"`
	Category    Category       `json:"category" binding:"required"`
	Target      string         `json:"target"`
	Subject     string         `json:"subject" binding:"required"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data"`
	RefType     string         `json:"refType"`
	RefID       string         `json:"refId"`
}

// Create 落库并入队分发
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Notification, error) {
	n := &Notification{
		ID:          uuid.NewString(),
		RecipientID: req.RecipientID,
		Channel:     req.Channel,
		Category:    req.Category,
		Target:      req.Target,
		Subject:     req.Subject,
		Body:        req.Body,
		RefType:     req.RefType,
		RefID:       req.RefID,
		Status:      StatusPending,
	}
	if req.Data != nil {
		data, err := json.Marshal(req.Data)
		if err != nil {
			return nil, common.NewBusinessError(common.CodeInvalidRequest, "附加数据序列化失败")
		}
		n.Data = datatypes.JSON(data)
	}

	if err := s.GetDBWithContext(ctx).Create(n).Error; err != nil {
		return nil, err
	}

	if s.queue != nil {
		if err := s.queue.EnqueueDispatchNotification(n.ID, string(n.Channel)); err != nil {
			// 入队失败不回滚通知，等待逾期扫描时补发
			logger.Get().Warn("通知入队失败",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
		}
	}
	return n, nil
}

// Dispatch 分发指定通知，由异步任务调用
// 发送失败时标记 FAILED 并返回错误，交由队列重试
func (s *Service) Dispatch(ctx context.Context, notificationID string) error {
	var n Notification
	err := s.GetDBWithContext(ctx).Where("id = ?", notificationID).First(&n).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return common.NewBusinessErrorWithCode(common.CodeNotFound)
		}
		return err
	}

	// 已发送的通知直接跳过，保证重试幂等
	if n.Status == StatusSent {
		return nil
	}

	if sendErr := s.notifier.Send(ctx, &n); sendErr != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Channel), "failed").Inc()
		_ = s.GetDBWithContext(ctx).Model(&Notification{}).
			Where("id = ?", n.ID).
			Updates(map[string]any{
				"status":     StatusFailed,
				"last_error": sendErr.Error(),
			}).Error
		return common.NewBusinessError(common.CodeNotifyDispatchFailed, sendErr.Error())
	}

	now := time.Now()
	metrics.NotificationsTotal.WithLabelValues(string(n.Channel), "sent").Inc()
	return s.GetDBWithContext(ctx).Model(&Notification{}).
		Where("id = ?", n.ID).
		Updates(map[string]any{
			"status":     StatusSent,
			"last_error": "",
			"sent_at":    &now,
		}).Error
}

// RedispatchPending 重发超过 age 仍未发出的通知，返回补发条数
// 由逾期扫描任务顺带触发，兜底入队失败的通知
func (s *Service) RedispatchPending(ctx context.Context, age time.Duration) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-age)
	var pending []Notification
	err := s.GetDBWithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPending, cutoff).
		Limit(200).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range pending {
		if err := s.queue.EnqueueDispatchNotification(pending[i].ID, string(pending[i].Channel)); err == nil {
			count++
		}
	}
	return count, nil
}

// ListRequest 通知列表查询
type ListRequest struct {
	common.PaginationRequest
	RecipientID string `form:"recipientId"`
	Category    string `form:"category"`
	UnreadOnly  bool   `form:"unreadOnly"`
}

// List 查询用户的通知
func (s *Service) List(ctx context.Context, req *ListRequest) ([]Notification, int64, error) {
	query := s.GetDBWithContext(ctx).Model(&Notification{})
	if req.RecipientID != "" {
		query = query.Where("recipient_id = ?", req.RecipientID)
	}
	if req.Category != "" {
		query = query.Where("category = ?", req.Category)
	}
	if req.UnreadOnly {
		query = query.Where("read_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []Notification
	err := s.ApplyPaginationRequest(query.Order("created_at DESC"), req.PaginationRequest).
		Find(&items).Error
	return items, total, err
}

// MarkRead 标记单条通知为已读
func (s *Service) MarkRead(ctx context.Context, id, recipientID string) error {
	now := time.Now()
	result := s.GetDBWithContext(ctx).Model(&Notification{}).
		Where("id = ? AND recipient_id = ? AND read_at IS NULL", id, recipientID).
		Update("read_at", &now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.NewBusinessError(common.CodeNotFound, "通知不存在或已读")
	}
	return nil
}

// MarkAllRead 标记用户全部通知为已读，返回影响条数
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	now := time.Now()
	result := s.GetDBWithContext(ctx).Model(&Notification{}).
		Where("recipient_id = ? AND read_at IS NULL", recipientID).
		Update("read_at", &now)
	return result.RowsAffected, result.Error
}

// CountUnread 统计未读数量
func (s *Service) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := s.GetDBWithContext(ctx).Model(&Notification{}).
		Where("recipient_id = ? AND read_at IS NULL", recipientID).
		Count(&count).Error
	return count, err
}
