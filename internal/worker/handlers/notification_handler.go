package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/metrics"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Dispatcher 通知分发接口，便于注入 mock
type Dispatcher interface {
	Dispatch(ctx context.Context, notificationID string) error
}

// NotificationHandler 通知分发任务处理器
type NotificationHandler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewNotificationHandler(dispatcher Dispatcher, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// HandleDispatchNotification 分发单条通知
func (h *NotificationHandler) HandleDispatchNotification(ctx context.Context, t *asynq.Task) error {
	return metrics.RecordTask(tasks.TypeDispatchNotification, func() error {
		var p tasks.DispatchNotificationPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("json unmarshal failed: %w", err)
		}

		if err := h.dispatcher.Dispatch(ctx, p.NotificationID); err != nil {
			h.logger.Error("通知分发失败",
				zap.String("notificationId", p.NotificationID),
				zap.String("channel", p.Channel),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
}
