package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/metrics"
	"backend/internal/notification"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// EscalationHandler 截止日期升级提醒处理器
type EscalationHandler struct {
	notifier NotificationCreator
	logger   *zap.Logger
}

func NewEscalationHandler(notifier NotificationCreator, logger *zap.Logger) *EscalationHandler {
	return &EscalationHandler{
		notifier: notifier,
		logger:   logger,
	}
}

// HandleEscalateDeadline 将临期实体升级通报给指定角色/用户
func (h *EscalationHandler) HandleEscalateDeadline(ctx context.Context, t *asynq.Task) error {
	return metrics.RecordTask(tasks.TypeEscalateDeadline, func() error {
		var p tasks.EscalateDeadlinePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("json unmarshal failed: %w", err)
		}
		if p.EscalateTo == "" {
			return fmt.Errorf("升级对象为空")
		}

		_, err := h.notifier.Create(ctx, notification.CreateRequest{
			RecipientID: p.EscalateTo,
			Channel:     notification.ChannelWebSocket,
			Category:    notification.CategoryEscalation,
			Subject:     "整改截止日期临近",
			Body:        fmt.Sprintf("%s %s 将于 %s 到期，仍未完成整改", entityLabel(p.EntityType), p.EntityID, p.Deadline),
			RefType:     p.EntityType,
			RefID:       p.EntityID,
			Data:        map[string]any{"deadline": p.Deadline},
		})
		if err != nil {
			h.logger.Error("升级通知创建失败",
				zap.String("entityType", p.EntityType),
				zap.String("entityId", p.EntityID),
				zap.Error(err),
			)
			return err
		}

		metrics.EscalationsTotal.WithLabelValues(p.EntityType).Inc()
		h.logger.Info("截止升级提醒已发出",
			zap.String("entityType", p.EntityType),
			zap.String("entityId", p.EntityID),
			zap.String("escalateTo", p.EscalateTo),
		)
		return nil
	})
}

func entityLabel(entityType string) string {
	switch entityType {
	case "finding":
		return "发现项"
	case "corrective_action":
		return "纠正措施"
	default:
		return entityType
	}
}
