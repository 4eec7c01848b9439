package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/finding"
	"backend/internal/metrics"
	"backend/internal/notification"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// OverdueSource 逾期查询来源，便于注入 mock
type OverdueSource interface {
	GetOverdueFindings(ctx context.Context, asOf time.Time) ([]finding.OverdueFinding, error)
	GetOverdueActions(ctx context.Context, asOf time.Time) ([]finding.OverdueAction, error)
	GetPendingVerifications(ctx context.Context) ([]finding.PendingVerification, error)
}

// NotificationCreator 通知创建接口
type NotificationCreator interface {
	Create(ctx context.Context, req notification.CreateRequest) (*notification.Notification, error)
}

// OverdueHandler 逾期扫描任务处理器
type OverdueHandler struct {
	source   OverdueSource
	notifier NotificationCreator
	logger   *zap.Logger
}

func NewOverdueHandler(source OverdueSource, notifier NotificationCreator, logger *zap.Logger) *OverdueHandler {
	return &OverdueHandler{
		source:   source,
		notifier: notifier,
		logger:   logger,
	}
}

// HandleScanOverdueFindings 扫描逾期发现项并通知责任人
func (h *OverdueHandler) HandleScanOverdueFindings(ctx context.Context, t *asynq.Task) error {
	return metrics.RecordTask(tasks.TypeScanOverdueFindings, func() error {
		asOf, err := parseAsOf(t.Payload())
		if err != nil {
			return err
		}

		items, err := h.source.GetOverdueFindings(ctx, asOf)
		if err != nil {
			h.logger.Error("逾期发现项扫描失败", zap.Error(err))
			return err
		}

		metrics.OverdueFindingsGauge.Set(float64(len(items)))
		h.logger.Info("逾期发现项扫描完成", zap.Int("count", len(items)))

		for i := range items {
			f := items[i].Finding
			if f.ResponsibleID == "" {
				continue
			}
			_, err := h.notifier.Create(ctx, notification.CreateRequest{
				RecipientID: f.ResponsibleID,
				Channel:     notification.ChannelWebSocket,
				Category:    notification.CategoryOverdue,
				Subject:     fmt.Sprintf("发现项 %s 已逾期", f.FindingCode),
				Body:        fmt.Sprintf("发现项 %s 已超过整改期限 %d 天，请尽快处理", f.FindingCode, items[i].DaysOverdue),
				RefType:     "finding",
				RefID:       f.ID,
				Data:        map[string]any{"daysOverdue": items[i].DaysOverdue},
			})
			if err != nil {
				h.logger.Warn("逾期通知创建失败",
					zap.String("findingCode", f.FindingCode),
					zap.Error(err),
				)
			}
		}
		return nil
	})
}

// HandleScanOverdueActions 扫描逾期纠正措施与待验证措施
func (h *OverdueHandler) HandleScanOverdueActions(ctx context.Context, t *asynq.Task) error {
	return metrics.RecordTask(tasks.TypeScanOverdueActions, func() error {
		asOf, err := parseAsOf(t.Payload())
		if err != nil {
			return err
		}

		overdue, err := h.source.GetOverdueActions(ctx, asOf)
		if err != nil {
			h.logger.Error("逾期措施扫描失败", zap.Error(err))
			return err
		}

		metrics.OverdueActionsGauge.Set(float64(len(overdue)))
		for i := range overdue {
			a := overdue[i].Action
			if a.ResponsibleID == "" {
				continue
			}
			_, err := h.notifier.Create(ctx, notification.CreateRequest{
				RecipientID: a.ResponsibleID,
				Channel:     notification.ChannelWebSocket,
				Category:    notification.CategoryOverdue,
				Subject:     fmt.Sprintf("纠正措施 %s 已逾期", a.ActionCode),
				Body:        fmt.Sprintf("纠正措施 %s 已超过计划完成日期 %d 天", a.ActionCode, overdue[i].DaysOverdue),
				RefType:     "corrective_action",
				RefID:       a.ID,
				Data:        map[string]any{"daysOverdue": overdue[i].DaysOverdue},
			})
			if err != nil {
				h.logger.Warn("逾期通知创建失败", zap.String("actionCode", a.ActionCode), zap.Error(err))
			}
		}

		// 等待期已满的措施提醒验证人
		pending, err := h.source.GetPendingVerifications(ctx)
		if err != nil {
			h.logger.Error("待验证措施扫描失败", zap.Error(err))
			return err
		}

		metrics.PendingVerificationsGauge.Set(float64(len(pending)))
		for i := range pending {
			a := pending[i].Action
			if a.VerifierID == "" {
				continue
			}
			_, err := h.notifier.Create(ctx, notification.CreateRequest{
				RecipientID: a.VerifierID,
				Channel:     notification.ChannelWebSocket,
				Category:    notification.CategoryVerification,
				Subject:     fmt.Sprintf("纠正措施 %s 可进行有效性验证", a.ActionCode),
				Body: fmt.Sprintf("纠正措施 %s（发现项 %s）完成已满等待期，可进行有效性验证",
					a.ActionCode, pending[i].FindingCode),
				RefType: "corrective_action",
				RefID:   a.ID,
				Data:    map[string]any{"waitedDays": pending[i].WaitedDays},
			})
			if err != nil {
				h.logger.Warn("验证提醒创建失败", zap.String("actionCode", a.ActionCode), zap.Error(err))
			}
		}

		h.logger.Info("逾期措施扫描完成",
			zap.Int("overdue", len(overdue)),
			zap.Int("pendingVerification", len(pending)),
		)
		return nil
	})
}

func parseAsOf(payload []byte) (time.Time, error) {
	var p tasks.ScanOverduePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return time.Time{}, fmt.Errorf("json unmarshal failed: %w", err)
	}
	if p.AsOf == "" {
		return time.Now(), nil
	}
	asOf, err := time.Parse(time.RFC3339, p.AsOf)
	if err != nil {
		return time.Time{}, fmt.Errorf("as_of 时间格式无效: %w", err)
	}
	return asOf, nil
}
