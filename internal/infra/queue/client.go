package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueScanOverdueFindings(asOf string) error
	EnqueueScanOverdueActions(asOf string) error
	EnqueueEscalateDeadline(payload tasks.EscalateDeadlinePayload) error
	EnqueueDispatchNotification(notificationID, channel string) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) EnqueueScanOverdueFindings(asOf string) error {
	return c.enqueueScan(tasks.TypeScanOverdueFindings, asOf)
}

func (c *asynqClient) EnqueueScanOverdueActions(asOf string) error {
	return c.enqueueScan(tasks.TypeScanOverdueActions, asOf)
}

func (c *asynqClient) enqueueScan(taskType, asOf string) error {
	payload, err := json.Marshal(tasks.ScanOverduePayload{AsOf: asOf})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(taskType, payload)

	// 扫描为幂等任务，允许重试
	_, err = c.client.Enqueue(task,
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue("default"),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueEscalateDeadline(payload tasks.EscalateDeadlinePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeEscalateDeadline, data)

	// 升级提醒走高优先级队列
	_, err = c.client.Enqueue(task,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("critical"),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueDispatchNotification(notificationID, channel string) error {
	data, err := json.Marshal(tasks.DispatchNotificationPayload{
		NotificationID: notificationID,
		Channel:        channel,
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeDispatchNotification, data)

	_, err = c.client.Enqueue(task,
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute),
		asynq.Queue("low"),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
