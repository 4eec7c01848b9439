package notification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"backend/internal/common"
	"backend/internal/worker/tasks"
)

type fakeNotifier struct {
	sent   []*Notification
	retErr error
}

func (f *fakeNotifier) Send(_ context.Context, n *Notification) error {
	if f.retErr != nil {
		return f.retErr
	}
	copied := *n
	f.sent = append(f.sent, &copied)
	return nil
}

type fakeQueue struct {
	dispatched []string
}

func (f *fakeQueue) EnqueueScanOverdueFindings(string) error { return nil }
func (f *fakeQueue) EnqueueScanOverdueActions(string) error  { return nil }
func (f *fakeQueue) EnqueueEscalateDeadline(tasks.EscalateDeadlinePayload) error {
	return nil
}
func (f *fakeQueue) EnqueueDispatchNotification(notificationID, _ string) error {
	f.dispatched = append(f.dispatched, notificationID)
	return nil
}
func (f *fakeQueue) Close() error { return nil }

func setupTestService(t *testing.T, notifier Notifier) (*Service, *fakeQueue) {
	t.Helper()

	dsn := fmt.Sprintf("file:notification_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&Notification{}); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}

	q := &fakeQueue{}
	return NewService(db, q, notifier), q
}

func TestCreateEnqueuesDispatch(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, q := setupTestService(t, notifier)
	ctx := context.Background()

	n, err := svc.Create(ctx, CreateRequest{
		RecipientID: "user-ciso",
		Channel:     ChannelWebSocket,
		Category:    CategoryOverdue,
		Subject:     "发现项已逾期",
		Body:        "HAL-2025-001-01 已超过整改期限",
		RefType:     "finding",
		RefID:       "finding-1",
		Data:        map[string]any{"daysOverdue": 10},
	})
	if err != nil {
		t.Fatalf("创建通知失败: %v", err)
	}
	if n.Status != StatusPending {
		t.Fatalf("期望状态 PENDING，实际 %s", n.Status)
	}
	if len(q.dispatched) != 1 || q.dispatched[0] != n.ID {
		t.Fatalf("期望入队 1 条分发任务，实际 %v", q.dispatched)
	}
}

func TestDispatchMarksSentAndIsIdempotent(t *testing.T) {
	notifier := &fakeNotifier{}
	svc, _ := setupTestService(t, notifier)
	ctx := context.Background()

	n, err := svc.Create(ctx, CreateRequest{
		RecipientID: "user-1",
		Channel:     ChannelWebSocket,
		Category:    CategoryEscalation,
		Subject:     "截止日期临近",
	})
	if err != nil {
		t.Fatalf("创建通知失败: %v", err)
	}

	if err := svc.Dispatch(ctx, n.ID); err != nil {
		t.Fatalf("分发失败: %v", err)
	}
	var stored Notification
	if err := svc.GetDBWithContext(ctx).First(&stored, "id = ?", n.ID).Error; err != nil {
		t.Fatalf("查询通知失败: %v", err)
	}
	if stored.Status != StatusSent || stored.SentAt == nil {
		t.Fatalf("期望 SENT 且记录发送时间，实际 status=%s sentAt=%v", stored.Status, stored.SentAt)
	}

	// 重复分发应跳过，不再触发通知器
	if err := svc.Dispatch(ctx, n.ID); err != nil {
		t.Fatalf("重复分发失败: %v", err)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("期望仅发送 1 次，实际 %d 次", len(notifier.sent))
	}
}

func TestDispatchFailureRecordsError(t *testing.T) {
	notifier := &fakeNotifier{retErr: errors.New("smtp unreachable")}
	svc, _ := setupTestService(t, notifier)
	ctx := context.Background()

	n, err := svc.Create(ctx, CreateRequest{
		RecipientID: "user-1",
		Channel:     ChannelEmail,
		Category:    CategoryOverdue,
		Target:      "ciso@example.com",
		Subject:     "逾期提醒",
	})
	if err != nil {
		t.Fatalf("创建通知失败: %v", err)
	}

	err = svc.Dispatch(ctx, n.ID)
	if err == nil {
		t.Fatalf("期望分发返回错误")
	}
	var bizErr *common.BusinessError
	if !errors.As(err, &bizErr) || bizErr.Code != common.CodeNotifyDispatchFailed {
		t.Fatalf("期望错误码 %d，实际 %v", common.CodeNotifyDispatchFailed, err)
	}

	var stored Notification
	if err := svc.GetDBWithContext(ctx).First(&stored, "id = ?", n.ID).Error; err != nil {
		t.Fatalf("查询通知失败: %v", err)
	}
	if stored.Status != StatusFailed || stored.LastError == "" {
		t.Fatalf("期望 FAILED 且记录错误，实际 status=%s lastError=%q", stored.Status, stored.LastError)
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	svc, _ := setupTestService(t, &fakeNotifier{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		n, err := svc.Create(ctx, CreateRequest{
			RecipientID: "user-1",
			Channel:     ChannelWebSocket,
			Category:    CategoryApproval,
			Subject:     fmt.Sprintf("审批待办 %d", i+1),
		})
		if err != nil {
			t.Fatalf("创建通知失败: %v", err)
		}
		ids = append(ids, n.ID)
	}

	count, err := svc.CountUnread(ctx, "user-1")
	if err != nil || count != 3 {
		t.Fatalf("期望未读 3 条，实际 %d err=%v", count, err)
	}

	if err := svc.MarkRead(ctx, ids[0], "user-1"); err != nil {
		t.Fatalf("标记已读失败: %v", err)
	}
	// 错误的接收人不能标记
	if err := svc.MarkRead(ctx, ids[1], "user-2"); err == nil {
		t.Fatalf("期望非接收人标记失败")
	}

	affected, err := svc.MarkAllRead(ctx, "user-1")
	if err != nil || affected != 2 {
		t.Fatalf("期望批量标记 2 条，实际 %d err=%v", affected, err)
	}

	count, _ = svc.CountUnread(ctx, "user-1")
	if count != 0 {
		t.Fatalf("期望未读 0 条，实际 %d", count)
	}
}

func TestListUnreadOnly(t *testing.T) {
	svc, _ := setupTestService(t, &fakeNotifier{})
	ctx := context.Background()

	first, _ := svc.Create(ctx, CreateRequest{
		RecipientID: "user-1",
		Channel:     ChannelWebSocket,
		Category:    CategoryOverdue,
		Subject:     "逾期 1",
	})
	_, _ = svc.Create(ctx, CreateRequest{
		RecipientID: "user-1",
		Channel:     ChannelWebSocket,
		Category:    CategoryOverdue,
		Subject:     "逾期 2",
	})
	_ = svc.MarkRead(ctx, first.ID, "user-1")

	items, total, err := svc.List(ctx, &ListRequest{RecipientID: "user-1", UnreadOnly: true})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].Subject != "逾期 2" {
		t.Fatalf("期望仅剩未读「逾期 2」，实际 total=%d items=%d", total, len(items))
	}
}

func TestMemoryOfflineStore(t *testing.T) {
	store := NewMemoryOfflineStore(2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Append(ctx, "user-1", []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("写入离线消息失败: %v", err)
		}
	}

	messages, err := store.Drain(ctx, "user-1")
	if err != nil {
		t.Fatalf("读取离线消息失败: %v", err)
	}
	// 超出上限时保留最新的消息
	if len(messages) != 2 || string(messages[0]) != "msg-2" {
		t.Fatalf("期望保留最新 2 条，实际 %d 条 首条=%s", len(messages), messages[0])
	}

	again, _ := store.Drain(ctx, "user-1")
	if len(again) != 0 {
		t.Fatalf("期望重复读取为空，实际 %d 条", len(again))
	}
}
