package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"backend/internal/finding"
	"backend/internal/notification"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	findings []finding.OverdueFinding
	actions  []finding.OverdueAction
	pending  []finding.PendingVerification
	retErr   error
	asOf     time.Time
}

func (f *fakeSource) GetOverdueFindings(_ context.Context, asOf time.Time) ([]finding.OverdueFinding, error) {
	f.asOf = asOf
	return f.findings, f.retErr
}

func (f *fakeSource) GetOverdueActions(_ context.Context, asOf time.Time) ([]finding.OverdueAction, error) {
	f.asOf = asOf
	return f.actions, f.retErr
}

func (f *fakeSource) GetPendingVerifications(context.Context) ([]finding.PendingVerification, error) {
	return f.pending, f.retErr
}

type fakeCreator struct {
	created []notification.CreateRequest
	retErr  error
}

func (f *fakeCreator) Create(_ context.Context, req notification.CreateRequest) (*notification.Notification, error) {
	if f.retErr != nil {
		return nil, f.retErr
	}
	f.created = append(f.created, req)
	return &notification.Notification{ID: "n-1"}, nil
}

func scanTask(t *testing.T, taskType, asOf string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(tasks.ScanOverduePayload{AsOf: asOf})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(taskType, payload)
}

func TestHandleScanOverdueFindings_NotifiesResponsible(t *testing.T) {
	source := &fakeSource{
		findings: []finding.OverdueFinding{
			{
				Finding: finding.AuditFinding{
					ID:            "f-1",
					FindingCode:   "HAL-2025-001-01",
					ResponsibleID: "user-it",
				},
				DaysOverdue: 12,
			},
			{
				// 无责任人的发现项跳过通知
				Finding:     finding.AuditFinding{ID: "f-2", FindingCode: "HAL-2025-001-02"},
				DaysOverdue: 3,
			},
		},
	}
	creator := &fakeCreator{}
	h := NewOverdueHandler(source, creator, zaptest.NewLogger(t))

	task := scanTask(t, tasks.TypeScanOverdueFindings, "2025-06-01T09:00:00Z")
	if err := h.HandleScanOverdueFindings(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !source.asOf.Equal(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("as_of not propagated: %v", source.asOf)
	}
	if len(creator.created) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(creator.created))
	}
	req := creator.created[0]
	if req.RecipientID != "user-it" || req.Category != notification.CategoryOverdue || req.RefID != "f-1" {
		t.Fatalf("unexpected notification: %+v", req)
	}
}

func TestHandleScanOverdueActions_IncludesVerificationReminders(t *testing.T) {
	source := &fakeSource{
		actions: []finding.OverdueAction{
			{
				Action: finding.CorrectiveAction{
					ID:            "a-1",
					ActionCode:    "AC-2025-001",
					ResponsibleID: "user-it",
				},
				DaysOverdue: 5,
			},
		},
		pending: []finding.PendingVerification{
			{
				Action: finding.CorrectiveAction{
					ID:         "a-2",
					ActionCode: "AC-2025-002",
					VerifierID: "user-sec",
				},
				WaitedDays:  95,
				FindingCode: "HAL-2025-001-01",
			},
		},
	}
	creator := &fakeCreator{}
	h := NewOverdueHandler(source, creator, zaptest.NewLogger(t))

	task := scanTask(t, tasks.TypeScanOverdueActions, "")
	if err := h.HandleScanOverdueActions(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(creator.created) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(creator.created))
	}
	if creator.created[0].Category != notification.CategoryOverdue || creator.created[0].RecipientID != "user-it" {
		t.Fatalf("unexpected overdue notification: %+v", creator.created[0])
	}
	if creator.created[1].Category != notification.CategoryVerification || creator.created[1].RecipientID != "user-sec" {
		t.Fatalf("unexpected verification reminder: %+v", creator.created[1])
	}
}

func TestHandleScanOverdueFindings_SourceError(t *testing.T) {
	expectedErr := errors.New("db down")
	source := &fakeSource{retErr: expectedErr}
	h := NewOverdueHandler(source, &fakeCreator{}, zaptest.NewLogger(t))

	task := scanTask(t, tasks.TypeScanOverdueFindings, "")
	if err := h.HandleScanOverdueFindings(context.Background(), task); !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}

func TestHandleScanOverdueFindings_InvalidAsOf(t *testing.T) {
	h := NewOverdueHandler(&fakeSource{}, &fakeCreator{}, zaptest.NewLogger(t))
	task := scanTask(t, tasks.TypeScanOverdueFindings, "not-a-time")
	if err := h.HandleScanOverdueFindings(context.Background(), task); err == nil {
		t.Fatalf("expected error for invalid as_of")
	}
}

func TestHandleEscalateDeadline(t *testing.T) {
	creator := &fakeCreator{}
	h := NewEscalationHandler(creator, zaptest.NewLogger(t))

	payload, _ := json.Marshal(tasks.EscalateDeadlinePayload{
		EntityType: "finding",
		EntityID:   "f-1",
		Deadline:   "2025-07-01",
		EscalateTo: "user-ciso",
	})
	task := asynq.NewTask(tasks.TypeEscalateDeadline, payload)
	if err := h.HandleEscalateDeadline(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(creator.created) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(creator.created))
	}
	req := creator.created[0]
	if req.RecipientID != "user-ciso" || req.Category != notification.CategoryEscalation {
		t.Fatalf("unexpected notification: %+v", req)
	}
}

func TestHandleEscalateDeadline_MissingTarget(t *testing.T) {
	h := NewEscalationHandler(&fakeCreator{}, zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.EscalateDeadlinePayload{EntityType: "finding", EntityID: "f-1"})
	task := asynq.NewTask(tasks.TypeEscalateDeadline, payload)
	if err := h.HandleEscalateDeadline(context.Background(), task); err == nil {
		t.Fatalf("expected error when escalate_to missing")
	}
}

type fakeDispatcher struct {
	ids    []string
	retErr error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, notificationID string) error {
	f.ids = append(f.ids, notificationID)
	return f.retErr
}

func TestHandleDispatchNotification(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	h := NewNotificationHandler(dispatcher, zaptest.NewLogger(t))

	payload, _ := json.Marshal(tasks.DispatchNotificationPayload{NotificationID: "n-1", Channel: "email"})
	task := asynq.NewTask(tasks.TypeDispatchNotification, payload)
	if err := h.HandleDispatchNotification(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(dispatcher.ids) != 1 || dispatcher.ids[0] != "n-1" {
		t.Fatalf("dispatcher not invoked correctly: %v", dispatcher.ids)
	}
}

func TestHandleDispatchNotification_InvalidPayload(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	h := NewNotificationHandler(dispatcher, zaptest.NewLogger(t))

	task := asynq.NewTask(tasks.TypeDispatchNotification, []byte("not-json"))
	if err := h.HandleDispatchNotification(context.Background(), task); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
	if len(dispatcher.ids) != 0 {
		t.Fatalf("dispatcher should not be called on invalid payload")
	}
}
