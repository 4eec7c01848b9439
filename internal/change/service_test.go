package change

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"backend/internal/lifecycle"
)

func setupTestService(t *testing.T) (*Service, lifecycle.FixedClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:change_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	err = db.AutoMigrate(
		&Change{}, &ChangeApproval{}, &ChangeTask{},
		&ChangeHistory{}, &ChangeRiskAssessment{}, &ChangeReview{},
	)
	if err != nil {
		t.Fatalf("迁移失败: %v", err)
	}

	clock := lifecycle.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	executor := lifecycle.NewExecutor(db, clock)
	return NewService(db, executor), clock
}

func createTestChange(t *testing.T, svc *Service, mutate func(*CreateChangeRequest)) *Change {
	t.Helper()
	req := &CreateChangeRequest{
		Title:              "升级防火墙固件",
		Description:        "将边界防火墙固件升级到最新稳定版",
		Justification:      "修复已知远程代码执行漏洞",
		ChangeType:         TypeNormal,
		Priority:           PriorityHigh,
		RequesterID:        "user-req",
		ImplementationPlan: "按变更窗口分批升级固件",
		RollbackPlan:       "回退到当前固件镜像",
	}
	if mutate != nil {
		mutate(req)
	}
	c, err := svc.CreateChange(context.Background(), req)
	if err != nil {
		t.Fatalf("创建变更失败: %v", err)
	}
	return c
}

func mustTransition(t *testing.T, svc *Service, id string, target lifecycle.Status) {
	t.Helper()
	err := svc.Transition(context.Background(), id, &TransitionRequest{
		Target: target, Actor: "user-admin",
	})
	if err != nil {
		t.Fatalf("流转到 %s 失败: %v", target, err)
	}
}

func assessTestRisk(t *testing.T, svc *Service, id string) {
	t.Helper()
	if _, err := svc.AssessRisk(context.Background(), id, &AssessRiskRequest{
		Probability: 2, Impact: 3, AssessedBy: "user-risk",
	}); err != nil {
		t.Fatalf("风险评估失败: %v", err)
	}
}

func addTestTask(t *testing.T, svc *Service, id, title string, critical bool) *ChangeTask {
	t.Helper()
	task, err := svc.AddTask(context.Background(), id, &AddTaskRequest{
		Title: title, IsCritical: critical,
	})
	if err != nil {
		t.Fatalf("添加任务失败: %v", err)
	}
	return task
}

func TestCreateChangeCode(t *testing.T) {
	svc, _ := setupTestService(t)

	c1 := createTestChange(t, svc, nil)
	c2 := createTestChange(t, svc, nil)

	if c1.ChangeCode != "CHG-2025-0001" {
		t.Errorf("首个变更编号应为 CHG-2025-0001, 实际为 %s", c1.ChangeCode)
	}
	if c2.ChangeCode != "CHG-2025-0002" {
		t.Errorf("第二个变更编号应为 CHG-2025-0002, 实际为 %s", c2.ChangeCode)
	}
	if c1.Status != StatusDraft {
		t.Errorf("新建变更应为 DRAFT 状态, 实际为 %s", c1.Status)
	}
}

func TestApprovalRequiredFalsePersisted(t *testing.T) {
	svc, _ := setupTestService(t)
	c := createTestChange(t, svc, func(req *CreateChangeRequest) {
		approvalRequired := false
		req.ApprovalRequired = &approvalRequired
	})

	got, err := svc.GetChange(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("查询变更失败: %v", err)
	}
	if got.ApprovalRequired {
		t.Error("approval_required=false 应原样落库")
	}
	if got.ApprovalConsensus() != ConsensusNotRequired {
		t.Errorf("不需审批时共识应为 not_required, 实际为 %s", got.ApprovalConsensus())
	}
}

func TestTransitionTableMatchesWorkflow(t *testing.T) {
	svc, _ := setupTestService(t)
	m := svc.Machine()

	edges := []struct {
		from, to lifecycle.Status
	}{
		{StatusUnderReview, StatusRejected},
		{StatusInProgress, StatusFailed},
		{StatusUnderValidation, StatusClosed},
		{StatusUnderValidation, StatusFailed},
		{StatusUnderValidation, StatusRolledBack},
		{StatusFailed, StatusDraft},
		{StatusFailed, StatusRolledBack},
		{StatusRolledBack, StatusDraft},
	}
	for _, e := range edges {
		if !m.CanTransition(e.from, e.to) {
			t.Errorf("应允许 %s → %s", e.from, e.to)
		}
	}

	if m.IsTerminal(StatusRolledBack) || m.IsTerminal(StatusFailed) {
		t.Error("FAILED 与 ROLLED_BACK 可重新发起，不应是终态")
	}
	if !m.IsTerminal(StatusClosed) || !m.IsTerminal(StatusCancelled) {
		t.Error("CLOSED 与 CANCELLED 应为终态")
	}
	if m.CanTransition(StatusPendingApproval, StatusCancelled) {
		t.Error("PENDING_APPROVAL 只能转向 APPROVED/REJECTED")
	}
}

func TestSubmitSeedsTechnicalApproval(t *testing.T) {
	svc, _ := setupTestService(t)
	c := createTestChange(t, svc, nil)

	if err := svc.Submit(context.Background(), c.ID, "user-req", "user-tech"); err != nil {
		t.Fatalf("提交变更失败: %v", err)
	}

	got, err := svc.GetChange(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("查询变更失败: %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Errorf("提交后状态应为 SUBMITTED, 实际为 %s", got.Status)
	}
	if len(got.Approvals) != 1 {
		t.Fatalf("提交后应有 1 条技术审批, 实际为 %d", len(got.Approvals))
	}
	if got.Approvals[0].ApprovalType != ApprovalTypeTechnical || got.Approvals[0].Status != ApprovalPending {
		t.Errorf("审批环节应为待决定的 TECHNICAL, 实际为 %s/%s",
			got.Approvals[0].ApprovalType, got.Approvals[0].Status)
	}
}

func TestSubmitGuardAggregatesAllViolations(t *testing.T) {
	svc, _ := setupTestService(t)
	c := createTestChange(t, svc, func(req *CreateChangeRequest) {
		req.Description = ""
		req.Justification = ""
		req.ImplementationPlan = ""
		req.RollbackPlan = ""
	})

	err := svc.Transition(context.Background(), c.ID, &TransitionRequest{
		Target: StatusSubmitted, Actor: "user-req",
	})
	if err == nil {
		t.Fatal("描述、理由、实施与回滚方案为空时提交应被拒绝")
	}

	lerr, ok := lifecycle.AsError(err)
	if !ok || lerr.Kind != lifecycle.KindGuardViolation {
		t.Fatalf("应返回守卫违规错误, 实际为 %v", err)
	}
	if len(lerr.Violations) != 4 {
		t.Errorf("应聚合全部 4 条违规, 实际为 %d: %v", len(lerr.Violations), lerr.Violations)
	}
}

func TestSubmitRequiresRollbackPlan(t *testing.T) {
	svc, _ := setupTestService(t)
	c := createTestChange(t, svc, func(req *CreateChangeRequest) {
		req.RollbackPlan = ""
	})

	err := svc.Transition(context.Background(), c.ID, &TransitionRequest{
		Target: StatusSubmitted, Actor: "user-req",
	})
	if err == nil {
		t.Fatal("回滚方案为空时提交应被拒绝")
	}
	lerr, ok := lifecycle.AsError(err)
	if !ok || lerr.Kind != lifecycle.KindGuardViolation {
		t.Fatalf("应返回守卫违规错误, 实际为 %v", err)
	}
	if !strings.Contains(lerr.Error(), "rollback_plan") {
		t.Errorf("违规信息应指向 rollback_plan: %s", lerr.Error())
	}
}

func TestApprovalConsensusOrderings(t *testing.T) {
	cases := []struct {
		name     string
		statuses []ApprovalStatus
		want     string
	}{
		{"全部批准", []ApprovalStatus{ApprovalApproved, ApprovalApproved}, ConsensusApproved},
		{"任一拒绝即拒绝", []ApprovalStatus{ApprovalApproved, ApprovalRejected, ApprovalApproved}, ConsensusRejected},
		{"拒绝在前", []ApprovalStatus{ApprovalRejected, ApprovalPending}, ConsensusRejected},
		{"仍有待决定", []ApprovalStatus{ApprovalApproved, ApprovalPending}, ConsensusPending},
		{"无审批记录", nil, ConsensusPending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Change{ApprovalRequired: true}
			for _, st := range tc.statuses {
				c.Approvals = append(c.Approvals, ChangeApproval{Status: st})
			}
			if got := c.ApprovalConsensus(); got != tc.want {
				t.Errorf("共识应为 %s, 实际为 %s", tc.want, got)
			}
		})
	}

	c := &Change{ApprovalRequired: false}
	if got := c.ApprovalConsensus(); got != ConsensusNotRequired {
		t.Errorf("不需审批时共识应为 not_required, 实际为 %s", got)
	}
}

func TestDecideApprovalAutoAdvance(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, nil)

	if err := svc.Submit(ctx, c.ID, "user-req", "user-tech"); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	mustTransition(t, svc, c.ID, StatusUnderReview)

	sec, err := svc.AddApproval(ctx, c.ID, &AddApprovalRequest{
		ApprovalType: ApprovalTypeSecurity, ApproverID: "user-sec",
	})
	if err != nil {
		t.Fatalf("新增安全审批失败: %v", err)
	}
	assessTestRisk(t, svc, c.ID)
	mustTransition(t, svc, c.ID, StatusPendingApproval)

	got, _ := svc.GetChange(ctx, c.ID)
	var techID string
	for _, a := range got.Approvals {
		if a.ApprovalType == ApprovalTypeTechnical {
			techID = a.ID
		}
	}

	// 第一个批准后仍为待审批
	if _, err := svc.DecideApproval(ctx, techID, &DecideApprovalRequest{
		Decision: ApprovalApproved, Actor: "user-tech",
	}); err != nil {
		t.Fatalf("技术审批失败: %v", err)
	}
	got, _ = svc.GetChange(ctx, c.ID)
	if got.Status != StatusPendingApproval {
		t.Errorf("部分批准后应仍为 PENDING_APPROVAL, 实际为 %s", got.Status)
	}

	// 全部批准后自动转为 APPROVED
	if _, err := svc.DecideApproval(ctx, sec.ID, &DecideApprovalRequest{
		Decision: ApprovalApproved, Actor: "user-sec",
	}); err != nil {
		t.Fatalf("安全审批失败: %v", err)
	}
	got, _ = svc.GetChange(ctx, c.ID)
	if got.Status != StatusApproved {
		t.Errorf("全部批准后应自动转为 APPROVED, 实际为 %s", got.Status)
	}
}

func TestDecideApprovalRejectWins(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, nil)

	if err := svc.Submit(ctx, c.ID, "user-req", "user-tech"); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	mustTransition(t, svc, c.ID, StatusUnderReview)
	assessTestRisk(t, svc, c.ID)
	mustTransition(t, svc, c.ID, StatusPendingApproval)

	got, _ := svc.GetChange(ctx, c.ID)
	if _, err := svc.DecideApproval(ctx, got.Approvals[0].ID, &DecideApprovalRequest{
		Decision: ApprovalRejected, Actor: "user-tech", Comments: "实施窗口有冲突",
	}); err != nil {
		t.Fatalf("拒绝审批失败: %v", err)
	}

	got, _ = svc.GetChange(ctx, c.ID)
	if got.Status != StatusRejected {
		t.Errorf("拒绝后变更应自动转为 REJECTED, 实际为 %s", got.Status)
	}
}

func TestDecideApprovalDelegation(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, nil)

	if err := svc.Submit(ctx, c.ID, "user-req", "user-tech"); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	mustTransition(t, svc, c.ID, StatusUnderReview)
	assessTestRisk(t, svc, c.ID)
	mustTransition(t, svc, c.ID, StatusPendingApproval)

	got, _ := svc.GetChange(ctx, c.ID)
	approvalID := got.Approvals[0].ID
	if _, err := svc.DecideApproval(ctx, approvalID, &DecideApprovalRequest{
		Decision: ApprovalDelegated, Actor: "user-tech", DelegatedTo: "user-lead",
	}); err != nil {
		t.Fatalf("委派失败: %v", err)
	}

	// 委派改派同一条审批记录：原审批人出队，受托人入队
	got, _ = svc.GetChange(ctx, c.ID)
	if got.Status != StatusPendingApproval {
		t.Errorf("委派后应仍为 PENDING_APPROVAL, 实际为 %s", got.Status)
	}
	if len(got.Approvals) != 1 {
		t.Fatalf("委派不应新增审批记录, 实际为 %d 条", len(got.Approvals))
	}
	if got.Approvals[0].ApproverID != "user-lead" || got.Approvals[0].DelegatedTo != "user-lead" {
		t.Errorf("审批应改派给 user-lead, 实际为 %s", got.Approvals[0].ApproverID)
	}
	pending, err := svc.ListPendingApprovals(ctx, "user-lead")
	if err != nil {
		t.Fatalf("查询受托人待办失败: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("受托人应有 1 条待决定审批, 实际为 %d", len(pending))
	}
	old, err := svc.ListPendingApprovals(ctx, "user-tech")
	if err != nil {
		t.Fatalf("查询原审批人待办失败: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("原审批人不应再有待决定审批, 实际为 %d", len(old))
	}

	// 原审批人已无权决定
	if _, err := svc.DecideApproval(ctx, approvalID, &DecideApprovalRequest{
		Decision: ApprovalApproved, Actor: "user-tech",
	}); err == nil {
		t.Error("改派后原审批人做决定应被拒绝")
	}

	// 受托人批准后共识成立，变更转为 APPROVED
	if _, err := svc.DecideApproval(ctx, approvalID, &DecideApprovalRequest{
		Decision: ApprovalApproved, Actor: "user-lead",
	}); err != nil {
		t.Fatalf("受托人审批失败: %v", err)
	}
	got, _ = svc.GetChange(ctx, c.ID)
	if got.Status != StatusApproved {
		t.Errorf("受托人批准后变更应转为 APPROVED, 实际为 %s", got.Status)
	}
}

func TestRiskAssessmentRequiredBeforeApproval(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, nil)

	if err := svc.Submit(ctx, c.ID, "user-req", "user-tech"); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	mustTransition(t, svc, c.ID, StatusUnderReview)

	err := svc.Transition(ctx, c.ID, &TransitionRequest{Target: StatusPendingApproval, Actor: "user-admin"})
	if err == nil {
		t.Fatal("未做风险评估时进入待审批应被拒绝")
	}
	lerr, ok := lifecycle.AsError(err)
	if !ok || lerr.Kind != lifecycle.KindGuardViolation {
		t.Fatalf("应返回守卫违规错误, 实际为 %v", err)
	}

	assessTestRisk(t, svc, c.ID)
	mustTransition(t, svc, c.ID, StatusPendingApproval)
}

func TestTasksRequiredBeforeInProgress(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, func(req *CreateChangeRequest) {
		approvalRequired := false
		req.ApprovalRequired = &approvalRequired
		start := clock.T.AddDate(0, 0, 1)
		end := clock.T.AddDate(0, 0, 2)
		req.PlannedStartDate = &start
		req.PlannedEndDate = &end
	})

	mustTransition(t, svc, c.ID, StatusSubmitted)
	mustTransition(t, svc, c.ID, StatusUnderReview)
	assessTestRisk(t, svc, c.ID)
	mustTransition(t, svc, c.ID, StatusPendingApproval)
	mustTransition(t, svc, c.ID, StatusApproved)
	mustTransition(t, svc, c.ID, StatusScheduled)

	err := svc.Transition(ctx, c.ID, &TransitionRequest{Target: StatusInProgress, Actor: "user-admin"})
	if err == nil {
		t.Fatal("没有实施任务时开始执行应被拒绝")
	}
	lerr, ok := lifecycle.AsError(err)
	if !ok || lerr.Kind != lifecycle.KindGuardViolation {
		t.Fatalf("应返回守卫违规错误, 实际为 %v", err)
	}

	addTestTask(t, svc, c.ID, "升级固件", false)
	mustTransition(t, svc, c.ID, StatusInProgress)
}

func TestCriticalTaskGate(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, func(req *CreateChangeRequest) {
		approvalRequired := false
		req.ApprovalRequired = &approvalRequired
		start := clock.T.AddDate(0, 0, 1)
		end := clock.T.AddDate(0, 0, 2)
		req.PlannedStartDate = &start
		req.PlannedEndDate = &end
	})

	mustTransition(t, svc, c.ID, StatusSubmitted)
	mustTransition(t, svc, c.ID, StatusUnderReview)
	assessTestRisk(t, svc, c.ID)
	mustTransition(t, svc, c.ID, StatusPendingApproval)
	mustTransition(t, svc, c.ID, StatusApproved)
	mustTransition(t, svc, c.ID, StatusScheduled)

	critical := addTestTask(t, svc, c.ID, "切换流量", true)
	addTestTask(t, svc, c.ID, "更新文档", false)
	mustTransition(t, svc, c.ID, StatusInProgress)

	// 关键任务未完成时不可进入 IMPLEMENTED
	err := svc.Transition(ctx, c.ID, &TransitionRequest{Target: StatusImplemented, Actor: "user-admin"})
	if err == nil {
		t.Fatal("关键任务未完成时流转应被拒绝")
	}
	lerr, ok := lifecycle.AsError(err)
	if !ok || lerr.Kind != lifecycle.KindGuardViolation {
		t.Fatalf("应返回守卫违规错误, 实际为 %v", err)
	}
	if !strings.Contains(lerr.Error(), "切换流量") {
		t.Errorf("违规信息应指出未完成的关键任务: %s", lerr.Error())
	}

	// 取消不等于完成：取消的关键任务同样阻塞
	if _, err := svc.UpdateTaskStatus(ctx, critical.ID, TaskCancelled); err != nil {
		t.Fatalf("取消任务失败: %v", err)
	}
	err = svc.Transition(ctx, c.ID, &TransitionRequest{Target: StatusImplemented, Actor: "user-admin"})
	if err == nil {
		t.Fatal("关键任务被取消时流转仍应被拒绝")
	}

	if _, err := svc.UpdateTaskStatus(ctx, critical.ID, TaskCompleted); err != nil {
		t.Fatalf("完成任务失败: %v", err)
	}
	mustTransition(t, svc, c.ID, StatusImplemented)

	got, _ := svc.GetChange(ctx, c.ID)
	if got.ActualEndDate == nil || !got.ActualEndDate.Equal(clock.T) {
		t.Errorf("进入 IMPLEMENTED 应记录实际结束时间")
	}
	if got.CompletionPercentage() != 50 {
		t.Errorf("完成度应为 50, 实际为 %d", got.CompletionPercentage())
	}
}

func TestCloseRequiresPostImplementationReview(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, func(req *CreateChangeRequest) {
		approvalRequired := false
		req.ApprovalRequired = &approvalRequired
		start := clock.T.AddDate(0, 0, 1)
		end := clock.T.AddDate(0, 0, 2)
		req.PlannedStartDate = &start
		req.PlannedEndDate = &end
	})

	mustTransition(t, svc, c.ID, StatusSubmitted)
	mustTransition(t, svc, c.ID, StatusUnderReview)
	assessTestRisk(t, svc, c.ID)
	mustTransition(t, svc, c.ID, StatusPendingApproval)
	mustTransition(t, svc, c.ID, StatusApproved)
	mustTransition(t, svc, c.ID, StatusScheduled)

	task := addTestTask(t, svc, c.ID, "升级固件", true)
	mustTransition(t, svc, c.ID, StatusInProgress)
	if _, err := svc.UpdateTaskStatus(ctx, task.ID, TaskCompleted); err != nil {
		t.Fatalf("完成任务失败: %v", err)
	}

	// 实施阶段补充实施记录，满足进入验证的前提
	notes := "升级完成，服务恢复正常"
	if _, err := svc.UpdateChange(ctx, c.ID, "user-admin", &UpdateChangeRequest{
		ImplementationNotes: &notes,
	}); err != nil {
		t.Fatalf("补充实施记录失败: %v", err)
	}
	mustTransition(t, svc, c.ID, StatusImplemented)
	mustTransition(t, svc, c.ID, StatusUnderValidation)

	err := svc.Transition(ctx, c.ID, &TransitionRequest{Target: StatusClosed, Actor: "user-admin"})
	if err == nil {
		t.Fatal("未做实施后评审时关闭应被拒绝")
	}
	lerr, ok := lifecycle.AsError(err)
	if !ok || lerr.Kind != lifecycle.KindGuardViolation {
		t.Fatalf("应返回守卫违规错误, 实际为 %v", err)
	}

	if _, err := svc.AddReview(ctx, c.ID, &AddReviewRequest{
		Outcome: "SUCCESSFUL", ReviewedBy: "user-ciso",
	}); err != nil {
		t.Fatalf("记录实施后评审失败: %v", err)
	}
	mustTransition(t, svc, c.ID, StatusClosed)

	got, _ := svc.GetChange(ctx, c.ID)
	if got.ClosureDate == nil || !got.ClosureDate.Equal(clock.T) {
		t.Errorf("关闭应记录关闭时间")
	}
}

func TestTransitionDateStampsAndHistory(t *testing.T) {
	svc, clock := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, func(req *CreateChangeRequest) {
		approvalRequired := false
		req.ApprovalRequired = &approvalRequired
		start := clock.T.AddDate(0, 0, 1)
		end := clock.T.AddDate(0, 0, 2)
		req.PlannedStartDate = &start
		req.PlannedEndDate = &end
	})

	mustTransition(t, svc, c.ID, StatusSubmitted)
	mustTransition(t, svc, c.ID, StatusUnderReview)
	assessTestRisk(t, svc, c.ID)
	mustTransition(t, svc, c.ID, StatusPendingApproval)
	mustTransition(t, svc, c.ID, StatusApproved)
	mustTransition(t, svc, c.ID, StatusScheduled)
	addTestTask(t, svc, c.ID, "升级固件", false)
	mustTransition(t, svc, c.ID, StatusInProgress)

	got, _ := svc.GetChange(ctx, c.ID)
	if got.ActualStartDate == nil || !got.ActualStartDate.Equal(clock.T) {
		t.Errorf("进入 IN_PROGRESS 应记录实际开始时间")
	}

	history, err := svc.GetHistory(ctx, c.ID)
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("应有 6 条状态历史, 实际为 %d", len(history))
	}
	for _, h := range history {
		if h.FieldChanged != HistoryFieldStatus {
			t.Errorf("状态历史 field_changed 应为 STATUS, 实际为 %s", h.FieldChanged)
		}
	}
}

func TestUpdateChangeOnlyEditable(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, nil)

	newTitle := "升级核心交换机固件"
	if _, err := svc.UpdateChange(ctx, c.ID, "user-req", &UpdateChangeRequest{Title: &newTitle}); err != nil {
		t.Fatalf("DRAFT 状态下编辑失败: %v", err)
	}

	mustTransition(t, svc, c.ID, StatusSubmitted)
	mustTransition(t, svc, c.ID, StatusUnderReview)

	if _, err := svc.UpdateChange(ctx, c.ID, "user-req", &UpdateChangeRequest{Title: &newTitle}); err == nil {
		t.Fatal("UNDER_REVIEW 状态下编辑应被拒绝")
	}

	// 评审阶段也不允许补充过程记录
	notes := "提前写入"
	if _, err := svc.UpdateChange(ctx, c.ID, "user-req", &UpdateChangeRequest{
		ImplementationNotes: &notes,
	}); err == nil {
		t.Fatal("UNDER_REVIEW 状态下补充过程记录应被拒绝")
	}
}

func TestAssessRisk(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()
	c := createTestChange(t, svc, nil)

	cases := []struct {
		probability, impact int
		wantScore           int
		wantLevel           RiskLevel
	}{
		{2, 3, 6, RiskLow},
		{3, 4, 12, RiskMedium},
		{4, 5, 20, RiskHigh},
		{5, 5, 25, RiskCritical},
	}
	for _, tc := range cases {
		a, err := svc.AssessRisk(ctx, c.ID, &AssessRiskRequest{
			Probability: tc.probability, Impact: tc.impact, AssessedBy: "user-risk",
		})
		if err != nil {
			t.Fatalf("风险评估失败: %v", err)
		}
		if a.RiskScore != tc.wantScore || a.RiskLevel != tc.wantLevel {
			t.Errorf("评分 %d×%d 应为 %d/%s, 实际为 %d/%s",
				tc.probability, tc.impact, tc.wantScore, tc.wantLevel, a.RiskScore, a.RiskLevel)
		}
	}

	got, _ := svc.GetChange(ctx, c.ID)
	if got.RiskLevel != RiskCritical {
		t.Errorf("变更风险等级应随最新评估更新为 CRITICAL, 实际为 %s", got.RiskLevel)
	}

	if _, err := svc.AssessRisk(ctx, c.ID, &AssessRiskRequest{
		Probability: 0, Impact: 3, AssessedBy: "user-risk",
	}); err == nil {
		t.Error("概率超出 1-5 范围时应被拒绝")
	}
}

func TestRollbackRequiresPlan(t *testing.T) {
	clock := lifecycle.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	m := NewChangeMachine(clock)
	ctx := context.Background()

	violations := m.EvaluateGuards(ctx, StatusRolledBack, &Change{Status: StatusInProgress})
	if len(violations) == 0 {
		t.Fatal("无回滚方案时回滚应被守卫拦截")
	}

	violations = m.EvaluateGuards(ctx, StatusRolledBack, &Change{
		Status: StatusInProgress, RollbackPlan: "回退到当前固件镜像",
	})
	if len(violations) != 0 {
		t.Errorf("有回滚方案时不应有违规: %v", violations)
	}
}
