package finding

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"backend/internal/audit"
	"backend/internal/config"
	"backend/internal/lifecycle"
)

func testComplianceConfig() config.ComplianceConfig {
	return config.ComplianceConfig{
		MajorNCDeadlineDays:     30,
		MinorNCDeadlineDays:     60,
		ObservationDeadlineDays: 90,
		OpportunityDeadlineDays: 120,
		VerificationWaitDays:    90,
		CoverageThreshold:       80,
		RecurrenceWindowDays:    730,
	}
}

func setupTestService(t *testing.T) (*Service, *lifecycle.Executor) {
	t.Helper()

	dsn := fmt.Sprintf("file:finding_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	err = db.AutoMigrate(&audit.Audit{}, &AuditFinding{}, &CorrectiveAction{}, &FindingHistory{})
	if err != nil {
		t.Fatalf("迁移失败: %v", err)
	}

	clock := lifecycle.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	executor := lifecycle.NewExecutor(db, clock)
	return NewService(db, executor, testComplianceConfig()), executor
}

func createTestAudit(t *testing.T, svc *Service) *audit.Audit {
	t.Helper()
	a := &audit.Audit{
		ID:        uuid.New().String(),
		AuditCode: "AUD-2025-001",
		Title:     "年度内审",
		AuditType: audit.TypeInternal,
		Status:    audit.StatusInProgress,
		CreatedBy: "user-lead",
	}
	if err := svc.GetDB().Create(a).Error; err != nil {
		t.Fatalf("创建审计失败: %v", err)
	}
	return a
}

func createTestFinding(t *testing.T, svc *Service, auditID string, mutate func(*CreateFindingRequest)) *AuditFinding {
	t.Helper()
	req := &CreateFindingRequest{
		Title:           "特权账号未定期评审",
		Description:     "域管理员账号超过半年未复核",
		FindingType:     TypeMinorNC,
		AffectedControl: "5.18",
		RaisedBy:        "user-aud",
		ResponsibleID:   "user-it",
	}
	if mutate != nil {
		mutate(req)
	}
	f, err := svc.CreateFinding(context.Background(), auditID, req)
	if err != nil {
		t.Fatalf("创建发现项失败: %v", err)
	}
	return f
}

func createTestAction(t *testing.T, svc *Service, findingID string, mutate func(*CreateActionRequest)) *CorrectiveAction {
	t.Helper()
	planned := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	req := &CreateActionRequest{
		Title:                 "建立季度特权账号评审流程",
		ResponsibleID:         "user-it",
		VerifierID:            "user-sec",
		PlannedCompletionDate: &planned,
	}
	if mutate != nil {
		mutate(req)
	}
	a, err := svc.CreateAction(context.Background(), findingID, req)
	if err != nil {
		t.Fatalf("创建纠正措施失败: %v", err)
	}
	return a
}

// driveActionToCompleted 推进措施到 COMPLETED
func driveActionToCompleted(t *testing.T, svc *Service, actionID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.UpdateProgress(ctx, actionID, &UpdateProgressRequest{Progress: 100, Actor: "user-it"}); err != nil {
		t.Fatalf("更新进度失败: %v", err)
	}
	if err := svc.Complete(ctx, actionID, &CompleteActionRequest{Actor: "user-it", Notes: "流程已上线并完成首轮评审"}); err != nil {
		t.Fatalf("完成措施失败: %v", err)
	}
}

func TestFindingCodeAndDeadlines(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)

	cases := []struct {
		ftype    FindingType
		wantDays int
	}{
		{TypeMajorNC, 30},
		{TypeMinorNC, 60},
		{TypeObservation, 90},
		{TypeOpportunity, 120},
	}
	for i, tc := range cases {
		f := createTestFinding(t, svc, a.ID, func(req *CreateFindingRequest) {
			req.FindingType = tc.ftype
		})
		wantCode := fmt.Sprintf("HAL-2025-001-%02d", i+1)
		if f.FindingCode != wantCode {
			t.Errorf("编号应为 %s, 实际为 %s", wantCode, f.FindingCode)
		}
		want := f.DetectionDate.AddDate(0, 0, tc.wantDays)
		if f.ClosureDeadline == nil || !f.ClosureDeadline.Equal(want) {
			t.Errorf("%s 的整改期限应为检测日期 + %d 天", tc.ftype, tc.wantDays)
		}
	}

	// 发现项创建后父审计计数被重算
	var parent audit.Audit
	if err := svc.GetDB().Where("id = ?", a.ID).First(&parent).Error; err != nil {
		t.Fatalf("查询审计失败: %v", err)
	}
	if parent.TotalFindings() != 4 || parent.MajorNCCount != 1 {
		t.Errorf("审计计数应已重算, 实际 total=%d major=%d", parent.TotalFindings(), parent.MajorNCCount)
	}
}

func TestCreateActionValidation(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	ctx := context.Background()

	planned := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.CreateAction(ctx, f.ID, &CreateActionRequest{
		Title: "自查", ResponsibleID: "user-it", VerifierID: "user-it",
		PlannedCompletionDate: &planned,
	}); err == nil {
		t.Error("验证人与责任人相同时应被拒绝")
	}

	past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.CreateAction(ctx, f.ID, &CreateActionRequest{
		Title: "补救", ResponsibleID: "user-it", VerifierID: "user-sec",
		PlannedCompletionDate: &past,
	}); err == nil {
		t.Error("计划完成日期早于当前时应被拒绝")
	}

	far := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.CreateAction(ctx, f.ID, &CreateActionRequest{
		Title: "长期计划", ResponsibleID: "user-it", VerifierID: "user-sec",
		PlannedCompletionDate: &far,
	}); err == nil {
		t.Error("计划完成日期超过一年时应被拒绝")
	}
}

func TestActionCreateCascadesFinding(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)

	action := createTestAction(t, svc, f.ID, nil)
	if action.ActionCode != "AC-2025-001" {
		t.Errorf("措施编号应为 AC-2025-001, 实际为 %s", action.ActionCode)
	}

	got, _ := svc.GetFinding(context.Background(), f.ID)
	if got.Status != StatusActionPlanPending {
		t.Errorf("制定措施后发现项应级联为 ACTION_PLAN_PENDING, 实际为 %s", got.Status)
	}

	// 再次创建措施不会重复级联
	createTestAction(t, svc, f.ID, func(req *CreateActionRequest) { req.Title = "补充培训" })
	got, _ = svc.GetFinding(context.Background(), f.ID)
	if got.Status != StatusActionPlanPending {
		t.Errorf("级联应幂等, 实际为 %s", got.Status)
	}
}

func TestProgressAutoStart(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	action := createTestAction(t, svc, f.ID, nil)
	ctx := context.Background()

	if _, err := svc.UpdateProgress(ctx, action.ID, &UpdateProgressRequest{Progress: 101, Actor: "user-it"}); err == nil {
		t.Error("进度超过 100 应被拒绝")
	}

	got, err := svc.UpdateProgress(ctx, action.ID, &UpdateProgressRequest{Progress: 30, Actor: "user-it", Notes: "流程草案完成"})
	if err != nil {
		t.Fatalf("更新进度失败: %v", err)
	}
	if got.Status != ActionInProgress {
		t.Errorf("进度大于 0 应自动进入 IN_PROGRESS, 实际为 %s", got.Status)
	}
	if got.ActualStartDate == nil {
		t.Error("自动启动时应记录实际开始时间")
	}
}

func TestCompleteRequiresFullProgressAndNotes(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	action := createTestAction(t, svc, f.ID, nil)
	ctx := context.Background()

	if _, err := svc.UpdateProgress(ctx, action.ID, &UpdateProgressRequest{Progress: 80, Actor: "user-it"}); err != nil {
		t.Fatalf("更新进度失败: %v", err)
	}

	err := svc.Complete(ctx, action.ID, &CompleteActionRequest{Actor: "user-it", Notes: "完成"})
	if err == nil {
		t.Fatal("进度不足 100 时完成应被拒绝")
	}
	lerr, ok := lifecycle.AsError(err)
	if !ok || lerr.Kind != lifecycle.KindGuardViolation {
		t.Fatalf("应返回守卫违规错误, 实际为 %v", err)
	}
}

func TestVerificationWaitWindow(t *testing.T) {
	svc, executor := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	action := createTestAction(t, svc, f.ID, nil)
	ctx := context.Background()

	driveActionToCompleted(t, svc, action.ID)
	completedAt := executor.Clock().Now()

	// 第 89 天：失败并报告还差 1 天
	day89 := completedAt.AddDate(0, 0, 89)
	svc89 := NewService(svc.GetDB(), lifecycle.NewExecutor(svc.GetDB(), lifecycle.NewFixedClock(day89)), testComplianceConfig())
	err := svc89.VerifyEffectiveness(ctx, action.ID, &VerifyActionRequest{Actor: "user-sec", Effective: true})
	if err == nil {
		t.Fatal("完成后第 89 天验证应被拒绝")
	}
	lerr, ok := lifecycle.AsError(err)
	if !ok || !strings.Contains(lerr.Error(), "还差 1 天") {
		t.Fatalf("违规信息应报告剩余 1 天, 实际为 %v", err)
	}

	// 非指定验证人同样被拒绝
	day90 := completedAt.AddDate(0, 0, 90)
	svc90 := NewService(svc.GetDB(), lifecycle.NewExecutor(svc.GetDB(), lifecycle.NewFixedClock(day90)), testComplianceConfig())
	if err := svc90.VerifyEffectiveness(ctx, action.ID, &VerifyActionRequest{Actor: "user-it", Effective: true}); err == nil {
		t.Fatal("非指定验证人不应能验证")
	}

	// 第 90 天由指定验证人验证成功
	if err := svc90.VerifyEffectiveness(ctx, action.ID, &VerifyActionRequest{Actor: "user-sec", Effective: true, Notes: "复核通过"}); err != nil {
		t.Fatalf("第 90 天验证应成功: %v", err)
	}
	got, _ := svc.GetAction(ctx, action.ID)
	if got.Status != ActionVerified || !got.EffectivenessVerified {
		t.Errorf("验证后应为 VERIFIED 且有效性确认, 实际 %s/%v", got.Status, got.EffectivenessVerified)
	}
}

func TestVerifyIneffectiveResetsAction(t *testing.T) {
	svc, executor := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	action := createTestAction(t, svc, f.ID, nil)
	ctx := context.Background()

	driveActionToCompleted(t, svc, action.ID)

	day90 := executor.Clock().Now().AddDate(0, 0, 90)
	svc90 := NewService(svc.GetDB(), lifecycle.NewExecutor(svc.GetDB(), lifecycle.NewFixedClock(day90)), testComplianceConfig())
	err := svc90.VerifyEffectiveness(ctx, action.ID, &VerifyActionRequest{
		Actor: "user-sec", Effective: false, Notes: "复核记录仍不完整",
	})
	if err != nil {
		t.Fatalf("无效验证处理失败: %v", err)
	}

	got, _ := svc.GetAction(ctx, action.ID)
	if got.Status != ActionInProgress {
		t.Errorf("无效后措施应回到 IN_PROGRESS, 实际为 %s", got.Status)
	}
	if got.Progress != 50 {
		t.Errorf("无效后进度应重置为 50, 实际为 %d", got.Progress)
	}
	if got.BlockingIssues != "复核记录仍不完整" {
		t.Errorf("应记录阻碍问题, 实际为 %q", got.BlockingIssues)
	}
}

func TestCascadeResolvedAndVerified(t *testing.T) {
	svc, executor := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	ctx := context.Background()

	a1 := createTestAction(t, svc, f.ID, nil)
	a2 := createTestAction(t, svc, f.ID, func(req *CreateActionRequest) { req.Title = "加固审批流程" })

	// 推进发现项到 IN_TREATMENT
	for _, target := range []lifecycle.Status{StatusActionPlanApproved, StatusInTreatment} {
		if err := svc.Transition(ctx, f.ID, &TransitionRequest{Target: target, Actor: "user-lead"}); err != nil {
			t.Fatalf("发现项流转到 %s 失败: %v", target, err)
		}
	}

	// 只完成一个措施：发现项不变
	driveActionToCompleted(t, svc, a1.ID)
	got, _ := svc.GetFinding(ctx, f.ID)
	if got.Status != StatusInTreatment {
		t.Errorf("部分完成时发现项应保持 IN_TREATMENT, 实际为 %s", got.Status)
	}

	// 全部完成：级联为 RESOLVED
	driveActionToCompleted(t, svc, a2.ID)
	got, _ = svc.GetFinding(ctx, f.ID)
	if got.Status != StatusResolved {
		t.Errorf("全部完成后发现项应级联为 RESOLVED, 实际为 %s", got.Status)
	}

	// 全部验证有效：级联为 VERIFIED
	day90 := executor.Clock().Now().AddDate(0, 0, 90)
	svc90 := NewService(svc.GetDB(), lifecycle.NewExecutor(svc.GetDB(), lifecycle.NewFixedClock(day90)), testComplianceConfig())
	for _, id := range []string{a1.ID, a2.ID} {
		if err := svc90.VerifyEffectiveness(ctx, id, &VerifyActionRequest{Actor: "user-sec", Effective: true}); err != nil {
			t.Fatalf("验证措施失败: %v", err)
		}
	}
	got, _ = svc.GetFinding(ctx, f.ID)
	if got.Status != StatusVerified {
		t.Errorf("全部验证后发现项应级联为 VERIFIED, 实际为 %s", got.Status)
	}
}

func TestClosedNamesUnverifiedAction(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	ctx := context.Background()

	a1 := createTestAction(t, svc, f.ID, nil)
	createTestAction(t, svc, f.ID, func(req *CreateActionRequest) { req.Title = "第二项措施" })

	// 直接构造：一个已验证、一个未验证
	if err := svc.GetDB().Model(&CorrectiveAction{}).Where("id = ?", a1.ID).
		Updates(map[string]any{"status": ActionVerified, "effectiveness_verified": true}).Error; err != nil {
		t.Fatalf("更新措施失败: %v", err)
	}
	if err := svc.GetDB().Model(&AuditFinding{}).Where("id = ?", f.ID).
		Update("status", StatusVerified).Error; err != nil {
		t.Fatalf("更新发现项失败: %v", err)
	}

	violations, err := svc.ValidateClosure(ctx, f.ID)
	if err != nil {
		t.Fatalf("关闭条件试算失败: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("应有 1 条违规, 实际为 %d", len(violations))
	}
	if !strings.Contains(violations[0].Message, "AC-2025-002") {
		t.Errorf("违规信息应指出未验证的措施编号, 实际为 %s", violations[0].Message)
	}

	err = svc.Transition(ctx, f.ID, &TransitionRequest{Target: StatusClosed, Actor: "user-lead"})
	if err == nil {
		t.Fatal("存在未验证措施时关闭应被拒绝")
	}
}

func TestCascadeIdempotence(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	ctx := context.Background()

	action := createTestAction(t, svc, f.ID, nil)
	for _, target := range []lifecycle.Status{StatusActionPlanApproved, StatusInTreatment} {
		if err := svc.Transition(ctx, f.ID, &TransitionRequest{Target: target, Actor: "user-lead"}); err != nil {
			t.Fatalf("发现项流转失败: %v", err)
		}
	}
	driveActionToCompleted(t, svc, action.ID)

	var before int64
	svc.GetDB().Model(&FindingHistory{}).Where("entity_id = ?", f.ID).Count(&before)

	// 重放级联：状态已是 RESOLVED，无新流转、无新历史
	err := svc.Transaction(ctx, func(tx *gorm.DB) error {
		return svc.cascadeAfterActionChange(ctx, tx, action.ID, "user-it", time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("重放级联失败: %v", err)
	}

	var after int64
	svc.GetDB().Model(&FindingHistory{}).Where("entity_id = ?", f.ID).Count(&after)
	if before != after {
		t.Errorf("级联重放不应产生新的历史记录: %d → %d", before, after)
	}
	got, _ := svc.GetFinding(ctx, f.ID)
	if got.Status != StatusResolved {
		t.Errorf("重放后状态应保持 RESOLVED, 实际为 %s", got.Status)
	}
}

func TestDeferRequiresJustification(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)
	f := createTestFinding(t, svc, a.ID, nil)
	ctx := context.Background()

	if err := svc.Defer(ctx, f.ID, "user-lead", ""); err == nil {
		t.Fatal("无理由的延期应被拒绝")
	}
	if err := svc.Defer(ctx, f.ID, "user-lead", "等待预算批复后再整改"); err != nil {
		t.Fatalf("延期失败: %v", err)
	}

	got, _ := svc.GetFinding(ctx, f.ID)
	if got.Status != StatusDeferred || got.DeferralJustification == "" {
		t.Errorf("延期后应为 DEFERRED 且记录理由")
	}

	// DEFERRED → OPEN
	if err := svc.Reopen(ctx, f.ID, "user-lead", "预算已批复"); err != nil {
		t.Fatalf("重新打开失败: %v", err)
	}
	got, _ = svc.GetFinding(ctx, f.ID)
	if got.Status != StatusOpen {
		t.Errorf("重新打开后应为 OPEN, 实际为 %s", got.Status)
	}
}

func TestRecurrenceAnalysis(t *testing.T) {
	svc, _ := setupTestService(t)
	a := createTestAudit(t, svc)
	ctx := context.Background()

	// 5 个发现项：#1、#3、#5 共享控制项 5.18，#2、#4 各不相同
	controls := []string{"5.18", "8.2", "5.18", "6.3", "5.18"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, control := range controls {
		detection := base.AddDate(0, i*3, 0)
		createTestFinding(t, svc, a.ID, func(req *CreateFindingRequest) {
			req.AffectedControl = control
			req.DetectionDate = &detection
		})
	}

	report, err := svc.AnalyzeRecurrence(ctx, 730)
	if err != nil {
		t.Fatalf("重复发生分析失败: %v", err)
	}
	if report.TotalFindings != 5 {
		t.Fatalf("窗口内应有 5 个发现项, 实际为 %d", report.TotalFindings)
	}
	if report.RecurrentCount != 2 {
		t.Errorf("重复发生数应为 2, 实际为 %d", report.RecurrentCount)
	}
	if report.RecurrenceRate != 40 {
		t.Errorf("重复发生率应为 40%%, 实际为 %.1f%%", report.RecurrenceRate)
	}
	if len(report.Groups["5.18"]) != 3 {
		t.Errorf("控制项 5.18 的分组应含 3 个发现项, 实际为 %d", len(report.Groups["5.18"]))
	}
}

func TestOverdueQueries(t *testing.T) {
	svc, executor := setupTestService(t)
	a := createTestAudit(t, svc)
	ctx := context.Background()

	// MAJOR_NC 检测于 40 天前，SLA 30 天 → 逾期约 10 天
	detection := executor.Clock().Now().AddDate(0, 0, -40)
	f := createTestFinding(t, svc, a.ID, func(req *CreateFindingRequest) {
		req.FindingType = TypeMajorNC
		req.DetectionDate = &detection
	})
	// OBSERVATION 同日检测，SLA 90 天 → 未逾期
	createTestFinding(t, svc, a.ID, func(req *CreateFindingRequest) {
		req.FindingType = TypeObservation
		req.DetectionDate = &detection
	})

	overdue, err := svc.GetOverdueFindings(ctx, executor.Clock().Now())
	if err != nil {
		t.Fatalf("查询逾期发现项失败: %v", err)
	}
	if len(overdue) != 1 || overdue[0].Finding.ID != f.ID {
		t.Fatalf("应只有 1 个逾期发现项")
	}
	if overdue[0].DaysOverdue != 10 {
		t.Errorf("逾期天数应为 10, 实际为 %d", overdue[0].DaysOverdue)
	}

	// 措施计划完成日期已过
	action := createTestAction(t, svc, f.ID, nil)
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	overdueActions, err := svc.GetOverdueActions(ctx, asOf)
	if err != nil {
		t.Fatalf("查询逾期措施失败: %v", err)
	}
	if len(overdueActions) != 1 || overdueActions[0].Action.ID != action.ID {
		t.Fatalf("应只有 1 个逾期措施")
	}
}
