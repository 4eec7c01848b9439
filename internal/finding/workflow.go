package finding

import (
	"context"
	"fmt"
	"time"

	"backend/internal/lifecycle"
)

// findingDefinition 发现项状态机
// 终态：CLOSED
var findingDefinition = lifecycle.Definition{
	Entity: lifecycle.EntityFinding,
	Transitions: map[lifecycle.Status][]lifecycle.Status{
		StatusOpen:               {StatusActionPlanPending, StatusActionPlanApproved, StatusDeferred},
		StatusActionPlanPending:  {StatusActionPlanApproved, StatusOpen},
		StatusActionPlanApproved: {StatusInTreatment},
		StatusInTreatment:        {StatusResolved},
		StatusResolved:           {StatusVerified, StatusInTreatment},
		StatusVerified:           {StatusClosed},
		StatusDeferred:           {StatusOpen},
	},
	Terminal: map[lifecycle.Status]bool{
		StatusClosed: true,
	},
}

// actionDefinition 纠正措施状态机
// 终态：VERIFIED、REJECTED、CANCELLED
var actionDefinition = lifecycle.Definition{
	Entity: lifecycle.EntityCorrectiveAction,
	Transitions: map[lifecycle.Status][]lifecycle.Status{
		ActionPlanned:    {ActionInProgress, ActionRejected, ActionCancelled},
		ActionInProgress: {ActionCompleted, ActionCancelled},
		ActionCompleted:  {ActionVerified, ActionInProgress},
	},
	Terminal: map[lifecycle.Status]bool{
		ActionVerified:  true,
		ActionRejected:  true,
		ActionCancelled: true,
	},
}

// findingSubject 发现项守卫评估主体
// PendingJustification 携带本次流转随同写入的延期理由
type findingSubject struct {
	Finding              *AuditFinding
	PendingJustification string
}

// GuardParams 自定义守卫规则的表达式参数
func (s *findingSubject) GuardParams() map[string]any {
	return s.Finding.GuardParams()
}

// actionSubject 纠正措施守卫评估主体
// 携带本次操作的执行人、完成说明与时钟快照
type actionSubject struct {
	Action          *CorrectiveAction
	Actor           string
	CompletionNotes string
	Now             time.Time
	WaitDays        int
}

// GuardParams 自定义守卫规则的表达式参数
func (s *actionSubject) GuardParams() map[string]any {
	return map[string]any{
		"status":                 string(s.Action.Status),
		"progress":               s.Action.Progress,
		"effectiveness_verified": s.Action.EffectivenessVerified,
	}
}

// NewFindingMachine 构建带守卫的发现项状态机
func NewFindingMachine() *lifecycle.Machine {
	m := lifecycle.NewMachine(findingDefinition)

	m.RegisterGuard(StatusActionPlanApproved, lifecycle.NewGuard("action_plan_exists", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*findingSubject)
		if activeActionCount(s.Finding.Actions) == 0 {
			return lifecycle.Fail("action_plan_exists", "尚未制定任何纠正措施")
		}
		return nil
	}))

	m.RegisterGuard(StatusResolved, lifecycle.NewGuard("actions_completed", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*findingSubject)
		for _, a := range s.Finding.Actions {
			if a.Status == ActionCompleted || a.Status == ActionVerified {
				return nil
			}
		}
		return lifecycle.Fail("actions_completed", "没有任何已完成的纠正措施")
	}))

	m.RegisterGuard(StatusVerified, lifecycle.NewGuard("actions_all_verified", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*findingSubject)
		var out []lifecycle.Violation
		for _, a := range s.Finding.Actions {
			if a.Status == ActionCancelled || a.Status == ActionRejected {
				continue
			}
			if a.Status != ActionVerified {
				out = append(out, lifecycle.Fail("actions_all_verified",
					fmt.Sprintf("纠正措施 %s 尚未通过有效性验证", a.ActionCode))...)
			}
		}
		return out
	}))

	m.RegisterGuard(StatusClosed, lifecycle.NewGuard("effectiveness_confirmed", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*findingSubject)
		var out []lifecycle.Violation
		for _, a := range s.Finding.Actions {
			if a.Status == ActionCancelled || a.Status == ActionRejected {
				continue
			}
			if a.Status != ActionVerified || !a.EffectivenessVerified {
				out = append(out, lifecycle.Fail("effectiveness_confirmed",
					fmt.Sprintf("纠正措施 %s 的有效性未确认，发现项不能关闭", a.ActionCode))...)
			}
		}
		return out
	}))

	m.RegisterGuard(StatusDeferred, lifecycle.NewGuard("deferral_justified", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*findingSubject)
		if s.PendingJustification == "" && s.Finding.DeferralJustification == "" {
			return lifecycle.FailField("deferral_justified", "deferral_justification", "延期处理必须说明理由")
		}
		return nil
	}))

	return m
}

// NewActionMachine 构建带守卫的纠正措施状态机
func NewActionMachine() *lifecycle.Machine {
	m := lifecycle.NewMachine(actionDefinition)

	m.RegisterGuard(ActionCompleted, lifecycle.NewGuard("action_fully_done", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*actionSubject)
		var out []lifecycle.Violation
		if s.Action.Progress != 100 {
			out = append(out, lifecycle.FailField("action_fully_done", "progress",
				fmt.Sprintf("进度为 %d%%，必须达到 100%% 才能完成", s.Action.Progress))...)
		}
		if s.CompletionNotes == "" && s.Action.ProgressNotes == "" {
			out = append(out, lifecycle.FailField("action_fully_done", "progress_notes", "完成时必须记录实施说明")...)
		}
		return out
	}))

	m.RegisterGuard(ActionVerified, lifecycle.NewGuard("verification_eligible", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*actionSubject)
		var out []lifecycle.Violation
		if s.Actor != s.Action.VerifierID {
			out = append(out, lifecycle.Fail("verification_eligible", "只有指定的验证人才能进行有效性验证")...)
		}
		if s.Action.ActualCompletionDate == nil {
			out = append(out, lifecycle.FailField("verification_eligible", "actual_completion_date", "措施尚未记录实际完成时间")...)
			return out
		}
		elapsed := int(s.Now.Sub(*s.Action.ActualCompletionDate).Hours() / 24)
		if elapsed < s.WaitDays {
			remaining := s.WaitDays - elapsed
			out = append(out, lifecycle.Fail("verification_eligible",
				fmt.Sprintf("完成后需等待 %d 天才能验证有效性，还差 %d 天", s.WaitDays, remaining))...)
		}
		return out
	}))

	return m
}
