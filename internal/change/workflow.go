package change

import (
	"context"
	"fmt"

	"backend/internal/lifecycle"
)

// changeDefinition 变更请求状态机
// 终态：CLOSED、CANCELLED。FAILED 与 ROLLED_BACK 可回到 DRAFT 重新发起
var changeDefinition = lifecycle.Definition{
	Entity: lifecycle.EntityChange,
	Transitions: map[lifecycle.Status][]lifecycle.Status{
		StatusDraft:           {StatusSubmitted, StatusCancelled},
		StatusSubmitted:       {StatusUnderReview, StatusDraft, StatusCancelled},
		StatusUnderReview:     {StatusPendingApproval, StatusRejected, StatusCancelled},
		StatusPendingApproval: {StatusApproved, StatusRejected},
		StatusApproved:        {StatusScheduled, StatusCancelled},
		StatusRejected:        {StatusDraft, StatusCancelled},
		StatusScheduled:       {StatusInProgress, StatusCancelled},
		StatusInProgress:      {StatusImplemented, StatusFailed, StatusRolledBack},
		StatusImplemented:     {StatusUnderValidation, StatusRolledBack},
		StatusUnderValidation: {StatusClosed, StatusFailed, StatusRolledBack},
		StatusFailed:          {StatusDraft, StatusRolledBack},
		StatusRolledBack:      {StatusDraft},
	},
	Terminal: map[lifecycle.Status]bool{
		StatusClosed:    true,
		StatusCancelled: true,
	},
}

// editableStatuses 允许编辑基础字段的状态
var editableStatuses = map[lifecycle.Status]bool{
	StatusDraft:     true,
	StatusSubmitted: true,
	StatusRejected:  true,
}

// IsEditable 当前状态下是否允许编辑
func IsEditable(status lifecycle.Status) bool {
	return editableStatuses[status]
}

// implementationPhase 实施阶段，允许补充实施与验证记录
var implementationPhase = map[lifecycle.Status]bool{
	StatusInProgress:      true,
	StatusImplemented:     true,
	StatusUnderValidation: true,
}

// InImplementationPhase 是否处于实施阶段
func InImplementationPhase(status lifecycle.Status) bool {
	return implementationPhase[status]
}

// NewChangeMachine 构建带守卫的变更状态机
func NewChangeMachine(clock lifecycle.Clock) *lifecycle.Machine {
	m := lifecycle.NewMachine(changeDefinition)

	m.RegisterGuard(StatusSubmitted, lifecycle.NewGuard("change_fields_complete", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		var out []lifecycle.Violation
		if c.Title == "" {
			out = append(out, lifecycle.FailField("change_fields_complete", "title", "变更标题不能为空")...)
		}
		if c.Description == "" {
			out = append(out, lifecycle.FailField("change_fields_complete", "description", "变更描述不能为空")...)
		}
		if c.Justification == "" {
			out = append(out, lifecycle.FailField("change_fields_complete", "justification", "变更理由不能为空")...)
		}
		if c.ImplementationPlan == "" {
			out = append(out, lifecycle.FailField("change_fields_complete", "implementation_plan", "实施方案不能为空")...)
		}
		if c.RollbackPlan == "" {
			out = append(out, lifecycle.FailField("change_fields_complete", "rollback_plan", "回滚方案不能为空")...)
		}
		return out
	}))

	m.RegisterGuard(StatusPendingApproval, lifecycle.NewGuard("approvals_assigned", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		if c.ApprovalRequired && len(c.Approvals) == 0 {
			return lifecycle.Fail("approvals_assigned", "尚未指定任何审批人")
		}
		return nil
	}))

	m.RegisterGuard(StatusPendingApproval, lifecycle.NewGuard("risk_assessed", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		if len(c.RiskAssessments) == 0 {
			return lifecycle.Fail("risk_assessed", "进入审批前必须完成风险评估")
		}
		return nil
	}))

	m.RegisterGuard(StatusApproved, lifecycle.NewGuard("approval_consensus", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		switch consensus := c.ApprovalConsensus(); consensus {
		case ConsensusNotRequired, ConsensusApproved:
			return nil
		case ConsensusRejected:
			return lifecycle.Fail("approval_consensus", "存在已拒绝的审批，无法批准")
		default:
			pending := 0
			for _, a := range c.Approvals {
				if !a.Decided() {
					pending++
				}
			}
			return lifecycle.Fail("approval_consensus", fmt.Sprintf("仍有 %d 个审批待决定", pending))
		}
	}))

	m.RegisterGuard(StatusRejected, lifecycle.NewGuard("rejection_recorded", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		if c.ApprovalRequired && c.ApprovalConsensus() != ConsensusRejected {
			return lifecycle.Fail("rejection_recorded", "没有拒绝的审批记录，不能转为已拒绝")
		}
		return nil
	}))

	m.RegisterGuard(StatusScheduled, lifecycle.NewGuard("schedule_window_valid", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		var out []lifecycle.Violation
		if c.PlannedStartDate == nil || c.PlannedEndDate == nil {
			return lifecycle.FailField("schedule_window_valid", "planned_start_date", "必须设置计划开始与结束时间")
		}
		if !c.PlannedStartDate.Before(*c.PlannedEndDate) {
			out = append(out, lifecycle.FailField("schedule_window_valid", "planned_end_date", "计划结束时间必须晚于开始时间")...)
		}
		if c.PlannedStartDate.Before(clock.Now()) {
			out = append(out, lifecycle.FailField("schedule_window_valid", "planned_start_date", "计划开始时间不能早于当前时间")...)
		}
		return out
	}))

	m.RegisterGuard(StatusInProgress, lifecycle.NewGuard("tasks_defined", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		if len(c.Tasks) == 0 {
			return lifecycle.Fail("tasks_defined", "没有实施任务不能开始执行")
		}
		return nil
	}))

	m.RegisterGuard(StatusImplemented, lifecycle.NewGuard("critical_tasks_completed", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		var out []lifecycle.Violation
		for _, t := range c.Tasks {
			// 取消不等于完成：关键任务被取消同样阻塞
			if t.IsCritical && t.Status != TaskCompleted {
				out = append(out, lifecycle.Fail("critical_tasks_completed", fmt.Sprintf("关键任务 %s 尚未完成", t.Title))...)
			}
		}
		return out
	}))

	m.RegisterGuard(StatusUnderValidation, lifecycle.NewGuard("implementation_recorded", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		if c.ImplementationNotes == "" {
			return lifecycle.FailField("implementation_recorded", "implementation_notes", "进入验证前必须填写实施记录")
		}
		return nil
	}))

	m.RegisterGuard(StatusClosed, lifecycle.NewGuard("post_implementation_reviewed", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		if len(c.Reviews) == 0 {
			return lifecycle.Fail("post_implementation_reviewed", "关闭前必须完成实施后评审")
		}
		return nil
	}))

	m.RegisterGuard(StatusRolledBack, lifecycle.NewGuard("rollback_plan_present", func(_ context.Context, subject any) []lifecycle.Violation {
		c := subject.(*Change)
		if c.RollbackPlan == "" {
			return lifecycle.FailField("rollback_plan_present", "rollback_plan", "没有回滚方案不能执行回滚")
		}
		return nil
	}))

	return m
}
