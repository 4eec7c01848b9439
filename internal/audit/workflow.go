package audit

import (
	"context"
	"fmt"

	"backend/internal/lifecycle"
)

// auditDefinition 审计状态机
// 终态：CLOSED、CANCELLED
var auditDefinition = lifecycle.Definition{
	Entity: lifecycle.EntityAudit,
	Transitions: map[lifecycle.Status][]lifecycle.Status{
		StatusPlanned:     {StatusNotified, StatusCancelled},
		StatusNotified:    {StatusPreparation, StatusCancelled},
		StatusPreparation: {StatusInProgress, StatusCancelled},
		StatusInProgress:  {StatusReporting},
		StatusReporting:   {StatusCompleted},
		StatusCompleted:   {StatusClosed},
	},
	Terminal: map[lifecycle.Status]bool{
		StatusClosed:    true,
		StatusCancelled: true,
	},
}

// auditSubject 守卫评估主体：审计本体加上事务内统计出的子实体状态
type auditSubject struct {
	Audit *Audit

	TeamSize int

	// MAJOR_NC 发现项中没有任何纠正措施的编号列表
	MajorWithoutAction []string

	// 不在 VERIFIED/CLOSED 的发现项数量
	OpenFindings int
}

// GuardParams 自定义守卫规则的表达式参数
func (s *auditSubject) GuardParams() map[string]any {
	return map[string]any{
		"audit_type":      string(s.Audit.AuditType),
		"status":          string(s.Audit.Status),
		"team_size":       s.TeamSize,
		"open_findings":   s.OpenFindings,
		"major_nc_count":  s.Audit.MajorNCCount,
		"conformity_rate": s.Audit.ConformityRate,
		"total_findings":  s.Audit.TotalFindings(),
	}
}

// NewAuditMachine 构建带守卫的审计状态机
func NewAuditMachine() *lifecycle.Machine {
	m := lifecycle.NewMachine(auditDefinition)

	m.RegisterGuard(StatusNotified, lifecycle.NewGuard("audit_ready_to_notify", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*auditSubject)
		var out []lifecycle.Violation
		if s.Audit.LeadAuditorID == "" {
			out = append(out, lifecycle.FailField("audit_ready_to_notify", "lead_auditor_id", "必须指定审计组长")...)
		}
		if s.Audit.PlannedDate == nil {
			out = append(out, lifecycle.FailField("audit_ready_to_notify", "planned_date", "必须设置计划审计日期")...)
		}
		return out
	}))

	m.RegisterGuard(StatusInProgress, lifecycle.NewGuard("audit_team_assigned", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*auditSubject)
		if s.TeamSize == 0 {
			return lifecycle.Fail("audit_team_assigned", "审计组没有任何成员")
		}
		return nil
	}))

	m.RegisterGuard(StatusReporting, lifecycle.NewGuard("audit_executed", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*auditSubject)
		if s.Audit.StartDate == nil {
			return lifecycle.FailField("audit_executed", "start_date", "审计尚未开始执行")
		}
		return nil
	}))

	m.RegisterGuard(StatusCompleted, lifecycle.NewGuard("major_nc_actions_planned", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*auditSubject)
		var out []lifecycle.Violation
		for _, code := range s.MajorWithoutAction {
			out = append(out, lifecycle.Fail("major_nc_actions_planned",
				fmt.Sprintf("严重不符合项 %s 尚未制定纠正措施", code))...)
		}
		return out
	}))

	m.RegisterGuard(StatusClosed, lifecycle.NewGuard("audit_closable", func(_ context.Context, subject any) []lifecycle.Violation {
		s := subject.(*auditSubject)
		var out []lifecycle.Violation
		if s.OpenFindings > 0 {
			out = append(out, lifecycle.Fail("audit_closable",
				fmt.Sprintf("仍有 %d 个发现项未验证或未关闭", s.OpenFindings))...)
		}
		if s.Audit.ReportDate == nil {
			out = append(out, lifecycle.FailField("audit_closable", "report_date", "审计报告尚未签发")...)
		}
		return out
	}))

	return m
}
