package api

import (
	auditHandlers "backend/api/handlers/audits"
	authHandlers "backend/api/handlers/auth"
	changeHandlers "backend/api/handlers/changes"
	findingHandlers "backend/api/handlers/findings"
	notificationHandlers "backend/api/handlers/notifications"
	ruleHandlers "backend/api/handlers/rules"
	"backend/internal/auth"

	"github.com/gin-gonic/gin"
)

// routeHandlers 聚合各业务域的 Handler
type routeHandlers struct {
	auth          *authHandlers.AuthHandler
	changes       *changeHandlers.Handler
	audits        *auditHandlers.Handler
	programs      *auditHandlers.ProgramHandler
	findings      *findingHandlers.Handler
	actions       *findingHandlers.ActionHandler
	notifications *notificationHandlers.MessageHandler
	rules         *ruleHandlers.Handler
}

// registerAPIRoutes 在认证 API 组下注册全部业务路由
func registerAPIRoutes(api *gin.RouterGroup, h *routeHandlers) {
	// 当前用户
	api.POST("/auth/logout", h.auth.Logout)
	api.GET("/auth/me", h.auth.Me)

	// 变更管理
	changeGroup := api.Group("/changes")
	{
		changeGroup.POST("", h.changes.Create)
		changeGroup.GET("", h.changes.List)
		changeGroup.GET("/:id", h.changes.Get)
		changeGroup.PUT("/:id", h.changes.Update)
		changeGroup.POST("/:id/submit", h.changes.Submit)
		changeGroup.POST("/:id/transition", h.changes.Transition)
		changeGroup.GET("/:id/transitions", h.changes.Transitions)
		changeGroup.POST("/:id/guard-check", h.changes.CheckGuards)
		changeGroup.POST("/:id/approvals", h.changes.AddApproval)
		changeGroup.POST("/:id/tasks", h.changes.AddTask)
		changeGroup.POST("/:id/risk-assessments", h.changes.AssessRisk)
		changeGroup.POST("/:id/reviews", h.changes.AddReview)
		changeGroup.GET("/:id/consensus", h.changes.Consensus)
		changeGroup.GET("/:id/history", h.changes.History)
	}

	// 审批与实施任务
	approvalGroup := api.Group("/approvals")
	{
		approvalGroup.GET("", h.changes.PendingApprovals)
		approvalGroup.POST("/:id/decide", h.changes.DecideApproval)
	}
	api.PUT("/tasks/:id/status", h.changes.UpdateTaskStatus)

	// 年度审计方案
	programGroup := api.Group("/programs")
	{
		programGroup.POST("", h.programs.Create)
		programGroup.GET("/:id", h.programs.Get)
		programGroup.PUT("/:id", h.programs.Update)
		programGroup.POST("/:id/approve", h.programs.Approve)
		programGroup.POST("/:id/close", h.programs.Close)
		programGroup.GET("/:id/metrics", h.programs.Metrics)
		programGroup.POST("/:id/schedules", h.programs.AddSchedule)
	}
	api.POST("/schedules/:id/create-audit", h.programs.CreateAuditFromSchedule)

	// 内审执行
	auditGroup := api.Group("/audits")
	{
		auditGroup.POST("", h.audits.Create)
		auditGroup.GET("", h.audits.List)
		auditGroup.GET("/:id", h.audits.Get)
		auditGroup.PUT("/:id", h.audits.Update)
		auditGroup.POST("/:id/transition", h.audits.Transition)
		auditGroup.GET("/:id/transitions", h.audits.Transitions)
		auditGroup.POST("/:id/team-members", h.audits.AddTeamMember)
		auditGroup.GET("/:id/metrics", h.audits.Metrics)
		auditGroup.POST("/:id/findings", h.findings.Create)
	}

	// 发现项
	findingGroup := api.Group("/findings")
	{
		findingGroup.GET("", h.findings.List)
		findingGroup.GET("/:id", h.findings.Get)
		findingGroup.POST("/:id/transition", h.findings.Transition)
		findingGroup.GET("/:id/transitions", h.findings.Transitions)
		findingGroup.POST("/:id/defer", h.findings.Defer)
		findingGroup.POST("/:id/reopen", h.findings.Reopen)
		findingGroup.GET("/:id/closure-check", h.findings.ValidateClosure)
		findingGroup.POST("/:id/actions", h.actions.Create)
	}

	// 纠正措施
	actionGroup := api.Group("/actions")
	{
		actionGroup.GET("/:id", h.actions.Get)
		actionGroup.PUT("/:id/progress", h.actions.UpdateProgress)
		actionGroup.POST("/:id/complete", h.actions.Complete)
		actionGroup.POST("/:id/verify", h.actions.Verify)
		actionGroup.POST("/:id/cancel", h.actions.Cancel)
		actionGroup.POST("/:id/reopen", h.actions.Reopen)
	}

	// 报表与看板
	reportGroup := api.Group("/reports")
	{
		reportGroup.GET("/upcoming-changes", h.changes.Upcoming)
		reportGroup.GET("/overdue-findings", h.findings.Overdue)
		reportGroup.GET("/finding-recurrence", h.findings.Recurrence)
		reportGroup.GET("/overdue-actions", h.actions.Overdue)
		reportGroup.GET("/pending-verifications", h.actions.PendingVerifications)
		reportGroup.GET("/effectiveness-rate", h.actions.EffectivenessRate)
	}

	// 站内通知
	notifyGroup := api.Group("/notifications")
	{
		notifyGroup.GET("", h.notifications.List)
		notifyGroup.GET("/unread-count", h.notifications.UnreadCount)
		notifyGroup.PUT("/:id/read", h.notifications.MarkRead)
		notifyGroup.PUT("/read-all", h.notifications.MarkAllRead)
	}

	// 管理端操作需要 CISO 角色
	adminGroup := api.Group("/admin")
	adminGroup.Use(auth.RequireRole(auth.RoleCISO))
	{
		adminGroup.POST("/users", h.auth.Register)
		adminGroup.POST("/guard-rules", h.rules.Create)
		adminGroup.GET("/guard-rules", h.rules.List)
		adminGroup.PUT("/guard-rules/:id", h.rules.Update)
		adminGroup.DELETE("/guard-rules/:id", h.rules.Delete)
	}
}
