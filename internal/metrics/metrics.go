package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complianceflow_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets, // 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
		},
		[]string{"method", "path"},
	)

	// APIRequestSize API 请求体大小（字节）
	APIRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complianceflow_api_request_size_bytes",
			Help:    "API 请求体大小分布",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)

	// APIResponseSize API 响应体大小（字节）
	APIResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complianceflow_api_response_size_bytes",
			Help:    "API 响应体大小分布",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)
)

// 生命周期流转指标
var (
	// TransitionsTotal 成功流转总数
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_transitions_total",
			Help: "状态流转成功总数",
		},
		[]string{"entity", "from", "to"},
	)

	// TransitionsDeniedTotal 被拒绝的流转总数
	// reason: invalid_transition, guard_violation, concurrent_modification
	TransitionsDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_transitions_denied_total",
			Help: "状态流转被拒绝总数",
		},
		[]string{"entity", "reason"},
	)

	// GuardViolationsTotal 守卫校验不通过总数
	GuardViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_guard_violations_total",
			Help: "守卫校验不通过总数",
		},
		[]string{"entity", "guard"},
	)

	// TransitionDuration 流转事务耗时（秒）
	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complianceflow_transition_duration_seconds",
			Help:    "流转事务耗时分布",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"entity"},
	)
)

// 截止与逾期指标
var (
	// OverdueFindingsGauge 当前逾期发现项数量
	OverdueFindingsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complianceflow_overdue_findings",
			Help: "当前逾期未关闭的发现项数量",
		},
	)

	// OverdueActionsGauge 当前逾期纠正措施数量
	OverdueActionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complianceflow_overdue_actions",
			Help: "当前逾期未完成的纠正措施数量",
		},
	)

	// PendingVerificationsGauge 等待有效性验证的纠正措施数量
	PendingVerificationsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complianceflow_pending_verifications",
			Help: "已过等待期、可进行有效性验证的纠正措施数量",
		},
	)

	// EscalationsTotal 截止日期升级提醒总数
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_escalations_total",
			Help: "截止日期升级提醒总数",
		},
		[]string{"entity_type"},
	)
)

// 审批与通知指标
var (
	// ApprovalPendingGauge 当前待审批数量
	ApprovalPendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complianceflow_approval_pending",
			Help: "当前待审批数量",
		},
	)

	// ApprovalDecisionsTotal 审批决策次数
	ApprovalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_approval_decisions_total",
			Help: "审批决策次数",
		},
		[]string{"decision"}, // APPROVED, REJECTED, DELEGATED
	)

	// NotificationsTotal 通知发送次数
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_notifications_total",
			Help: "通知发送次数",
		},
		[]string{"channel", "status"}, // status: sent, failed
	)

	// WebSocketConnectionsGauge WebSocket 在线连接数
	WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complianceflow_ws_connections",
			Help: "WebSocket 在线连接数",
		},
	)
)

// 异步任务指标
var (
	// TasksProcessedTotal 异步任务处理总数
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_tasks_processed_total",
			Help: "异步任务处理总数",
		},
		[]string{"type", "status"}, // status: ok, error
	)

	// TaskDuration 异步任务耗时（秒）
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complianceflow_task_duration_seconds",
			Help:    "异步任务耗时分布",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"type"},
	)
)

// 数据库指标
var (
	// DBConnections 数据库连接数
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "complianceflow_db_connections",
			Help: "数据库连接数",
		},
		[]string{"state"}, // state: open, in_use, idle
	)

	// DBQueryDuration 数据库查询耗时（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complianceflow_db_query_duration_seconds",
			Help:    "数据库查询耗时分布",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"}, // operation: select, insert, update, delete
	)

	// DBQueriesTotal 数据库查询总数
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_db_queries_total",
			Help: "数据库查询总数",
		},
		[]string{"operation", "status"},
	)
)

// 系统指标
var (
	// BuildInfo 构建信息
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "complianceflow_build_info",
			Help: "ComplianceFlow 构建信息",
		},
		[]string{"version", "go_version", "commit"},
	)
)

// RecordBuildInfo 记录构建信息
func RecordBuildInfo(version, goVersion, commit string) {
	BuildInfo.WithLabelValues(version, goVersion, commit).Set(1)
}
