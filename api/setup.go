package api

import (
	"os"
	"runtime"
	"strings"
	"time"

	auditHandlers "backend/api/handlers/audits"
	authHandlers "backend/api/handlers/auth"
	changeHandlers "backend/api/handlers/changes"
	findingHandlers "backend/api/handlers/findings"
	notificationHandlers "backend/api/handlers/notifications"
	ruleHandlers "backend/api/handlers/rules"

	"backend/internal/audit"
	"backend/internal/auth"
	"backend/internal/change"
	"backend/internal/config"
	"backend/internal/finding"
	"backend/internal/infra"
	"backend/internal/infra/queue"
	"backend/internal/lifecycle"
	"backend/internal/logger"
	"backend/internal/metrics"
	middlewarepkg "backend/internal/middleware"
	"backend/internal/notification"
	"backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Version 与 Commit 在构建时通过 -ldflags 注入
var (
	Version = "dev"
	Commit  = "unknown"
)

// SetupRouter 设置并返回 Gin 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server) {
	router := gin.New()

	// 统一归一化 Redis 配置，优先使用 cfg.Redis，再回退到环境变量
	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	// 初始化队列客户端
	queueClient := queue.NewClient(redisCfg)

	// 初始化 Redis 客户端（令牌黑名单、WebSocket 离线消息）
	redisClient, err := infra.InitRedis(&redisCfg)
	if err != nil {
		logger.Warn("Redis 不可用，令牌黑名单与 WebSocket 离线消息将退回内存实现", zap.Error(err))
		redisClient = nil
	}

	// 初始化认证服务
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	jwtSecretKey := strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	if jwtSecretKey == "" {
		// 生产模式必须显式配置密钥，防止使用弱默认值
		if strings.EqualFold(cfg.Server.Mode, "release") || strings.EqualFold(appEnv, "prod") || strings.EqualFold(appEnv, "production") {
			logger.Fatal("JWT_SECRET_KEY 未配置，生产环境禁止使用默认密钥")
		}
		jwtSecretKey = "default_jwt_secret_key_change_in_production" // 本地/测试默认值，需明确提示
		logger.Warn("JWT_SECRET_KEY 未配置，已回退为开发默认值，请在生产环境设置强随机密钥")
	}
	jwtService := auth.NewJWTService(jwtSecretKey, "ComplianceFlow", redisClient)
	userStore := auth.NewUserStore(db)

	// 初始化状态机执行器与领域服务
	executor := lifecycle.NewExecutor(db, lifecycle.SystemClock{})
	changeService := change.NewService(db, executor)
	auditService := audit.NewService(db, executor)
	findingService := finding.NewService(db, executor, cfg.Compliance)

	// 把组织自定义守卫规则挂到各状态机上
	ruleEngine := lifecycle.NewRuleEngine(db)
	changeService.Machine().AttachRuleEngine(ruleEngine)
	auditService.Machine().AttachRuleEngine(ruleEngine)
	findingService.FindingMachine().AttachRuleEngine(ruleEngine)
	findingService.ActionMachine().AttachRuleEngine(ruleEngine)

	// 初始化通知组件
	var hubOpts []notification.HubOption
	if redisClient != nil {
		hubOpts = append(hubOpts, notification.WithOfflineStore(
			notification.NewRedisOfflineStore(redisClient, 100, 72*time.Hour)))
	}
	hub := notification.NewWebSocketHub(hubOpts...)
	notifier := notification.NewMultiNotifier(&cfg.Notify.Email, &cfg.Notify.Webhook, hub)
	notifyService := notification.NewService(db, queueClient, notifier)

	// 系统指标采集
	if sqlDB, err := db.DB(); err == nil {
		metrics.NewSystemCollector(sqlDB)
	}
	metrics.RecordBuildInfo(Version, runtime.Version(), Commit)

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(metrics.PrometheusMiddleware())

	// 限流
	rateLimiter := middlewarepkg.NewRateLimiter(middlewarepkg.DefaultRateLimiterConfig())
	router.Use(middlewarepkg.RateLimitMiddleware(rateLimiter))

	// 公开端点（不需要认证）
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 初始化 Handlers
	authHandler := authHandlers.NewAuthHandler(jwtService, userStore)
	changeHandler := changeHandlers.NewHandler(changeService)
	auditHandler := auditHandlers.NewHandler(auditService)
	programHandler := auditHandlers.NewProgramHandler(auditService, cfg.Compliance.CoverageThreshold)
	findingHandler := findingHandlers.NewHandler(findingService)
	actionHandler := findingHandlers.NewActionHandler(findingService)
	messageHandler := notificationHandlers.NewMessageHandler(notifyService)
	wsHandler := notificationHandlers.NewWebSocketHandler(hub)
	ruleHandler := ruleHandlers.NewHandler(ruleEngine)

	// 认证 API（公开，不需要 JWT）
	authGroup := router.Group("/api/v1/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
	}

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	apiV1.Use(auth.AuthMiddleware(jwtService))
	registerAPIRoutes(apiV1, &routeHandlers{
		auth:          authHandler,
		changes:       changeHandler,
		audits:        auditHandler,
		programs:      programHandler,
		findings:      findingHandler,
		actions:       actionHandler,
		notifications: messageHandler,
		rules:         ruleHandler,
	})

	// WebSocket（经认证后升级连接）
	wsGroup := router.Group("/ws")
	wsGroup.Use(auth.AuthMiddleware(jwtService))
	wsGroup.GET("/notifications", wsHandler.Connect)

	// 初始化 Worker 服务器
	workerServer := worker.NewServer(redisCfg, cfg.Worker, findingService, notifyService, logger.Get())

	return router, workerServer
}
