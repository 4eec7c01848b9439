package worker

import (
	"context"
	"fmt"

	"backend/internal/config"
	"backend/internal/finding"
	"backend/internal/notification"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

func NewServer(
	cfg config.RedisConfig,
	workerCfg config.WorkerConfig,
	findingService *finding.Service,
	notifyService *notification.Service,
	logger *zap.Logger,
) *Server {
	redisOpt := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	concurrency := workerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"critical": 6, // 截止升级优先处理
				"default":  3, // 逾期扫描
				"low":      1, // 通知分发
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	// 逾期扫描处理器
	overdueHandler := handlers.NewOverdueHandler(findingService, notifyService, logger)
	mux.HandleFunc(tasks.TypeScanOverdueFindings, overdueHandler.HandleScanOverdueFindings)
	mux.HandleFunc(tasks.TypeScanOverdueActions, overdueHandler.HandleScanOverdueActions)

	// 截止升级处理器
	escalationHandler := handlers.NewEscalationHandler(notifyService, logger)
	mux.HandleFunc(tasks.TypeEscalateDeadline, escalationHandler.HandleEscalateDeadline)

	// 通知分发处理器
	notificationHandler := handlers.NewNotificationHandler(notifyService, logger)
	mux.HandleFunc(tasks.TypeDispatchNotification, notificationHandler.HandleDispatchNotification)

	return &Server{
		server:    srv,
		scheduler: newScheduler(redisOpt, workerCfg, logger),
		mux:       mux,
		logger:    logger,
	}
}

// newScheduler 注册周期任务：按配置间隔触发逾期扫描
func newScheduler(redisOpt asynq.RedisClientOpt, workerCfg config.WorkerConfig, logger *zap.Logger) *asynq.Scheduler {
	interval := workerCfg.OverdueScanInterval
	if interval == "" {
		interval = "1h"
	}
	spec := "@every " + interval

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
			logger.Error("周期任务入队失败", zap.String("type", task.Type()), zap.Error(err))
		},
	})

	if _, err := scheduler.Register(spec,
		asynq.NewTask(tasks.TypeScanOverdueFindings, []byte("{}")),
		asynq.Queue("default"),
	); err != nil {
		logger.Error("注册逾期发现项扫描失败", zap.Error(err))
	}
	if _, err := scheduler.Register(spec,
		asynq.NewTask(tasks.TypeScanOverdueActions, []byte("{}")),
		asynq.Queue("default"),
	); err != nil {
		logger.Error("注册逾期措施扫描失败", zap.Error(err))
	}

	return scheduler
}

// Run 启动 Worker 服务器（阻塞）
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
