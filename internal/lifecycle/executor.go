package lifecycle

import (
	"context"
	"errors"
	"time"

	"backend/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Executor 事务化流转执行器
// 守卫在提交事务内重新评估；状态写入使用条件 UPDATE，
// 受影响行数为 0 时判定为并发修改
type Executor struct {
	db     *gorm.DB
	clock  Clock
	tracer trace.Tracer
}

// NewExecutor 创建执行器
func NewExecutor(db *gorm.DB, clock Clock) *Executor {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Executor{
		db:     db,
		clock:  clock,
		tracer: otel.Tracer("backend/internal/lifecycle"),
	}
}

// Clock 返回执行器时钟
func (e *Executor) Clock() Clock {
	return e.clock
}

// DB 返回底层数据库句柄
func (e *Executor) DB() *gorm.DB {
	return e.db
}

// Request 一次流转请求
type Request struct {
	Machine *Machine
	Model   any    // 用于条件 UPDATE 的模型指针
	ID      string // 实体ID
	Target  Status
	Actor   string
	Comment string

	// Load 在事务内重新加载实体，返回守卫评估主体与当前状态
	Load func(tx *gorm.DB) (subject any, current Status, err error)

	// Updates 随状态一起写入的额外列（日期戳等），now 取自执行器时钟
	Updates func(now time.Time) map[string]any

	// Within 在同一事务内、状态写入成功后执行（历史记录、级联）
	Within func(tx *gorm.DB, from Status, now time.Time) error
}

// Execute 执行流转
func (e *Executor) Execute(ctx context.Context, req Request) error {
	ctx, span := e.tracer.Start(ctx, "lifecycle.Execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("entity_type", string(req.Machine.Entity())),
		attribute.String("entity_id", req.ID),
		attribute.String("target_status", string(req.Target)),
	)

	now := e.clock.Now()
	started := time.Now()

	var from Status
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subject, current, err := req.Load(tx)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewNotFound(req.Machine.Entity(), req.ID)
			}
			return err
		}

		from = current
		span.SetAttributes(attribute.String("from_status", string(current)))

		if err := req.Machine.Validate(req.ID, current, req.Target); err != nil {
			return err
		}

		// 守卫在提交事务内评估，避免检查与提交之间的竞态
		if err := req.Machine.CheckGuards(ctx, req.ID, req.Target, subject); err != nil {
			return err
		}

		updates := map[string]any{"status": req.Target}
		if req.Updates != nil {
			for k, v := range req.Updates(now) {
				updates[k] = v
			}
		}

		res := tx.Model(req.Model).
			Where("id = ? AND status = ?", req.ID, current).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NewConcurrentModification(req.Machine.Entity(), req.ID)
		}

		if req.Within != nil {
			if err := req.Within(tx, current, now); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		e.recordDenied(req.Machine.Entity(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return err
	}

	metrics.RecordTransition(string(req.Machine.Entity()), string(from), string(req.Target), time.Since(started))
	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *Executor) recordDenied(entity EntityType, err error) {
	lerr, ok := AsError(err)
	if !ok {
		return
	}
	switch lerr.Kind {
	case KindInvalidTransition:
		metrics.RecordTransitionDenied(string(entity), "invalid_transition")
	case KindGuardViolation:
		metrics.RecordTransitionDenied(string(entity), "guard_violation")
		for _, v := range lerr.Violations {
			metrics.GuardViolationsTotal.WithLabelValues(string(entity), v.Guard).Inc()
		}
	case KindConcurrentModification:
		metrics.RecordTransitionDenied(string(entity), "concurrent_modification")
	}
}
