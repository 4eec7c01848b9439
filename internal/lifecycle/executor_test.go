package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

type ticket struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	Status    Status `gorm:"size:30;not null"`
	Note      string `gorm:"size:255"`
	ClosedAt  *time.Time
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func setupExecutorTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:lifecycle_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&ticket{}); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	return db
}

func ticketMachine() *Machine {
	return NewMachine(Definition{
		Entity: EntityFinding,
		Transitions: map[Status][]Status{
			"OPEN":     {"RESOLVED"},
			"RESOLVED": {"CLOSED"},
		},
		Terminal: map[Status]bool{"CLOSED": true},
	})
}

func loadTicket(id string) func(tx *gorm.DB) (any, Status, error) {
	return func(tx *gorm.DB) (any, Status, error) {
		var tk ticket
		if err := tx.Where("id = ?", id).First(&tk).Error; err != nil {
			return nil, "", err
		}
		return &tk, tk.Status, nil
	}
}

func TestExecuteSuccess(t *testing.T) {
	db := setupExecutorTestDB(t)
	fixed := NewFixedClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	exec := NewExecutor(db, fixed)

	db.Create(&ticket{ID: "t-1", Status: "RESOLVED"})

	withinCalled := false
	err := exec.Execute(context.Background(), Request{
		Machine: ticketMachine(),
		Model:   &ticket{},
		ID:      "t-1",
		Target:  "CLOSED",
		Load:    loadTicket("t-1"),
		Updates: func(now time.Time) map[string]any {
			return map[string]any{"closed_at": now}
		},
		Within: func(tx *gorm.DB, from Status, now time.Time) error {
			withinCalled = true
			assert.Equal(t, Status("RESOLVED"), from)
			assert.Equal(t, fixed.T, now)
			return nil
		},
	})

	assert.NoError(t, err)
	assert.True(t, withinCalled)

	var tk ticket
	db.First(&tk, "id = ?", "t-1")
	assert.Equal(t, Status("CLOSED"), tk.Status)
	if assert.NotNil(t, tk.ClosedAt) {
		assert.Equal(t, fixed.T, tk.ClosedAt.UTC())
	}
}

func TestExecuteInvalidTransition(t *testing.T) {
	db := setupExecutorTestDB(t)
	exec := NewExecutor(db, nil)

	db.Create(&ticket{ID: "t-2", Status: "OPEN"})

	err := exec.Execute(context.Background(), Request{
		Machine: ticketMachine(),
		Model:   &ticket{},
		ID:      "t-2",
		Target:  "CLOSED",
		Load:    loadTicket("t-2"),
	})

	assert.True(t, IsKind(err, KindInvalidTransition))

	// 状态未被修改
	var tk ticket
	db.First(&tk, "id = ?", "t-2")
	assert.Equal(t, Status("OPEN"), tk.Status)
}

func TestExecuteGuardViolationRollsBack(t *testing.T) {
	db := setupExecutorTestDB(t)
	exec := NewExecutor(db, nil)

	db.Create(&ticket{ID: "t-3", Status: "OPEN"})

	m := ticketMachine()
	m.RegisterGuard("RESOLVED", NewGuard("has_note", func(ctx context.Context, subject any) []Violation {
		tk := subject.(*ticket)
		if tk.Note == "" {
			return Fail("has_note", "缺少处理说明")
		}
		return nil
	}))

	err := exec.Execute(context.Background(), Request{
		Machine: m,
		Model:   &ticket{},
		ID:      "t-3",
		Target:  "RESOLVED",
		Load:    loadTicket("t-3"),
	})

	if assert.True(t, IsKind(err, KindGuardViolation)) {
		e, _ := AsError(err)
		assert.Len(t, e.Violations, 1)
		assert.Equal(t, "has_note", e.Violations[0].Guard)
	}

	var tk ticket
	db.First(&tk, "id = ?", "t-3")
	assert.Equal(t, Status("OPEN"), tk.Status)
}

func TestExecuteNotFound(t *testing.T) {
	db := setupExecutorTestDB(t)
	exec := NewExecutor(db, nil)

	err := exec.Execute(context.Background(), Request{
		Machine: ticketMachine(),
		Model:   &ticket{},
		ID:      "missing",
		Target:  "RESOLVED",
		Load:    loadTicket("missing"),
	})

	assert.True(t, IsKind(err, KindNotFound))
}

func TestExecuteConcurrentModification(t *testing.T) {
	db := setupExecutorTestDB(t)
	exec := NewExecutor(db, nil)

	db.Create(&ticket{ID: "t-4", Status: "OPEN"})

	// Load 返回过期快照，模拟读取与提交之间被并发修改
	err := exec.Execute(context.Background(), Request{
		Machine: ticketMachine(),
		Model:   &ticket{},
		ID:      "t-4",
		Target:  "CLOSED",
		Load: func(tx *gorm.DB) (any, Status, error) {
			return &ticket{ID: "t-4", Status: "RESOLVED"}, "RESOLVED", nil
		},
	})

	assert.True(t, IsKind(err, KindConcurrentModification))

	var tk ticket
	db.First(&tk, "id = ?", "t-4")
	assert.Equal(t, Status("OPEN"), tk.Status)
}

func TestExecuteIdempotentWithin(t *testing.T) {
	db := setupExecutorTestDB(t)
	exec := NewExecutor(db, nil)

	db.Create(&ticket{ID: "t-5", Status: "OPEN"})

	run := func() error {
		return exec.Execute(context.Background(), Request{
			Machine: ticketMachine(),
			Model:   &ticket{},
			ID:      "t-5",
			Target:  "RESOLVED",
			Load:    loadTicket("t-5"),
		})
	}

	assert.NoError(t, run())

	// 第二次执行同一流转：实体已处于 RESOLVED，没有 RESOLVED→RESOLVED 出边
	err := run()
	assert.True(t, IsKind(err, KindInvalidTransition))
}
