package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testDefinition() Definition {
	return Definition{
		Entity: EntityFinding,
		Transitions: map[Status][]Status{
			"OPEN":         {"IN_TREATMENT", "DEFERRED"},
			"IN_TREATMENT": {"RESOLVED"},
			"RESOLVED":     {"CLOSED", "IN_TREATMENT"},
			"DEFERRED":     {"OPEN"},
		},
		Terminal: map[Status]bool{"CLOSED": true},
	}
}

func TestTargets(t *testing.T) {
	m := NewMachine(testDefinition())

	assert.ElementsMatch(t, []Status{"IN_TREATMENT", "DEFERRED"}, m.Targets("OPEN"))
	assert.ElementsMatch(t, []Status{"CLOSED", "IN_TREATMENT"}, m.Targets("RESOLVED"))

	// 终态没有出边
	assert.Empty(t, m.Targets("CLOSED"))

	// 未知状态没有出边
	assert.Empty(t, m.Targets("UNKNOWN"))
}

func TestValidate(t *testing.T) {
	m := NewMachine(testDefinition())

	assert.NoError(t, m.Validate("f-1", "OPEN", "IN_TREATMENT"))

	// 不在转移表中的流转
	err := m.Validate("f-1", "OPEN", "CLOSED")
	if assert.Error(t, err) {
		e, ok := AsError(err)
		assert.True(t, ok)
		assert.Equal(t, KindInvalidTransition, e.Kind)
		assert.Equal(t, Status("OPEN"), e.From)
		assert.Equal(t, Status("CLOSED"), e.To)
		assert.ElementsMatch(t, []Status{"IN_TREATMENT", "DEFERRED"}, e.Allowed)
		// 错误信息应包含合法目标，便于调用方提示
		assert.Contains(t, err.Error(), "IN_TREATMENT")
	}

	// 终态不允许任何流转
	err = m.Validate("f-1", "CLOSED", "OPEN")
	assert.True(t, IsKind(err, KindInvalidTransition))
}

func TestIsTerminal(t *testing.T) {
	m := NewMachine(testDefinition())
	assert.True(t, m.IsTerminal("CLOSED"))
	assert.False(t, m.IsTerminal("OPEN"))
}

func TestGuardAggregation(t *testing.T) {
	m := NewMachine(testDefinition())

	evaluated := []string{}
	m.RegisterGuard("CLOSED", NewGuard("first", func(ctx context.Context, subject any) []Violation {
		evaluated = append(evaluated, "first")
		return Fail("first", "第一个条件未满足")
	}))
	m.RegisterGuard("CLOSED", NewGuard("second", func(ctx context.Context, subject any) []Violation {
		evaluated = append(evaluated, "second")
		return nil
	}))
	m.RegisterGuard("CLOSED", NewGuard("third", func(ctx context.Context, subject any) []Violation {
		evaluated = append(evaluated, "third")
		return Fail("third", "第三个条件未满足")
	}))

	violations := m.EvaluateGuards(context.Background(), "CLOSED", nil)

	// 全部守卫都被评估，不因首个违规短路
	assert.Equal(t, []string{"first", "second", "third"}, evaluated)
	assert.Len(t, violations, 2)
	assert.Equal(t, "first", violations[0].Guard)
	assert.Equal(t, "third", violations[1].Guard)

	err := m.CheckGuards(context.Background(), "f-1", "CLOSED", nil)
	if assert.Error(t, err) {
		e, _ := AsError(err)
		assert.Equal(t, KindGuardViolation, e.Kind)
		assert.Len(t, e.Violations, 2)
		assert.Contains(t, err.Error(), "第一个条件未满足")
		assert.Contains(t, err.Error(), "第三个条件未满足")
	}
}

func TestCheckGuardsPass(t *testing.T) {
	m := NewMachine(testDefinition())
	m.RegisterGuard("RESOLVED", NewGuard("noop", func(ctx context.Context, subject any) []Violation {
		return nil
	}))

	assert.NoError(t, m.CheckGuards(context.Background(), "f-1", "RESOLVED", nil))

	// 未注册守卫的目标状态直接通过
	assert.NoError(t, m.CheckGuards(context.Background(), "f-1", "DEFERRED", nil))
}

func TestErrorBusinessCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code int
	}{
		{"invalid transition", NewInvalidTransition(EntityChange, "c-1", "DRAFT", "CLOSED", nil), 1010},
		{"guard violation", NewGuardViolation(EntityChange, "c-1", "APPROVED", Fail("g", "m")), 1011},
		{"not found", NewNotFound(EntityChange, "c-1"), 1003},
		{"concurrent modification", NewConcurrentModification(EntityChange, "c-1"), 1012},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.BusinessCode())
		})
	}
}
