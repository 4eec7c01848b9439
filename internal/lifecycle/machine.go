package lifecycle

import (
	"context"
)

// Status 实体状态
type Status string

// EntityType 受状态机管理的实体类型
type EntityType string

const (
	EntityChange           EntityType = "change_request"
	EntityAudit            EntityType = "audit"
	EntityFinding          EntityType = "finding"
	EntityCorrectiveAction EntityType = "corrective_action"
)

// Definition 状态机定义
// Transitions 为静态出边表；Terminal 中的状态不允许任何出边
type Definition struct {
	Entity      EntityType
	Transitions map[Status][]Status
	Terminal    map[Status]bool
}

// Machine 单一实体类型的状态机
// 转移表静态不可变；守卫按目标状态注册，评估时全量聚合违规
type Machine struct {
	def    Definition
	guards map[Status][]Guard
}

// NewMachine 创建状态机
func NewMachine(def Definition) *Machine {
	return &Machine{
		def:    def,
		guards: make(map[Status][]Guard),
	}
}

// Entity 返回所属实体类型
func (m *Machine) Entity() EntityType {
	return m.def.Entity
}

// RegisterGuard 为目标状态注册守卫
func (m *Machine) RegisterGuard(target Status, g Guard) {
	m.guards[target] = append(m.guards[target], g)
}

// Targets 返回当前状态的全部合法目标状态
// 终态返回空列表
func (m *Machine) Targets(from Status) []Status {
	if m.def.Terminal[from] {
		return nil
	}
	targets := m.def.Transitions[from]
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// CanTransition 判断 from → to 是否在转移表中
func (m *Machine) CanTransition(from, to Status) bool {
	for _, t := range m.def.Transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断是否终态
func (m *Machine) IsTerminal(s Status) bool {
	return m.def.Terminal[s]
}

// Validate 校验流转合法性，非法时返回 InvalidTransition 错误
func (m *Machine) Validate(id string, from, to Status) error {
	if m.def.Terminal[from] || !m.CanTransition(from, to) {
		return NewInvalidTransition(m.def.Entity, id, from, to, m.Targets(from))
	}
	return nil
}

// EvaluateGuards 评估目标状态的全部守卫，聚合所有违规项
func (m *Machine) EvaluateGuards(ctx context.Context, to Status, subject any) []Violation {
	return EvaluateAll(ctx, m.guards[to], subject)
}

// CheckGuards 评估守卫并在存在违规时返回 GuardViolation 错误
func (m *Machine) CheckGuards(ctx context.Context, id string, to Status, subject any) error {
	if violations := m.EvaluateGuards(ctx, to, subject); len(violations) > 0 {
		return NewGuardViolation(m.def.Entity, id, to, violations)
	}
	return nil
}
