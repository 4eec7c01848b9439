package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GuardRule 组织自定义守卫规则
// 在静态守卫之外，允许按实体类型与目标状态配置额外的前置条件表达式，
// 表达式基于实体字段参数求值，结果必须为 true 才放行
type GuardRule struct {
	ID           string `json:"id" gorm:"primaryKey;type:uuid"`
	EntityType   string `json:"entityType" gorm:"size:50;not null;index"`
	TargetStatus string `json:"targetStatus" gorm:"size:30;not null;index"`

	Name       string `json:"name" gorm:"size:255;not null"`
	Expression string `json:"expression" gorm:"type:text;not null"` // 如 risk_level != 'HIGH' || approvals >= 2
	Message    string `json:"message" gorm:"size:500"`              // 违规时呈现的说明
	Priority   int    `json:"priority" gorm:"default:0"`            // 越高越先评估
	IsActive   bool   `json:"isActive" gorm:"default:true"`

	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
	CreatedBy string     `json:"createdBy" gorm:"size:100"`
}

func (GuardRule) TableName() string {
	return "guard_rules"
}

// ParamsProvider 将守卫主体转换为表达式参数
type ParamsProvider interface {
	GuardParams() map[string]any
}

// RuleEngine 自定义守卫规则引擎
type RuleEngine struct {
	db *gorm.DB
}

// NewRuleEngine 创建规则引擎
func NewRuleEngine(db *gorm.DB) *RuleEngine {
	return &RuleEngine{db: db}
}

// CreateRule 创建规则（先校验表达式可解析）
func (e *RuleEngine) CreateRule(ctx context.Context, rule *GuardRule) error {
	if _, err := govaluate.NewEvaluableExpression(rule.Expression); err != nil {
		return fmt.Errorf("解析表达式失败: %w", err)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	return e.db.WithContext(ctx).Create(rule).Error
}

// UpdateRule 更新规则
func (e *RuleEngine) UpdateRule(ctx context.Context, ruleID string, updates map[string]interface{}) error {
	if expr, ok := updates["expression"].(string); ok {
		if _, err := govaluate.NewEvaluableExpression(expr); err != nil {
			return fmt.Errorf("解析表达式失败: %w", err)
		}
	}
	result := e.db.WithContext(ctx).Model(&GuardRule{}).
		Where("id = ? AND deleted_at IS NULL", ruleID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("规则不存在")
	}
	return nil
}

// DeleteRule 软删除规则
func (e *RuleEngine) DeleteRule(ctx context.Context, ruleID string) error {
	now := time.Now()
	result := e.db.WithContext(ctx).Model(&GuardRule{}).
		Where("id = ? AND deleted_at IS NULL", ruleID).
		Update("deleted_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("规则不存在")
	}
	return nil
}

// ListRules 列出实体类型下的全部规则
func (e *RuleEngine) ListRules(ctx context.Context, entityType string) ([]GuardRule, error) {
	var rules []GuardRule
	query := e.db.WithContext(ctx).Where("deleted_at IS NULL")
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	err := query.Order("priority DESC, created_at ASC").Find(&rules).Error
	return rules, err
}

// activeRules 取实体类型 + 目标状态的启用规则
func (e *RuleEngine) activeRules(ctx context.Context, entity EntityType, target Status) ([]GuardRule, error) {
	var rules []GuardRule
	err := e.db.WithContext(ctx).
		Where("entity_type = ? AND target_status = ? AND is_active = ? AND deleted_at IS NULL",
			string(entity), string(target), true).
		Order("priority DESC, created_at ASC").
		Find(&rules).Error
	return rules, err
}

// Evaluate 评估主体上的全部自定义规则，聚合所有违规项
func (e *RuleEngine) Evaluate(ctx context.Context, entity EntityType, target Status, subject any) []Violation {
	rules, err := e.activeRules(ctx, entity, target)
	if err != nil {
		return Fail("guard_rules", fmt.Sprintf("加载守卫规则失败: %v", err))
	}

	params := map[string]any{}
	if p, ok := subject.(ParamsProvider); ok {
		params = p.GuardParams()
	}

	var violations []Violation
	for _, rule := range rules {
		expression, err := govaluate.NewEvaluableExpression(rule.Expression)
		if err != nil {
			violations = append(violations, Violation{Guard: rule.Name, Message: fmt.Sprintf("规则表达式无效: %v", err)})
			continue
		}

		// 缺失参数按 nil 处理，交由表达式自行判断
		args := make(map[string]interface{}, len(params))
		for _, v := range expression.Vars() {
			if val, ok := params[v]; ok {
				args[v] = val
			} else {
				args[v] = nil
			}
		}

		result, err := expression.Evaluate(args)
		if err != nil {
			violations = append(violations, Violation{Guard: rule.Name, Message: fmt.Sprintf("规则评估失败: %v", err)})
			continue
		}

		passed, ok := result.(bool)
		if !ok || !passed {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("未满足规则 %s", rule.Name)
			}
			violations = append(violations, Violation{Guard: rule.Name, Message: msg})
		}
	}
	return violations
}

// RuleGuard 将规则引擎包装为标准守卫，可挂到任意状态机上
func RuleGuard(engine *RuleEngine, entity EntityType, target Status) Guard {
	return NewGuard("guard_rules", func(ctx context.Context, subject any) []Violation {
		return engine.Evaluate(ctx, entity, target, subject)
	})
}

// AttachRuleEngine 把规则引擎挂到转移表中出现的每个目标状态
func (m *Machine) AttachRuleEngine(engine *RuleEngine) {
	attached := make(map[Status]bool)
	for _, targets := range m.def.Transitions {
		for _, target := range targets {
			if attached[target] {
				continue
			}
			attached[target] = true
			m.RegisterGuard(target, RuleGuard(engine, m.def.Entity, target))
		}
	}
}
