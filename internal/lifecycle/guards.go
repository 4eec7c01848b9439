package lifecycle

import "context"

// Violation 单条前置条件违规
type Violation struct {
	Guard   string `json:"guard"`           // 守卫名称
	Field   string `json:"field,omitempty"` // 相关字段（可选）
	Message string `json:"message"`         // 面向用户的说明
}

// Guard 流转前置条件守卫
// Check 返回零个或多个违规项；评估方聚合全部守卫的结果，不短路
type Guard interface {
	Name() string
	Check(ctx context.Context, subject any) []Violation
}

// GuardFunc 函数式守卫适配器
type GuardFunc struct {
	GuardName string
	Fn        func(ctx context.Context, subject any) []Violation
}

func (g GuardFunc) Name() string {
	return g.GuardName
}

func (g GuardFunc) Check(ctx context.Context, subject any) []Violation {
	return g.Fn(ctx, subject)
}

// NewGuard 创建函数式守卫
func NewGuard(name string, fn func(ctx context.Context, subject any) []Violation) Guard {
	return GuardFunc{GuardName: name, Fn: fn}
}

// Fail 构造一条违规（便捷函数）
func Fail(guard, message string) []Violation {
	return []Violation{{Guard: guard, Message: message}}
}

// FailField 构造一条带字段的违规
func FailField(guard, field, message string) []Violation {
	return []Violation{{Guard: guard, Field: field, Message: message}}
}

// EvaluateAll 依次评估全部守卫并聚合所有违规项，从不短路
func EvaluateAll(ctx context.Context, guards []Guard, subject any) []Violation {
	var all []Violation
	for _, g := range guards {
		all = append(all, g.Check(ctx, subject)...)
	}
	return all
}
