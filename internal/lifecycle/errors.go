package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"backend/internal/common"
)

// Kind 流转错误类别
type Kind int

const (
	KindInvalidTransition      Kind = iota + 1 // 目标状态不在当前状态的合法出边中
	KindGuardViolation                         // 前置条件未满足（携带全部违规项）
	KindNotFound                               // 实体不存在
	KindConcurrentModification                 // 提交时实体状态已被并发修改
)

// Error 状态流转错误
type Error struct {
	Kind       Kind
	Entity     EntityType
	EntityID   string
	From       Status
	To         Status
	Allowed    []Status    // 仅 InvalidTransition 填充
	Violations []Violation // 仅 GuardViolation 填充
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidTransition:
		targets := make([]string, 0, len(e.Allowed))
		for _, s := range e.Allowed {
			targets = append(targets, string(s))
		}
		return fmt.Sprintf("%s 不允许从 %s 流转到 %s（合法目标: %s）",
			e.Entity, e.From, e.To, strings.Join(targets, ", "))
	case KindGuardViolation:
		msgs := make([]string, 0, len(e.Violations))
		for _, v := range e.Violations {
			msgs = append(msgs, v.Message)
		}
		return fmt.Sprintf("%s 流转到 %s 的前置条件未满足: %s",
			e.Entity, e.To, strings.Join(msgs, "; "))
	case KindNotFound:
		return fmt.Sprintf("%s %s 不存在", e.Entity, e.EntityID)
	case KindConcurrentModification:
		return fmt.Sprintf("%s %s 已被其他操作修改，本次流转未提交", e.Entity, e.EntityID)
	default:
		return fmt.Sprintf("%s 流转失败", e.Entity)
	}
}

// BusinessCode 映射到统一业务错误码
func (e *Error) BusinessCode() int {
	switch e.Kind {
	case KindInvalidTransition:
		return common.CodeInvalidTransition
	case KindGuardViolation:
		return common.CodeGuardViolation
	case KindNotFound:
		return common.CodeNotFound
	case KindConcurrentModification:
		return common.CodeConcurrentModification
	default:
		return common.CodeInternalError
	}
}

// NewInvalidTransition 创建非法流转错误
func NewInvalidTransition(entity EntityType, id string, from, to Status, allowed []Status) *Error {
	return &Error{Kind: KindInvalidTransition, Entity: entity, EntityID: id, From: from, To: to, Allowed: allowed}
}

// NewGuardViolation 创建前置条件违规错误，violations 为全量违规列表
func NewGuardViolation(entity EntityType, id string, to Status, violations []Violation) *Error {
	return &Error{Kind: KindGuardViolation, Entity: entity, EntityID: id, To: to, Violations: violations}
}

// NewNotFound 创建实体不存在错误
func NewNotFound(entity EntityType, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, EntityID: id}
}

// NewConcurrentModification 创建并发修改错误
func NewConcurrentModification(entity EntityType, id string) *Error {
	return &Error{Kind: KindConcurrentModification, Entity: entity, EntityID: id}
}

// AsError 提取流转错误
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind 判断错误类别
func IsKind(err error, kind Kind) bool {
	if e, ok := AsError(err); ok {
		return e.Kind == kind
	}
	return false
}
