package lifecycle

import "time"

// Clock 时间源抽象
// 所有截止期限与逾期判断都通过 Clock 取当前时间，测试中可注入固定时钟
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时钟（UTC）
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock 固定时钟，用于测试
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time {
	return c.T
}

// NewFixedClock 创建固定时钟
func NewFixedClock(t time.Time) FixedClock {
	return FixedClock{T: t}
}
