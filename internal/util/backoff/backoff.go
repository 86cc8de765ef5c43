// Package backoff 实现指数退避。
// 用于遥测 WebSocket 断线重连与指令文件写入失败后的重试，避免忙等。
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff 指数退避计算器
// 每次调用 Next() 返回下一次重试的等待时间，按 base*2^attempt 增长直到 max。
// 非并发安全，由持有者单 goroutine 使用。
type Backoff struct {
	// base 基础等待时间
	base time.Duration
	// max 最大等待时间
	max time.Duration
	// jitter 抖动比例（0-1），例如 0.2 表示 ±20%
	jitter float64
	// attempt 当前重试次数
	attempt int
}

// New 创建新的退避计算器
// 参数 base: 基础等待时间
// 参数 max: 最大等待时间
// 参数 jitter: 抖动比例（0 表示无抖动）
func New(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		base:   base,
		max:    max,
		jitter: jitter,
	}
}

// NewDefault 创建默认配置的退避计算器
// 基础间隔 1s，最大间隔 30s，抖动 ±20%
func NewDefault() *Backoff {
	return New(time.Second, 30*time.Second, 0.2)
}

// Next 获取下次重试的等待时间
// 返回值在应用抖动前不会超过 max
func (b *Backoff) Next() time.Duration {
	// 位移避免浮点计算；attempt 过大时直接取 max，防止溢出
	delay := b.max
	if b.attempt < 32 {
		if d := b.base * time.Duration(int64(1)<<b.attempt); d > 0 && d < b.max {
			delay = d
		}
	}

	if b.jitter > 0 {
		jitterFactor := 1.0 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	b.attempt++
	return delay
}

// Wait 等待下一次退避时间，ctx 取消时提前返回 ctx.Err()
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reset 重置退避计算器
// 在连接/写入成功后调用
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 获取当前重试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}
