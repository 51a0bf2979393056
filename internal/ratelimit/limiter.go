// Package ratelimit 提供所有出站请求共享的最小间隔闸门
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// MinRPS 最低每秒请求数
const MinRPS = 0.1

// Waiter 出站请求前调用
type Waiter interface {
	Wait(ctx context.Context) error
}

// Limiter 保证任意两次放行之间至少间隔 1/maxRPS 秒，所有调用方共享
type Limiter struct {
	limiter *rate.Limiter
	maxRPS  float64
}

// New 创建限流器，maxRPS 低于 MinRPS 时取 MinRPS
func New(maxRPS float64) *Limiter {
	if maxRPS < MinRPS {
		maxRPS = MinRPS
	}
	// burst为1即最小间隔语义：令牌只能逐个按间隔补充
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(maxRPS), 1),
		maxRPS:  maxRPS,
	}
}

// Wait 阻塞直到获得放行或ctx取消
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Interval 两次放行的最小间隔
func (l *Limiter) Interval() time.Duration {
	return time.Duration(float64(time.Second) / l.maxRPS)
}

// MaxRPS 当前速率
func (l *Limiter) MaxRPS() float64 {
	return l.maxRPS
}
