package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" mapstructure:"max_attempts"`               // 最大尝试次数
	InitialInterval   time.Duration `json:"initial_interval" mapstructure:"initial_interval"`       // 普通失败的初始间隔
	RateLimitInterval time.Duration `json:"rate_limit_interval" mapstructure:"rate_limit_interval"` // 429且无Retry-After时的初始间隔
	MaxInterval       time.Duration `json:"max_interval" mapstructure:"max_interval"`               // 最大间隔
	BackoffFactor     float64       `json:"backoff_factor" mapstructure:"backoff_factor"`           // 退避因子
	JitterMax         float64       `json:"jitter_max" mapstructure:"jitter_max"`                   // 抖动上限倍数，延迟乘以[1, JitterMax]
}

// ChainRetryConfig 链上数据请求重试配置
var ChainRetryConfig = &RetryConfig{
	MaxAttempts:       3,
	InitialInterval:   time.Second,
	RateLimitInterval: 1500 * time.Millisecond,
	MaxInterval:       60 * time.Second,
	BackoffFactor:     2.0,
	JitterMax:         1.2,
}

// PriceRetryConfig 价格请求重试配置
var PriceRetryConfig = &RetryConfig{
	MaxAttempts:       4,
	InitialInterval:   time.Second,
	RateLimitInterval: 1500 * time.Millisecond,
	MaxInterval:       60 * time.Second,
	BackoffFactor:     2.0,
	JitterMax:         1.2,
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

// RetryableErrorImpl 可重试错误实现
type RetryableErrorImpl struct {
	Err       error
	Retryable bool
}

func (r *RetryableErrorImpl) Error() string {
	return r.Err.Error()
}

func (r *RetryableErrorImpl) IsRetryable() bool {
	return r.Retryable
}

func (r *RetryableErrorImpl) Unwrap() error {
	return r.Err
}

// NewRetryableError 创建可重试错误
func NewRetryableError(err error, retryable bool) RetryableError {
	return &RetryableErrorImpl{
		Err:       err,
		Retryable: retryable,
	}
}

// RateLimitError 被限流（HTTP 429），RetryAfter为服务端提示，0表示无提示
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (r *RateLimitError) Error() string {
	return r.Err.Error()
}

func (r *RateLimitError) IsRetryable() bool {
	return true
}

func (r *RateLimitError) Unwrap() error {
	return r.Err
}

// IsRetryableError 判断是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"eof",
	}
	for _, networkErr := range networkErrors {
		if strings.Contains(errStr, networkErr) {
			return true
		}
	}
	return false
}

// SleepFunc 可被取消的等待
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier 重试器，可被多个goroutine共享
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger
	sleep  SleepFunc
	jitter func() float64
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = ChainRetryConfig
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retrier{
		config: config,
		logger: logger,
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
}

// WithSleep 替换等待函数
func (r *Retrier) WithSleep(sleep SleepFunc) *Retrier {
	r.sleep = sleep
	return r
}

// ExecuteFunc 执行函数类型，attempt从0开始
type ExecuteFunc func(attempt int) error

// Execute 执行重试逻辑，返回成功前的最后一个错误和实际尝试次数
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) (int, error) {
	var lastErr error

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt+1)
			}
			return attempt + 1, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return attempt + 1, err
		}

		if attempt == r.config.MaxAttempts-1 {
			r.logger.Warnf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt+1, err)
			break
		}

		delay := r.calculateDelay(attempt, err)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt+1, err, delay)

		if serr := r.sleep(ctx, delay); serr != nil {
			return attempt + 1, serr
		}
	}

	return r.config.MaxAttempts, lastErr
}

// calculateDelay 计算第attempt次失败后的等待时间
func (r *Retrier) calculateDelay(attempt int, err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 {
			return rl.RetryAfter
		}
		return r.capped(float64(r.config.RateLimitInterval) * math.Pow(r.config.BackoffFactor, float64(attempt)))
	}

	delay := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt))
	if r.config.JitterMax > 1 {
		delay *= 1 + r.jitter()*(r.config.JitterMax-1)
	}
	return r.capped(delay)
}

func (r *Retrier) capped(delay float64) time.Duration {
	if r.config.MaxInterval > 0 && delay > float64(r.config.MaxInterval) {
		delay = float64(r.config.MaxInterval)
	}
	return time.Duration(delay)
}

// GetConfig 获取重试配置
func (r *Retrier) GetConfig() *RetryConfig {
	return r.config
}
