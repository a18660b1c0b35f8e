package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Operation 可重试的操作函数类型
type Operation func(ctx context.Context) error

// OperationWithInfo 带尝试次数的操作函数类型
type OperationWithInfo func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（包括首次）
	InitialDelay  time.Duration // 初始退避延迟
	BackoffFactor float64       // 退避倍数（指数退避）
	MaxDelay      time.Duration // 最大延迟
	Jitter        bool          // 全抖动：实际等待在 [0, delay] 内均匀分布

	// Retryable 判断错误是否值得重试，nil 表示全部重试
	Retryable func(err error) bool
}

// DefaultConfig 返回默认配置
//
// 默认值：
//   - MaxAttempts: 5
//   - InitialDelay: 5ms
//   - BackoffFactor: 2.0（指数退避）
//   - MaxDelay: 200ms
//   - Jitter: true
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		InitialDelay:  5 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      200 * time.Millisecond,
		Jitter:        true,
	}
}

// Do 执行带重试的操作
//
// 返回最后一次执行的错误；遇到不可重试的错误时立即返回该错误。
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//	    return someOperation()
//	}, retry.DefaultConfig())
func Do(ctx context.Context, op Operation, cfg Config) error {
	return DoWithInfo(ctx, func(ctx context.Context, _ int) error {
		return op(ctx)
	}, cfg)
}

// DoWithInfo 执行带重试的操作，每次尝试都会传入当前尝试次数（从 1 开始）
func DoWithInfo(ctx context.Context, op OperationWithInfo, cfg Config) error {
	var lastErr error
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}

		// 最后一次尝试不需要等待
		if attempt < attempts {
			if err := Sleep(ctx, cfg.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	return lastErr
}

// Delay 计算第 attempt 次失败后的退避时长
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(c.InitialDelay) * pow(factor, float64(attempt-1)))
	if c.MaxDelay > 0 && (delay > c.MaxDelay || delay < 0) {
		delay = c.MaxDelay
	}
	if c.Jitter && delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return delay
}

// Sleep 等待 d，支持上下文取消
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pow 简单的幂运算实现（避免引入 math 包）
func pow(base, exp float64) float64 {
	if exp == 0 {
		return 1
	}
	result := base
	for i := 1; i < int(exp); i++ {
		result *= base
	}
	return result
}
