package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PublishFunc 中间件链中的基本执行单元
type PublishFunc func(ctx context.Context, topic string, msg *Message) error

// IMiddleware 发布中间件
type IMiddleware interface {
	Handle(ctx context.Context, topic string, msg *Message, next PublishFunc) error
	Name() string
}

// Bus 在 Transport 之上叠加发布中间件与单次调用超时
type Bus struct {
	transport   Transport
	timeout     time.Duration
	middlewares []IMiddleware
	mutex       sync.RWMutex
}

// BusOption 配置项
type BusOption func(*Bus)

// WithPublishTimeout 单次发布调用超时
func WithPublishTimeout(d time.Duration) BusOption {
	return func(b *Bus) { b.timeout = d }
}

// NewBus 创建总线
func NewBus(transport Transport, opts ...BusOption) *Bus {
	b := &Bus{transport: transport}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Use 注册中间件
func (b *Bus) Use(middleware IMiddleware) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.middlewares = append(b.middlewares, middleware)
}

// Transport 返回底层传输
func (b *Bus) Transport() Transport {
	return b.transport
}

// Publish 执行中间件后写入传输
func (b *Bus) Publish(ctx context.Context, topic string, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("publish to %s: nil message", topic)
	}
	final := func(ctx context.Context, topic string, msg *Message) error {
		if b.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		if err := b.transport.Publish(ctx, topic, msg); err != nil {
			return fmt.Errorf("publish %s to %s: %w", msg.Type, topic, err)
		}
		return nil
	}
	return b.executeMiddlewares(ctx, topic, msg, final)
}

// executeMiddlewares 构建并执行中间件链
func (b *Bus) executeMiddlewares(ctx context.Context, topic string, msg *Message, final PublishFunc) error {
	b.mutex.RLock()
	middlewares := b.middlewares
	b.mutex.RUnlock()

	next := final
	for i := len(middlewares) - 1; i >= 0; i-- {
		middleware := middlewares[i]
		currentNext := next
		next = func(ctx context.Context, topic string, msg *Message) error {
			return middleware.Handle(ctx, topic, msg, currentNext)
		}
	}
	return next(ctx, topic, msg)
}
