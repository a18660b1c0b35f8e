package messaging

import (
	"context"
)

// Handler 消息处理器。返回错误表示未处理完成，消息不会被确认
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, d *Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

// Publisher 消息发布接口
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *Message) error
}
