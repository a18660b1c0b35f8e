package messaging

import "context"

type causationKey struct{}

// WithCausationID 把正在处理的消息 ID 放入上下文，供处理过程中发布的消息沿用
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationKey{}, id)
}

// CausationID 读取上下文中的因果消息 ID
func CausationID(ctx context.Context) string {
	id, _ := ctx.Value(causationKey{}).(string)
	return id
}
