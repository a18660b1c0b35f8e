package middleware

import (
	"context"

	"sagacheckout/messaging"
)

// 元数据字段名
const (
	KeyCorrelationID = "correlation_id"
	KeyCausationID   = "causation_id"
)

// CorrelationMiddleware 注入 correlation_id 与 causation_id
//
// 规则：
//   - correlation_id 缺失时取消息 Key（即事务 ID），同一 saga 的所有消息共享；
//   - causation_id 缺失时取上下文中正在处理的消息 ID，仍缺失则用自身 ID。
type CorrelationMiddleware struct{}

func NewCorrelationMiddleware() *CorrelationMiddleware { return &CorrelationMiddleware{} }

func (m *CorrelationMiddleware) Name() string { return "Correlation" }

func (m *CorrelationMiddleware) Handle(ctx context.Context, topic string, msg *messaging.Message, next messaging.PublishFunc) error {
	if msg.GetMetadata(KeyCorrelationID) == "" {
		corr := msg.Key
		if corr == "" {
			corr = msg.ID
		}
		msg.SetMetadata(KeyCorrelationID, corr)
	}
	if msg.GetMetadata(KeyCausationID) == "" {
		cause := messaging.CausationID(ctx)
		if cause == "" {
			cause = msg.ID
		}
		msg.SetMetadata(KeyCausationID, cause)
	}
	return next(ctx, topic, msg)
}
