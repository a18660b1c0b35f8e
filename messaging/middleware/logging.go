package middleware

import (
	"context"
	"time"

	"sagacheckout/logging"
	"sagacheckout/messaging"
)

// LoggingMiddleware 以 Debug 级别记录每次发布，失败记录 Warn
type LoggingMiddleware struct {
	logger logging.Logger
}

func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = logging.Component("messaging.publish")
	}
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Name() string { return "Logging" }

func (m *LoggingMiddleware) Handle(ctx context.Context, topic string, msg *messaging.Message, next messaging.PublishFunc) error {
	start := time.Now()
	err := next(ctx, topic, msg)
	fields := []logging.Field{
		logging.Topic(topic),
		logging.String("type", msg.Type),
		logging.String("message_id", msg.ID),
		logging.TransactionID(msg.Key),
		logging.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		m.logger.Warn(ctx, "发布消息失败", append(fields, logging.Error(err))...)
		return err
	}
	m.logger.Debug(ctx, "发布消息", fields...)
	return nil
}
