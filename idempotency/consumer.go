package idempotency

import (
	"context"
	"fmt"

	"sagacheckout/checkout"
	"sagacheckout/errors"
	"sagacheckout/logging"
	"sagacheckout/messaging"
	"sagacheckout/occ"
	"sagacheckout/storage"
)

// Consumer 幂等消费者，实现 messaging.Handler
type Consumer struct {
	name     string
	executor *occ.Executor
	handler  Handler
	pub      messaging.Publisher
	logger   logging.Logger
}

// ConsumerOption 配置项
type ConsumerOption func(*Consumer)

// WithConsumerLogger 指定日志
func WithConsumerLogger(logger logging.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer 创建幂等消费者。name 为参与者名，用于日志
func NewConsumer(name string, executor *occ.Executor, handler Handler, pub messaging.Publisher, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:     name,
		executor: executor,
		handler:  handler,
		pub:      pub,
		logger:   logging.Component("idempotency.consumer").WithFields(logging.String("participant", name)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle 处理一次投递
//
// 无法解码或无法定位事务的消息记录日志后丢弃；能定位但载荷无效的消息回复失败响应。
// 发布响应失败返回错误，消息不被确认，重投时走重放路径。
func (c *Consumer) Handle(ctx context.Context, d *messaging.Delivery) error {
	op, err := checkout.DecodeOperation(d.Message)
	if err != nil && !op.Routable() {
		c.logger.Warn(ctx, "丢弃无法解析的操作消息", logging.Error(err),
			logging.Topic(d.Topic), logging.String("message_id", d.Message.ID))
		return nil
	}

	resp, err := c.Process(ctx, op)
	if err != nil {
		return err
	}

	msg, err := checkout.NewResponseMessage(resp)
	if err != nil {
		return err
	}
	ctx = messaging.WithCausationID(ctx, d.Message.ID)
	if err := c.pub.Publish(ctx, op.Step.ResponsesTopic(), msg); err != nil {
		c.logger.Warn(ctx, "发布响应失败，等待重投", logging.Error(err),
			logging.TransactionID(op.TransactionID), logging.IdempotencyKey(op.IdempotencyKey))
		return err
	}
	return nil
}

// Process 校验事件，执行幂等处理并返回应发布的响应
//
// 返回错误仅表示上下文已取消等无法给出响应的情况。
func (c *Consumer) Process(ctx context.Context, op checkout.OperationEvent) (checkout.ResponseEvent, error) {
	// 无效事件不读存储也不写记录；校验是纯函数，重投得到相同的响应
	if err := op.Validate(); err != nil {
		c.logger.Warn(ctx, "拒绝无效的操作事件", logging.Error(err),
			logging.TransactionID(op.TransactionID), logging.IdempotencyKey(op.IdempotencyKey))
		return op.Respond(checkout.Failure(checkout.ReasonInvalidOperation)), nil
	}

	keys := append([]string{}, c.handler.Keys(op)...)
	keys = append(keys, RecordKey(op.IdempotencyKey))
	if op.Compensation {
		keys = append(keys, RecordKey(op.ForwardKey))
	}

	var (
		resp     checkout.ResponseEvent
		replayed bool
	)
	err := c.executor.Execute(ctx, keys, func(view occ.View) ([]storage.Write, error) {
		replayed = false
		rec, found, err := readRecord(view, op.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if found {
			resp, replayed = rec.Response, true
			return nil, nil
		}
		var writes []storage.Write
		if op.Compensation {
			resp, writes, err = c.compensate(op, view)
		} else {
			resp, writes, err = c.apply(op, view)
		}
		return writes, err
	})

	fields := []logging.Field{
		logging.TransactionID(op.TransactionID),
		logging.Step(string(op.Step)),
		logging.Bool("compensation", op.Compensation),
		logging.IdempotencyKey(op.IdempotencyKey),
	}
	switch {
	case err == nil && replayed:
		c.logger.Debug(ctx, "重复投递，重放已记录的响应", fields...)
		return resp, nil
	case err == nil:
		c.logger.Info(ctx, "操作已处理", append(fields, logging.String("status", string(resp.Outcome.Status)),
			logging.String("reason", resp.Outcome.Reason))...)
		return resp, nil
	case ctx.Err() != nil:
		return checkout.ResponseEvent{}, ctx.Err()
	case errors.IsErrorCode(err, errors.ErrCodeWriteConflict):
		c.logger.Warn(ctx, "写冲突重试耗尽，返回瞬时失败", append(fields, logging.Error(err))...)
		return op.Respond(checkout.TransientFailure(checkout.ReasonWriteConflict)), nil
	case errors.IsErrorCode(err, errors.ErrCodeTransportFailure):
		c.logger.Warn(ctx, "存储不可用，返回瞬时失败", append(fields, logging.Error(err))...)
		return op.Respond(checkout.TransientFailure(checkout.ReasonTransportFailure)), nil
	default:
		c.logger.Error(ctx, "处理操作失败", append(fields, logging.Error(err))...)
		return op.Respond(checkout.TransientFailure(err.Error())), nil
	}
}

// apply 正向操作：成功时写入实体与记录；业务拒绝时只写入失败记录
func (c *Consumer) apply(op checkout.OperationEvent, view occ.View) (checkout.ResponseEvent, []storage.Write, error) {
	effect, err := c.handler.Apply(op, view)
	if reason, ok := errors.RejectionReason(err); ok {
		return c.record(op, checkout.Failure(reason), Effect{})
	}
	if err != nil {
		return checkout.ResponseEvent{}, nil, err
	}
	return c.record(op, checkout.Success(), effect)
}

// compensate 补偿操作，依据正向记录决定行为：
// 正向成功则撤销；正向失败则空操作；正向从未处理则写入取消标记，使迟到的正向消息重放取消结果
func (c *Consumer) compensate(op checkout.OperationEvent, view occ.View) (checkout.ResponseEvent, []storage.Write, error) {
	forward, found, err := readRecord(view, op.ForwardKey)
	if err != nil {
		return checkout.ResponseEvent{}, nil, err
	}

	switch {
	case !found:
		tombstone := Record{Response: checkout.ResponseEvent{
			TransactionID:  op.TransactionID,
			Step:           op.Step,
			IdempotencyKey: op.ForwardKey,
			Outcome:        checkout.Failure(checkout.ReasonCancelled),
		}}
		w, err := recordWrite(op.ForwardKey, tombstone)
		if err != nil {
			return checkout.ResponseEvent{}, nil, err
		}
		return c.record(op, checkout.Success(), Effect{Writes: []storage.Write{w}, Mutation: []string{"tombstone " + op.ForwardKey}})
	case !forward.Response.Outcome.Succeeded():
		return c.record(op, checkout.Success(), Effect{})
	}

	effect, err := c.handler.Compensate(op, view)
	if reason, ok := errors.RejectionReason(err); ok {
		return c.record(op, checkout.Failure(reason), Effect{})
	}
	if err != nil {
		return checkout.ResponseEvent{}, nil, err
	}
	return c.record(op, checkout.Success(), effect)
}

// record 追加本次操作的幂等记录写入
func (c *Consumer) record(op checkout.OperationEvent, outcome checkout.Outcome, effect Effect) (checkout.ResponseEvent, []storage.Write, error) {
	resp := op.Respond(outcome)
	w, err := recordWrite(op.IdempotencyKey, Record{Response: resp, Mutation: effect.Mutation})
	if err != nil {
		return resp, nil, fmt.Errorf("%s: %w", c.name, err)
	}
	writes := make([]storage.Write, 0, len(effect.Writes)+1)
	writes = append(writes, effect.Writes...)
	writes = append(writes, w)
	return resp, writes, nil
}
