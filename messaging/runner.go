package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sagacheckout/logging"
	"sagacheckout/patterns/retry"
)

// Subscription 一个 (主题, 消费组) 的处理绑定
type Subscription struct {
	Topic   string
	Group   string
	Handler Handler
}

// Runner 每个 (订阅, 分区) 一个 goroutine：拉取 → 处理 → 确认
//
// 分区内严格串行，分区之间并行。处理失败时 Nack 并退避，不确认。
type Runner struct {
	transport  Transport
	partitions []int
	backoff    retry.Config
	logger     logging.Logger

	mu     sync.Mutex
	subs   []Subscription
	cancel context.CancelFunc
	done   chan error
}

// RunnerOption 配置项
type RunnerOption func(*Runner)

// WithAssignedPartitions 只消费指定分区（多实例水平扩展时划分分区）
func WithAssignedPartitions(partitions ...int) RunnerOption {
	return func(r *Runner) { r.partitions = append([]int(nil), partitions...) }
}

// WithHandlerBackoff 处理失败与拉取失败的退避配置
func WithHandlerBackoff(cfg retry.Config) RunnerOption {
	return func(r *Runner) { r.backoff = cfg }
}

// WithRunnerLogger 自定义日志
func WithRunnerLogger(logger logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner 创建 Runner
func NewRunner(transport Transport, opts ...RunnerOption) *Runner {
	r := &Runner{
		transport: transport,
		backoff: retry.Config{
			InitialDelay:  20 * time.Millisecond,
			BackoffFactor: 2,
			MaxDelay:      2 * time.Second,
			Jitter:        true,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Component("messaging.runner")
	}
	if len(r.partitions) == 0 {
		for p := 0; p < transport.Partitions(); p++ {
			r.partitions = append(r.partitions, p)
		}
	}
	return r
}

// Subscribe 注册订阅，需在 Run/Start 之前调用
func (r *Runner) Subscribe(topic, group string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, Subscription{Topic: topic, Group: group, Handler: h})
}

// Run 阻塞运行直到 ctx 取消
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	subs := append([]Subscription(nil), r.subs...)
	r.mu.Unlock()
	if len(subs) == 0 {
		return errors.New("messaging: runner has no subscriptions")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		for _, p := range r.partitions {
			sub, p := sub, p
			g.Go(func() error {
				return r.consume(gctx, sub, p)
			})
		}
	}
	r.logger.Info(ctx, "消费者启动",
		logging.Int("subscriptions", len(subs)),
		logging.Any("partitions", r.partitions))
	return g.Wait()
}

// Start 后台运行（实现 server.Component）
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("messaging: runner already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan error, 1)
	go func() { r.done <- r.Run(runCtx) }()
	return nil
}

// Stop 取消并等待所有分区循环退出
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) consume(ctx context.Context, sub Subscription, partition int) error {
	logger := r.logger.WithFields(
		logging.Topic(sub.Topic),
		logging.String("group", sub.Group),
		logging.Partition(partition),
	)
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := r.transport.Fetch(ctx, sub.Topic, sub.Group, partition)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			failures++
			logger.Warn(ctx, "拉取消息失败", logging.Error(err), logging.Int("failures", failures))
			if err := retry.Sleep(ctx, r.backoff.Delay(failures)); err != nil {
				return nil
			}
			continue
		}
		if d == nil {
			continue
		}

		hctx := WithCausationID(ctx, d.Message.ID)
		if err := r.handle(hctx, sub.Handler, d); err != nil {
			failures++
			logger.Warn(ctx, "处理消息失败，等待重投",
				logging.String("message_id", d.Message.ID),
				logging.TransactionID(d.Message.Key),
				logging.Int("attempt", d.Attempt),
				logging.Error(err))
			if nackErr := r.transport.Nack(ctx, d); nackErr != nil {
				logger.Warn(ctx, "nack 失败", logging.Error(nackErr))
			}
			if err := retry.Sleep(ctx, r.backoff.Delay(failures)); err != nil {
				return nil
			}
			continue
		}
		failures = 0

		if err := r.transport.Ack(ctx, d); err != nil {
			// 未确认的消息会被重投，由幂等消费者回放
			logger.Warn(ctx, "ack 失败", logging.String("message_id", d.Message.ID), logging.Error(err))
		}
	}
}

func (r *Runner) handle(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, d)
}
