// Package memory 提供基于内存分区日志的消息传输实现
// 适用于单机部署、开发环境和测试场景
package memory

import (
	"context"
	"sync"
	"time"

	"sagacheckout/messaging"
)

type cursorKey struct {
	topic     string
	group     string
	partition int
}

// PublishHook 在写入前调用，返回错误则发布失败（测试中模拟总线不可用）
type PublishHook func(topic string, msg *messaging.Message) error

// Transport 内存传输实现
//
// 每个 (主题, 分区) 是一条只追加的日志，每个 (主题, 消费组, 分区) 维护一个
// 已确认偏移量。Fetch 总是返回偏移量处的消息，因此未确认的消息会被重投。
type Transport struct {
	partitions   int
	blockTimeout time.Duration

	mu        sync.Mutex
	logs      map[string][][]*messaging.Message
	published map[string][]*messaging.Message
	offsets   map[cursorKey]int
	attempts  map[cursorKey]int
	wake      chan struct{}
	hook      PublishHook
	closed    bool
}

// Option 配置项
type Option func(*Transport)

// WithBlockTimeout Fetch 无消息时的最长阻塞时间（默认 50ms）
func WithBlockTimeout(d time.Duration) Option {
	return func(t *Transport) { t.blockTimeout = d }
}

// NewTransport 创建内存传输，partitions <= 0 时取 1
func NewTransport(partitions int, opts ...Option) *Transport {
	if partitions <= 0 {
		partitions = 1
	}
	t := &Transport{
		partitions:   partitions,
		blockTimeout: 50 * time.Millisecond,
		logs:         make(map[string][][]*messaging.Message),
		published:    make(map[string][]*messaging.Message),
		offsets:      make(map[cursorKey]int),
		attempts:     make(map[cursorKey]int),
		wake:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Partitions() int { return t.partitions }

// Publish 追加到 Key 对应分区
func (t *Transport) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return messaging.ErrClosed
	}
	if t.hook != nil {
		if err := t.hook(topic, msg); err != nil {
			return err
		}
	}

	parts, ok := t.logs[topic]
	if !ok {
		parts = make([][]*messaging.Message, t.partitions)
		t.logs[topic] = parts
	}
	p := messaging.PartitionFor(msg.Key, t.partitions)
	stored := msg.Clone()
	parts[p] = append(parts[p], stored)
	t.published[topic] = append(t.published[topic], stored)

	close(t.wake)
	t.wake = make(chan struct{})
	return nil
}

// Fetch 返回下一条未确认消息
func (t *Transport) Fetch(ctx context.Context, topic, group string, partition int) (*messaging.Delivery, error) {
	key := cursorKey{topic: topic, group: group, partition: partition}
	timer := time.NewTimer(t.blockTimeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, messaging.ErrClosed
		}
		var log []*messaging.Message
		if parts, ok := t.logs[topic]; ok && partition < len(parts) {
			log = parts[partition]
		}
		offset := t.offsets[key]
		if offset < len(log) {
			t.attempts[key]++
			d := &messaging.Delivery{
				Topic:     topic,
				Group:     group,
				Partition: partition,
				Message:   log[offset].Clone(),
				Attempt:   t.attempts[key],
				Token:     offset,
			}
			t.mu.Unlock()
			return d, nil
		}
		wake := t.wake
		t.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack 推进偏移量
func (t *Transport) Ack(ctx context.Context, d *messaging.Delivery) error {
	offset, _ := d.Token.(int)
	key := cursorKey{topic: d.Topic, group: d.Group, partition: d.Partition}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offsets[key] == offset {
		t.offsets[key] = offset + 1
		t.attempts[key] = 0
	}
	return nil
}

// Nack 不移动偏移量，下一次 Fetch 重投同一消息
func (t *Transport) Nack(ctx context.Context, d *messaging.Delivery) error {
	return nil
}

// Close 关闭传输，阻塞中的 Fetch 立即返回 ErrClosed
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.wake)
	}
	return nil
}

// SetPublishHook 设置发布钩子，nil 清除
func (t *Transport) SetPublishHook(hook PublishHook) {
	t.mu.Lock()
	t.hook = hook
	t.mu.Unlock()
}

// Messages 返回主题上按发布顺序的全部消息副本
func (t *Transport) Messages(topic string) []*messaging.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*messaging.Message, 0, len(t.published[topic]))
	for _, m := range t.published[topic] {
		out = append(out, m.Clone())
	}
	return out
}

// Lag 返回消费组在主题上尚未确认的消息数
func (t *Transport) Lag(topic, group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	lag := 0
	for p, log := range t.logs[topic] {
		lag += len(log) - t.offsets[cursorKey{topic: topic, group: group, partition: p}]
	}
	return lag
}
