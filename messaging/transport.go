package messaging

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"
)

// ErrClosed 传输已关闭
var ErrClosed = errors.New("messaging: transport closed")

// Delivery 一次投递。未 Ack 的投递会被再次投递
type Delivery struct {
	Topic     string
	Group     string
	Partition int
	Message   *Message

	// Attempt 从 1 开始；大于 1 表示重投
	Attempt int

	// Token 由传输实现持有的确认凭据（偏移量、流 ID、原始消息）
	Token any
}

// Transport 分区消息传输接口
//
//   - Publish 按 PartitionFor(msg.Key) 写入分区；
//   - Fetch 返回该 (group, partition) 下一条未确认的消息，阻塞至多一个拉取周期，
//     无消息时返回 (nil, nil)；
//   - Ack 确认后该消息不再投递给该组；Nack 让消息尽快重投。
type Transport interface {
	Publish(ctx context.Context, topic string, msg *Message) error
	Fetch(ctx context.Context, topic, group string, partition int) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery) error
	Partitions() int
	Close() error
}

// PartitionFor 基于 xxhash64 的确定性分区分配
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(partitions))
}
