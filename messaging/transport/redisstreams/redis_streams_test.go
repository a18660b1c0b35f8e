package redisstreams

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagacheckout/messaging"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	msg := &messaging.Message{
		ID:        "msg-1",
		Type:      "OperationEvent",
		Key:       "tx-1",
		Timestamp: ts,
		Payload:   json.RawMessage(`{"step":"reserve_stock"}`),
		Metadata:  map[string]string{"correlation_id": "tx-1"},
	}

	values, err := encodeMessage(msg)
	require.NoError(t, err)

	entry := redis.XMessage{ID: "1-0", Values: values}
	decoded, err := decodeMessage(entry)
	require.NoError(t, err)

	require.Equal(t, msg.ID, decoded.ID)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.Key, decoded.Key)
	require.Equal(t, ts.UnixNano(), decoded.Timestamp.UnixNano())
	require.JSONEq(t, string(msg.Payload), string(decoded.Payload))
	require.Equal(t, "tx-1", decoded.GetMetadata("correlation_id"))
}

func TestDecodeFallbackTimestamp(t *testing.T) {
	entry := redis.XMessage{ID: "2-0", Values: map[string]interface{}{
		"id":        "msg-2",
		"type":      "ResponseEvent",
		"timestamp": "1700000000000000000",
		"payload":   "{}",
		"metadata":  "{}",
	}}
	decoded, err := decodeMessage(entry)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000000000), decoded.Timestamp.UnixNano())
}

func TestDecodeRejectsTrimmedEntry(t *testing.T) {
	_, err := decodeMessage(redis.XMessage{ID: "3-0"})
	require.Error(t, err)
}

func newTestTransport(t *testing.T, mr *miniredis.Miniredis) *Transport {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tr, err := NewTransport(Config{Client: client, Partitions: 2, BlockTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	return tr
}

// TestPendingEntriesSurviveRestart 测试未确认的条目在新实例上被重新读取
func TestPendingEntriesSurviveRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := newTestTransport(t, mr)
	msg, err := messaging.NewMessage("OperationEvent", "tx-9", map[string]string{"step": "reserve_stock"})
	require.NoError(t, err)
	require.NoError(t, first.Publish(ctx, "stock-operations", msg))

	p := messaging.PartitionFor("tx-9", 2)
	d, err := first.Fetch(ctx, "stock-operations", "stock", p)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, msg.ID, d.Message.ID)
	assert.Equal(t, 1, d.Attempt)
	require.NoError(t, first.Close())

	// 模拟崩溃：未 Ack，新实例以相同消费者名重启
	second := newTestTransport(t, mr)
	again, err := second.Fetch(ctx, "stock-operations", "stock", p)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.ID, again.Message.ID)
	assert.Equal(t, 2, again.Attempt)

	require.NoError(t, second.Ack(ctx, again))
	none, err := second.Fetch(ctx, "stock-operations", "stock", p)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// TestStreamPerPartition 测试每个分区一个流
func TestStreamPerPartition(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr)
	ctx := context.Background()

	msg, err := messaging.NewMessage("ResponseEvent", "tx-3", map[string]string{})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "stock-responses", msg))

	p := messaging.PartitionFor("tx-3", 2)
	entries, err := mr.Stream(tr.streamName("stock-responses", p))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestClosedTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTestTransport(t, mr)
	require.NoError(t, tr.Close())

	_, err := tr.Fetch(context.Background(), "t", "g", 0)
	assert.ErrorIs(t, err, messaging.ErrClosed)
}
