package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"

	"sagacheckout/logging"
	"sagacheckout/messaging"
)

// client captures the subset of go-redis commands we rely on (for easier testing).
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config describes how the Redis Streams transport should connect/behave.
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Password     string
	DB           int
	StreamPrefix string
	// ConsumerName is suffixed with the partition number. Keeping it stable across
	// restarts lets a restarted worker pick up its own pending (unacked) entries.
	ConsumerName string
	Partitions   int
	BlockTimeout time.Duration
	MaxLen       int64 // approximate stream cap, 0 disables trimming
	Logger       logging.Logger
}

// Transport is a messaging.Transport backed by Redis Streams consumer groups.
// Each topic partition is its own stream: <prefix><topic>:<partition>.
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger
	groups    *xsync.MapOf[string, struct{}]
	closed    chan struct{}
}

type token struct {
	stream string
	id     string
}

// NewTransport constructs a Redis Streams transport.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "bus:"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis client not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		own = true
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Component("transport.redisstreams")
	}

	return &Transport{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
		groups:    xsync.NewMapOf[string, struct{}](),
		closed:    make(chan struct{}),
	}, nil
}

func (t *Transport) Partitions() int { return t.cfg.Partitions }

// Publish appends the message to the stream of its key's partition.
func (t *Transport) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if t.isClosed() {
		return messaging.ErrClosed
	}
	values, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: t.streamName(topic, messaging.PartitionFor(msg.Key, t.cfg.Partitions)),
		Values: values,
	}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	return t.client.XAdd(ctx, args).Err()
}

// Fetch returns this partition consumer's oldest pending entry first, then new entries.
func (t *Transport) Fetch(ctx context.Context, topic, group string, partition int) (*messaging.Delivery, error) {
	if t.isClosed() {
		return nil, messaging.ErrClosed
	}
	stream := t.streamName(topic, partition)
	if err := t.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	consumer := fmt.Sprintf("%s-%d", t.cfg.ConsumerName, partition)

	// 先读本消费者名下未确认的条目（崩溃重启或处理失败后重投）
	d, err := t.read(ctx, topic, group, partition, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    1,
		Block:    -1,
	}, true)
	if err != nil || d != nil {
		return d, err
	}

	return t.read(ctx, topic, group, partition, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    t.cfg.BlockTimeout,
	}, false)
}

func (t *Transport) read(ctx context.Context, topic, group string, partition int, args *redis.XReadGroupArgs, pending bool) (*messaging.Delivery, error) {
	res, err := t.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if t.isClosed() {
			return nil, messaging.ErrClosed
		}
		return nil, err
	}
	for _, streamRes := range res {
		for _, entry := range streamRes.Messages {
			msg, decodeErr := decodeMessage(entry)
			if decodeErr != nil {
				// 无法解码（或已被裁剪）的条目直接确认，避免阻塞分区
				t.logger.Warn(ctx, "decode redis stream entry failed",
					logging.String("stream", streamRes.Stream),
					logging.String("entry_id", entry.ID),
					logging.Error(decodeErr))
				_ = t.client.XAck(ctx, streamRes.Stream, group, entry.ID).Err()
				continue
			}
			attempt := 1
			if pending {
				attempt = 2
			}
			return &messaging.Delivery{
				Topic:     topic,
				Group:     group,
				Partition: partition,
				Message:   msg,
				Attempt:   attempt,
				Token:     token{stream: streamRes.Stream, id: entry.ID},
			}, nil
		}
	}
	return nil, nil
}

func (t *Transport) Ack(ctx context.Context, d *messaging.Delivery) error {
	tok, ok := d.Token.(token)
	if !ok {
		return fmt.Errorf("redisstreams: foreign delivery token %T", d.Token)
	}
	return t.client.XAck(ctx, tok.stream, d.Group, tok.id).Err()
}

// Nack leaves the entry in the pending list; the next Fetch re-reads it.
func (t *Transport) Nack(ctx context.Context, d *messaging.Delivery) error {
	return nil
}

// Close closes the redis client when owned by the transport.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) ensureGroup(ctx context.Context, stream, group string) error {
	cacheKey := stream + "|" + group
	if _, ok := t.groups.Load(cacheKey); ok {
		return nil
	}
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	t.groups.Store(cacheKey, struct{}{})
	return nil
}

func (t *Transport) streamName(topic string, partition int) string {
	return t.cfg.StreamPrefix + topic + ":" + strconv.Itoa(partition)
}

func encodeMessage(msg *messaging.Message) (map[string]interface{}, error) {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, err
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]interface{}{
		"id":        msg.ID,
		"type":      msg.Type,
		"key":       msg.Key,
		"timestamp": ts.UnixNano(),
		"payload":   string(msg.Payload),
		"metadata":  string(metadata),
	}, nil
}

func decodeMessage(entry redis.XMessage) (*messaging.Message, error) {
	if len(entry.Values) == 0 {
		return nil, fmt.Errorf("entry %s has no fields", entry.ID)
	}
	id, _ := entry.Values["id"].(string)
	msgType, _ := entry.Values["type"].(string)
	key, _ := entry.Values["key"].(string)
	payloadRaw, _ := entry.Values["payload"].(string)
	metadataRaw, _ := entry.Values["metadata"].(string)

	if payloadRaw != "" && !json.Valid([]byte(payloadRaw)) {
		return nil, fmt.Errorf("entry %s has invalid payload", entry.ID)
	}
	metadata := make(map[string]string)
	if metadataRaw != "" && metadataRaw != "null" {
		if err := json.Unmarshal([]byte(metadataRaw), &metadata); err != nil {
			return nil, err
		}
	}

	ts := time.Now()
	switch v := entry.Values["timestamp"].(type) {
	case int64:
		ts = time.Unix(0, v)
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = time.Unix(0, ns)
		}
	}

	if id == "" {
		id = entry.ID
	}

	return &messaging.Message{
		ID:        id,
		Type:      msgType,
		Key:       key,
		Timestamp: ts,
		Payload:   json.RawMessage(payloadRaw),
		Metadata:  metadata,
	}, nil
}
