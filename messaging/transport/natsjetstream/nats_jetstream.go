package natsjetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v3"

	"sagacheckout/logging"
	"sagacheckout/messaging"
)

// Config configures the JetStream transport.
type Config struct {
	URL           string
	Conn          *nats.Conn
	StreamPrefix  string // 每个主题一个流：<StreamPrefix><TOPIC>
	SubjectPrefix string // 分区主题：<SubjectPrefix><topic>.<partition>
	Partitions    int
	AckWait       time.Duration
	FetchWait     time.Duration
	Logger        logging.Logger

	// 可选：流参数
	Retention string // limits|interest|workqueue（默认 limits，允许多个消费组）
	MaxAge    time.Duration
	Replicas  int
}

// Transport implements messaging.Transport on top of NATS JetStream pull consumers.
// Each (group, partition) has its own durable consumer with MaxAckPending=1 so
// a partition is handed to its worker strictly in order.
type Transport struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	mu      sync.Mutex
	streams *xsync.MapOf[string, struct{}]
	subs    *xsync.MapOf[string, *nats.Subscription]
	closed  bool
}

// NewTransport builds a JetStream transport and connects.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "SAGA_"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "bus."
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("transport.nats")
	}
	t := &Transport{
		cfg:     cfg,
		logger:  cfg.Logger,
		streams: xsync.NewMapOf[string, struct{}](),
		subs:    xsync.NewMapOf[string, *nats.Subscription](),
	}
	if err := t.ensureConnection(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) Partitions() int { return t.cfg.Partitions }

func (t *Transport) Publish(ctx context.Context, topic string, msg *messaging.Message) error {
	if t.isClosed() {
		return messaging.ErrClosed
	}
	if err := t.ensureStream(topic); err != nil {
		return err
	}
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	subject := t.subjectName(topic, messaging.PartitionFor(msg.Key, t.cfg.Partitions))
	// MsgId 让 JetStream 在去重窗口内丢弃重复发布
	_, err = t.js.Publish(subject, data, nats.MsgId(msg.ID), nats.Context(ctx))
	return err
}

func (t *Transport) Fetch(ctx context.Context, topic, group string, partition int) (*messaging.Delivery, error) {
	if t.isClosed() {
		return nil, messaging.ErrClosed
	}
	sub, err := t.subscription(topic, group, partition)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, t.cfg.FetchWait)
	defer cancel()
	msgs, err := sub.Fetch(1, nats.Context(fctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
		if t.isClosed() {
			return nil, messaging.ErrClosed
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	raw := msgs[0]
	decoded, err := unmarshalMessage(raw.Data)
	if err != nil {
		t.logger.Warn(ctx, "decode nats message failed", logging.String("subject", raw.Subject), logging.Error(err))
		_ = raw.Term()
		return nil, nil
	}
	attempt := 1
	if md, mdErr := raw.Metadata(); mdErr == nil {
		attempt = int(md.NumDelivered)
	}
	return &messaging.Delivery{
		Topic:     topic,
		Group:     group,
		Partition: partition,
		Message:   decoded,
		Attempt:   attempt,
		Token:     raw,
	}, nil
}

func (t *Transport) Ack(ctx context.Context, d *messaging.Delivery) error {
	raw, ok := d.Token.(*nats.Msg)
	if !ok {
		return fmt.Errorf("natsjetstream: foreign delivery token %T", d.Token)
	}
	return raw.AckSync(nats.Context(ctx))
}

func (t *Transport) Nack(ctx context.Context, d *messaging.Delivery) error {
	raw, ok := d.Token.(*nats.Msg)
	if !ok {
		return fmt.Errorf("natsjetstream: foreign delivery token %T", d.Token)
	}
	return raw.Nak()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.subs.Range(func(key string, sub *nats.Subscription) bool {
		_ = sub.Unsubscribe()
		return true
	})
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) ensureConnection() error {
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		url := t.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url, nats.Name("sagacheckout"))
		if err != nil {
			return err
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream(topic string) error {
	name := t.streamName(topic)
	if _, ok := t.streams.Load(name); ok {
		return nil
	}
	_, err := t.js.StreamInfo(name)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
			return err
		}
		sc := &nats.StreamConfig{
			Name:      name,
			Subjects:  []string{t.cfg.SubjectPrefix + topic + ".*"},
			Retention: retentionPolicy(t.cfg.Retention),
			Storage:   nats.FileStorage,
			MaxAge:    t.cfg.MaxAge,
		}
		if t.cfg.Replicas > 0 {
			sc.Replicas = t.cfg.Replicas
		}
		if _, err := t.js.AddStream(sc); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return err
		}
	}
	t.streams.Store(name, struct{}{})
	return nil
}

func (t *Transport) subscription(topic, group string, partition int) (*nats.Subscription, error) {
	subject := t.subjectName(topic, partition)
	key := subject + "|" + group
	if sub, ok := t.subs.Load(key); ok {
		return sub, nil
	}
	if err := t.ensureStream(topic); err != nil {
		return nil, err
	}
	durable := durableName(group, topic, partition)
	sub, err := t.js.PullSubscribe(subject, durable,
		nats.BindStream(t.streamName(topic)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxAckPending(1),
		nats.DeliverAll())
	if err != nil {
		return nil, err
	}
	actual, loaded := t.subs.LoadOrStore(key, sub)
	if loaded {
		_ = sub.Unsubscribe()
	}
	return actual, nil
}

func (t *Transport) streamName(topic string) string {
	return t.cfg.StreamPrefix + sanitize(strings.ToUpper(topic))
}

func (t *Transport) subjectName(topic string, partition int) string {
	return t.cfg.SubjectPrefix + topic + "." + strconv.Itoa(partition)
}

func durableName(group, topic string, partition int) string {
	return sanitize(group + "-" + topic + "-" + strconv.Itoa(partition))
}

// sanitize 流名与 durable 名不允许包含 . * > 与空白
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

func retentionPolicy(name string) nats.RetentionPolicy {
	switch strings.ToLower(name) {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

type wireMessage struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Key       string            `json:"key"`
	Timestamp int64             `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func marshalMessage(msg *messaging.Message) ([]byte, error) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wireMessage{
		ID:        msg.ID,
		Type:      msg.Type,
		Key:       msg.Key,
		Timestamp: ts.UnixNano(),
		Payload:   msg.Payload,
		Metadata:  msg.Metadata,
	})
}

func unmarshalMessage(data []byte) (*messaging.Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	if wire.Metadata == nil {
		wire.Metadata = make(map[string]string)
	}
	return &messaging.Message{
		ID:        wire.ID,
		Type:      wire.Type,
		Key:       wire.Key,
		Timestamp: time.Unix(0, wire.Timestamp),
		Payload:   wire.Payload,
		Metadata:  wire.Metadata,
	}, nil
}
