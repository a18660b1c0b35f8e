package saga_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sagacheckout/checkout"
	"sagacheckout/config"
	"sagacheckout/errors"
	"sagacheckout/idempotency"
	"sagacheckout/logging"
	"sagacheckout/messaging"
	"sagacheckout/messaging/middleware"
	"sagacheckout/messaging/transport/memory"
	"sagacheckout/occ"
	"sagacheckout/participant"
	"sagacheckout/participant/order"
	"sagacheckout/participant/payment"
	"sagacheckout/participant/stock"
	"sagacheckout/saga"
	storemem "sagacheckout/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type route struct {
	topic   string
	group   string
	handler messaging.Handler
}

// harness 以单分区内存总线连接编排器与三个真实参与者，由 pump 手动驱动
type harness struct {
	t       *testing.T
	clock   *fakeClock
	tr      *memory.Transport
	bus     *messaging.Bus
	store   saga.Store
	orch    *saga.Orchestrator
	stock   *stock.Service
	payment *payment.Service
	order   *order.Service
	routes  []route

	mu         sync.Mutex
	operations []checkout.OperationEvent
	failing    map[string]bool
}

func testConfig() config.SagaConfig {
	cfg := config.Default().Saga
	cfg.StepTimeout = 5 * time.Second
	cfg.SagaDeadline = time.Minute
	cfg.MaxRedispatch = 2
	cfg.StepRetries = 2
	cfg.CompensationRetries = 2
	return cfg
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, saga.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store saga.Store) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		tr:    memory.NewTransport(1, memory.WithBlockTimeout(time.Millisecond)),
		store: store,
	}
	h.bus = messaging.NewBus(h.tr)
	h.bus.Use(middleware.NewCorrelationMiddleware())
	h.tr.SetPublishHook(h.record)

	quiet := logging.NewNoopLogger()
	newExec := func() *occ.Executor {
		return occ.NewExecutor(storemem.NewStore(), occ.WithLogger(quiet))
	}
	h.stock = stock.NewService(newExec())
	h.payment = payment.NewService(newExec())
	h.order = order.NewService(newExec(), h.stock, h.bus)

	orch, err := saga.NewOrchestrator(store, h.bus,
		saga.WithConfig(testConfig()),
		saga.WithClock(h.clock.Now),
		saga.WithLogger(quiet))
	require.NoError(t, err)
	h.orch = orch

	for _, p := range []participant.Participant{h.stock, h.payment, h.order} {
		c := idempotency.NewConsumer(p.Name(), p.Executor(), p, h.bus, idempotency.WithConsumerLogger(quiet))
		h.routes = append(h.routes, route{topic: p.Step().OperationsTopic(), group: p.Name(), handler: c})
	}
	h.routes = append(h.routes, route{checkout.TopicCheckoutOperations, saga.Group, messaging.HandlerFunc(orch.HandleCheckoutRequest)})
	for _, step := range checkout.Steps {
		h.routes = append(h.routes, route{step.ResponsesTopic(), saga.Group, messaging.HandlerFunc(orch.HandleResponse)})
	}
	return h
}

// record 发布钩子：记录编排器派发的全部操作，按发布顺序；failing 中的主题发布失败
func (h *harness) record(topic string, msg *messaging.Message) error {
	h.mu.Lock()
	fail := h.failing[topic]
	h.mu.Unlock()
	if fail {
		return errors.NewError(errors.ErrCodeTransportFailure, "broker unavailable: "+topic)
	}
	if msg.Type == checkout.TypeOperationEvent {
		var op checkout.OperationEvent
		if err := msg.Decode(&op); err == nil {
			h.mu.Lock()
			h.operations = append(h.operations, op)
			h.mu.Unlock()
		}
	}
	return nil
}

// failPublish 设置主题发布是否失败
func (h *harness) failPublish(topic string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing == nil {
		h.failing = make(map[string]bool)
	}
	h.failing[topic] = fail
}

func (h *harness) dispatched() []checkout.OperationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]checkout.OperationEvent(nil), h.operations...)
}

// seed 商品 "0"、"1" 单价 10 库存 5；用户 "0" 余额 credit；返回订单 ID（商品 0 两件、商品 1 一件，共 30）
func (h *harness) seed(credit int64) string {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.stock.BatchInit(ctx, 2, 5, 10))
	require.NoError(h.t, h.payment.BatchInit(ctx, 1, credit))
	id, err := h.order.Create(ctx, "0")
	require.NoError(h.t, err)
	_, err = h.order.AddItem(ctx, id, "0", 2)
	require.NoError(h.t, err)
	_, err = h.order.AddItem(ctx, id, "1", 1)
	require.NoError(h.t, err)
	return id
}

func (h *harness) request(orderID string) checkout.CheckoutRequest {
	h.t.Helper()
	o, err := h.order.Find(context.Background(), orderID)
	require.NoError(h.t, err)
	return checkout.CheckoutRequest{OrderID: orderID, UserID: o.UserID, Items: o.Items, TotalCost: o.TotalCost}
}

// pump 反复投递直到所有主题都没有待处理消息；skip 中的主题不投递
func (h *harness) pump(skip ...string) {
	h.t.Helper()
	ctx := context.Background()
	skipped := make(map[string]bool, len(skip))
	for _, topic := range skip {
		skipped[topic] = true
	}
	for rounds := 0; rounds < 1000; rounds++ {
		progressed := false
		for _, r := range h.routes {
			if skipped[r.topic] {
				continue
			}
			d, err := h.tr.Fetch(ctx, r.topic, r.group, 0)
			require.NoError(h.t, err)
			if d == nil {
				continue
			}
			progressed = true
			if err := r.handler.Handle(ctx, d); err == nil {
				require.NoError(h.t, h.tr.Ack(ctx, d))
			}
		}
		if !progressed {
			return
		}
	}
	h.t.Fatal("pump did not settle")
}

// pumpOne 只投递主题上的下一条消息
func (h *harness) pumpOne(topic, group string) {
	h.t.Helper()
	ctx := context.Background()
	for _, r := range h.routes {
		if r.topic != topic || r.group != group {
			continue
		}
		d, err := h.tr.Fetch(ctx, topic, group, 0)
		require.NoError(h.t, err)
		require.NotNil(h.t, d, "no pending message on %s", topic)
		if err := r.handler.Handle(ctx, d); err == nil {
			require.NoError(h.t, h.tr.Ack(ctx, d))
		}
		return
	}
	h.t.Fatalf("no route for %s/%s", topic, group)
}

// discard 确认并丢弃主题上所有待处理消息，模拟消息丢失
func (h *harness) discard(topic, group string) int {
	h.t.Helper()
	ctx := context.Background()
	n := 0
	for {
		d, err := h.tr.Fetch(ctx, topic, group, 0)
		require.NoError(h.t, err)
		if d == nil {
			return n
		}
		require.NoError(h.t, h.tr.Ack(ctx, d))
		n++
	}
}

func (h *harness) sweep() int {
	h.t.Helper()
	n, err := h.orch.Sweep(context.Background(), h.clock.Now())
	require.NoError(h.t, err)
	return n
}

func (h *harness) results() []*messaging.Message {
	return h.tr.Messages(checkout.TopicCheckoutResponses)
}

func (h *harness) status(txID string) *saga.Instance {
	h.t.Helper()
	inst, err := h.orch.Status(context.Background(), txID)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) stockOf(itemID string) int64 {
	h.t.Helper()
	item, err := h.stock.Find(context.Background(), itemID)
	require.NoError(h.t, err)
	return item.Stock
}

func (h *harness) credit() int64 {
	h.t.Helper()
	acc, err := h.payment.Find(context.Background(), "0")
	require.NoError(h.t, err)
	return acc.Credit
}
