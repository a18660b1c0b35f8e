package idempotency

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagacheckout/checkout"
	"sagacheckout/errors"
	"sagacheckout/logging"
	"sagacheckout/messaging"
	"sagacheckout/messaging/middleware"
	"sagacheckout/messaging/transport/memory"
	"sagacheckout/occ"
	"sagacheckout/patterns/retry"
	"sagacheckout/storage"
	storemem "sagacheckout/storage/memory"
)

const ledgerKey = "ledger"

// ledgerHandler 把库存步骤的数量累加到一个计数器上
type ledgerHandler struct {
	rejectCompensation bool
}

func (h *ledgerHandler) Keys(op checkout.OperationEvent) []string { return []string{ledgerKey} }

func (h *ledgerHandler) Apply(op checkout.OperationEvent, view occ.View) (Effect, error) {
	n := readLedger(view)
	total := 0
	for _, item := range op.Payload.Stock.Items {
		if item.ItemID == "forbidden" {
			return Effect{}, errors.NewBusinessRejection(checkout.ReasonItemNotFound)
		}
		total += item.Quantity
	}
	return Effect{
		Writes:   []storage.Write{{Key: ledgerKey, Value: []byte(strconv.Itoa(n + total))}},
		Mutation: []string{"ledger +" + strconv.Itoa(total)},
	}, nil
}

func (h *ledgerHandler) Compensate(op checkout.OperationEvent, view occ.View) (Effect, error) {
	if h.rejectCompensation {
		return Effect{}, errors.NewBusinessRejection(checkout.ReasonCompensationFailed)
	}
	n := readLedger(view)
	total := 0
	for _, item := range op.Payload.Stock.Items {
		total += item.Quantity
	}
	return Effect{Writes: []storage.Write{{Key: ledgerKey, Value: []byte(strconv.Itoa(n - total))}}}, nil
}

func readLedger(view occ.View) int {
	n, _ := strconv.Atoi(string(view.Value(ledgerKey)))
	return n
}

type fixture struct {
	store     *storemem.Store
	transport *memory.Transport
	consumer  *Consumer
	handler   *ledgerHandler
}

func newFixture() *fixture {
	store := storemem.NewStore()
	transport := memory.NewTransport(1, memory.WithBlockTimeout(10*time.Millisecond))
	handler := &ledgerHandler{}
	exec := occ.NewExecutor(store,
		occ.WithConflictRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Microsecond}),
		occ.WithTransportRetry(retry.Config{MaxAttempts: 2, InitialDelay: time.Microsecond}),
		occ.WithLogger(logging.NewNoopLogger()))
	bus := messaging.NewBus(transport)
	bus.Use(middleware.NewCorrelationMiddleware())
	consumer := NewConsumer("stock", exec, handler, bus,
		WithConsumerLogger(logging.NewNoopLogger()))
	return &fixture{store: store, transport: transport, consumer: consumer, handler: handler}
}

func (f *fixture) ledger(t *testing.T) string {
	t.Helper()
	got, err := f.store.Get(context.Background(), ledgerKey)
	require.NoError(t, err)
	return string(got[ledgerKey].Value)
}

func (f *fixture) record(t *testing.T, key string) (Record, bool) {
	t.Helper()
	got, err := f.store.Get(context.Background(), RecordKey(key))
	require.NoError(t, err)
	rec, found, err := readRecord(occ.View(got), key)
	require.NoError(t, err)
	return rec, found
}

// deliver 把操作发布到操作主题，取出后交给消费者处理
func (f *fixture) deliver(t *testing.T, op checkout.OperationEvent) (*messaging.Delivery, error) {
	t.Helper()
	ctx := context.Background()
	msg, err := checkout.NewOperationMessage(op)
	require.NoError(t, err)
	require.NoError(t, f.transport.Publish(ctx, checkout.TopicStockOperations, msg))

	d, err := f.transport.Fetch(ctx, checkout.TopicStockOperations, "stock", 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	herr := f.consumer.Handle(ctx, d)
	if herr == nil {
		require.NoError(t, f.transport.Ack(ctx, d))
	}
	return d, herr
}

func (f *fixture) responses(t *testing.T) []checkout.ResponseEvent {
	t.Helper()
	var out []checkout.ResponseEvent
	for _, msg := range f.transport.Messages(checkout.TopicStockResponses) {
		resp, err := checkout.DecodeResponse(msg)
		require.NoError(t, err)
		out = append(out, resp)
	}
	return out
}

func request() checkout.CheckoutRequest {
	return checkout.CheckoutRequest{
		OrderID: "order-1", UserID: "user-1", TotalCost: 10,
		Items: []checkout.Item{{ItemID: "apple", Quantity: 3}},
	}
}

func TestConsumer_AppliesOnceAndReplays(t *testing.T) {
	f := newFixture()
	op := request().Operation("tx-1", checkout.StepReserveStock)

	_, err := f.deliver(t, op)
	require.NoError(t, err)
	_, err = f.deliver(t, op)
	require.NoError(t, err)

	assert.Equal(t, "3", f.ledger(t))
	responses := f.responses(t)
	require.Len(t, responses, 2)
	assert.Equal(t, responses[0], responses[1])
	assert.Equal(t, checkout.Success(), responses[0].Outcome)

	rec, found := f.record(t, op.IdempotencyKey)
	require.True(t, found)
	assert.Equal(t, []string{"ledger +3"}, rec.Mutation)
}

func TestConsumer_BusinessRejectionRecorded(t *testing.T) {
	f := newFixture()
	req := request()
	req.Items = []checkout.Item{{ItemID: "forbidden", Quantity: 1}}
	op := req.Operation("tx-2", checkout.StepReserveStock)

	_, err := f.deliver(t, op)
	require.NoError(t, err)
	_, err = f.deliver(t, op)
	require.NoError(t, err)

	assert.Equal(t, "", f.ledger(t))
	responses := f.responses(t)
	require.Len(t, responses, 2)
	assert.Equal(t, checkout.Failure(checkout.ReasonItemNotFound), responses[0].Outcome)
	assert.Equal(t, responses[0], responses[1])
	_, found := f.record(t, op.IdempotencyKey)
	assert.True(t, found)
}

// TestConsumer_PublishFailureRedelivers 提交后发布失败：消息不确认，重投时重放而不重复执行
func TestConsumer_PublishFailureRedelivers(t *testing.T) {
	f := newFixture()
	op := request().Operation("tx-3", checkout.StepReserveStock)
	ctx := context.Background()

	msg, err := checkout.NewOperationMessage(op)
	require.NoError(t, err)
	require.NoError(t, f.transport.Publish(ctx, checkout.TopicStockOperations, msg))

	f.transport.SetPublishHook(func(topic string, msg *messaging.Message) error {
		if topic == checkout.TopicStockResponses {
			return errors.NewError(errors.ErrCodeTransportFailure, "broker unavailable")
		}
		return nil
	})
	d, err := f.transport.Fetch(ctx, checkout.TopicStockOperations, "stock", 0)
	require.NoError(t, err)
	require.Error(t, f.consumer.Handle(ctx, d))
	assert.Equal(t, "3", f.ledger(t))
	assert.Equal(t, 1, f.transport.Lag(checkout.TopicStockOperations, "stock"))

	f.transport.SetPublishHook(nil)
	d, err = f.transport.Fetch(ctx, checkout.TopicStockOperations, "stock", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	require.NoError(t, f.consumer.Handle(ctx, d))
	require.NoError(t, f.transport.Ack(ctx, d))

	assert.Equal(t, "3", f.ledger(t))
	responses := f.responses(t)
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Outcome.Succeeded())
	assert.Equal(t, msg.ID, f.transport.Messages(checkout.TopicStockResponses)[0].GetMetadata(middleware.KeyCausationID))
}

func TestConsumer_CompensatesSucceededForward(t *testing.T) {
	f := newFixture()
	req := request()
	_, err := f.deliver(t, req.Operation("tx-4", checkout.StepReserveStock))
	require.NoError(t, err)
	comp := req.Compensation("tx-4", checkout.StepReserveStock)
	_, err = f.deliver(t, comp)
	require.NoError(t, err)
	_, err = f.deliver(t, comp)
	require.NoError(t, err)

	assert.Equal(t, "0", f.ledger(t))
	responses := f.responses(t)
	require.Len(t, responses, 3)
	assert.True(t, responses[1].Compensation)
	assert.True(t, responses[1].Outcome.Succeeded())
	assert.Equal(t, responses[1], responses[2])
}

func TestConsumer_CompensationOfFailedForwardIsNoop(t *testing.T) {
	f := newFixture()
	req := request()
	req.Items = []checkout.Item{{ItemID: "forbidden", Quantity: 2}}
	_, err := f.deliver(t, req.Operation("tx-5", checkout.StepReserveStock))
	require.NoError(t, err)
	_, err = f.deliver(t, req.Compensation("tx-5", checkout.StepReserveStock))
	require.NoError(t, err)

	assert.Equal(t, "", f.ledger(t))
	responses := f.responses(t)
	require.Len(t, responses, 2)
	assert.True(t, responses[1].Outcome.Succeeded())
}

// TestConsumer_TombstoneBlocksLateForward 补偿先于正向到达：写入取消标记，迟到的正向重放取消结果
func TestConsumer_TombstoneBlocksLateForward(t *testing.T) {
	f := newFixture()
	req := request()
	forward := req.Operation("tx-6", checkout.StepReserveStock)

	_, err := f.deliver(t, req.Compensation("tx-6", checkout.StepReserveStock))
	require.NoError(t, err)
	rec, found := f.record(t, forward.IdempotencyKey)
	require.True(t, found)
	assert.True(t, rec.Tombstone())

	_, err = f.deliver(t, forward)
	require.NoError(t, err)
	assert.Equal(t, "", f.ledger(t))

	responses := f.responses(t)
	require.Len(t, responses, 2)
	assert.True(t, responses[0].Compensation)
	assert.True(t, responses[0].Outcome.Succeeded())
	assert.False(t, responses[1].Compensation)
	assert.Equal(t, checkout.Failure(checkout.ReasonCancelled), responses[1].Outcome)
}

func TestConsumer_CompensationRejected(t *testing.T) {
	f := newFixture()
	req := request()
	_, err := f.deliver(t, req.Operation("tx-7", checkout.StepReserveStock))
	require.NoError(t, err)

	f.handler.rejectCompensation = true
	_, err = f.deliver(t, req.Compensation("tx-7", checkout.StepReserveStock))
	require.NoError(t, err)

	assert.Equal(t, "3", f.ledger(t))
	responses := f.responses(t)
	require.Len(t, responses, 2)
	assert.Equal(t, checkout.Failure(checkout.ReasonCompensationFailed), responses[1].Outcome)
	assert.False(t, responses[1].Outcome.Transient)
}

// conflictingStore 每次提交都报告冲突
type conflictingStore struct {
	*storemem.Store
}

func (s conflictingStore) Commit(ctx context.Context, req storage.CommitRequest) error {
	return storage.ErrConflict
}

// brokenStore 所有调用都是传输失败
type brokenStore struct {
	*storemem.Store
}

func (s brokenStore) Get(ctx context.Context, keys ...string) (map[string]storage.Versioned, error) {
	return nil, errors.NewError(errors.ErrCodeTransportFailure, "dial tcp: connection refused")
}

func TestConsumer_TransientFailuresWriteNoRecord(t *testing.T) {
	cases := []struct {
		name   string
		store  storage.Store
		reason string
	}{
		{"conflict", conflictingStore{storemem.NewStore()}, checkout.ReasonWriteConflict},
		{"transport", brokenStore{storemem.NewStore()}, checkout.ReasonTransportFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := occ.NewExecutor(tc.store,
				occ.WithConflictRetry(retry.Config{MaxAttempts: 2, InitialDelay: time.Microsecond}),
				occ.WithTransportRetry(retry.Config{MaxAttempts: 2, InitialDelay: time.Microsecond}),
				occ.WithLogger(logging.NewNoopLogger()))
			transport := memory.NewTransport(1)
			c := NewConsumer("stock", exec, &ledgerHandler{}, messaging.NewBus(transport),
				WithConsumerLogger(logging.NewNoopLogger()))

			op := request().Operation("tx-8", checkout.StepReserveStock)
			resp, err := c.Process(context.Background(), op)
			require.NoError(t, err)
			assert.Equal(t, checkout.TransientFailure(tc.reason), resp.Outcome)
			assert.Equal(t, op.IdempotencyKey, resp.IdempotencyKey)
		})
	}
}

func TestConsumer_DropsUndecodableMessage(t *testing.T) {
	f := newFixture()
	msg, err := messaging.NewMessage(checkout.TypeResponseEvent, "tx-9", map[string]string{"nope": "x"})
	require.NoError(t, err)

	err = f.consumer.Handle(context.Background(), &messaging.Delivery{Topic: checkout.TopicStockOperations, Message: msg})
	assert.NoError(t, err)
	assert.Empty(t, f.transport.Messages(checkout.TopicStockResponses))
}

func TestConsumer_CancelledContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.consumer.Process(ctx, request().Operation("tx-10", checkout.StepReserveStock))
	assert.ErrorIs(t, err, context.Canceled)
}

// TestConsumer_MismatchedPayloadVariant 载荷变体与步骤不符时直接回复失败，不调用业务逻辑
func TestConsumer_MismatchedPayloadVariant(t *testing.T) {
	f := newFixture()
	op := request().Operation("tx-11", checkout.StepReserveStock)
	op.Payload = checkout.Payload{Order: &checkout.OrderPayload{OrderID: "order-1"}}

	resp, err := f.consumer.Process(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, checkout.Failure(checkout.ReasonInvalidOperation), resp.Outcome)
	assert.Equal(t, "", f.ledger(t))
	_, found := f.record(t, op.IdempotencyKey)
	assert.False(t, found)
}
