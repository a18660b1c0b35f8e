package stock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagacheckout/checkout"
	"sagacheckout/errors"
	"sagacheckout/idempotency"
	"sagacheckout/logging"
	"sagacheckout/messaging"
	"sagacheckout/messaging/transport/memory"
	"sagacheckout/occ"
	storemem "sagacheckout/storage/memory"
)

type fixture struct {
	svc      *Service
	consumer *idempotency.Consumer
	bus      *messaging.Bus
	tr       *memory.Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	exec := occ.NewExecutor(storemem.NewStore(), occ.WithLogger(logging.NewNoopLogger()))
	svc := NewService(exec)
	tr := memory.NewTransport(1)
	bus := messaging.NewBus(tr)
	c := idempotency.NewConsumer(Name, exec, svc, bus, idempotency.WithConsumerLogger(logging.NewNoopLogger()))
	return &fixture{svc: svc, consumer: c, bus: bus, tr: tr}
}

func (f *fixture) seed(t *testing.T, itemID string, stock int64) {
	t.Helper()
	require.NoError(t, f.svc.put(context.Background(), itemID, Item{Stock: stock, Price: 4}))
}

func reserve(txID, itemID string, qty int) checkout.OperationEvent {
	req := checkout.CheckoutRequest{OrderID: "o", UserID: "u", Items: []checkout.Item{{ItemID: itemID, Quantity: qty}}}
	return req.Operation(txID, checkout.StepReserveStock)
}

func (f *fixture) stock(t *testing.T, itemID string) int64 {
	t.Helper()
	item, err := f.svc.Find(context.Background(), itemID)
	require.NoError(t, err)
	return item.Stock
}

// TestReserve_RedeliveryIsReplayed 库存 5 预留 3 成功；重投同一事件返回相同响应且不再扣减
func TestReserve_RedeliveryIsReplayed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "apple", 5)
	op := reserve("tx-a", "apple", 3)

	first, err := f.consumer.Process(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, checkout.Success(), first.Outcome)
	assert.Equal(t, int64(2), f.stock(t, "apple"))

	second, err := f.consumer.Process(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), f.stock(t, "apple"))
}

// TestReserve_InsufficientStock 库存 1 预留 3 失败，库存不变
func TestReserve_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "apple", 1)

	resp, err := f.consumer.Process(context.Background(), reserve("tx-b", "apple", 3))
	require.NoError(t, err)
	assert.Equal(t, checkout.Failure(checkout.ReasonInsufficientStock), resp.Outcome)
	assert.Equal(t, int64(1), f.stock(t, "apple"))
}

func TestReserve_MultipleItemsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "apple", 5)
	f.seed(t, "pear", 1)
	req := checkout.CheckoutRequest{OrderID: "o", UserID: "u", Items: []checkout.Item{
		{ItemID: "apple", Quantity: 2}, {ItemID: "pear", Quantity: 2},
	}}

	resp, err := f.consumer.Process(context.Background(), req.Operation("tx-c", checkout.StepReserveStock))
	require.NoError(t, err)
	assert.Equal(t, checkout.Failure(checkout.ReasonInsufficientStock), resp.Outcome)
	assert.Equal(t, int64(5), f.stock(t, "apple"))
	assert.Equal(t, int64(1), f.stock(t, "pear"))
}

func TestReserve_UnknownItem(t *testing.T) {
	f := newFixture(t)
	resp, err := f.consumer.Process(context.Background(), reserve("tx-d", "ghost", 1))
	require.NoError(t, err)
	assert.Equal(t, checkout.Failure(checkout.ReasonItemNotFound), resp.Outcome)
}

func TestCompensate_ReleasesStock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "apple", 5)
	req := checkout.CheckoutRequest{OrderID: "o", UserID: "u", Items: []checkout.Item{{ItemID: "apple", Quantity: 3}}}

	_, err := f.consumer.Process(context.Background(), req.Operation("tx-e", checkout.StepReserveStock))
	require.NoError(t, err)
	resp, err := f.consumer.Process(context.Background(), req.Compensation("tx-e", checkout.StepReserveStock))
	require.NoError(t, err)
	assert.True(t, resp.Outcome.Succeeded())
	assert.Equal(t, int64(5), f.stock(t, "apple"))

	_, err = f.consumer.Process(context.Background(), req.Compensation("tx-e", checkout.StepReserveStock))
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.stock(t, "apple"))
}

func TestSeedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.CreateItem(ctx, 12)
	require.NoError(t, err)
	item, err := f.svc.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Item{Stock: 0, Price: 12}, item)

	stock, err := f.svc.AddStock(ctx, id, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stock)

	price, err := f.svc.Price(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(12), price)

	_, err = f.svc.AddStock(ctx, id, 0)
	assert.True(t, errors.IsValidation(err))

	_, err = f.svc.AddStock(ctx, "missing", 1)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, f.svc.BatchInit(ctx, 3, 10, 2))
	item, err = f.svc.Find(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, Item{Stock: 10, Price: 2}, item)
}

// TestConsumer_OverBus 通过总线投递后在响应主题上收到结果
func TestConsumer_OverBus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "apple", 5)
	ctx := context.Background()

	msg, err := checkout.NewOperationMessage(reserve("tx-f", "apple", 2))
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, checkout.TopicStockOperations, msg))

	d, err := f.tr.Fetch(ctx, checkout.TopicStockOperations, Name, 0)
	require.NoError(t, err)
	require.NoError(t, f.consumer.Handle(ctx, d))

	responses := f.tr.Messages(checkout.TopicStockResponses)
	require.Len(t, responses, 1)
	resp, err := checkout.DecodeResponse(responses[0])
	require.NoError(t, err)
	assert.Equal(t, "tx-f", resp.TransactionID)
	assert.True(t, resp.Outcome.Succeeded())
}

// TestReserve_DuplicateLinesRejected 同一商品出现在两行时整体拒绝，库存不变且不写幂等记录
func TestReserve_DuplicateLinesRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "apple", 5)
	op := reserve("tx-dup", "apple", 3)
	op.Payload.Stock.Items = append(op.Payload.Stock.Items, checkout.Item{ItemID: "apple", Quantity: 3})

	resp, err := f.consumer.Process(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, checkout.Failure(checkout.ReasonInvalidOperation), resp.Outcome)
	assert.Equal(t, int64(5), f.stock(t, "apple"))

	got, err := f.svc.Executor().Store().Get(context.Background(), idempotency.RecordKey(op.IdempotencyKey))
	require.NoError(t, err)
	assert.False(t, got[idempotency.RecordKey(op.IdempotencyKey)].Exists())
}

// TestReserve_NegativeQuantityOverBus 负数量的预留经 Handle 回复失败，不会增加库存
func TestReserve_NegativeQuantityOverBus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "apple", 5)
	op := reserve("tx-neg", "apple", -10)

	msg, err := checkout.NewOperationMessage(op)
	require.NoError(t, err)
	err = f.consumer.Handle(context.Background(), &messaging.Delivery{Topic: checkout.TopicStockOperations, Message: msg})
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.stock(t, "apple"))

	published := f.tr.Messages(checkout.TopicStockResponses)
	require.Len(t, published, 1)
	resp, err := checkout.DecodeResponse(published[0])
	require.NoError(t, err)
	assert.Equal(t, op.IdempotencyKey, resp.IdempotencyKey)
	assert.Equal(t, checkout.Failure(checkout.ReasonInvalidOperation), resp.Outcome)
}
