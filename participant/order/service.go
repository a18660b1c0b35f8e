// Package order 订单参与者：维护订单，发起结账请求，并在 saga 最后一步确认订单已支付
package order

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"

	"sagacheckout/checkout"
	"sagacheckout/errors"
	"sagacheckout/idempotency"
	"sagacheckout/logging"
	"sagacheckout/messaging"
	"sagacheckout/occ"
	"sagacheckout/storage"
)

// Name 参与者名
const Name = "order"

// Order 订单
type Order struct {
	UserID    string          `json:"userId"`
	Items     []checkout.Item `json:"items"`
	TotalCost int64           `json:"totalCost"`
	Paid      bool            `json:"paid"`
}

// Key 订单实体键
func Key(orderID string) string {
	return "order:" + orderID
}

// PriceLookup 查询商品单价
type PriceLookup interface {
	Price(ctx context.Context, itemID string) (int64, error)
}

// Service 订单服务
type Service struct {
	executor *occ.Executor
	prices   PriceLookup
	pub      messaging.Publisher
	logger   logging.Logger
}

// NewService 创建订单服务。prices 用于 AddItem 计价，pub 用于发起结账
func NewService(executor *occ.Executor, prices PriceLookup, pub messaging.Publisher) *Service {
	return &Service{
		executor: executor,
		prices:   prices,
		pub:      pub,
		logger:   logging.Component("participant.order"),
	}
}

// Name 参与者名
func (s *Service) Name() string { return Name }

// Step 负责的 saga 步骤
func (s *Service) Step() checkout.Step { return checkout.StepConfirmOrder }

// Executor 订单存储的事务执行器
func (s *Service) Executor() *occ.Executor { return s.executor }

// Keys 只读写目标订单
func (s *Service) Keys(op checkout.OperationEvent) []string {
	return []string{Key(op.Payload.Order.OrderID)}
}

// Apply 把订单标记为已支付
func (s *Service) Apply(op checkout.OperationEvent, view occ.View) (idempotency.Effect, error) {
	return s.setPaid(op.Payload.Order.OrderID, view, true)
}

// Compensate 撤销已支付标记
func (s *Service) Compensate(op checkout.OperationEvent, view occ.View) (idempotency.Effect, error) {
	return s.setPaid(op.Payload.Order.OrderID, view, false)
}

func (s *Service) setPaid(orderID string, view occ.View, paid bool) (idempotency.Effect, error) {
	key := Key(orderID)
	var o Order
	found, err := view.Decode(key, &o)
	if err != nil {
		return idempotency.Effect{}, err
	}
	if !found {
		return idempotency.Effect{}, errors.NewBusinessRejection(checkout.ReasonOrderNotFound)
	}
	if paid && o.Paid {
		return idempotency.Effect{}, errors.NewBusinessRejection(checkout.ReasonOrderAlreadyPaid)
	}
	o.Paid = paid
	w, err := occ.Put(key, o)
	if err != nil {
		return idempotency.Effect{}, err
	}
	return idempotency.Effect{
		Writes:   []storage.Write{w},
		Mutation: []string{fmt.Sprintf("%s paid=%t", key, paid)},
	}, nil
}

// Create 为用户创建空订单
func (s *Service) Create(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.NewValidationError("userId 不能为空")
	}
	id := uuid.NewString()
	err := s.executor.Execute(ctx, []string{Key(id)}, func(view occ.View) ([]storage.Write, error) {
		w, err := occ.Put(Key(id), Order{UserID: userID, Items: []checkout.Item{}})
		return []storage.Write{w}, err
	})
	return id, err
}

// BatchInit 批量创建 ID 为 "0".."n-1" 的未支付订单，已存在的覆盖
//
// 每个订单属于 "0".."nUsers-1" 中随机一个用户，含 "0".."nItems-1" 中随机两件商品各一件，
// 总价为 2*itemPrice。与库存、支付的 BatchInit 配合用于压测数据准备。
func (s *Service) BatchInit(ctx context.Context, n, nItems, nUsers int, itemPrice int64) error {
	if n <= 0 || nItems <= 0 || nUsers <= 0 {
		return errors.NewValidationError("n、nItems、nUsers 必须为正数")
	}
	orders := make(map[string]Order, n)
	keys := make([]string, n)
	for i := range keys {
		keys[i] = Key(fmt.Sprint(i))
		orders[keys[i]] = Order{
			UserID: fmt.Sprint(rand.IntN(nUsers)),
			Items: []checkout.Item{
				{ItemID: fmt.Sprint(rand.IntN(nItems)), Quantity: 1},
				{ItemID: fmt.Sprint(rand.IntN(nItems)), Quantity: 1},
			},
			TotalCost: 2 * itemPrice,
		}
	}
	return s.executor.Execute(ctx, keys, func(view occ.View) ([]storage.Write, error) {
		writes := make([]storage.Write, 0, n)
		for _, key := range keys {
			w, err := occ.Put(key, orders[key])
			if err != nil {
				return nil, err
			}
			writes = append(writes, w)
		}
		return writes, nil
	})
}

// AddItem 向未支付订单追加商品，按当前单价累计总价，返回新总价
func (s *Service) AddItem(ctx context.Context, orderID, itemID string, quantity int) (int64, error) {
	if quantity <= 0 {
		return 0, errors.NewValidationError("quantity 必须为正数")
	}
	price, err := s.prices.Price(ctx, itemID)
	if err != nil {
		return 0, err
	}

	var total int64
	err = s.executor.Execute(ctx, []string{Key(orderID)}, func(view occ.View) ([]storage.Write, error) {
		o, err := decode(view, orderID)
		if err != nil {
			return nil, err
		}
		if o.Paid {
			return nil, errors.NewBusinessRejection(checkout.ReasonOrderAlreadyPaid)
		}
		o.Items = append(o.Items, checkout.Item{ItemID: itemID, Quantity: quantity})
		o.TotalCost += int64(quantity) * price
		total = o.TotalCost
		w, err := occ.Put(Key(orderID), o)
		return []storage.Write{w}, err
	})
	return total, err
}

// Find 查询订单
func (s *Service) Find(ctx context.Context, orderID string) (Order, error) {
	got, err := s.executor.Store().Get(ctx, Key(orderID))
	if err != nil {
		return Order{}, err
	}
	return decode(occ.View(got), orderID)
}

// RequestCheckout 为订单发起结账：向 checkout-operations 发布 CheckoutRequested
//
// txID 为空时生成新的事务 ID。同一 txID 重复调用只会启动一个 saga。
func (s *Service) RequestCheckout(ctx context.Context, orderID, txID string) (string, error) {
	o, err := s.Find(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.Paid {
		return "", errors.NewBusinessRejection(checkout.ReasonOrderAlreadyPaid)
	}
	if txID == "" {
		txID = uuid.NewString()
	}
	req := checkout.CheckoutRequest{
		TransactionID: txID,
		OrderID:       orderID,
		UserID:        o.UserID,
		Items:         o.Items,
		TotalCost:     o.TotalCost,
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	msg, err := checkout.NewRequestMessage(req)
	if err != nil {
		return "", err
	}
	if err := s.pub.Publish(ctx, checkout.TopicCheckoutOperations, msg); err != nil {
		return "", err
	}
	s.logger.Info(ctx, "已发起结账", logging.TransactionID(txID), logging.String("order_id", orderID))
	return txID, nil
}

func decode(view occ.View, orderID string) (Order, error) {
	var o Order
	found, err := view.Decode(Key(orderID), &o)
	if err != nil {
		return o, err
	}
	if !found {
		return o, errors.NewError(errors.ErrCodeNotFound, "订单不存在: "+orderID)
	}
	return o, nil
}
