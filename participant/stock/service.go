// Package stock 库存参与者：预留（扣减）与归还商品库存
package stock

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"sagacheckout/checkout"
	"sagacheckout/errors"
	"sagacheckout/idempotency"
	"sagacheckout/occ"
	"sagacheckout/storage"
)

// Name 参与者名
const Name = "stock"

// Item 商品库存
type Item struct {
	Stock int64 `json:"stock"`
	Price int64 `json:"price"`
}

// Key 商品实体键
func Key(itemID string) string {
	return "item:" + itemID
}

// Service 库存服务
type Service struct {
	executor *occ.Executor
}

// NewService 创建库存服务
func NewService(executor *occ.Executor) *Service {
	return &Service{executor: executor}
}

// Name 参与者名
func (s *Service) Name() string { return Name }

// Step 负责的 saga 步骤
func (s *Service) Step() checkout.Step { return checkout.StepReserveStock }

// Executor 库存存储的事务执行器
func (s *Service) Executor() *occ.Executor { return s.executor }

// Keys 读取涉及的全部商品
func (s *Service) Keys(op checkout.OperationEvent) []string {
	keys := make([]string, 0, len(op.Payload.Stock.Items))
	for _, item := range op.Payload.Stock.Items {
		keys = append(keys, Key(item.ItemID))
	}
	return keys
}

// Apply 扣减库存，任何一件不足则整体拒绝
func (s *Service) Apply(op checkout.OperationEvent, view occ.View) (idempotency.Effect, error) {
	return s.adjust(op.Payload.Stock.Items, view, -1)
}

// Compensate 归还库存
func (s *Service) Compensate(op checkout.OperationEvent, view occ.View) (idempotency.Effect, error) {
	return s.adjust(op.Payload.Stock.Items, view, 1)
}

func (s *Service) adjust(items []checkout.Item, view occ.View, sign int64) (idempotency.Effect, error) {
	var effect idempotency.Effect
	for _, line := range items {
		key := Key(line.ItemID)
		var item Item
		found, err := view.Decode(key, &item)
		if err != nil {
			return effect, err
		}
		if !found {
			return idempotency.Effect{}, errors.NewBusinessRejection(checkout.ReasonItemNotFound)
		}
		delta := sign * int64(line.Quantity)
		if item.Stock+delta < 0 {
			return idempotency.Effect{}, errors.NewBusinessRejection(checkout.ReasonInsufficientStock)
		}
		item.Stock += delta
		w, err := occ.Put(key, item)
		if err != nil {
			return effect, err
		}
		effect.Writes = append(effect.Writes, w)
		effect.Mutation = append(effect.Mutation, fmt.Sprintf("%s %+d", key, delta))
	}
	return effect, nil
}

// CreateItem 创建库存为 0 的商品，返回商品 ID
func (s *Service) CreateItem(ctx context.Context, price int64) (string, error) {
	id := uuid.NewString()
	return id, s.put(ctx, id, Item{Price: price})
}

// BatchInit 批量创建 ID 为 "0".."n-1" 的商品，已存在的覆盖
func (s *Service) BatchInit(ctx context.Context, n int, stock, price int64) error {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = Key(fmt.Sprint(i))
	}
	return s.executor.Execute(ctx, keys, func(view occ.View) ([]storage.Write, error) {
		writes := make([]storage.Write, 0, n)
		for _, key := range keys {
			w, err := occ.Put(key, Item{Stock: stock, Price: price})
			if err != nil {
				return nil, err
			}
			writes = append(writes, w)
		}
		return writes, nil
	})
}

// AddStock 增加库存，返回新库存
func (s *Service) AddStock(ctx context.Context, itemID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.NewValidationError("amount 必须为正数")
	}
	var stock int64
	err := s.executor.Execute(ctx, []string{Key(itemID)}, func(view occ.View) ([]storage.Write, error) {
		item, err := decode(view, itemID)
		if err != nil {
			return nil, err
		}
		item.Stock += amount
		stock = item.Stock
		w, err := occ.Put(Key(itemID), item)
		return []storage.Write{w}, err
	})
	return stock, err
}

// Find 查询商品
func (s *Service) Find(ctx context.Context, itemID string) (Item, error) {
	got, err := s.executor.Store().Get(ctx, Key(itemID))
	if err != nil {
		return Item{}, err
	}
	return decode(occ.View(got), itemID)
}

// Price 查询商品单价
func (s *Service) Price(ctx context.Context, itemID string) (int64, error) {
	item, err := s.Find(ctx, itemID)
	return item.Price, err
}

func (s *Service) put(ctx context.Context, itemID string, item Item) error {
	return s.executor.Execute(ctx, []string{Key(itemID)}, func(view occ.View) ([]storage.Write, error) {
		w, err := occ.Put(Key(itemID), item)
		return []storage.Write{w}, err
	})
}

func decode(view occ.View, itemID string) (Item, error) {
	var item Item
	found, err := view.Decode(Key(itemID), &item)
	if err != nil {
		return item, err
	}
	if !found {
		return item, errors.NewError(errors.ErrCodeNotFound, "商品不存在: "+itemID)
	}
	return item, nil
}
