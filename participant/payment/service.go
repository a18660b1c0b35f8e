// Package payment 支付参与者：按用户余额扣款与退款
package payment

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
const Name = "payment"

// Account 用户账户
type Account struct {
	Credit int64 `json:"credit"`
}

// Key 账户实体键
func Key(userID string) string {
	return "user:" + userID
}

// Service 支付服务
type Service struct {
	executor *occ.Executor
}

// NewService 创建支付服务
func NewService(executor *occ.Executor) *Service {
	return &Service{executor: executor}
}

// Name 参与者名
func (s *Service) Name() string { return Name }

// Step 负责的 saga 步骤
func (s *Service) Step() checkout.Step { return checkout.StepProcessPayment }

// Executor 账户存储的事务执行器
func (s *Service) Executor() *occ.Executor { return s.executor }

// Keys 只读写付款用户的账户
func (s *Service) Keys(op checkout.OperationEvent) []string {
	return []string{Key(op.Payload.Payment.UserID)}
}

// Apply 扣款，余额不足拒绝
func (s *Service) Apply(op checkout.OperationEvent, view occ.View) (idempotency.Effect, error) {
	return s.adjust(op.Payload.Payment, view, -op.Payload.Payment.Amount)
}

// Compensate 退款
func (s *Service) Compensate(op checkout.OperationEvent, view occ.View) (idempotency.Effect, error) {
	return s.adjust(op.Payload.Payment, view, op.Payload.Payment.Amount)
}

func (s *Service) adjust(p *checkout.PaymentPayload, view occ.View, delta int64) (idempotency.Effect, error) {
	key := Key(p.UserID)
	var acc Account
	found, err := view.Decode(key, &acc)
	if err != nil {
		return idempotency.Effect{}, err
	}
	if !found {
		return idempotency.Effect{}, errors.NewBusinessRejection(checkout.ReasonUserNotFound)
	}
	if acc.Credit+delta < 0 {
		return idempotency.Effect{}, errors.NewBusinessRejection(checkout.ReasonNotEnoughCredit)
	}
	acc.Credit += delta
	w, err := occ.Put(key, acc)
	if err != nil {
		return idempotency.Effect{}, err
	}
	return idempotency.Effect{
		Writes:   []storage.Write{w},
		Mutation: []string{fmt.Sprintf("%s %+d", key, delta)},
	}, nil
}

// CreateUser 创建余额为 0 的用户
func (s *Service) CreateUser(ctx context.Context) (string, error) {
	id := uuid.NewString()
	err := s.executor.Execute(ctx, []string{Key(id)}, func(view occ.View) ([]storage.Write, error) {
		w, err := occ.Put(Key(id), Account{})
		return []storage.Write{w}, err
	})
	return id, err
}

// BatchInit 批量创建 ID 为 "0".."n-1" 的用户
func (s *Service) BatchInit(ctx context.Context, n int, credit int64) error {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = Key(fmt.Sprint(i))
	}
	return s.executor.Execute(ctx, keys, func(view occ.View) ([]storage.Write, error) {
		writes := make([]storage.Write, 0, n)
		for _, key := range keys {
			w, err := occ.Put(key, Account{Credit: credit})
			if err != nil {
				return nil, err
			}
			writes = append(writes, w)
		}
		return writes, nil
	})
}

// AddCredit 充值，返回新余额
func (s *Service) AddCredit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.NewValidationError("amount 必须为正数")
	}
	var credit int64
	err := s.executor.Execute(ctx, []string{Key(userID)}, func(view occ.View) ([]storage.Write, error) {
		acc, err := decode(view, userID)
		if err != nil {
			return nil, err
		}
		acc.Credit += amount
		credit = acc.Credit
		w, err := occ.Put(Key(userID), acc)
		return []storage.Write{w}, err
	})
	return credit, err
}

// Find 查询账户
func (s *Service) Find(ctx context.Context, userID string) (Account, error) {
	got, err := s.executor.Store().Get(ctx, Key(userID))
	if err != nil {
		return Account{}, err
	}
	return decode(occ.View(got), userID)
}

func decode(view occ.View, userID string) (Account, error) {
	var acc Account
	found, err := view.Decode(Key(userID), &acc)
	if err != nil {
		return acc, err
	}
	if !found {
		return acc, errors.NewError(errors.ErrCodeNotFound, "用户不存在: "+userID)
	}
	return acc, nil
}
