// Package checkout 定义结账 saga 的事件契约：步骤、主题、类型化载荷与幂等键
package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"sagacheckout/errors"
)

// Step 工作流步骤
type Step string

const (
	StepReserveStock   Step = "reserve_stock"
	StepProcessPayment Step = "process_payment"
	StepConfirmOrder   Step = "confirm_order"
)

// Steps 固定的线性步骤顺序
var Steps = []Step{StepReserveStock, StepProcessPayment, StepConfirmOrder}

// Valid 是否为已知步骤
func (s Step) Valid() bool {
	switch s {
	case StepReserveStock, StepProcessPayment, StepConfirmOrder:
		return true
	}
	return false
}

// Index 返回步骤序号，未知步骤返回 -1
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// 主题
const (
	TopicCheckoutOperations = "checkout-operations"
	TopicStockOperations    = "stock-operations"
	TopicPaymentOperations  = "payment-operations"
	TopicOrderOperations    = "order-operations"
	TopicStockResponses     = "stock-responses"
	TopicPaymentResponses   = "payment-responses"
	TopicOrderResponses     = "order-responses"
	TopicCheckoutResponses  = "checkout-responses"
)

// OperationsTopic 步骤对应参与者的操作主题
func (s Step) OperationsTopic() string {
	switch s {
	case StepReserveStock:
		return TopicStockOperations
	case StepProcessPayment:
		return TopicPaymentOperations
	case StepConfirmOrder:
		return TopicOrderOperations
	}
	return ""
}

// ResponsesTopic 步骤对应参与者的响应主题
func (s Step) ResponsesTopic() string {
	switch s {
	case StepReserveStock:
		return TopicStockResponses
	case StepProcessPayment:
		return TopicPaymentResponses
	case StepConfirmOrder:
		return TopicOrderResponses
	}
	return ""
}

// 消息类型
const (
	TypeOperationEvent      = "OperationEvent"
	TypeResponseEvent       = "ResponseEvent"
	TypeCheckoutRequested   = "CheckoutRequested"
	TypeCheckoutSuccess     = "CheckoutSuccess"
	TypeCheckoutFailed      = "CheckoutFailed"
	TypeCheckoutFailedDirty = "CheckoutFailedDirty"
)

// 失败原因
const (
	ReasonInsufficientStock  = "insufficient stock"
	ReasonNotEnoughCredit    = "not enough credit"
	ReasonItemNotFound       = "item not found"
	ReasonUserNotFound       = "user not found"
	ReasonOrderNotFound      = "order not found"
	ReasonOrderAlreadyPaid   = "order already paid"
	ReasonInvalidOperation   = "invalid operation"
	ReasonCancelled          = "cancelled"
	ReasonTimeout            = "timeout"
	ReasonWriteConflict      = "write conflict"
	ReasonTransportFailure   = "transport failure"
	ReasonRetriesExhausted   = "retries exhausted"
	ReasonDeadlineExceeded   = "saga deadline exceeded"
	ReasonCompensationFailed = "compensation failed"
)

// ForwardKey 正向操作的幂等键：hex(sha256(txID|step))
func ForwardKey(txID string, step Step) string {
	sum := sha256.Sum256([]byte(txID + "|" + string(step)))
	return hex.EncodeToString(sum[:])
}

// CompensationKey 补偿操作的幂等键：hex(sha256(txID|step|compensate))，与正向键互不冲突
func CompensationKey(txID string, step Step) string {
	sum := sha256.Sum256([]byte(txID + "|" + string(step) + "|compensate"))
	return hex.EncodeToString(sum[:])
}

// Item 一行商品
type Item struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// StockPayload 库存步骤载荷：扣减（正向）或归还（补偿）
type StockPayload struct {
	Items []Item `json:"items"`
}

// PaymentPayload 支付步骤载荷：扣款（正向）或退款（补偿）
type PaymentPayload struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
}

// OrderPayload 订单步骤载荷：标记已支付（正向）或撤销（补偿）
type OrderPayload struct {
	OrderID string `json:"orderId"`
}

// Payload 步骤载荷的封闭集合，恰好一个字段非空且与步骤匹配
type Payload struct {
	Stock   *StockPayload   `json:"stock,omitempty"`
	Payment *PaymentPayload `json:"payment,omitempty"`
	Order   *OrderPayload   `json:"order,omitempty"`
}

// OperationEvent 编排器发往参与者的操作
type OperationEvent struct {
	TransactionID  string  `json:"transactionId"`
	Step           Step    `json:"step"`
	Compensation   bool    `json:"compensation,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey"`
	ForwardKey     string  `json:"forwardKey,omitempty"`
	Payload        Payload `json:"payload"`
}

// Routable 是否足以构造一条可被编排器匹配的响应
func (op OperationEvent) Routable() bool {
	return op.TransactionID != "" && op.Step.Valid() && op.IdempotencyKey != ""
}

// Validate 校验事件结构、载荷变体与载荷内容
func (op OperationEvent) Validate() error {
	if op.TransactionID == "" {
		return errors.NewValidationError("transactionId 不能为空")
	}
	if !op.Step.Valid() {
		return errors.NewValidationError(fmt.Sprintf("未知步骤: %q", op.Step))
	}
	if op.IdempotencyKey == "" {
		return errors.NewValidationError("idempotencyKey 不能为空")
	}
	if op.Compensation && op.ForwardKey == "" {
		return errors.NewValidationError("补偿事件必须携带 forwardKey")
	}

	set := 0
	if op.Payload.Stock != nil {
		set++
	}
	if op.Payload.Payment != nil {
		set++
	}
	if op.Payload.Order != nil {
		set++
	}
	ok := set == 1 && ((op.Step == StepReserveStock && op.Payload.Stock != nil) ||
		(op.Step == StepProcessPayment && op.Payload.Payment != nil) ||
		(op.Step == StepConfirmOrder && op.Payload.Order != nil))
	if !ok {
		return errors.NewValidationError(fmt.Sprintf("步骤 %s 的载荷不匹配", op.Step))
	}
	return op.Payload.validate()
}

// validate 校验载荷内容：商品不重复且数量为正，金额非负
func (p Payload) validate() error {
	switch {
	case p.Stock != nil:
		if len(p.Stock.Items) == 0 {
			return errors.NewValidationError("items 不能为空")
		}
		seen := make(map[string]struct{}, len(p.Stock.Items))
		for i, item := range p.Stock.Items {
			if item.ItemID == "" {
				return errors.NewValidationError(fmt.Sprintf("items[%d].itemId 不能为空", i))
			}
			if item.Quantity <= 0 {
				return errors.NewValidationError(fmt.Sprintf("items[%d].quantity 必须为正数", i))
			}
			if _, dup := seen[item.ItemID]; dup {
				return errors.NewValidationError("重复的商品: " + item.ItemID)
			}
			seen[item.ItemID] = struct{}{}
		}
	case p.Payment != nil:
		if p.Payment.UserID == "" {
			return errors.NewValidationError("userId 不能为空")
		}
		if p.Payment.Amount < 0 {
			return errors.NewValidationError("amount 不能为负数")
		}
	case p.Order != nil:
		if p.Order.OrderID == "" {
			return errors.NewValidationError("orderId 不能为空")
		}
	}
	return nil
}

// Status 响应状态
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome 响应结果。Transient 为 true 表示失败可重试（未写入幂等记录）
type Outcome struct {
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

// Succeeded 是否成功
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Success 成功结果
func Success() Outcome {
	return Outcome{Status: StatusSuccess}
}

// Failure 业务失败结果
func Failure(reason string) Outcome {
	return Outcome{Status: StatusFailure, Reason: reason}
}

// TransientFailure 瞬时失败结果
func TransientFailure(reason string) Outcome {
	return Outcome{Status: StatusFailure, Reason: reason, Transient: true}
}

// ResponseEvent 参与者发回编排器的响应
type ResponseEvent struct {
	TransactionID  string  `json:"transactionId"`
	Step           Step    `json:"step"`
	Compensation   bool    `json:"compensation,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey"`
	Outcome        Outcome `json:"outcome"`
}

// Respond 构造对 op 的响应
func (op OperationEvent) Respond(outcome Outcome) ResponseEvent {
	return ResponseEvent{
		TransactionID:  op.TransactionID,
		Step:           op.Step,
		Compensation:   op.Compensation,
		IdempotencyKey: op.IdempotencyKey,
		Outcome:        outcome,
	}
}
