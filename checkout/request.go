package checkout

import (
	"fmt"

	"sagacheckout/validation"
)

// CheckoutRequest 结账请求
type CheckoutRequest struct {
	TransactionID string `json:"transactionId,omitempty"`
	OrderID       string `json:"orderId"`
	UserID        string `json:"userId"`
	Items         []Item `json:"items"`
	TotalCost     int64  `json:"totalCost"`
}

// Validate 校验请求
func (r CheckoutRequest) Validate() error {
	if err := validation.ValidateIdentifier(r.OrderID, "orderId"); err != nil {
		return err
	}
	if err := validation.ValidateIdentifier(r.UserID, "userId"); err != nil {
		return err
	}
	if len(r.Items) == 0 {
		return validation.NewValidationError("items 不能为空")
	}
	for i, item := range r.Items {
		if err := validation.ValidateIdentifier(item.ItemID, fmt.Sprintf("items[%d].itemId", i)); err != nil {
			return err
		}
		if err := validation.ValidatePositive(item.Quantity, fmt.Sprintf("items[%d].quantity", i)); err != nil {
			return err
		}
	}
	return validation.ValidateNonNegative(r.TotalCost, "totalCost")
}

// Merged 合并相同商品的数量，保持首次出现的顺序
func (r CheckoutRequest) Merged() []Item {
	index := make(map[string]int, len(r.Items))
	out := make([]Item, 0, len(r.Items))
	for _, item := range r.Items {
		if i, ok := index[item.ItemID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[item.ItemID] = len(out)
		out = append(out, item)
	}
	return out
}

// Operation 构造某步骤的正向操作事件
func (r CheckoutRequest) Operation(txID string, step Step) OperationEvent {
	op := OperationEvent{
		TransactionID:  txID,
		Step:           step,
		IdempotencyKey: ForwardKey(txID, step),
		Payload:        r.payload(step),
	}
	return op
}

// Compensation 构造某步骤的补偿事件，携带正向键以便参与者判断正向是否已生效
func (r CheckoutRequest) Compensation(txID string, step Step) OperationEvent {
	return OperationEvent{
		TransactionID:  txID,
		Step:           step,
		Compensation:   true,
		IdempotencyKey: CompensationKey(txID, step),
		ForwardKey:     ForwardKey(txID, step),
		Payload:        r.payload(step),
	}
}

func (r CheckoutRequest) payload(step Step) Payload {
	switch step {
	case StepReserveStock:
		return Payload{Stock: &StockPayload{Items: r.Merged()}}
	case StepProcessPayment:
		return Payload{Payment: &PaymentPayload{UserID: r.UserID, Amount: r.TotalCost}}
	case StepConfirmOrder:
		return Payload{Order: &OrderPayload{OrderID: r.OrderID}}
	}
	return Payload{}
}

// Result 发布到 checkout-responses 的最终结果
type Result struct {
	TransactionID string `json:"transactionId"`
	OrderID       string `json:"orderId"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
}
