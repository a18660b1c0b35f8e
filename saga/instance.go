package saga

import (
	"time"

	"sagacheckout/checkout"
)

// State saga 状态
type State string

const (
	StateInit              State = "INIT"
	StateReservingStock    State = "RESERVING_STOCK"
	StateProcessingPayment State = "PROCESSING_PAYMENT"
	StateConfirmingOrder   State = "CONFIRMING_ORDER"
	StateCompleted         State = "COMPLETED"
	StateCompensating      State = "COMPENSATING"
	StateFailed            State = "FAILED"
	StateFailedDirty       State = "FAILED_DIRTY"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateFailedDirty
}

// stateOf 正向步骤对应的状态
func stateOf(step checkout.Step) State {
	switch step {
	case checkout.StepReserveStock:
		return StateReservingStock
	case checkout.StepProcessPayment:
		return StateProcessingPayment
	case checkout.StepConfirmOrder:
		return StateConfirmingOrder
	}
	return ""
}

// stepOf 正向状态对应的步骤
func stepOf(s State) (checkout.Step, bool) {
	switch s {
	case StateReservingStock:
		return checkout.StepReserveStock, true
	case StateProcessingPayment:
		return checkout.StepProcessPayment, true
	case StateConfirmingOrder:
		return checkout.StepConfirmOrder, true
	}
	return "", false
}

// CompensationStatus 补偿进度
type CompensationStatus string

const (
	CompensationNone      CompensationStatus = ""
	CompensationPending   CompensationStatus = "pending"
	CompensationConfirmed CompensationStatus = "confirmed"
	CompensationFailed    CompensationStatus = "failed"
)

// StepRecord 步骤日志中的一项，按完成顺序追加
//
// InDoubt 表示正向结果未知（超时、瞬时失败耗尽），回滚时同样需要补偿。
type StepRecord struct {
	Step                 checkout.Step      `json:"step"`
	Status               checkout.Status    `json:"status"`
	Reason               string             `json:"reason,omitempty"`
	InDoubt              bool               `json:"inDoubt,omitempty"`
	Compensation         CompensationStatus `json:"compensation,omitempty"`
	CompensationAttempts int                `json:"compensationAttempts,omitempty"`
}

// needsCompensation 正向可能已生效
func (r StepRecord) needsCompensation() bool {
	return r.Status == checkout.StatusSuccess || r.InDoubt
}

// Instance saga 实例，只由编排器的状态转移函数修改
type Instance struct {
	TransactionID string                   `json:"transactionId"`
	State         State                    `json:"state"`
	Request       checkout.CheckoutRequest `json:"request"`
	Steps         []StepRecord             `json:"steps"`
	Reason        string                   `json:"reason,omitempty"`

	// 当前在途事件的派发情况，派发新事件时清零
	Redispatches int       `json:"redispatches"`
	Retries      int       `json:"retries"`
	DispatchedAt time.Time `json:"dispatchedAt"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewInstance 创建 INIT 状态的实例
func NewInstance(txID string, req checkout.CheckoutRequest, now time.Time) *Instance {
	req.TransactionID = txID
	return &Instance{
		TransactionID: txID,
		State:         StateInit,
		Request:       req,
		Steps:         []StepRecord{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone 深拷贝
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Request.Items = append([]checkout.Item(nil), i.Request.Items...)
	c.Steps = append([]StepRecord{}, i.Steps...)
	return &c
}

// InFlight 返回当前等待响应的事件
func (i *Instance) InFlight() (checkout.OperationEvent, bool) {
	if step, ok := stepOf(i.State); ok {
		return i.Request.Operation(i.TransactionID, step), true
	}
	if i.State == StateCompensating {
		if idx := i.pendingCompensation(); idx >= 0 {
			return i.Request.Compensation(i.TransactionID, i.Steps[idx].Step), true
		}
	}
	return checkout.OperationEvent{}, false
}

// pendingCompensation 返回最后一个待补偿步骤的下标，保证按完成顺序逆序补偿
func (i *Instance) pendingCompensation() int {
	for idx := len(i.Steps) - 1; idx >= 0; idx-- {
		if i.Steps[idx].Compensation == CompensationPending {
			return idx
		}
	}
	return -1
}

// Result 终态结果
func (i *Instance) Result() checkout.Result {
	return checkout.Result{
		TransactionID: i.TransactionID,
		OrderID:       i.Request.OrderID,
		State:         string(i.State),
		Reason:        i.Reason,
	}
}

// resultType 终态对应的结果消息类型
func (i *Instance) resultType() string {
	switch i.State {
	case StateCompleted:
		return checkout.TypeCheckoutSuccess
	case StateFailedDirty:
		return checkout.TypeCheckoutFailedDirty
	default:
		return checkout.TypeCheckoutFailed
	}
}
