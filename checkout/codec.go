package checkout

import (
	"fmt"

	"sagacheckout/errors"
	"sagacheckout/messaging"
)

// NewOperationMessage 把操作事件封装为总线消息，分区键为事务 ID
func NewOperationMessage(op OperationEvent) (*messaging.Message, error) {
	return messaging.NewMessage(TypeOperationEvent, op.TransactionID, op)
}

// NewResponseMessage 把响应事件封装为总线消息
func NewResponseMessage(resp ResponseEvent) (*messaging.Message, error) {
	return messaging.NewMessage(TypeResponseEvent, resp.TransactionID, resp)
}

// NewRequestMessage 把结账请求封装为 CheckoutRequested 消息
func NewRequestMessage(req CheckoutRequest) (*messaging.Message, error) {
	return messaging.NewMessage(TypeCheckoutRequested, req.TransactionID, req)
}

// NewResultMessage 把最终结果封装为 CheckoutSuccess/CheckoutFailed/CheckoutFailedDirty 消息
func NewResultMessage(messageType string, result Result) (*messaging.Message, error) {
	return messaging.NewMessage(messageType, result.TransactionID, result)
}

// DecodeOperation 解码并校验操作事件
func DecodeOperation(msg *messaging.Message) (OperationEvent, error) {
	var op OperationEvent
	if msg.Type != TypeOperationEvent {
		return op, errors.NewValidationError(fmt.Sprintf("期望 %s，收到 %s", TypeOperationEvent, msg.Type))
	}
	if err := msg.Decode(&op); err != nil {
		return op, errors.WrapError(err, errors.ErrCodeValidation, "操作事件解码失败")
	}
	return op, op.Validate()
}

// DecodeResponse 解码响应事件
func DecodeResponse(msg *messaging.Message) (ResponseEvent, error) {
	var resp ResponseEvent
	if msg.Type != TypeResponseEvent {
		return resp, errors.NewValidationError(fmt.Sprintf("期望 %s，收到 %s", TypeResponseEvent, msg.Type))
	}
	if err := msg.Decode(&resp); err != nil {
		return resp, errors.WrapError(err, errors.ErrCodeValidation, "响应事件解码失败")
	}
	if resp.TransactionID == "" || !resp.Step.Valid() {
		return resp, errors.NewValidationError("响应事件缺少 transactionId 或 step")
	}
	return resp, nil
}

// DecodeRequest 解码结账请求
func DecodeRequest(msg *messaging.Message) (CheckoutRequest, error) {
	var req CheckoutRequest
	if msg.Type != TypeCheckoutRequested {
		return req, errors.NewValidationError(fmt.Sprintf("期望 %s，收到 %s", TypeCheckoutRequested, msg.Type))
	}
	if err := msg.Decode(&req); err != nil {
		return req, errors.WrapError(err, errors.ErrCodeValidation, "结账请求解码失败")
	}
	return req, nil
}

// DecodeResult 解码最终结果
func DecodeResult(msg *messaging.Message) (Result, error) {
	var result Result
	switch msg.Type {
	case TypeCheckoutSuccess, TypeCheckoutFailed, TypeCheckoutFailedDirty:
	default:
		return result, errors.NewValidationError("不是结账结果消息: " + msg.Type)
	}
	if err := msg.Decode(&result); err != nil {
		return result, errors.WrapError(err, errors.ErrCodeValidation, "结账结果解码失败")
	}
	return result, nil
}
