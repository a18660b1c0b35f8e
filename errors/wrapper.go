package errors

import (
	"context"
	"fmt"

	"sagacheckout/logging"
)

// Wrap 包装错误，添加错误码并以 Debug 级别记录
func Wrap(ctx context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := WrapError(err, code, msg)
	logging.GetLogger().Debug(ctx, "错误包装: "+msg, logging.Error(err), logging.String("error_code", string(code)))
	return wrapped
}

// WrapTransport 包装存储/总线调用错误。已带错误码的错误原样返回，
// 上下文取消与超时同样视为传输失败。
func WrapTransport(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(IError); ok {
		return err
	}
	logging.GetLogger().Warn(ctx, "传输调用失败",
		logging.Error(err),
		logging.String("operation", operation),
	)
	return WrapError(err, ErrCodeTransportFailure, fmt.Sprintf("%s 失败", operation))
}

// NewValidationError 创建新的验证错误
func NewValidationError(msg string) error {
	return NewError(ErrCodeValidation, msg)
}
