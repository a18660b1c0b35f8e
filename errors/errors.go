package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 业务拒绝：参与者校验失败（库存不足、余额不足等），确定性结果，不重试
	ErrCodeBusinessRejection ErrorCode = "BUSINESS_REJECTION"
	// 写冲突：条件提交时版本不匹配
	ErrCodeWriteConflict ErrorCode = "WRITE_CONFLICT"
	// 传输失败：存储或消息总线不可用、超时
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	// 补偿失败：补偿动作被永久拒绝或重试耗尽
	ErrCodeCompensationFailure ErrorCode = "COMPENSATION_FAILURE"

	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
)

// IError 错误接口
type IError interface {
	error

	Code() ErrorCode
	Message() string
	Cause() error
	Details() map[string]any

	// 添加上下文
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }

func (e *AppError) Message() string { return e.message }

func (e *AppError) Cause() error { return e.cause }

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Is 按错误代码匹配，其次匹配原因链
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}
	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	details := make(map[string]any, len(e.details)+1)
	for k, v := range e.details {
		details[k] = v
	}
	details[key] = value
	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: details,
	}
}

// 预定义错误变量，配合 errors.Is 按代码匹配
var (
	ErrBusinessRejection   = NewError(ErrCodeBusinessRejection, "业务校验未通过")
	ErrWriteConflict       = NewError(ErrCodeWriteConflict, "写冲突")
	ErrTransportFailure    = NewError(ErrCodeTransportFailure, "传输失败")
	ErrCompensationFailure = NewError(ErrCodeCompensationFailure, "补偿失败")
	ErrNotFound            = NewError(ErrCodeNotFound, "资源未找到")
	ErrValidation          = NewError(ErrCodeValidation, "数据验证失败")
	ErrInternal            = NewError(ErrCodeInternal, "内部错误")
)

// NewBusinessRejection 创建业务拒绝错误，reason 会原样写入失败响应
func NewBusinessRejection(reason string) IError {
	return NewError(ErrCodeBusinessRejection, reason)
}

// RejectionReason 返回业务拒绝的原因
func RejectionReason(err error) (string, bool) {
	var appErr *AppError
	if stdErrors.As(err, &appErr) && appErr.code == ErrCodeBusinessRejection {
		return appErr.message, true
	}
	return "", false
}

// IsBusinessRejection 检查是否为业务拒绝
func IsBusinessRejection(err error) bool {
	return IsErrorCode(err, ErrCodeBusinessRejection)
}

// IsTransient 检查是否为可重试的瞬时错误（写冲突、传输失败）
func IsTransient(err error) bool {
	code := GetErrorCode(err)
	return code == ErrCodeWriteConflict || code == ErrCodeTransportFailure
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsValidation 检查是否为验证错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// IsErrorCode 检查错误链上是否存在指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, &AppError{code: code})
}

// GetErrorCode 获取错误代码，非 AppError 返回 ErrCodeInternal
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

// Is 与 As 透传标准库，调用方无需同时导入两个 errors 包
func Is(err, target error) bool { return stdErrors.Is(err, target) }

func As(err error, target any) bool { return stdErrors.As(err, target) }

func Join(errs ...error) error { return stdErrors.Join(errs...) }
