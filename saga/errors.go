package saga

import "sagacheckout/errors"

// Saga 相关错误
var (
	// ErrInstanceNotFound 实例不存在
	ErrInstanceNotFound = errors.NewError(errors.ErrCodeNotFound, "saga instance not found")

	// ErrInstanceExists 同一事务 ID 的实例已存在
	ErrInstanceExists = errors.NewError(errors.ErrCodeValidation, "saga instance already exists")

	// ErrVersionConflict 实例版本已被其他更新推进
	ErrVersionConflict = errors.NewError(errors.ErrCodeWriteConflict, "saga instance version conflict")

	// ErrInvalidInstance 实例数据无效
	ErrInvalidInstance = errors.NewError(errors.ErrCodeInternal, "saga invalid instance")
)
