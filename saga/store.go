package saga

import "context"

// Store saga 实例存储
//
// Update 采用乐观并发：传入实例的 Version 必须等于存储中的版本，成功后 Version 加一；
// 否则返回 ErrVersionConflict。Archive 之后实例不再出现在 ListActive 中，但仍可 Get。
type Store interface {
	// Create 保存新实例，事务 ID 已存在时返回 ErrInstanceExists
	Create(ctx context.Context, inst *Instance) error

	// Get 读取实例（包括已归档的），不存在返回 ErrInstanceNotFound
	Get(ctx context.Context, txID string) (*Instance, error)

	// Update 条件更新
	Update(ctx context.Context, inst *Instance) error

	// ListActive 列出未归档的实例
	ListActive(ctx context.Context) ([]*Instance, error)

	// Archive 归档终态实例
	Archive(ctx context.Context, txID string) error
}
