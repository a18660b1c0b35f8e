// Package storage 定义参与者状态存储的抽象：带版本的键值读取与条件原子提交
package storage

import (
	"context"
	"sort"

	"sagacheckout/errors"
)

// ErrConflict 条件提交时期望版本与当前版本不一致
var ErrConflict = errors.ErrWriteConflict

// Versioned 带版本的值。Version 为 0 表示键不存在
type Versioned struct {
	Value   []byte
	Version int64
}

// Exists 键是否存在
func (v Versioned) Exists() bool {
	return v.Version > 0
}

// Write 一次写入
type Write struct {
	Key   string
	Value []byte
}

// CommitRequest 条件提交请求
//
// Expect 中每个键的当前版本都必须与期望一致（0 表示必须不存在），
// 否则整个请求不生效并返回 ErrConflict。Writes 的键必须出现在 Expect 中且互不相同，
// 写入后版本加一。
type CommitRequest struct {
	Expect map[string]int64
	Writes []Write
}

// Keys 返回 Expect 中的键（排序后，便于确定性加锁与日志）
func (r CommitRequest) Keys() []string {
	keys := make([]string, 0, len(r.Expect))
	for k := range r.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate 检查写入键是否都受版本保护，且同一键只写入一次
func (r CommitRequest) Validate() error {
	seen := make(map[string]struct{}, len(r.Writes))
	for _, w := range r.Writes {
		if _, ok := r.Expect[w.Key]; !ok {
			return errors.NewError(errors.ErrCodeInternal, "写入键未声明期望版本: "+w.Key)
		}
		if _, dup := seen[w.Key]; dup {
			return errors.NewError(errors.ErrCodeInternal, "同一提交中重复写入: "+w.Key)
		}
		seen[w.Key] = struct{}{}
	}
	return nil
}

// Store 状态存储接口
//
// Get 对每个请求的键都返回一项，不存在的键 Version 为 0。
// Commit 要么全部生效，要么不生效；版本不匹配返回 ErrConflict，
// 其他失败返回 TRANSPORT_FAILURE 错误。
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string]Versioned, error)
	Commit(ctx context.Context, req CommitRequest) error
	Close() error
}
