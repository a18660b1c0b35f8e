// Package memory 提供进程内的 storage.Store 实现
package memory

import (
	"context"
	"sync"

	"sagacheckout/storage"
)

type entry struct {
	value   []byte
	version int64
}

// Store 基于互斥锁的内存存储
type Store struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) Get(ctx context.Context, keys ...string) (map[string]storage.Versioned, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]storage.Versioned, len(keys))
	for _, k := range keys {
		e, ok := s.data[k]
		if !ok {
			out[k] = storage.Versioned{}
			continue
		}
		out[k] = storage.Versioned{Value: cloneBytes(e.value), Version: e.version}
	}
	return out, nil
}

func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, want := range req.Expect {
		if s.data[k].version != want {
			return storage.ErrConflict
		}
	}
	for _, w := range req.Writes {
		s.data[w.Key] = entry{value: cloneBytes(w.Value), version: req.Expect[w.Key] + 1}
	}
	return nil
}

// Len 返回键数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
