package saga

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryEntry struct {
	inst     *Instance
	archived bool
}

// MemoryStore 内存实例存储（用于测试与单进程部署）
//
// 不持久化，进程重启后数据丢失。
type MemoryStore struct {
	entries *xsync.MapOf[string, memoryEntry]
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: xsync.NewMapOf[string, memoryEntry]()}
}

func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.TransactionID == "" {
		return ErrInvalidInstance
	}
	stored := inst.Clone()
	stored.Version = 1
	if _, loaded := s.entries.LoadOrStore(inst.TransactionID, memoryEntry{inst: stored}); loaded {
		return ErrInstanceExists
	}
	inst.Version = 1
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, txID string) (*Instance, error) {
	e, ok := s.entries.Load(txID)
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return e.inst.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrInvalidInstance
	}
	var err error
	s.entries.Compute(inst.TransactionID, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		switch {
		case !loaded:
			err = ErrInstanceNotFound
			return old, true
		case old.inst.Version != inst.Version:
			err = ErrVersionConflict
			return old, false
		}
		stored := inst.Clone()
		stored.Version++
		return memoryEntry{inst: stored, archived: old.archived}, false
	})
	if err == nil {
		inst.Version++
	}
	return err
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*Instance, error) {
	var out []*Instance
	s.entries.Range(func(_ string, e memoryEntry) bool {
		if !e.archived {
			out = append(out, e.inst.Clone())
		}
		return true
	})
	return out, nil
}

func (s *MemoryStore) Archive(ctx context.Context, txID string) error {
	var err error
	s.entries.Compute(txID, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if !loaded {
			err = ErrInstanceNotFound
			return old, true
		}
		old.archived = true
		return old, false
	})
	return err
}

// Count 返回实例数量（测试用）
func (s *MemoryStore) Count() int {
	return s.entries.Size()
}

var _ Store = (*MemoryStore)(nil)
