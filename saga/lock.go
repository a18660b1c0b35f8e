package saga

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// keyedMutex 按事务 ID 串行化，无人持有的锁随即释放
type keyedMutex struct {
	locks *xsync.MapOf[string, *keyedLock]
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: xsync.NewMapOf[string, *keyedLock]()}
}

// Lock 获取 key 的锁，返回解锁函数
func (k *keyedMutex) Lock(key string) (unlock func()) {
	l, _ := k.locks.Compute(key, func(old *keyedLock, loaded bool) (*keyedLock, bool) {
		if !loaded {
			old = &keyedLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.locks.Compute(key, func(old *keyedLock, loaded bool) (*keyedLock, bool) {
			if !loaded {
				return old, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// size 当前持有或等待中的键数（测试用）
func (k *keyedMutex) size() int {
	return k.locks.Size()
}
