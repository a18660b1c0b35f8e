package occ

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagacheckout/errors"
	"sagacheckout/logging"
	"sagacheckout/patterns/retry"
	"sagacheckout/storage"
	"sagacheckout/storage/memory"
)

// flakyStore 在 memory.Store 之上按次数注入冲突与传输失败
type flakyStore struct {
	*memory.Store
	conflicts  atomic.Int32
	getFails   atomic.Int32
	commitFail atomic.Int32
	commits    atomic.Int32
}

func (s *flakyStore) Get(ctx context.Context, keys ...string) (map[string]storage.Versioned, error) {
	if s.getFails.Add(-1) >= 0 {
		return nil, errors.NewError(errors.ErrCodeTransportFailure, "connection reset")
	}
	return s.Store.Get(ctx, keys...)
}

func (s *flakyStore) Commit(ctx context.Context, req storage.CommitRequest) error {
	s.commits.Add(1)
	if s.conflicts.Add(-1) >= 0 {
		return storage.ErrConflict
	}
	if s.commitFail.Add(-1) >= 0 {
		return errors.NewError(errors.ErrCodeTransportFailure, "broken pipe")
	}
	return s.Store.Commit(ctx, req)
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Microsecond, BackoffFactor: 2, MaxDelay: time.Millisecond, Jitter: true}
}

func newExecutor(s storage.Store, attempts int) *Executor {
	return NewExecutor(s,
		WithConflictRetry(fastRetry(attempts)),
		WithTransportRetry(fastRetry(3)),
		WithLogger(logging.NewNoopLogger()))
}

func seed(t *testing.T, s storage.Store, key string, n int) {
	t.Helper()
	require.NoError(t, s.Commit(context.Background(), storage.CommitRequest{
		Expect: map[string]int64{key: 0},
		Writes: []storage.Write{{Key: key, Value: []byte(strconv.Itoa(n))}},
	}))
}

var errOutOfStock = errors.NewBusinessRejection("insufficient stock")

// decrement 纯函数：库存减一，不足时业务拒绝
func decrement(key string) TxFunc {
	return func(view View) ([]storage.Write, error) {
		n, err := strconv.Atoi(string(view.Value(key)))
		if err != nil {
			return nil, err
		}
		if n < 1 {
			return nil, errOutOfStock
		}
		return []storage.Write{{Key: key, Value: []byte(strconv.Itoa(n - 1))}}, nil
	}
}

func TestExecute_Commits(t *testing.T) {
	s := memory.NewStore()
	seed(t, s, "stock:apple", 2)
	e := newExecutor(s, 5)

	require.NoError(t, e.Execute(context.Background(), []string{"stock:apple"}, decrement("stock:apple")))

	got, err := s.Get(context.Background(), "stock:apple")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got["stock:apple"].Value))
	assert.Equal(t, int64(2), got["stock:apple"].Version)
}

func TestExecute_RetriesOnConflict(t *testing.T) {
	s := &flakyStore{Store: memory.NewStore()}
	seed(t, s.Store, "k", 3)
	s.conflicts.Store(2)
	e := newExecutor(s, 5)

	calls := 0
	err := e.Execute(context.Background(), []string{"k"}, func(view View) ([]storage.Write, error) {
		calls++
		return decrement("k")(view)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int32(3), s.commits.Load())
}

func TestExecute_ConflictExhausted(t *testing.T) {
	s := &flakyStore{Store: memory.NewStore()}
	seed(t, s.Store, "k", 3)
	s.conflicts.Store(100)
	e := newExecutor(s, 4)

	err := e.Execute(context.Background(), []string{"k"}, decrement("k"))
	require.Error(t, err)
	assert.Same(t, ErrConflictExhausted, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(4), s.commits.Load())
}

func TestExecute_BusinessRejectionNotRetried(t *testing.T) {
	s := &flakyStore{Store: memory.NewStore()}
	seed(t, s.Store, "k", 0)
	e := newExecutor(s, 5)

	calls := 0
	err := e.Execute(context.Background(), []string{"k"}, func(view View) ([]storage.Write, error) {
		calls++
		return decrement("k")(view)
	})
	require.Error(t, err)
	reason, ok := errors.RejectionReason(err)
	require.True(t, ok)
	assert.Equal(t, "insufficient stock", reason)
	assert.Equal(t, 1, calls)
	assert.Zero(t, s.commits.Load())
}

func TestExecute_TransportFailureRetried(t *testing.T) {
	s := &flakyStore{Store: memory.NewStore()}
	seed(t, s.Store, "k", 1)
	s.getFails.Store(2)
	s.commitFail.Store(1)
	e := newExecutor(s, 5)

	require.NoError(t, e.Execute(context.Background(), []string{"k"}, decrement("k")))

	got, err := s.Store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "0", string(got["k"].Value))
}

func TestExecute_TransportFailureExhausted(t *testing.T) {
	s := &flakyStore{Store: memory.NewStore()}
	s.getFails.Store(10)
	e := newExecutor(s, 5)

	err := e.Execute(context.Background(), []string{"k"}, decrement("k"))
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeTransportFailure))
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(7), s.getFails.Load())
}

func TestExecute_NoWritesSkipsCommit(t *testing.T) {
	s := &flakyStore{Store: memory.NewStore()}
	e := newExecutor(s, 5)

	require.NoError(t, e.Execute(context.Background(), []string{"k"}, func(view View) ([]storage.Write, error) {
		assert.False(t, view.Exists("k"))
		return nil, nil
	}))
	assert.Zero(t, s.commits.Load())
}

// TestExecute_ReadKeysAreGuarded 测试只读键同样受版本保护
func TestExecute_ReadKeysAreGuarded(t *testing.T) {
	s := memory.NewStore()
	seed(t, s, "guard", 1)
	seed(t, s, "target", 1)
	e := newExecutor(s, 1)

	err := e.Execute(context.Background(), []string{"guard", "target"}, func(view View) ([]storage.Write, error) {
		// 并发写者在提交前修改了只读键
		seedErr := s.Commit(context.Background(), storage.CommitRequest{
			Expect: map[string]int64{"guard": view.Version("guard")},
			Writes: []storage.Write{{Key: "guard", Value: []byte("2")}},
		})
		require.NoError(t, seedErr)
		return []storage.Write{{Key: "target", Value: []byte("2")}}, nil
	})
	assert.Same(t, ErrConflictExhausted, err)
}

func TestViewDecodeAndPut(t *testing.T) {
	type account struct {
		Credit int64 `json:"credit"`
	}
	w, err := Put("user:1", account{Credit: 7})
	require.NoError(t, err)

	view := View{"user:1": {Value: w.Value, Version: 1}, "user:2": {}}
	var acc account
	found, err := view.Decode("user:1", &acc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(7), acc.Credit)

	found, err = view.Decode("user:2", &acc)
	require.NoError(t, err)
	assert.False(t, found)

	view["bad"] = storage.Versioned{Value: []byte("{"), Version: 1}
	_, err = view.Decode("bad", &acc)
	assert.Error(t, err)
}

// TestExecute_ConcurrentConflictingWriters 多个执行器并发扣减同一库存：
// 每一轮只有一个写者胜出，最终成功次数恰好等于初始库存
func TestExecute_ConcurrentConflictingWriters(t *testing.T) {
	s := memory.NewStore()
	const stock = 5
	const writers = 12
	seed(t, s, "stock:pear", stock)

	var wg sync.WaitGroup
	var succeeded, rejected, other atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := newExecutor(s, 200)
			err := e.Execute(context.Background(), []string{"stock:pear"}, decrement("stock:pear"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.IsBusinessRejection(err):
				rejected.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(stock), succeeded.Load())
	assert.Equal(t, int32(writers-stock), rejected.Load())
	assert.Zero(t, other.Load())

	got, err := s.Get(context.Background(), "stock:pear")
	require.NoError(t, err)
	assert.Equal(t, "0", string(got["stock:pear"].Value))
	assert.Equal(t, int64(stock+1), got["stock:pear"].Version)
}
