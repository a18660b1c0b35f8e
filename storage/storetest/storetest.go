// Package storetest 提供 storage.Store 实现共用的行为测试
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagacheckout/errors"
	"sagacheckout/storage"
)

// Factory 为每个子测试创建一个全新的存储
type Factory func(t *testing.T) storage.Store

// Run 执行全部行为测试
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissingKey", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CommitAndRead", func(t *testing.T) { testCommitAndRead(t, newStore(t)) })
	t.Run("ConflictOnStaleVersion", func(t *testing.T) { testConflict(t, newStore(t)) })
	t.Run("AllOrNothing", func(t *testing.T) { testAllOrNothing(t, newStore(t)) })
	t.Run("ExpectAbsent", func(t *testing.T) { testExpectAbsent(t, newStore(t)) })
	t.Run("ConcurrentSingleWinner", func(t *testing.T) { testConcurrentWinner(t, newStore(t)) })
	t.Run("DuplicateWriteKeyRejected", func(t *testing.T) { testDuplicateWrite(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s storage.Store) {
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Contains(t, got, "missing")
	assert.False(t, got["missing"].Exists())
	assert.Nil(t, got["missing"].Value)
}

func testCommitAndRead(t *testing.T, s storage.Store) {
	ctx := context.Background()
	err := s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"item:1": 0, "item:2": 0},
		Writes: []storage.Write{{Key: "item:1", Value: []byte("a")}, {Key: "item:2", Value: []byte("b")}},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "item:1", "item:2")
	require.NoError(t, err)
	assert.Equal(t, storage.Versioned{Value: []byte("a"), Version: 1}, got["item:1"])
	assert.Equal(t, storage.Versioned{Value: []byte("b"), Version: 1}, got["item:2"])

	require.NoError(t, s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"item:1": 1},
		Writes: []storage.Write{{Key: "item:1", Value: []byte("a2")}},
	}))
	got, err = s.Get(ctx, "item:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got["item:1"].Version)
	assert.Equal(t, []byte("a2"), got["item:1"].Value)
}

func testConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"k": 0},
		Writes: []storage.Write{{Key: "k", Value: []byte("v1")}},
	}))

	err := s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"k": 0},
		Writes: []storage.Write{{Key: "k", Value: []byte("v2")}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got["k"].Value)
}

func testAllOrNothing(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"a": 0},
		Writes: []storage.Write{{Key: "a", Value: []byte("1")}},
	}))

	// b 写入合法，但 a 的版本已过期，整个提交都不应生效
	err := s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"a": 0, "b": 0},
		Writes: []storage.Write{{Key: "a", Value: []byte("2")}, {Key: "b", Value: []byte("2")}},
	})
	require.True(t, errors.Is(err, storage.ErrConflict))

	got, err := s.Get(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got["a"].Value)
	assert.False(t, got["b"].Exists())
}

func testExpectAbsent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"entity": 0},
		Writes: []storage.Write{{Key: "entity", Value: []byte("x")}},
	}))

	// 仅读保护（不写入）的键同样参与版本校验
	err := s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"entity": 0, "record": 0},
		Writes: []storage.Write{{Key: "record", Value: []byte("r")}},
	})
	assert.True(t, errors.Is(err, storage.ErrConflict))

	require.NoError(t, s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"entity": 1, "record": 0},
		Writes: []storage.Write{{Key: "record", Value: []byte("r")}},
	}))
	got, err := s.Get(ctx, "entity", "record")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got["entity"].Version)
	assert.Equal(t, int64(1), got["record"].Version)
}

func testConcurrentWinner(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"hot": 0},
		Writes: []storage.Write{{Key: "hot", Value: []byte("0")}},
	}))

	const writers = 8
	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := s.Commit(ctx, storage.CommitRequest{
				Expect: map[string]int64{"hot": 1},
				Writes: []storage.Write{{Key: "hot", Value: []byte(fmt.Sprint(id))}},
			})
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, storage.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())
}

func testDuplicateWrite(t *testing.T, s storage.Store) {
	ctx := context.Background()
	err := s.Commit(ctx, storage.CommitRequest{
		Expect: map[string]int64{"dup": 0},
		Writes: []storage.Write{{Key: "dup", Value: []byte("1")}, {Key: "dup", Value: []byte("2")}},
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, storage.ErrConflict))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInternal))

	got, err := s.Get(ctx, "dup")
	require.NoError(t, err)
	assert.False(t, got["dup"].Exists())
}
