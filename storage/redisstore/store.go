// Package redisstore 基于 Redis WATCH/MULTI/EXEC 实现 storage.Store
//
// 每个键存为一个哈希：v 为版本号，d 为数据。
package redisstore

import (
	"context"
	stdErrors "errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"sagacheckout/errors"
	"sagacheckout/logging"
	"sagacheckout/storage"
)

const (
	fieldVersion = "v"
	fieldData    = "d"
)

// Config 存储配置
type Config struct {
	// Prefix 键前缀，多个参与者共用一个 Redis 时用于隔离命名空间
	Prefix string
}

// Store Redis 存储
type Store struct {
	client redis.UniversalClient
	prefix string
	logger logging.Logger
}

// NewStore 创建 Redis 存储
func NewStore(client redis.UniversalClient, cfg Config) *Store {
	return &Store{
		client: client,
		prefix: cfg.Prefix,
		logger: logging.Component("storage.redis").WithFields(logging.String("prefix", cfg.Prefix)),
	}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Get(ctx context.Context, keys ...string) (map[string]storage.Versioned, error) {
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HMGet(ctx, s.key(k), fieldVersion, fieldData)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransport(ctx, err, "redis.get")
	}

	out := make(map[string]storage.Versioned, len(keys))
	for i, k := range keys {
		v, err := decode(cmds[i].Val())
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInternal, "解析版本失败: "+k)
		}
		out[k] = v
	}
	return out, nil
}

func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	keys := req.Keys()
	watched := make([]string, len(keys))
	for i, k := range keys {
		watched[i] = s.key(k)
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for _, k := range keys {
			raw, err := tx.HGet(ctx, s.key(k), fieldVersion).Result()
			var current int64
			switch {
			case stdErrors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if current, err = strconv.ParseInt(raw, 10, 64); err != nil {
					return errors.WrapError(err, errors.ErrCodeInternal, "解析版本失败: "+k)
				}
			}
			if current != req.Expect[k] {
				return storage.ErrConflict
			}
		}

		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, w := range req.Writes {
				p.HSet(ctx, s.key(w.Key), fieldVersion, req.Expect[w.Key]+1, fieldData, w.Value)
			}
			return nil
		})
		return err
	}, watched...)

	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, redis.TxFailedErr):
		s.logger.Debug(ctx, "事务被并发修改打断", logging.Any("keys", keys))
		return storage.ErrConflict
	default:
		// 已带错误码的错误（冲突、解析失败）由 WrapTransport 原样返回
		return errors.WrapTransport(ctx, err, "redis.commit")
	}
}

func (s *Store) Close() error {
	return nil
}

func decode(vals []any) (storage.Versioned, error) {
	if len(vals) != 2 || vals[0] == nil {
		return storage.Versioned{}, nil
	}
	raw, _ := vals[0].(string)
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return storage.Versioned{}, err
	}
	var data []byte
	if d, ok := vals[1].(string); ok {
		data = []byte(d)
	}
	return storage.Versioned{Value: data, Version: version}, nil
}
