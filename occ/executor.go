// Package occ 提供乐观并发事务执行器：读取带版本的状态，执行纯函数计算写入，
// 以读取到的版本为条件原子提交；冲突时整体重试。
package occ

import (
	"context"
	"encoding/json"
	"time"

	"sagacheckout/errors"
	"sagacheckout/logging"
	"sagacheckout/patterns/retry"
	"sagacheckout/storage"
)

// ErrConflictExhausted 写冲突重试次数耗尽，属于瞬时失败
var ErrConflictExhausted = errors.WrapError(storage.ErrConflict, errors.ErrCodeWriteConflict, "写冲突重试次数耗尽")

// View 一次读取得到的快照
type View map[string]storage.Versioned

// Version 返回键的版本，不存在为 0
func (v View) Version(key string) int64 {
	return v[key].Version
}

// Exists 键是否存在
func (v View) Exists(key string) bool {
	return v[key].Exists()
}

// Value 返回键的原始值
func (v View) Value(key string) []byte {
	return v[key].Value
}

// Decode 把键的值解码为 JSON。键不存在时返回 false
func (v View) Decode(key string, out any) (bool, error) {
	item, ok := v[key]
	if !ok || !item.Exists() {
		return false, nil
	}
	if err := json.Unmarshal(item.Value, out); err != nil {
		return true, errors.WrapError(err, errors.ErrCodeInternal, "解码 "+key+" 失败")
	}
	return true, nil
}

// Put 把实体编码为 JSON 写入
func Put(key string, entity any) (storage.Write, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return storage.Write{}, errors.WrapError(err, errors.ErrCodeInternal, "编码 "+key+" 失败")
	}
	return storage.Write{Key: key, Value: data}, nil
}

// TxFunc 事务函数，必须是纯函数：只依据 view 计算写入，可能被执行多次
type TxFunc func(view View) ([]storage.Write, error)

// Executor 乐观事务执行器
type Executor struct {
	store     storage.Store
	conflict  retry.Config
	transport retry.Config
	opTimeout time.Duration
	logger    logging.Logger
}

// Option 配置项
type Option func(*Executor)

// WithConflictRetry 写冲突重试策略
func WithConflictRetry(cfg retry.Config) Option {
	return func(e *Executor) { e.conflict = cfg }
}

// WithTransportRetry 存储调用传输失败的重试策略
func WithTransportRetry(cfg retry.Config) Option {
	return func(e *Executor) { e.transport = cfg }
}

// WithOpTimeout 单次存储调用超时
func WithOpTimeout(d time.Duration) Option {
	return func(e *Executor) { e.opTimeout = d }
}

// WithLogger 指定日志
func WithLogger(logger logging.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor 创建执行器
func NewExecutor(store storage.Store, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		conflict: retry.DefaultConfig(),
		transport: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  10 * time.Millisecond,
			BackoffFactor: 2.0,
			MaxDelay:      500 * time.Millisecond,
			Jitter:        true,
		},
		logger: logging.Component("occ.executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store 返回底层存储
func (e *Executor) Store() storage.Store {
	return e.store
}

// Execute 读取 keys，执行 fn，并以读取版本为条件提交 fn 返回的写入
//
// 所有读取的键都受版本保护（包括未写入的键），因此并发写入任何一个都会导致冲突。
// fn 返回的错误原样返回，不重试（业务拒绝也在此列）。
// 冲突重试耗尽返回 ErrConflictExhausted；传输失败重试耗尽返回 TRANSPORT_FAILURE 错误。
func (e *Executor) Execute(ctx context.Context, keys []string, fn TxFunc) error {
	cfg := e.conflict
	cfg.Retryable = isConflict

	err := retry.DoWithInfo(ctx, func(ctx context.Context, attempt int) error {
		view, err := e.read(ctx, keys)
		if err != nil {
			return err
		}
		writes, err := fn(view)
		if err != nil {
			return &fnError{err: err}
		}
		if len(writes) == 0 {
			return nil
		}

		expect := make(map[string]int64, len(view))
		for k, v := range view {
			expect[k] = v.Version
		}
		err = e.commit(ctx, storage.CommitRequest{Expect: expect, Writes: writes})
		if isConflict(err) {
			e.logger.Debug(ctx, "写冲突，重试", logging.Int("attempt", attempt), logging.Int("keys", len(keys)))
		}
		return err
	}, cfg)

	var fe *fnError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &fe):
		return fe.err
	case isConflict(err):
		e.logger.Warn(ctx, "写冲突重试耗尽", logging.Int("max_attempts", e.conflict.MaxAttempts))
		return ErrConflictExhausted
	default:
		return err
	}
}

func (e *Executor) read(ctx context.Context, keys []string) (View, error) {
	var view View
	err := retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		got, err := e.store.Get(ctx, keys...)
		if err != nil {
			return err
		}
		view = View(got)
		return nil
	}, e.transportConfig())
	return view, err
}

func (e *Executor) commit(ctx context.Context, req storage.CommitRequest) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		return e.store.Commit(ctx, req)
	}, e.transportConfig())
}

func (e *Executor) transportConfig() retry.Config {
	cfg := e.transport
	cfg.Retryable = func(err error) bool {
		return errors.IsErrorCode(err, errors.ErrCodeTransportFailure)
	}
	return cfg
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opTimeout)
}

// fnError 标记来自事务函数的错误，使其不被当作存储错误重试
type fnError struct {
	err error
}

func (e *fnError) Error() string { return e.err.Error() }

func (e *fnError) Unwrap() error { return e.err }

func isConflict(err error) bool {
	return err != nil && errors.Is(err, storage.ErrConflict)
}
