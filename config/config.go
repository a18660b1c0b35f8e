// Package config 汇总各组件配置，提供默认值与 SAGA_* 环境变量加载
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sagacheckout/errors"
	"sagacheckout/patterns/retry"
)

// 驱动名称
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
	DriverSQLite = "sqlite"
)

// BusConfig 消息总线配置
type BusConfig struct {
	Driver       string        // memory | redis | nats
	RedisURL     string        // redis://host:6379/0
	NATSURL      string        // nats://host:4222
	Partitions   int           // 每个主题的分区数
	BlockTimeout time.Duration // 拉取阻塞时长
	AckWait      time.Duration // 未确认消息的重投等待（nats）
	OpTimeout    time.Duration // 单次发布/确认调用超时
}

// StoreConfig 状态存储配置
type StoreConfig struct {
	Driver     string // memory | redis | sqlite
	RedisURL   string
	SQLitePath string // 为空时使用内存数据库
	OpTimeout  time.Duration
}

// SagaConfig 编排器超时与重试配置
type SagaConfig struct {
	StepTimeout         time.Duration // 单步无进展的超时
	SagaDeadline        time.Duration // 整个 saga 前进阶段的截止时长
	SweepInterval       time.Duration // 扫描周期
	MaxRedispatch       int           // 超时后同键重投的次数上限
	StepRetries         int           // 正向步骤瞬时失败的重投上限
	CompensationRetries int           // 补偿瞬时失败的重投上限
	OutcomeCacheSize    int           // 终态结果 LRU 容量
}

// Config 进程级配置
type Config struct {
	LogLevel  string
	Bus       BusConfig
	Store     StoreConfig
	Executor  retry.Config // 乐观事务重试
	Transport retry.Config // 存储传输失败重试
	Saga      SagaConfig
}

// Default 返回本地开发可直接运行的默认配置（全内存）
func Default() Config {
	transport := retry.DefaultConfig()
	transport.MaxAttempts = 3
	transport.InitialDelay = 10 * time.Millisecond
	transport.MaxDelay = 500 * time.Millisecond

	return Config{
		LogLevel: "info",
		Bus: BusConfig{
			Driver:       DriverMemory,
			Partitions:   8,
			BlockTimeout: 200 * time.Millisecond,
			AckWait:      5 * time.Second,
			OpTimeout:    2 * time.Second,
		},
		Store: StoreConfig{
			Driver:    DriverMemory,
			OpTimeout: 2 * time.Second,
		},
		Executor:  retry.DefaultConfig(),
		Transport: transport,
		Saga: SagaConfig{
			StepTimeout:         5 * time.Second,
			SagaDeadline:        time.Minute,
			SweepInterval:       time.Second,
			MaxRedispatch:       3,
			StepRetries:         3,
			CompensationRetries: 5,
			OutcomeCacheSize:    4096,
		},
	}
}

// LoadFromEnv 在默认配置之上叠加环境变量
func LoadFromEnv() (Config, error) {
	cfg := Default()
	var err error

	if v := optionalString("SAGA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := optionalString("SAGA_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = strings.ToLower(v)
	}
	if v := optionalString("SAGA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := optionalString("SAGA_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
		cfg.Store.RedisURL = v
	}
	cfg.Bus.NATSURL = optionalString("SAGA_NATS_URL")
	cfg.Store.SQLitePath = optionalString("SAGA_SQLITE_PATH")

	if err = overrideInt("SAGA_PARTITIONS", &cfg.Bus.Partitions); err != nil {
		return cfg, err
	}
	if err = overrideDuration("SAGA_BUS_BLOCK_TIMEOUT", &cfg.Bus.BlockTimeout); err != nil {
		return cfg, err
	}
	if err = overrideDuration("SAGA_BUS_ACK_WAIT", &cfg.Bus.AckWait); err != nil {
		return cfg, err
	}
	if err = overrideDuration("SAGA_OP_TIMEOUT", &cfg.Bus.OpTimeout); err != nil {
		return cfg, err
	}
	cfg.Store.OpTimeout = cfg.Bus.OpTimeout

	if err = overrideInt("SAGA_OCC_MAX_ATTEMPTS", &cfg.Executor.MaxAttempts); err != nil {
		return cfg, err
	}
	if err = overrideDuration("SAGA_OCC_INITIAL_DELAY", &cfg.Executor.InitialDelay); err != nil {
		return cfg, err
	}
	if err = overrideDuration("SAGA_OCC_MAX_DELAY", &cfg.Executor.MaxDelay); err != nil {
		return cfg, err
	}
	if err = overrideInt("SAGA_TRANSPORT_MAX_ATTEMPTS", &cfg.Transport.MaxAttempts); err != nil {
		return cfg, err
	}

	if err = overrideDuration("SAGA_STEP_TIMEOUT", &cfg.Saga.StepTimeout); err != nil {
		return cfg, err
	}
	if err = overrideDuration("SAGA_DEADLINE", &cfg.Saga.SagaDeadline); err != nil {
		return cfg, err
	}
	if err = overrideDuration("SAGA_SWEEP_INTERVAL", &cfg.Saga.SweepInterval); err != nil {
		return cfg, err
	}
	if err = overrideInt("SAGA_MAX_REDISPATCH", &cfg.Saga.MaxRedispatch); err != nil {
		return cfg, err
	}
	if err = overrideInt("SAGA_STEP_RETRIES", &cfg.Saga.StepRetries); err != nil {
		return cfg, err
	}
	if err = overrideInt("SAGA_COMPENSATION_RETRIES", &cfg.Saga.CompensationRetries); err != nil {
		return cfg, err
	}
	if err = overrideInt("SAGA_OUTCOME_CACHE_SIZE", &cfg.Saga.OutcomeCacheSize); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate 校验配置组合
func (c Config) Validate() error {
	switch c.Bus.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Bus.RedisURL == "" {
			return errors.NewValidationError("redis 总线需要设置 SAGA_REDIS_URL")
		}
	case DriverNATS:
		if c.Bus.NATSURL == "" {
			return errors.NewValidationError("nats 总线需要设置 SAGA_NATS_URL")
		}
	default:
		return errors.NewValidationError(fmt.Sprintf("未知的总线驱动: %s", c.Bus.Driver))
	}

	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverRedis:
		if c.Store.RedisURL == "" {
			return errors.NewValidationError("redis 存储需要设置 SAGA_REDIS_URL")
		}
	default:
		return errors.NewValidationError(fmt.Sprintf("未知的存储驱动: %s", c.Store.Driver))
	}

	if c.Bus.Partitions < 1 {
		return errors.NewValidationError("分区数必须为正数")
	}
	if c.Executor.MaxAttempts < 1 {
		return errors.NewValidationError("乐观事务最大尝试次数必须为正数")
	}
	if c.Saga.StepTimeout <= 0 || c.Saga.SweepInterval <= 0 {
		return errors.NewValidationError("StepTimeout 与 SweepInterval 必须为正数")
	}
	if c.Saga.SagaDeadline > 0 && c.Saga.SagaDeadline < c.Saga.StepTimeout {
		return errors.NewValidationError("SagaDeadline 不能小于 StepTimeout")
	}
	return nil
}

func optionalString(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func overrideInt(name string, dst *int) error {
	v, err := optionalInt(name)
	if err != nil {
		return err
	}
	if v != nil {
		*dst = *v
	}
	return nil
}

func overrideDuration(name string, dst *time.Duration) error {
	v, err := optionalDuration(name)
	if err != nil {
		return err
	}
	if v != nil {
		*dst = *v
	}
	return nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}
