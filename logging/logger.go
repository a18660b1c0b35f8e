// Package logging 提供统一的结构化日志接口抽象
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level 日志级别
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String 返回级别名称
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析级别字符串（大小写不敏感），未知值回退为 InfoLevel
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger 日志接口
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields 添加字段，返回新的 Logger
	WithFields(fields ...Field) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Any(key string, value any) Field { return Field{Key: key, Value: value} }

func Error(err error) Field { return Field{Key: "error", Value: err} }

// Duration 以 time.Duration 作为字段值
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// 领域常用字段
func TransactionID(id string) Field { return Field{Key: "transaction_id", Value: id} }

func Step(step string) Field { return Field{Key: "step", Value: step} }

func IdempotencyKey(key string) Field { return Field{Key: "idempotency_key", Value: key} }

func Topic(topic string) Field { return Field{Key: "topic", Value: topic} }

func Partition(p int) Field { return Field{Key: "partition", Value: p} }

// StdLogger 基于标准库 log 的实现，输出 key=value 格式
type StdLogger struct {
	out    *log.Logger
	level  Level
	prefix string
	fields []Field
}

// NewStdLogger 创建输出到 stderr 的 Logger
func NewStdLogger(prefix string) *StdLogger {
	return NewStdLoggerWithWriter(os.Stderr, prefix, InfoLevel)
}

// NewStdLoggerWithWriter 创建输出到指定 writer 的 Logger（测试可用 bytes.Buffer）
func NewStdLoggerWithWriter(w io.Writer, prefix string, level Level) *StdLogger {
	return &StdLogger{
		out:    log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		level:  level,
		prefix: prefix,
	}
}

func (l *StdLogger) format(level Level, msg string, fields []Field) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(level.String())
	b.WriteString("] ")
	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteString(" ")
	}
	b.WriteString(msg)
	for _, f := range l.fields {
		b.WriteString(" " + f.Key + "=" + formatValue(f.Value))
	}
	for _, f := range fields {
		b.WriteString(" " + f.Key + "=" + formatValue(f.Value))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case error:
		if val == nil {
			return "<nil>"
		}
		return fmt.Sprintf("%q", val.Error())
	default:
		return fmt.Sprint(val)
	}
}

func (l *StdLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	l.out.Println(l.format(level, msg, fields))
}

func (l *StdLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(DebugLevel, msg, fields)
}

func (l *StdLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(InfoLevel, msg, fields)
}

func (l *StdLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(WarnLevel, msg, fields)
}

func (l *StdLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ErrorLevel, msg, fields)
}

func (l *StdLogger) WithFields(fields ...Field) Logger {
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)
	return &StdLogger{
		out:    l.out,
		level:  l.level,
		prefix: l.prefix,
		fields: newFields,
	}
}

// NoopLogger 空日志实现（用于测试）
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (l *NoopLogger) Debug(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) Info(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Warn(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Error(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) WithFields(fields ...Field) Logger                      { return l }

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewStdLogger("")
)

// SetLogger 设置全局 Logger
func SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetLogger 获取全局 Logger
func GetLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Component 返回带 component 字段的全局 Logger
func Component(name string) Logger {
	return GetLogger().WithFields(String("component", name))
}
