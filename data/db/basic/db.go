package basic

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	core "sagacheckout/data/db"
	"sagacheckout/data/db/dialect"
)

// DB 基于 database/sql 的最小实现，满足 core.IDatabase 抽象
type DB struct {
	db      *sql.DB
	dialect dialect.Dialect
}

// New 根据 core.DBConfig 创建数据库实例
//
// 调用方必须确保 Driver 已通过空导入注册（例如 `_ "modernc.org/sqlite"`）。
func New(config core.DBConfig) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, config.Database)
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return Wrap(db, driver), nil
}

// Wrap 包装已打开的 *sql.DB（测试中配合 go-sqlmock 使用）
func Wrap(db *sql.DB, driver string) *DB {
	return &DB{db: db, dialect: dialect.New(driver)}
}

// SQLiteDSN 返回启用 WAL、外键与忙等待的 SQLite DSN；path 为空时使用内存库，
// 此时调用方应把 MaxOpenConns 设为 1，否则每个连接各自持有一份空库
func SQLiteDSN(path string) string {
	if path == "" {
		return ":memory:"
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return &Row{row: d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)}
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, dialect: d.dialect}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }

// GetDialectName 实现 core.IDialectNameProvider 接口，返回底层 driver 名
func (d *DB) GetDialectName() string {
	return string(d.dialect.Name())
}

// Dialect 返回方言
func (d *DB) Dialect() dialect.Dialect {
	return d.dialect
}

// ExecDDL 依次执行建表语句
func (d *DB) ExecDDL(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec ddl: %w", err)
		}
	}
	return nil
}
