// Package sqlstore 基于 database/sql（默认 SQLite）实现 storage.Store
package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"

	_ "modernc.org/sqlite"

	core "sagacheckout/data/db"
	"sagacheckout/data/db/basic"
	"sagacheckout/data/db/dialect"
	"sagacheckout/errors"
	"sagacheckout/storage"
)

// Store SQL 存储，每个键一行：k 主键，version 版本号，value 数据
type Store struct {
	db      core.IDatabase
	dialect dialect.Dialect
	table   string

	selectSQL string
	insertSQL string
	updateSQL string
}

// Open 打开 SQLite 文件（path 为空时使用内存库）并创建表
func Open(ctx context.Context, path, table string) (*Store, error) {
	cfg := core.DBConfig{Driver: "sqlite", Database: basic.SQLiteDSN(path)}
	if path == "" {
		cfg.MaxOpenConns = 1
	}
	d, err := basic.New(cfg)
	if err != nil {
		return nil, errors.WrapTransport(ctx, err, "sqlite.open")
	}
	s, err := New(ctx, d, table)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

// New 在已有连接上创建存储，建表语句幂等
func New(ctx context.Context, d core.IDatabase, table string) (*Store, error) {
	if table == "" {
		table = "kv"
	}
	dial := dialect.FromDatabase(d)
	quoted := dial.QuoteIdentifier(table)

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		k TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		value BLOB
	)`, quoted)
	if _, err := d.Exec(ctx, ddl); err != nil {
		return nil, errors.WrapTransport(ctx, err, "sql.init_schema")
	}

	return &Store{
		db:        d,
		dialect:   dial,
		table:     table,
		selectSQL: fmt.Sprintf("SELECT version, value FROM %s WHERE k = ?", quoted),
		insertSQL: fmt.Sprintf("INSERT INTO %s (k, version, value) VALUES (?, 1, ?)", quoted),
		updateSQL: fmt.Sprintf("UPDATE %s SET version = version + 1, value = ? WHERE k = ? AND version = ?", quoted),
	}, nil
}

func (s *Store) Get(ctx context.Context, keys ...string) (map[string]storage.Versioned, error) {
	out := make(map[string]storage.Versioned, len(keys))
	for _, k := range keys {
		v, err := s.read(ctx, s.db.QueryRow(ctx, s.selectSQL, k))
		if err != nil {
			return nil, errors.WrapTransport(ctx, err, "sql.get")
		}
		out[k] = v
	}
	return out, nil
}

func (s *Store) read(ctx context.Context, row core.IRow) (storage.Versioned, error) {
	var (
		version int64
		value   []byte
	)
	if err := row.Scan(&version, &value); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return storage.Versioned{}, nil
		}
		return storage.Versioned{}, err
	}
	return storage.Versioned{Value: value, Version: version}, nil
}

func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	err := core.RunInTx(ctx, s.db, nil, func(tx core.ITransaction) error {
		for _, k := range req.Keys() {
			current, err := s.read(ctx, tx.QueryRow(ctx, s.selectSQL, k))
			if err != nil {
				return err
			}
			if current.Version != req.Expect[k] {
				return storage.ErrConflict
			}
		}

		for _, w := range req.Writes {
			expect := req.Expect[w.Key]
			if expect == 0 {
				if _, err := tx.Exec(ctx, s.insertSQL, w.Key, w.Value); err != nil {
					return err
				}
				continue
			}
			res, err := tx.Exec(ctx, s.updateSQL, w.Value, w.Key, expect)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return storage.ErrConflict
			}
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case s.dialect.IsUniqueViolation(err), s.dialect.IsBusy(err):
		return storage.ErrConflict
	default:
		return errors.WrapTransport(ctx, err, "sql.commit")
	}
}

// Table 返回表名
func (s *Store) Table() string {
	return s.table
}

func (s *Store) Close() error {
	return s.db.Close()
}
