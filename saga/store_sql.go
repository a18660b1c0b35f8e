package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"

	_ "modernc.org/sqlite"

	core "sagacheckout/data/db"
	"sagacheckout/data/db/basic"
	"sagacheckout/data/db/dialect"
	"sagacheckout/errors"
)

// SQLStore 基于 SQL 表的实例存储（默认 SQLite）
//
// 每个实例一行，data 列保存实例 JSON，version 列用于条件更新。
type SQLStore struct {
	db      core.IDatabase
	dialect dialect.Dialect
	table   string
}

// OpenSQLStore 打开 SQLite 文件（path 为空时使用内存库）并建表
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	cfg := core.DBConfig{Driver: "sqlite", Database: basic.SQLiteDSN(path)}
	if path == "" {
		cfg.MaxOpenConns = 1
	}
	d, err := basic.New(cfg)
	if err != nil {
		return nil, errors.WrapTransport(ctx, err, "saga.sqlite.open")
	}
	s, err := NewSQLStore(ctx, d, "")
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore 在已有连接上创建存储
func NewSQLStore(ctx context.Context, d core.IDatabase, table string) (*SQLStore, error) {
	if table == "" {
		table = "saga_instances"
	}
	s := &SQLStore{db: d, dialect: dialect.FromDatabase(d), table: table}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tx_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		version INTEGER NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		data BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, s.quoted())
	if _, err := d.Exec(ctx, ddl); err != nil {
		return nil, errors.WrapTransport(ctx, err, "saga.sql.init_schema")
	}
	return s, nil
}

func (s *SQLStore) quoted() string {
	return s.dialect.QuoteIdentifier(s.table)
}

func (s *SQLStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.TransactionID == "" {
		return ErrInvalidInstance
	}
	stored := inst.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInternal, "编码 saga 实例失败")
	}
	query := fmt.Sprintf(`INSERT INTO %s (tx_id, state, version, archived, data, created_at, updated_at)
		VALUES (?, ?, 1, 0, ?, ?, ?)`, s.quoted())
	if _, err := s.db.Exec(ctx, query, inst.TransactionID, string(inst.State), data, inst.CreatedAt, inst.UpdatedAt); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return ErrInstanceExists
		}
		return errors.WrapTransport(ctx, err, "saga.sql.create")
	}
	inst.Version = 1
	return nil
}

func (s *SQLStore) Get(ctx context.Context, txID string) (*Instance, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE tx_id = ?", s.quoted())
	var data []byte
	if err := s.db.QueryRow(ctx, query, txID).Scan(&data); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, errors.WrapTransport(ctx, err, "saga.sql.get")
	}
	return decodeInstance(data)
}

func (s *SQLStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrInvalidInstance
	}
	stored := inst.Clone()
	stored.Version = inst.Version + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInternal, "编码 saga 实例失败")
	}
	query := fmt.Sprintf(`UPDATE %s SET state = ?, version = version + 1, data = ?, updated_at = ?
		WHERE tx_id = ? AND version = ?`, s.quoted())
	res, err := s.db.Exec(ctx, query, string(inst.State), data, inst.UpdatedAt, inst.TransactionID, inst.Version)
	if err != nil {
		return errors.WrapTransport(ctx, err, "saga.sql.update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WrapTransport(ctx, err, "saga.sql.update")
	}
	if n == 0 {
		if _, err := s.Get(ctx, inst.TransactionID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	inst.Version++
	return nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]*Instance, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE archived = 0 ORDER BY created_at", s.quoted())
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.WrapTransport(ctx, err, "saga.sql.list")
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.WrapTransport(ctx, err, "saga.sql.list")
		}
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransport(ctx, err, "saga.sql.list")
	}
	return out, nil
}

func (s *SQLStore) Archive(ctx context.Context, txID string) error {
	query := fmt.Sprintf("UPDATE %s SET archived = 1 WHERE tx_id = ?", s.quoted())
	res, err := s.db.Exec(ctx, query, txID)
	if err != nil {
		return errors.WrapTransport(ctx, err, "saga.sql.archive")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// Close 关闭连接
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func decodeInstance(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInternal, "解码 saga 实例失败")
	}
	return &inst, nil
}

var _ Store = (*SQLStore)(nil)
