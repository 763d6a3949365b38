package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "daq-plugin/internal/errors"
)

// SQLStore 基于 database/sql 实现 Store，支持 MySQL、PostgreSQL 与 SQLite。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLStore 建立连接并执行内置迁移。
func NewSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigError, err, "初始化采集存储失败")
	}
	db, err := openDatabase(ctx, d, cfg)
	if err != nil {
		return nil, xerrors.Wrap(CodeStoreUnavailable, err, "初始化采集存储失败")
	}
	store := &SQLStore{db: db, dialect: d}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(CodeStoreUnavailable, err, "执行存储迁移失败")
	}
	return store, nil
}

// Write 实现 Store 接口，同一 (request_id, capability) 只会落库一次。
func (s *SQLStore) Write(ctx context.Context, record Record) (string, error) {
	if err := validateRecord(record); err != nil {
		return "", err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	if record.CapturedAt.IsZero() {
		record.CapturedAt = record.StoredAt
	}

	var metadata sql.NullString
	if len(record.Metadata) > 0 {
		encoded, err := json.Marshal(record.Metadata)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化记录元数据失败")
		}
		metadata = sql.NullString{String: string(encoded), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.upsert),
		record.ID,
		record.RequestID,
		record.Capability,
		record.Channel,
		record.ActionGroup,
		record.ActionName,
		record.Plugin,
		record.ContentType,
		record.Payload,
		metadata,
		record.CapturedAt.UnixMilli(),
		record.StoredAt.UnixMilli(),
	)
	if err != nil && !s.dialect.isUniqueViolation(err) {
		return "", xerrors.Wrap(CodeStoreUnavailable, err, "写入采集记录失败")
	}

	var id string
	query := s.dialect.rebind(`SELECT id FROM acquisition_records WHERE request_id = ? AND capability = ?`)
	if err := s.db.QueryRowContext(ctx, query, record.RequestID, record.Capability).Scan(&id); err != nil {
		return "", xerrors.Wrap(CodeStoreUnavailable, err, "读取采集记录 ID 失败")
	}
	return id, nil
}

// Get 返回单条记录。
func (s *SQLStore) Get(ctx context.Context, requestID, capability string) (*Record, error) {
	query := s.dialect.rebind(`SELECT ` + recordColumns + ` FROM acquisition_records WHERE request_id = ? AND capability = ?`)
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, requestID, capability))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(CodeStoreUnavailable, err, "查询采集记录失败")
	}
	return record, nil
}

// List 返回某次请求的全部记录，按能力名排序。
func (s *SQLStore) List(ctx context.Context, requestID string) ([]*Record, error) {
	query := s.dialect.rebind(`SELECT ` + recordColumns + ` FROM acquisition_records WHERE request_id = ? ORDER BY capability`)
	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, xerrors.Wrap(CodeStoreUnavailable, err, "查询采集记录失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(CodeStoreUnavailable, err, "解析采集记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeStoreUnavailable, err, "遍历采集记录失败")
	}
	return records, nil
}

// Close 关闭底层连接池。
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record     Record
		metadata   sql.NullString
		capturedAt int64
		storedAt   int64
	)
	if err := row.Scan(
		&record.ID,
		&record.RequestID,
		&record.Capability,
		&record.Channel,
		&record.ActionGroup,
		&record.ActionName,
		&record.Plugin,
		&record.ContentType,
		&record.Payload,
		&metadata,
		&capturedAt,
		&storedAt,
	); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &record.Metadata); err != nil {
			return nil, fmt.Errorf("解析记录元数据失败: %w", err)
		}
	}
	record.CapturedAt = time.UnixMilli(capturedAt).UTC()
	record.StoredAt = time.UnixMilli(storedAt).UTC()
	return &record, nil
}

var _ Store = (*SQLStore)(nil)
