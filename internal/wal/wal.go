package wal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"courier/backend/internal/domain"
	"courier/backend/internal/storage"
)

// WAL 写前日志：主存储不可用时的本地持久化兜底缓冲。
//
// 底层是一个独立的 SQLite 文件，与主存储没有共享故障面。
// 条目只有两种操作：按 ID 幂等追加、回放成功后删除，从不原地修改。
type WAL struct {
	db  *sql.DB
	log *zap.Logger
}

// New 打开（必要时创建）写前日志
func New(path string, log *zap.Logger) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL database: %w", err)
	}

	// SQLite 写入需要串行化
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS wal_entries (
			id         TEXT PRIMARY KEY,
			recipient  TEXT NOT NULL,
			subject    TEXT,
			body       TEXT,
			written_at TIMESTAMP NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize WAL schema: %w", err)
	}

	log.Info("write-ahead log opened", zap.String("path", path))

	return &WAL{db: db, log: log}, nil
}

// Append 幂等追加一条条目：同一 ID 重复写入会覆盖而不是产生副本。
func (w *WAL) Append(ctx context.Context, entry *domain.WALEntry) error {
	if entry.WrittenAt.IsZero() {
		entry.WrittenAt = time.Now().UTC()
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO wal_entries (id, recipient, subject, body, written_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Recipient, entry.Subject, entry.Body, entry.WrittenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append WAL entry: %w", err)
	}
	return nil
}

// Drain 回放全部条目到主存储。
//
// 每条回放成功（或发现主存储已有同 ID 记录）后删除；失败的条目原样留给
// 下一轮。对空 WAL 重复调用恒返回 0，不产生任何写入。
func (w *WAL) Drain(ctx context.Context, dest storage.OutboundRepository) (int, error) {
	entries, err := w.list(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, entry := range entries {
		msg := &domain.OutboundMessage{
			ID:        entry.ID,
			Recipient: entry.Recipient,
			Subject:   entry.Subject,
			Body:      entry.Body,
			Status:    domain.OutboundStatusPending,
			CreatedAt: entry.WrittenAt,
		}

		err := dest.SaveOutbound(ctx, msg)
		if err != nil && !errors.Is(err, storage.ErrDuplicateID) {
			// 主存储仍不可用或其它瞬态故障，留给下一轮
			w.log.Warn("WAL replay failed for entry, keeping it",
				zap.String("id", entry.ID),
				zap.Error(err),
			)
			continue
		}

		if _, err := w.db.ExecContext(ctx, `DELETE FROM wal_entries WHERE id = ?`, entry.ID); err != nil {
			w.log.Error("failed to remove replayed WAL entry", zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		migrated++
	}

	if migrated > 0 {
		w.log.Info("WAL entries replayed into primary store", zap.Int("count", migrated))
	}
	return migrated, nil
}

// Backlog 当前积压条数，供健康上报使用
func (w *WAL) Backlog(ctx context.Context) (int64, error) {
	var count int64
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_entries`).Scan(&count)
	return count, err
}

// Close 关闭底层数据库
func (w *WAL) Close() error {
	return w.db.Close()
}

// list 读取全部条目（按写入时间排序）
func (w *WAL) list(ctx context.Context) ([]domain.WALEntry, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, recipient, subject, body, written_at
		FROM wal_entries ORDER BY written_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.WALEntry
	for rows.Next() {
		var e domain.WALEntry
		if err := rows.Scan(&e.ID, &e.Recipient, &e.Subject, &e.Body, &e.WrittenAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
