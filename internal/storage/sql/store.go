package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // 注册 pgx 的 database/sql 驱动
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"courier/backend/internal/config"
	"courier/backend/internal/domain"
	"courier/backend/internal/storage"
)

// Store SQL 主存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db *gorm.DB
}

// NewStore 创建 SQL 主存储
func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres", "postgresql":
		// 走 pgx 驱动建连，gorm 复用这条连接池
		conn, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		dialector = postgres.New(postgres.Config{Conn: conn})
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true, // 把驱动层唯一键冲突翻译成 gorm.ErrDuplicatedKey
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.OutboundMessage{},
		&domain.ProcessedMessage{},
	)
}

// ========== OutboundRepository ==========

// SaveOutbound 新建出站邮件记录
func (s *Store) SaveOutbound(ctx context.Context, msg *domain.OutboundMessage) error {
	if msg.Status == "" {
		msg.Status = domain.OutboundStatusPending
	}
	err := s.db.WithContext(ctx).Create(msg).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrDuplicateID
	}
	return err
}

// GetOutbound 按 ID 查询
func (s *Store) GetOutbound(ctx context.Context, id string) (*domain.OutboundMessage, error) {
	var msg domain.OutboundMessage
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// MarkSent 标记发送成功。
//
// 条件更新保证 sent 终态不可逆：status = 'sent' 的行不会被再次触碰。
func (s *Store) MarkSent(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("id = ? AND status <> ?", id, domain.OutboundStatusSent).
		Updates(map[string]interface{}{
			"status":        domain.OutboundStatusSent,
			"error_message": "",
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// MarkFailed 标记发送失败，retry_count 在数据库侧原子 +1
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string, nextRetryAt *time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("id = ? AND status <> ?", id, domain.OutboundStatusSent).
		Updates(map[string]interface{}{
			"status":        domain.OutboundStatusFailed,
			"retry_count":   gorm.Expr("retry_count + ?", 1),
			"error_message": errMsg,
			"next_retry_at": nextRetryAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// ResetPending 管理员重试：重置为 pending，保留 retry_count
func (s *Store) ResetPending(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("id = ? AND status <> ?", id, domain.OutboundStatusSent).
		Updates(map[string]interface{}{
			"status":        domain.OutboundStatusPending,
			"error_message": "",
			"next_retry_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// classifyMiss 条件更新没有命中任何行时，区分"不存在"与"已是终态"
func (s *Store) classifyMiss(ctx context.Context, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrMessageNotFound
	}
	return storage.ErrAlreadySent
}

// ListDue 列出待发送的邮件：全部 pending，加上退避到期的 failed
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboundMessage, error) {
	var msgs []domain.OutboundMessage
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)",
			domain.OutboundStatusPending, domain.OutboundStatusFailed, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// ListStuck 列出卡住的邮件。
//
// 三类: 重试到顶的 failed、计划重试时间早已过期的、
// 以及没有下一次计划的 failed（不可重试的失败，扫描不会再拾起）。
func (s *Store) ListStuck(ctx context.Context, ceiling int, staleBefore time.Time, limit int) ([]domain.OutboundMessage, error) {
	var msgs []domain.OutboundMessage
	err := s.db.WithContext(ctx).
		Where("(status = ? AND retry_count >= ?) OR (status = ? AND next_retry_at IS NULL) OR (status <> ? AND next_retry_at IS NOT NULL AND next_retry_at < ?)",
			domain.OutboundStatusFailed, ceiling, domain.OutboundStatusFailed, domain.OutboundStatusSent, staleBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// CountByStatus 按状态统计
func (s *Store) CountByStatus(ctx context.Context, status domain.OutboundStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("status = ?", status).Count(&count).Error
	return count, err
}

// CountStuck 统计卡住的邮件
func (s *Store) CountStuck(ctx context.Context, ceiling int, staleBefore time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("(status = ? AND retry_count >= ?) OR (status = ? AND next_retry_at IS NULL) OR (status <> ? AND next_retry_at IS NOT NULL AND next_retry_at < ?)",
			domain.OutboundStatusFailed, ceiling, domain.OutboundStatusFailed, domain.OutboundStatusSent, staleBefore).
		Count(&count).Error
	return count, err
}

// ========== ProcessedRepository ==========

// InsertProcessed 条件插入认领记录。
//
// 依赖 message_id 唯一索引 + ON CONFLICT DO NOTHING：
// RowsAffected == 1 表示本次认领成功，0 表示已被别的 worker 抢先。
// 这是应用里唯一的"恰好一个赢家"判定点。
func (s *Store) InsertProcessed(ctx context.Context, messageID string, at time.Time) (bool, error) {
	record := domain.ProcessedMessage{
		MessageID:   messageID,
		ProcessedAt: at,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// HasProcessed 检查消息是否已被认领
func (s *Store) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.ProcessedMessage{}).
		Where("message_id = ?", messageID).Count(&count).Error
	return count > 0, err
}

// DeleteProcessed 删除认领记录（管理员恢复操作）
func (s *Store) DeleteProcessed(ctx context.Context, messageID string) error {
	return s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Delete(&domain.ProcessedMessage{}).Error
}

// ListProcessedBetween 按时间窗口查询，用于事故排查
func (s *Store) ListProcessedBetween(ctx context.Context, from, to time.Time) ([]domain.ProcessedMessage, error) {
	var records []domain.ProcessedMessage
	err := s.db.WithContext(ctx).
		Where("processed_at BETWEEN ? AND ?", from, to).
		Order("processed_at ASC").
		Find(&records).Error
	return records, err
}

// CountProcessedSince 统计某时刻之后的处理数量
func (s *Store) CountProcessedSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.ProcessedMessage{}).
		Where("processed_at >= ?", since).Count(&count).Error
	return count, err
}

// ========== 工具方法 ==========

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭存储连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
