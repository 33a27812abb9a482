package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"courier/backend/internal/domain"
)

var (
	// ErrMessageNotFound 出站邮件不存在
	ErrMessageNotFound = errors.New("outbound message not found")
	// ErrAlreadySent 出站邮件已发送（终态，拒绝写入）
	ErrAlreadySent = errors.New("outbound message already sent")
	// ErrDuplicateID 出站邮件 ID 已存在（WAL 回放重复时出现，按幂等成功处理）
	ErrDuplicateID = errors.New("outbound message id already exists")
)

// OutboundRepository 定义出站邮件队列的数据存取操作。
//
// 所有状态变更必须是单行原子操作（条件更新），不允许读-改-写回路，
// 以避免多进程并发下的丢失更新。
type OutboundRepository interface {
	// SaveOutbound 新建一条出站邮件记录（status=pending）
	SaveOutbound(ctx context.Context, msg *domain.OutboundMessage) error
	// GetOutbound 按 ID 查询
	GetOutbound(ctx context.Context, id string) (*domain.OutboundMessage, error)
	// MarkSent 标记发送成功；以 status <> 'sent' 为条件，保证 sent 终态不可逆
	MarkSent(ctx context.Context, id string) error
	// MarkFailed 标记发送失败：retry_count 原子 +1，记录错误与下次重试时间
	MarkFailed(ctx context.Context, id string, errMsg string, nextRetryAt *time.Time) error
	// ResetPending 管理员重试：重置为 pending，保留 retry_count，清空错误与计划时间。
	// 对 status='sent' 的记录返回 ErrAlreadySent。
	ResetPending(ctx context.Context, id string) error
	// ListDue 列出待发送的邮件：全部 pending，加上 next_retry_at 已到期的 failed
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboundMessage, error)
	// ListStuck 列出卡住的邮件：retry_count >= ceiling 的 failed，
	// 或 next_retry_at 早于 staleBefore 仍未被拾起的记录
	ListStuck(ctx context.Context, ceiling int, staleBefore time.Time, limit int) ([]domain.OutboundMessage, error)
	// CountByStatus 按状态统计数量
	CountByStatus(ctx context.Context, status domain.OutboundStatus) (int64, error)
	// CountStuck 统计卡住的邮件数量
	CountStuck(ctx context.Context, ceiling int, staleBefore time.Time) (int64, error)
}

// ProcessedRepository 定义入站去重记录（持久层）的数据存取操作。
type ProcessedRepository interface {
	// InsertProcessed 条件插入认领记录。message_id 唯一索引冲突时返回 claimed=false，
	// 这是"恰好一个赢家"的唯一判定依据。
	InsertProcessed(ctx context.Context, messageID string, at time.Time) (claimed bool, err error)
	// HasProcessed 检查消息是否已被认领
	HasProcessed(ctx context.Context, messageID string) (bool, error)
	// DeleteProcessed 删除认领记录（管理员恢复操作）
	DeleteProcessed(ctx context.Context, messageID string) error
	// ListProcessedBetween 按时间窗口查询，用于事故排查
	ListProcessedBetween(ctx context.Context, from, to time.Time) ([]domain.ProcessedMessage, error)
	// CountProcessedSince 统计某时刻之后的处理数量
	CountProcessedSince(ctx context.Context, since time.Time) (int64, error)
}

// Store 聚合主存储的全部仓库接口。
type Store interface {
	OutboundRepository
	ProcessedRepository

	Ping(ctx context.Context) error
	Close() error
}

// IsUnavailable 判断错误是否属于"主存储不可达"一类的瞬态故障。
//
// 只有这类错误才允许触发 WAL 兜底；业务性拒绝（未找到、终态冲突、
// 唯一键冲突）一律按原样上抛。
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrAlreadySent) || errors.Is(err, ErrDuplicateID) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// 驱动层没有统一的错误类型，按常见连接故障文案兜底判断
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"database is closed",
		"failed to connect",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
