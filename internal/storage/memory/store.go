package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"courier/backend/internal/domain"
	"courier/backend/internal/storage"
)

// Store 内存存储实现，用于开发环境与测试。
//
// 行为对齐 SQL 实现：条件更新、唯一约束、终态保护都在锁内模拟。
// SetUnavailable 可以人为制造"主存储不可达"，用于演练 WAL 兜底路径。
type Store struct {
	mu          sync.RWMutex
	outbound    map[string]*domain.OutboundMessage
	processed   map[string]time.Time
	unavailable bool
}

// NewStore 创建内存存储实例
func NewStore() *Store {
	return &Store{
		outbound:  make(map[string]*domain.OutboundMessage),
		processed: make(map[string]time.Time),
	}
}

// SetUnavailable 模拟主存储故障（仅用于开发与测试）
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

func (s *Store) checkAvailable() error {
	if s.unavailable {
		return errors.New("memory store: connection refused")
	}
	return nil
}

// ========== OutboundRepository ==========

// SaveOutbound 新建出站邮件记录
func (s *Store) SaveOutbound(ctx context.Context, msg *domain.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}
	if _, exists := s.outbound[msg.ID]; exists {
		return storage.ErrDuplicateID
	}
	if msg.Status == "" {
		msg.Status = domain.OutboundStatusPending
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	clone := *msg
	s.outbound[msg.ID] = &clone
	return nil
}

// GetOutbound 按 ID 查询
func (s *Store) GetOutbound(ctx context.Context, id string) (*domain.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	msg, ok := s.outbound[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	clone := *msg
	return &clone, nil
}

// MarkSent 标记发送成功（sent 为终态，不可重复标记）
func (s *Store) MarkSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}
	msg, ok := s.outbound[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	if msg.Status == domain.OutboundStatusSent {
		return storage.ErrAlreadySent
	}
	msg.Status = domain.OutboundStatusSent
	msg.ErrorMessage = ""
	msg.NextRetryAt = nil
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed 标记发送失败，retry_count 原子 +1
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string, nextRetryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}
	msg, ok := s.outbound[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	if msg.Status == domain.OutboundStatusSent {
		return storage.ErrAlreadySent
	}
	msg.Status = domain.OutboundStatusFailed
	msg.RetryCount++
	msg.ErrorMessage = errMsg
	msg.NextRetryAt = nextRetryAt
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetPending 管理员重试：重置为 pending，保留 retry_count
func (s *Store) ResetPending(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}
	msg, ok := s.outbound[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	if msg.Status == domain.OutboundStatusSent {
		return storage.ErrAlreadySent
	}
	msg.Status = domain.OutboundStatusPending
	msg.ErrorMessage = ""
	msg.NextRetryAt = nil
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

// ListDue 列出待发送的邮件
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	var due []domain.OutboundMessage
	for _, msg := range s.outbound {
		switch msg.Status {
		case domain.OutboundStatusPending:
			due = append(due, *msg)
		case domain.OutboundStatusFailed:
			if msg.NextRetryAt != nil && !msg.NextRetryAt.After(now) {
				due = append(due, *msg)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListStuck 列出卡住的邮件
func (s *Store) ListStuck(ctx context.Context, ceiling int, staleBefore time.Time, limit int) ([]domain.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	var stuck []domain.OutboundMessage
	for _, msg := range s.outbound {
		if isStuck(msg, ceiling, staleBefore) {
			stuck = append(stuck, *msg)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].CreatedAt.Before(stuck[j].CreatedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

// CountByStatus 按状态统计
func (s *Store) CountByStatus(ctx context.Context, status domain.OutboundStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkAvailable(); err != nil {
		return 0, err
	}
	var count int64
	for _, msg := range s.outbound {
		if msg.Status == status {
			count++
		}
	}
	return count, nil
}

// CountStuck 统计卡住的邮件
func (s *Store) CountStuck(ctx context.Context, ceiling int, staleBefore time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkAvailable(); err != nil {
		return 0, err
	}
	var count int64
	for _, msg := range s.outbound {
		if isStuck(msg, ceiling, staleBefore) {
			count++
		}
	}
	return count, nil
}

func isStuck(msg *domain.OutboundMessage, ceiling int, staleBefore time.Time) bool {
	if msg.Status == domain.OutboundStatusFailed && msg.RetryCount >= ceiling {
		return true
	}
	// failed 且没有下一次计划 = 不可重试的失败，扫描永远不会再碰它
	if msg.Status == domain.OutboundStatusFailed && msg.NextRetryAt == nil {
		return true
	}
	if msg.Status != domain.OutboundStatusSent &&
		msg.NextRetryAt != nil && msg.NextRetryAt.Before(staleBefore) {
		return true
	}
	return false
}

// ========== ProcessedRepository ==========

// InsertProcessed 条件插入认领记录，唯一键冲突返回 claimed=false
func (s *Store) InsertProcessed(ctx context.Context, messageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return false, err
	}
	if _, exists := s.processed[messageID]; exists {
		return false, nil
	}
	s.processed[messageID] = at
	return true, nil
}

// HasProcessed 检查是否已认领
func (s *Store) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkAvailable(); err != nil {
		return false, err
	}
	_, exists := s.processed[messageID]
	return exists, nil
}

// DeleteProcessed 删除认领记录
func (s *Store) DeleteProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAvailable(); err != nil {
		return err
	}
	delete(s.processed, messageID)
	return nil
}

// ListProcessedBetween 按时间窗口查询
func (s *Store) ListProcessedBetween(ctx context.Context, from, to time.Time) ([]domain.ProcessedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	var records []domain.ProcessedMessage
	for id, at := range s.processed {
		if !at.Before(from) && !at.After(to) {
			records = append(records, domain.ProcessedMessage{MessageID: id, ProcessedAt: at})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ProcessedAt.Before(records[j].ProcessedAt) })
	return records, nil
}

// CountProcessedSince 统计某时刻之后的处理数量
func (s *Store) CountProcessedSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkAvailable(); err != nil {
		return 0, err
	}
	var count int64
	for _, at := range s.processed {
		if !at.Before(since) {
			count++
		}
	}
	return count, nil
}

// ========== 工具方法 ==========

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkAvailable()
}

// Close 关闭存储（内存实现为空操作）
func (s *Store) Close() error {
	return nil
}
