package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"courier/backend/internal/config"
	"courier/backend/internal/domain"
	"courier/backend/internal/lock"
	"courier/backend/internal/monitoring"
	"courier/backend/internal/pool"
	"courier/backend/internal/storage"
	"courier/backend/internal/wal"
)

const (
	// sweepLockKey 后台扫描的单飞锁，保证同一时刻只有一个实例在扫
	sweepLockKey = "lock:outbound-sweep"
	// messageLockPrefix 单封邮件的发送锁前缀
	messageLockPrefix = "lock:message:"
)

// Manager 出站邮件队列管理器。
//
// 负责入队（主存储不可用时落 WAL）、单封发送（带单封锁与限速）、
// 卡住邮件盘点、管理员重试，以及后台重试扫描。
type Manager struct {
	store     storage.Store
	wal       *wal.WAL
	locks     *lock.Manager
	transport Transport
	workers   *pool.WorkerPool
	metrics   *monitoring.Metrics
	limiter   *rate.Limiter
	cfg       config.QueueConfig
	lockCfg   config.LockConfig
	log       *zap.Logger

	mu            sync.Mutex
	running       bool
	lastSweepAt   *time.Time
	lastSweepSent int
	lastDrained   int
}

// NewManager 创建队列管理器。
//
// workers 与 metrics 允许为 nil: 无协程池时扫描批次串行发送，
// 无指标对象时跳过打点（测试场景）。
func NewManager(
	store storage.Store,
	w *wal.WAL,
	locks *lock.Manager,
	transport Transport,
	workers *pool.WorkerPool,
	metrics *monitoring.Metrics,
	cfg config.QueueConfig,
	lockCfg config.LockConfig,
	log *zap.Logger,
) *Manager {
	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
	}
	return &Manager{
		store:     store,
		wal:       w,
		locks:     locks,
		transport: transport,
		workers:   workers,
		metrics:   metrics,
		limiter:   limiter,
		cfg:       cfg,
		lockCfg:   lockCfg,
		log:       log,
	}
}

// Enqueue 新建一封出站邮件并持久化为 pending。
//
// 主存储不可达时落入 WAL，后台扫描会在主存储恢复后回放；
// 两边都写不进去才算失败。业务性拒绝（重复 ID 等）原样上抛，不碰 WAL。
func (m *Manager) Enqueue(ctx context.Context, recipient, subject, body string) (*domain.OutboundMessage, error) {
	msg := &domain.OutboundMessage{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Status:    domain.OutboundStatusPending,
	}

	if err := m.store.SaveOutbound(ctx, msg); err != nil {
		if !storage.IsUnavailable(err) {
			return nil, err
		}

		walErr := m.wal.Append(ctx, &domain.WALEntry{
			ID:        msg.ID,
			Recipient: msg.Recipient,
			Subject:   msg.Subject,
			Body:      msg.Body,
		})
		if walErr != nil {
			return nil, fmt.Errorf("primary store unavailable (%v) and WAL append failed: %w", err, walErr)
		}

		m.log.Warn("primary store unavailable, message buffered in WAL",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		if m.metrics != nil {
			m.metrics.RecordWALFallback()
		}
	}

	if m.metrics != nil {
		m.metrics.RecordEnqueued()
	}
	return msg, nil
}

// AttemptSend 对单封邮件执行一次发送尝试。
//
// 发送前抢单封锁（降级为无锁执行时照常发送，靠 sent 终态兜底防重），
// 成功标记 sent，瞬态失败按封顶指数退避安排下一次重试，
// 不可重试的失败只记录错误、不再安排重试。
func (m *Manager) AttemptSend(ctx context.Context, id string) (*domain.SendOutcome, error) {
	msg, err := m.store.GetOutbound(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status == domain.OutboundStatusSent {
		return &domain.SendOutcome{MessageID: id, Status: domain.OutboundStatusSent, Attempts: msg.RetryCount}, nil
	}

	lockKey := messageLockPrefix + id
	acq := m.locks.Acquire(ctx, lockKey, m.lockCfg.TTL, m.lockCfg.MaxWait)
	m.recordLock(acq)
	defer m.locks.Release(ctx, lockKey, acq.Owner)

	// 锁内重读，避免与刚完成发送的竞争者做重复投递
	msg, err = m.store.GetOutbound(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status == domain.OutboundStatusSent {
		return &domain.SendOutcome{MessageID: id, Status: domain.OutboundStatusSent, Attempts: msg.RetryCount}, nil
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	sendErr := m.transport.Send(ctx, msg)
	elapsed := time.Since(start)

	if sendErr == nil {
		if err := m.store.MarkSent(ctx, id); err != nil && !errors.Is(err, storage.ErrAlreadySent) {
			return nil, fmt.Errorf("message delivered but status update failed: %w", err)
		}
		m.log.Info("outbound message sent",
			zap.String("message_id", id),
			zap.String("recipient", msg.Recipient),
			zap.Int("attempts", msg.RetryCount+1),
		)
		if m.metrics != nil {
			m.metrics.RecordSendAttempt("sent", elapsed)
		}
		return &domain.SendOutcome{MessageID: id, Status: domain.OutboundStatusSent, Attempts: msg.RetryCount + 1}, nil
	}

	attempts := msg.RetryCount + 1
	outcome := &domain.SendOutcome{
		MessageID: id,
		Status:    domain.OutboundStatusFailed,
		Attempts:  attempts,
		Error:     sendErr.Error(),
	}

	var nextRetryAt *time.Time
	if IsPermanent(sendErr) {
		m.log.Error("outbound message permanently rejected",
			zap.String("message_id", id),
			zap.Error(sendErr),
		)
		if m.metrics != nil {
			m.metrics.RecordSendAttempt("permanent_failure", elapsed)
		}
	} else {
		next := time.Now().UTC().Add(NextBackoff(m.cfg.BackoffBase, m.cfg.BackoffCap, attempts))
		nextRetryAt = &next
		outcome.NextRetry = &next
		m.log.Warn("outbound message send failed, retry scheduled",
			zap.String("message_id", id),
			zap.Int("attempts", attempts),
			zap.Time("next_retry_at", next),
			zap.Error(sendErr),
		)
		if m.metrics != nil {
			m.metrics.RecordSendAttempt("transient_failure", elapsed)
		}
	}

	if err := m.store.MarkFailed(ctx, id, sendErr.Error(), nextRetryAt); err != nil {
		if errors.Is(err, storage.ErrAlreadySent) {
			// 竞争者刚刚发送成功，以终态为准
			outcome.Status = domain.OutboundStatusSent
			outcome.Error = ""
			outcome.NextRetry = nil
			return outcome, nil
		}
		return nil, err
	}
	return outcome, nil
}

// ListStuck 列出卡住的邮件并标注判定原因。
func (m *Manager) ListStuck(ctx context.Context, limit int) ([]domain.StuckMessage, error) {
	staleBefore := time.Now().UTC().Add(-m.cfg.StaleThreshold)
	msgs, err := m.store.ListStuck(ctx, m.cfg.RetryCeiling, staleBefore, limit)
	if err != nil {
		return nil, err
	}

	stuck := make([]domain.StuckMessage, 0, len(msgs))
	for _, msg := range msgs {
		reason := domain.StuckReasonStaleSchedule
		switch {
		case msg.Status == domain.OutboundStatusFailed && msg.RetryCount >= m.cfg.RetryCeiling:
			reason = domain.StuckReasonRetryCeiling
		case msg.Status == domain.OutboundStatusFailed && msg.NextRetryAt == nil:
			reason = domain.StuckReasonPermanentFailure
		}
		stuck = append(stuck, domain.StuckMessage{OutboundMessage: msg, Reason: reason})
	}
	return stuck, nil
}

// Retry 管理员手动重试: 重置为 pending，保留 retry_count。
//
// 对不存在的邮件返回 storage.ErrMessageNotFound，
// 对已发送的邮件返回 storage.ErrAlreadySent。
func (m *Manager) Retry(ctx context.Context, id string) (*domain.OutboundMessage, error) {
	if err := m.store.ResetPending(ctx, id); err != nil {
		return nil, err
	}
	m.log.Info("outbound message reset for retry", zap.String("message_id", id))
	if m.metrics != nil {
		m.metrics.RecordAdminRetry()
	}
	return m.store.GetOutbound(ctx, id)
}

// RecoverWAL 手动触发 WAL 回放，返回迁入主存储的条数。
func (m *Manager) RecoverWAL(ctx context.Context) (int, error) {
	drained, err := m.wal.Drain(ctx, m.store)
	if err != nil {
		return 0, err
	}
	if m.metrics != nil && drained > 0 {
		m.metrics.RecordWALReplayed(drained)
	}
	return drained, nil
}

// Sweep 执行一轮后台扫描: 先回放 WAL，再把到期的邮件批量重发。
//
// 通过单飞锁避免多实例重复扫描；锁被别的实例持有时本轮直接跳过。
// 锁存储不可达时仍然扫描（重复扫描由 sent 终态与单封锁兜底）。
func (m *Manager) Sweep(ctx context.Context) (sent, drained int, err error) {
	acq := m.locks.Acquire(ctx, sweepLockKey, m.cfg.SweepInterval, m.lockCfg.MaxWait)
	m.recordLock(acq)
	if !acq.Acquired && acq.Reason == lock.DegradeWaitTimeout {
		m.log.Debug("sweep lock held elsewhere, skipping this round")
		return 0, 0, nil
	}
	defer m.locks.Release(ctx, sweepLockKey, acq.Owner)

	start := time.Now()

	drained, walErr := m.wal.Drain(ctx, m.store)
	if walErr != nil {
		m.log.Warn("WAL drain failed during sweep", zap.Error(walErr))
	}
	if m.metrics != nil && drained > 0 {
		m.metrics.RecordWALReplayed(drained)
	}

	due, err := m.store.ListDue(ctx, time.Now().UTC(), m.cfg.BatchSize)
	if err != nil {
		return 0, drained, err
	}

	var sentCount int64
	var wg sync.WaitGroup
	for _, msg := range due {
		id := msg.ID
		task := func() {
			defer wg.Done()
			outcome, sendErr := m.AttemptSend(ctx, id)
			if sendErr != nil {
				m.log.Warn("sweep send attempt errored", zap.String("message_id", id), zap.Error(sendErr))
				return
			}
			if outcome.Status == domain.OutboundStatusSent {
				atomic.AddInt64(&sentCount, 1)
			}
		}

		wg.Add(1)
		if m.workers != nil {
			m.workers.Submit(task)
		} else {
			task()
		}
	}
	wg.Wait()

	sent = int(sentCount)
	now := time.Now().UTC()

	m.mu.Lock()
	m.lastSweepAt = &now
	m.lastSweepSent = sent
	m.lastDrained = drained
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSweep(time.Since(start))
		m.refreshGauges(ctx)
	}

	if sent > 0 || drained > 0 {
		m.log.Info("sweep completed",
			zap.Int("due", len(due)),
			zap.Int("sent", sent),
			zap.Int("wal_drained", drained),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return sent, drained, nil
}

// Run 周期性执行 Sweep，直到 ctx 取消。
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.log.Info("retry sweep service started", zap.Duration("interval", m.cfg.SweepInterval))

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("retry sweep service stopped")
			return nil
		case <-ticker.C:
			if _, _, err := m.Sweep(ctx); err != nil {
				m.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Status 返回后台扫描服务的运行状态。
func (m *Manager) Status() domain.RetryServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.RetryServiceStatus{
		Running:       m.running,
		Interval:      m.cfg.SweepInterval,
		LastSweepAt:   m.lastSweepAt,
		LastSweepSent: m.lastSweepSent,
		LastDrained:   m.lastDrained,
	}
}

// recordLock 打点抢锁结果
func (m *Manager) recordLock(acq lock.AcquireResult) {
	if m.metrics == nil {
		return
	}
	outcome := "acquired"
	if !acq.Acquired {
		outcome = string(acq.Reason)
	}
	m.metrics.RecordLockAcquisition(outcome)
}

// refreshGauges 扫描后刷新队列深度与 WAL 积压读数
func (m *Manager) refreshGauges(ctx context.Context) {
	for _, status := range []domain.OutboundStatus{
		domain.OutboundStatusPending,
		domain.OutboundStatusFailed,
		domain.OutboundStatusSent,
	} {
		if count, err := m.store.CountByStatus(ctx, status); err == nil {
			m.metrics.UpdateQueueDepth(string(status), count)
		}
	}
	staleBefore := time.Now().UTC().Add(-m.cfg.StaleThreshold)
	if count, err := m.store.CountStuck(ctx, m.cfg.RetryCeiling, staleBefore); err == nil {
		m.metrics.UpdateStuckMessages(count)
	}
	if backlog, err := m.wal.Backlog(ctx); err == nil {
		m.metrics.UpdateWALBacklog(backlog)
	}
}
