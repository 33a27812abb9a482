package inbound

import (
	"context"

	"go.uber.org/zap"

	"courier/backend/internal/config"
	"courier/backend/internal/dedup"
	"courier/backend/internal/lock"
)

const messageLockPrefix = "lock:message:"

// Message 入站消息
type Message struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Handler 消息的业务处理器（产生副作用的那一步）。
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc 函数式处理器
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle 实现 Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Processor 入站消息处理器: 锁 + 两层去重包住业务处理。
//
// 处理权在副作用之前认领。处理中途失败时认领记录保留，
// 避免半成品副作用被自动重放；管理员确认后通过 Forget 放行重处理。
type Processor struct {
	dedup   *dedup.Store
	locks   *lock.Manager
	handler Handler
	lockCfg config.LockConfig
	log     *zap.Logger
}

// NewProcessor 创建入站处理器
func NewProcessor(d *dedup.Store, locks *lock.Manager, handler Handler, lockCfg config.LockConfig, log *zap.Logger) *Processor {
	return &Processor{
		dedup:   d,
		locks:   locks,
		handler: handler,
		lockCfg: lockCfg,
		log:     log,
	}
}

// Process 处理一条入站消息。
//
// 返回 handled=false 表示重复消息被跳过（没有产生任何副作用）。
// 顺序: 快查 → 单封锁 → 锁内复查 → 认领 → 业务处理 → 放锁。
// 锁只是降低竞争窗口的优化，正确性由持久层认领保证。
func (p *Processor) Process(ctx context.Context, msg *Message) (handled bool, err error) {
	processed, err := p.dedup.IsProcessed(ctx, msg.ID)
	if err != nil {
		return false, err
	}
	if processed {
		p.log.Debug("inbound message already processed, skipping", zap.String("message_id", msg.ID))
		return false, nil
	}

	lockKey := messageLockPrefix + msg.ID
	acq := p.locks.Acquire(ctx, lockKey, p.lockCfg.TTL, p.lockCfg.MaxWait)
	defer p.locks.Release(ctx, lockKey, acq.Owner)

	// 锁内复查: 等锁期间别的进程可能已经处理完
	processed, err = p.dedup.IsProcessed(ctx, msg.ID)
	if err != nil {
		return false, err
	}
	if processed {
		return false, nil
	}

	claimed, err := p.dedup.MarkProcessing(ctx, msg.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		p.log.Debug("lost processing claim to another worker", zap.String("message_id", msg.ID))
		return false, nil
	}

	if err := p.handler.Handle(ctx, msg); err != nil {
		// 认领记录保留，阻止自动重放半成品副作用
		p.log.Error("inbound handler failed, claim retained for manual review",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return true, err
	}

	p.log.Info("inbound message processed",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender),
	)
	return true, nil
}
