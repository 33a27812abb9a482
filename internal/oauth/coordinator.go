package oauth

import (
	"context"

	"go.uber.org/zap"

	"courier/backend/internal/config"
	"courier/backend/internal/lock"
)

// refreshLockKey 全局令牌刷新锁。所有实例共用一把，
// 防止并发刷新把对方刚拿到的 refresh token 作废。
const refreshLockKey = "lock:oauth-token-refresh"

// Coordinator 跨进程的凭证刷新协调器。
type Coordinator struct {
	locks   *lock.Manager
	lockCfg config.LockConfig
	log     *zap.Logger
}

// NewCoordinator 创建刷新协调器
func NewCoordinator(locks *lock.Manager, lockCfg config.LockConfig, log *zap.Logger) *Coordinator {
	return &Coordinator{
		locks:   locks,
		lockCfg: lockCfg,
		log:     log,
	}
}

// WithRefreshLock 在全局刷新锁内执行 fn。
//
// 锁等待超时或锁存储不可达时照常执行: 拿到可用令牌的优先级
// 高于罕见竞争下的互斥。fn 无论成败锁都会释放。
func (c *Coordinator) WithRefreshLock(ctx context.Context, traceID string, fn func(ctx context.Context) error) error {
	acq := c.locks.Acquire(ctx, refreshLockKey, c.lockCfg.TTL, c.lockCfg.MaxWait)
	if !acq.Acquired {
		c.log.Warn("proceeding with token refresh without lock",
			zap.String("trace_id", traceID),
			zap.String("reason", string(acq.Reason)),
		)
	} else {
		c.log.Debug("token refresh lock acquired", zap.String("trace_id", traceID))
	}
	defer c.locks.Release(ctx, refreshLockKey, acq.Owner)

	return fn(ctx)
}
