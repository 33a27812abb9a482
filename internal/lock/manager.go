package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// releaseScript 所有权安全释放脚本：只有当前持有者才能删除锁。
//
// 比较与删除必须在服务端原子完成，否则一个超时后才醒来的慢进程
// 可能误删已被重新分配给别人的锁。
const releaseScript = `
local lockKey = KEYS[1]
local expectedValue = ARGV[1]
local currentValue = redis.call('GET', lockKey)
if currentValue == expectedValue then
  redis.call('DEL', lockKey)
  return 1
else
  return 0
end
`

// DegradeReason 降级原因
type DegradeReason string

const (
	// DegradeWaitTimeout 等待超时，放弃抢锁继续执行
	DegradeWaitTimeout DegradeReason = "wait_timeout"
	// DegradeStoreUnreachable 锁存储不可达，无锁继续执行
	DegradeStoreUnreachable DegradeReason = "store_unreachable"
)

// AcquireResult 抢锁结果。
//
// Acquired=false 并不表示失败：按策略降级为无锁执行（牺牲罕见竞争下的
// 互斥性换取活性），调用方据此区分真实持锁与降级路径的日志与指标。
type AcquireResult struct {
	Owner    string
	Acquired bool
	Reason   DegradeReason
}

// AtomicStore 锁存储所需的最小原子原语集合。
type AtomicStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Ping(ctx context.Context) error
}

// Manager 基于共享快存储的分布式互斥锁。
type Manager struct {
	store        AtomicStore
	log          *zap.Logger
	pollInterval time.Duration
}

// NewManager 创建锁管理器
func NewManager(store AtomicStore, pollInterval time.Duration, log *zap.Logger) *Manager {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Manager{
		store:        store,
		log:          log,
		pollInterval: pollInterval,
	}
}

// Acquire 轮询抢锁，最多等待 maxWait。
//
// 三种出路：
//   - 抢到锁: Acquired=true
//   - 等待超时: Acquired=false, Reason=wait_timeout，无锁继续
//   - 存储不可达: Acquired=false, Reason=store_unreachable，无锁继续
//
// 后两种情况仍返回 owner token，保证 Release 总是可以安全调用。
func (m *Manager) Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) AcquireResult {
	owner := newOwnerToken()
	deadline := time.Now().Add(maxWait)

	// 即使 maxWait <= 0 也至少尝试一次，再按轮询间隔重试到截止时间
	for {
		ok, err := m.store.SetNX(ctx, key, owner, ttl)
		if err != nil {
			m.log.Warn("lock store unavailable, proceeding without lock",
				zap.String("key", key),
				zap.Error(err),
			)
			return AcquireResult{Owner: owner, Acquired: false, Reason: DegradeStoreUnreachable}
		}
		if ok {
			m.log.Debug("lock acquired", zap.String("key", key))
			return AcquireResult{Owner: owner, Acquired: true}
		}

		if !time.Now().Add(m.pollInterval).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return AcquireResult{Owner: owner, Acquired: false, Reason: DegradeWaitTimeout}
		case <-time.After(m.pollInterval):
		}
	}

	m.log.Warn("lock wait timeout, proceeding without lock", zap.String("key", key))
	return AcquireResult{Owner: owner, Acquired: false, Reason: DegradeWaitTimeout}
}

// Release 所有权安全释放。
//
// 释放失败（存储不可达）只记录调试日志：锁会随 TTL 自然过期。
func (m *Manager) Release(ctx context.Context, key, owner string) {
	if owner == "" {
		return
	}
	if _, err := m.store.Eval(ctx, releaseScript, []string{key}, owner); err != nil {
		m.log.Debug("lock release failed, will expire naturally",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// Reachable 锁存储是否可达，供健康上报使用
func (m *Manager) Reachable(ctx context.Context) bool {
	return m.store.Ping(ctx) == nil
}

// newOwnerToken 生成持有者标识: pid-纳秒时间戳-随机段
func newOwnerToken() string {
	return fmt.Sprintf("%d-%d-%s", os.Getpid(), time.Now().UnixNano(), uuid.NewString()[:8])
}
