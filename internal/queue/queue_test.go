package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courier/backend/internal/config"
	"courier/backend/internal/domain"
	"courier/backend/internal/lock"
	"courier/backend/internal/storage"
	"courier/backend/internal/storage/memory"
	"courier/backend/internal/wal"
)

// fakeLockStore 永远抢得到锁的内存锁存储
type fakeLockStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{values: make(map[string]string)}
}

func (f *fakeLockStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.values[key]; exists {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeLockStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return int64(1), nil
	}
	return int64(0), nil
}

func (f *fakeLockStore) Ping(ctx context.Context) error {
	return nil
}

// fakeTransport 可编程的投递通道
type fakeTransport struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg.ID)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestManager(t *testing.T) (*Manager, *memory.Store, *fakeTransport, *wal.WAL) {
	t.Helper()

	store := memory.NewStore()
	transport := &fakeTransport{}
	w, err := wal.New(filepath.Join(t.TempDir(), "wal.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	locks := lock.NewManager(newFakeLockStore(), 5*time.Millisecond, zap.NewNop())

	cfg := config.QueueConfig{
		RetryCeiling:   3,
		BackoffBase:    time.Minute,
		BackoffCap:     time.Hour,
		SweepInterval:  time.Minute,
		StaleThreshold: 30 * time.Minute,
		BatchSize:      10,
	}
	lockCfg := config.LockConfig{
		TTL:          30 * time.Second,
		PollInterval: 5 * time.Millisecond,
		MaxWait:      50 * time.Millisecond,
	}

	m := NewManager(store, w, locks, transport, nil, nil, cfg, lockCfg, zap.NewNop())
	return m, store, transport, w
}

func TestNextBackoff(t *testing.T) {
	t.Run("指数增长并封顶", func(t *testing.T) {
		base := time.Minute
		ceiling := 6 * time.Hour

		assert.Equal(t, time.Minute, NextBackoff(base, ceiling, 1))
		assert.Equal(t, 2*time.Minute, NextBackoff(base, ceiling, 2))
		assert.Equal(t, 4*time.Minute, NextBackoff(base, ceiling, 3))
		assert.Equal(t, 8*time.Minute, NextBackoff(base, ceiling, 4))
		// 2^9 分钟 > 6 小时，封顶
		assert.Equal(t, ceiling, NextBackoff(base, ceiling, 10))
		// 极大的重试次数不会溢出
		assert.Equal(t, ceiling, NextBackoff(base, ceiling, 100))
	})

	t.Run("完全确定性", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			assert.Equal(t, NextBackoff(time.Minute, time.Hour, 3), NextBackoff(time.Minute, time.Hour, 3))
		}
	})

	t.Run("非法重试次数按第一次处理", func(t *testing.T) {
		assert.Equal(t, time.Minute, NextBackoff(time.Minute, time.Hour, 0))
		assert.Equal(t, time.Minute, NextBackoff(time.Minute, time.Hour, -1))
	})
}

func TestManager_Enqueue(t *testing.T) {
	t.Run("正常入队为 pending", func(t *testing.T) {
		m, store, _, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "subject", "body")
		require.NoError(t, err)
		require.NotEmpty(t, msg.ID)

		saved, err := store.GetOutbound(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboundStatusPending, saved.Status)
		assert.Equal(t, "a@example.com", saved.Recipient)
	})

	t.Run("主存储不可用时落入 WAL", func(t *testing.T) {
		m, store, _, w := newTestManager(t)
		ctx := context.Background()

		store.SetUnavailable(true)
		msg, err := m.Enqueue(ctx, "a@example.com", "subject", "body")
		require.NoError(t, err)

		backlog, err := w.Backlog(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), backlog)

		// 主存储恢复后回放，邮件照常进入队列
		store.SetUnavailable(false)
		drained, err := m.RecoverWAL(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, drained)

		saved, err := store.GetOutbound(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboundStatusPending, saved.Status)
	})
}

func TestManager_AttemptSend(t *testing.T) {
	t.Run("发送成功标记为 sent", func(t *testing.T) {
		m, store, transport, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)

		outcome, err := m.AttemptSend(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboundStatusSent, outcome.Status)
		assert.Equal(t, 1, outcome.Attempts)
		assert.Equal(t, 1, transport.sentCount())

		saved, err := store.GetOutbound(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboundStatusSent, saved.Status)
	})

	t.Run("瞬态失败安排退避重试", func(t *testing.T) {
		m, store, transport, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)

		transport.err = errors.New("connection timed out")
		before := time.Now().UTC()
		outcome, err := m.AttemptSend(ctx, msg.ID)
		require.NoError(t, err)

		assert.Equal(t, domain.OutboundStatusFailed, outcome.Status)
		assert.Equal(t, 1, outcome.Attempts)
		require.NotNil(t, outcome.NextRetry)
		// 第一次失败退避一个基数
		assert.WithinDuration(t, before.Add(time.Minute), *outcome.NextRetry, 2*time.Second)

		saved, err := store.GetOutbound(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboundStatusFailed, saved.Status)
		assert.Equal(t, 1, saved.RetryCount)
		assert.Equal(t, "connection timed out", saved.ErrorMessage)
	})

	t.Run("不可重试的失败不安排下一次重试", func(t *testing.T) {
		m, store, transport, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)

		transport.err = Permanent(errors.New("550 recipient rejected"))
		outcome, err := m.AttemptSend(ctx, msg.ID)
		require.NoError(t, err)

		assert.Equal(t, domain.OutboundStatusFailed, outcome.Status)
		assert.Nil(t, outcome.NextRetry)
		assert.Equal(t, "550 recipient rejected", outcome.Error)

		saved, err := store.GetOutbound(ctx, msg.ID)
		require.NoError(t, err)
		assert.Nil(t, saved.NextRetryAt)
		assert.Equal(t, "550 recipient rejected", saved.ErrorMessage)
	})

	t.Run("已发送的邮件不再投递", func(t *testing.T) {
		m, _, transport, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)

		_, err = m.AttemptSend(ctx, msg.ID)
		require.NoError(t, err)
		require.Equal(t, 1, transport.sentCount())

		outcome, err := m.AttemptSend(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboundStatusSent, outcome.Status)
		assert.Equal(t, 1, transport.sentCount())
	})

	t.Run("不存在的邮件返回未找到", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)

		_, err := m.AttemptSend(context.Background(), "no-such-id")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}

func TestManager_Retry(t *testing.T) {
	t.Run("失败邮件重置为 pending 并保留重试计数", func(t *testing.T) {
		m, store, transport, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)

		transport.err = errors.New("connection timed out")
		_, err = m.AttemptSend(ctx, msg.ID)
		require.NoError(t, err)

		retried, err := m.Retry(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboundStatusPending, retried.Status)
		assert.Equal(t, 1, retried.RetryCount)
		assert.Empty(t, retried.ErrorMessage)
		assert.Nil(t, retried.NextRetryAt)

		saved, err := store.GetOutbound(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboundStatusPending, saved.Status)
	})

	t.Run("不存在的邮件返回未找到", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)

		_, err := m.Retry(context.Background(), "no-such-id")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})

	t.Run("已发送的邮件拒绝重试", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)
		_, err = m.AttemptSend(ctx, msg.ID)
		require.NoError(t, err)

		_, err = m.Retry(ctx, msg.ID)
		assert.ErrorIs(t, err, storage.ErrAlreadySent)
	})
}

func TestManager_ListStuck(t *testing.T) {
	t.Run("按原因标注卡住的邮件", func(t *testing.T) {
		m, store, transport, _ := newTestManager(t)
		ctx := context.Background()

		// 重试次数达到上限
		ceiling, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)
		transport.err = errors.New("connection timed out")
		for i := 0; i < 3; i++ {
			_, err = m.AttemptSend(ctx, ceiling.ID)
			require.NoError(t, err)
		}

		// 计划时间早已过期仍未被拾起
		stale, err := m.Enqueue(ctx, "b@example.com", "s", "b")
		require.NoError(t, err)
		old := time.Now().UTC().Add(-2 * time.Hour)
		require.NoError(t, store.MarkFailed(ctx, stale.ID, "connection timed out", &old))

		// 正常等待退避的邮件不在列表里
		transport.err = nil
		healthy, err := m.Enqueue(ctx, "c@example.com", "s", "b")
		require.NoError(t, err)
		_, err = m.AttemptSend(ctx, healthy.ID)
		require.NoError(t, err)

		stuck, err := m.ListStuck(ctx, 50)
		require.NoError(t, err)
		require.Len(t, stuck, 2)

		reasons := map[string]domain.StuckReason{}
		for _, s := range stuck {
			reasons[s.ID] = s.Reason
		}
		assert.Equal(t, domain.StuckReasonRetryCeiling, reasons[ceiling.ID])
		assert.Equal(t, domain.StuckReasonStaleSchedule, reasons[stale.ID])
	})

	t.Run("首次尝试即被拒收的邮件仍可盘点", func(t *testing.T) {
		m, store, transport, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)

		transport.err = Permanent(errors.New("550 no such user"))
		_, err = m.AttemptSend(ctx, msg.ID)
		require.NoError(t, err)

		// 重试次数远低于上限且没有下一次计划，扫描不会再拾起它
		saved, err := store.GetOutbound(ctx, msg.ID)
		require.NoError(t, err)
		require.Equal(t, 1, saved.RetryCount)
		require.Nil(t, saved.NextRetryAt)

		due, err := store.ListDue(ctx, time.Now().UTC().Add(24*time.Hour), 50)
		require.NoError(t, err)
		assert.Empty(t, due)

		// 但必须出现在卡住盘点里，否则对运维不可见
		stuck, err := m.ListStuck(ctx, 50)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, msg.ID, stuck[0].ID)
		assert.Equal(t, domain.StuckReasonPermanentFailure, stuck[0].Reason)
	})

	t.Run("限制返回条数", func(t *testing.T) {
		m, store, _, _ := newTestManager(t)
		ctx := context.Background()

		old := time.Now().UTC().Add(-2 * time.Hour)
		for i := 0; i < 5; i++ {
			msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
			require.NoError(t, err)
			require.NoError(t, store.MarkFailed(ctx, msg.ID, "x", &old))
		}

		stuck, err := m.ListStuck(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, stuck, 2)
	})
}

func TestManager_Sweep(t *testing.T) {
	t.Run("到期邮件被重发且 WAL 被回放", func(t *testing.T) {
		m, store, transport, _ := newTestManager(t)
		ctx := context.Background()

		// 一封 pending，一封退避到期的 failed
		first, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)
		second, err := m.Enqueue(ctx, "b@example.com", "s", "b")
		require.NoError(t, err)
		due := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, store.MarkFailed(ctx, second.ID, "x", &due))

		// 一封滞留在 WAL 里
		store.SetUnavailable(true)
		buffered, err := m.Enqueue(ctx, "c@example.com", "s", "b")
		require.NoError(t, err)
		store.SetUnavailable(false)

		// WAL 回放先于 ListDue，回放出来的邮件同一轮就会发送
		sent, drained, err := m.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, drained)
		assert.Equal(t, 3, sent)
		assert.Equal(t, 3, transport.sentCount())

		sent, drained, err = m.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, drained)
		assert.Zero(t, sent)

		for _, id := range []string{first.ID, second.ID, buffered.ID} {
			saved, err := store.GetOutbound(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.OutboundStatusSent, saved.Status)
		}
	})

	t.Run("未到期的失败邮件不被拾起", func(t *testing.T) {
		m, store, transport, _ := newTestManager(t)
		ctx := context.Background()

		msg, err := m.Enqueue(ctx, "a@example.com", "s", "b")
		require.NoError(t, err)
		future := time.Now().UTC().Add(time.Hour)
		require.NoError(t, store.MarkFailed(ctx, msg.ID, "x", &future))

		sent, _, err := m.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, sent)
		assert.Zero(t, transport.sentCount())
	})
}
