package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAtomicStore 内存版锁存储，模拟 SetNX/Lua 释放语义
type fakeAtomicStore struct {
	mu          sync.Mutex
	values      map[string]string
	unreachable bool
}

func newFakeAtomicStore() *fakeAtomicStore {
	return &fakeAtomicStore{values: make(map[string]string)}
}

func (f *fakeAtomicStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return false, errors.New("connection refused")
	}
	if _, exists := f.values[key]; exists {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeAtomicStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return nil, errors.New("connection refused")
	}
	// 模拟所有权比较删除脚本
	key := keys[0]
	expected := args[0].(string)
	if f.values[key] == expected {
		delete(f.values, key)
		return int64(1), nil
	}
	return int64(0), nil
}

func (f *fakeAtomicStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeAtomicStore) holder(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func TestManager_Acquire(t *testing.T) {
	t.Run("空闲锁立即抢到", func(t *testing.T) {
		store := newFakeAtomicStore()
		m := NewManager(store, 10*time.Millisecond, zap.NewNop())

		result := m.Acquire(context.Background(), "lock:test", time.Minute, time.Second)

		assert.True(t, result.Acquired)
		require.NotEmpty(t, result.Owner)
		assert.Equal(t, result.Owner, store.holder("lock:test"))
	})

	t.Run("等待超时降级为无锁执行", func(t *testing.T) {
		store := newFakeAtomicStore()
		m := NewManager(store, 5*time.Millisecond, zap.NewNop())

		// 先被别人持有
		first := m.Acquire(context.Background(), "lock:test", time.Minute, time.Second)
		require.True(t, first.Acquired)

		result := m.Acquire(context.Background(), "lock:test", time.Minute, 30*time.Millisecond)

		assert.False(t, result.Acquired)
		assert.Equal(t, DegradeWaitTimeout, result.Reason)
		// 降级路径也返回 token，Release 可安全调用
		assert.NotEmpty(t, result.Owner)
	})

	t.Run("零等待预算也至少尝试一次", func(t *testing.T) {
		store := newFakeAtomicStore()
		m := NewManager(store, 10*time.Millisecond, zap.NewNop())

		// 锁空闲时，maxWait 为零不应直接降级
		result := m.Acquire(context.Background(), "lock:test", time.Minute, 0)

		assert.True(t, result.Acquired)
		assert.Equal(t, result.Owner, store.holder("lock:test"))

		// 锁被持有时，一次尝试失败后立刻降级，不做轮询等待
		start := time.Now()
		second := m.Acquire(context.Background(), "lock:test", time.Minute, 0)

		assert.False(t, second.Acquired)
		assert.Equal(t, DegradeWaitTimeout, second.Reason)
		assert.Less(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("存储不可达降级为无锁执行", func(t *testing.T) {
		store := newFakeAtomicStore()
		store.unreachable = true
		m := NewManager(store, 5*time.Millisecond, zap.NewNop())

		result := m.Acquire(context.Background(), "lock:test", time.Minute, time.Second)

		assert.False(t, result.Acquired)
		assert.Equal(t, DegradeStoreUnreachable, result.Reason)
		assert.NotEmpty(t, result.Owner)
	})
}

func TestManager_Release(t *testing.T) {
	t.Run("持有者释放成功", func(t *testing.T) {
		store := newFakeAtomicStore()
		m := NewManager(store, 5*time.Millisecond, zap.NewNop())

		result := m.Acquire(context.Background(), "lock:test", time.Minute, time.Second)
		require.True(t, result.Acquired)

		m.Release(context.Background(), "lock:test", result.Owner)

		assert.Empty(t, store.holder("lock:test"))
	})

	t.Run("非持有者无法释放", func(t *testing.T) {
		store := newFakeAtomicStore()
		m := NewManager(store, 5*time.Millisecond, zap.NewNop())

		result := m.Acquire(context.Background(), "lock:test", time.Minute, time.Second)
		require.True(t, result.Acquired)

		// 用别人的 token 释放，锁必须原样保留
		m.Release(context.Background(), "lock:test", "someone-else-token")

		assert.Equal(t, result.Owner, store.holder("lock:test"))
	})

	t.Run("释放后锁可被重新抢到", func(t *testing.T) {
		store := newFakeAtomicStore()
		m := NewManager(store, 5*time.Millisecond, zap.NewNop())

		first := m.Acquire(context.Background(), "lock:test", time.Minute, time.Second)
		require.True(t, first.Acquired)
		m.Release(context.Background(), "lock:test", first.Owner)

		second := m.Acquire(context.Background(), "lock:test", time.Minute, time.Second)
		assert.True(t, second.Acquired)
		assert.NotEqual(t, first.Owner, second.Owner)
	})
}

func TestManager_Reachable(t *testing.T) {
	store := newFakeAtomicStore()
	m := NewManager(store, 5*time.Millisecond, zap.NewNop())

	assert.True(t, m.Reachable(context.Background()))

	store.unreachable = true
	assert.False(t, m.Reachable(context.Background()))
}
