package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courier/backend/internal/config"
	"courier/backend/internal/dedup"
	"courier/backend/internal/lock"
	"courier/backend/internal/storage/memory"
)

// testCache 内存版快查层
type testCache struct {
	mu   sync.Mutex
	sets map[string]map[string]float64
}

func newTestCache() *testCache {
	return &testCache{sets: make(map[string]map[string]float64)}
}

func (c *testCache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets[key] == nil {
		c.sets[key] = make(map[string]float64)
	}
	c.sets[key][member] = score
	return nil
}

func (c *testCache) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	score, ok := c.sets[key][member]
	return score, ok, nil
}

func (c *testCache) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int64
	for _, m := range members {
		if _, ok := c.sets[key][m.(string)]; ok {
			delete(c.sets[key], m.(string))
			removed++
		}
	}
	return removed, nil
}

func (c *testCache) ZCard(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.sets[key])), nil
}

func (c *testCache) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.sets, k)
	}
	return nil
}

// testLockStore 内存版锁存储
type testLockStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newTestLockStore() *testLockStore {
	return &testLockStore{values: make(map[string]string)}
}

func (f *testLockStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.values[key]; exists {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *testLockStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return int64(1), nil
	}
	return int64(0), nil
}

func (f *testLockStore) Ping(ctx context.Context) error {
	return nil
}

// countingHandler 统计调用次数的处理器
type countingHandler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *countingHandler) Handle(ctx context.Context, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.err
}

func (h *countingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestProcessor(t *testing.T) (*Processor, *dedup.Store, *countingHandler) {
	t.Helper()

	durable := memory.NewStore()
	d := dedup.NewStore(durable, newTestCache(), nil, zap.NewNop())
	locks := lock.NewManager(newTestLockStore(), 5*time.Millisecond, zap.NewNop())
	handler := &countingHandler{}

	lockCfg := config.LockConfig{
		TTL:          30 * time.Second,
		PollInterval: 5 * time.Millisecond,
		MaxWait:      200 * time.Millisecond,
	}

	return NewProcessor(d, locks, handler, lockCfg, zap.NewNop()), d, handler
}

func TestProcessor_Process(t *testing.T) {
	t.Run("首次处理执行业务逻辑", func(t *testing.T) {
		p, _, handler := newTestProcessor(t)

		handled, err := p.Process(context.Background(), &Message{ID: "msg-1", Sender: "a@example.com"})
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Equal(t, 1, handler.callCount())
	})

	t.Run("重复消息被跳过", func(t *testing.T) {
		p, _, handler := newTestProcessor(t)
		ctx := context.Background()
		msg := &Message{ID: "msg-1"}

		handled, err := p.Process(ctx, msg)
		require.NoError(t, err)
		require.True(t, handled)

		handled, err = p.Process(ctx, msg)
		require.NoError(t, err)
		assert.False(t, handled)
		assert.Equal(t, 1, handler.callCount())
	})

	t.Run("并发处理同一消息只执行一次", func(t *testing.T) {
		p, _, handler := newTestProcessor(t)
		ctx := context.Background()

		const goroutines = 10
		var wg sync.WaitGroup
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.Process(ctx, &Message{ID: "msg-contested"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, handler.callCount())
	})

	t.Run("处理失败时认领保留，自动重放被拒绝", func(t *testing.T) {
		p, d, handler := newTestProcessor(t)
		ctx := context.Background()
		msg := &Message{ID: "msg-1"}

		handler.err = errors.New("downstream unavailable")
		handled, err := p.Process(ctx, msg)
		assert.True(t, handled)
		assert.Error(t, err)

		// 失败后的重试被去重台账挡住
		handler.err = nil
		handled, err = p.Process(ctx, msg)
		require.NoError(t, err)
		assert.False(t, handled)
		assert.Equal(t, 1, handler.callCount())

		// 管理员 Forget 后放行重处理
		require.NoError(t, d.Forget(ctx, msg.ID))
		handled, err = p.Process(ctx, msg)
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Equal(t, 2, handler.callCount())
	})
}
