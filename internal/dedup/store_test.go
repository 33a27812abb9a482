package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"courier/backend/internal/storage/memory"
)

// fakeCache 内存版快查层，unreachable 模拟 Redis 故障
type fakeCache struct {
	mu          sync.Mutex
	sets        map[string]map[string]float64
	keys        map[string]bool
	unreachable bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		sets: make(map[string]map[string]float64),
		keys: make(map[string]bool),
	}
}

func (f *fakeCache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return errors.New("connection refused")
	}
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]float64)
	}
	f.sets[key][member] = score
	return nil
}

func (f *fakeCache) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return 0, false, errors.New("connection refused")
	}
	score, ok := f.sets[key][member]
	return score, ok, nil
}

func (f *fakeCache) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return 0, errors.New("connection refused")
	}
	var removed int64
	for _, m := range members {
		member := m.(string)
		if _, ok := f.sets[key][member]; ok {
			delete(f.sets[key], member)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeCache) ZCard(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return 0, errors.New("connection refused")
	}
	return int64(len(f.sets[key])), nil
}

func (f *fakeCache) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return errors.New("connection refused")
	}
	for _, k := range keys {
		delete(f.keys, k)
		delete(f.sets, k)
	}
	return nil
}

func (f *fakeCache) member(key, member string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sets[key][member]
	return ok
}

func newTestStore(t *testing.T) (*Store, *memory.Store, *fakeCache) {
	t.Helper()
	durable := memory.NewStore()
	cache := newFakeCache()
	return NewStore(durable, cache, nil, zap.NewNop()), durable, cache
}

func TestStore_MarkProcessing(t *testing.T) {
	t.Run("首次认领成功并回填快查层", func(t *testing.T) {
		s, durable, cache := newTestStore(t)
		ctx := context.Background()

		claimed, err := s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, claimed)

		has, err := durable.HasProcessed(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, has)
		assert.True(t, cache.member(processedSetKey, "msg-1"))
	})

	t.Run("重复认领失败", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		ctx := context.Background()

		claimed, err := s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)
		require.True(t, claimed)

		claimed, err = s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("并发认领恰好一个赢家", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		ctx := context.Background()

		const goroutines = 20
		var wg sync.WaitGroup
		var winners int64
		var mu sync.Mutex

		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := s.MarkProcessing(ctx, "msg-contested")
				assert.NoError(t, err)
				if claimed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), winners)
	})

	t.Run("快查层不可用不影响认领", func(t *testing.T) {
		s, _, cache := newTestStore(t)
		cache.unreachable = true
		ctx := context.Background()

		claimed, err := s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}

func TestStore_IsProcessed(t *testing.T) {
	t.Run("未处理的消息返回 false", func(t *testing.T) {
		s, _, _ := newTestStore(t)

		processed, err := s.IsProcessed(context.Background(), "msg-1")
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("快查层命中", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		ctx := context.Background()

		_, err := s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)

		processed, err := s.IsProcessed(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("快查层丢失时穿透持久层并回填", func(t *testing.T) {
		s, durable, cache := newTestStore(t)
		ctx := context.Background()

		// 只写持久层，模拟快查层数据丢失（例如 Redis 重启）
		claimed, err := durable.InsertProcessed(ctx, "msg-1", time.Now().UTC())
		require.NoError(t, err)
		require.True(t, claimed)
		require.False(t, cache.member(processedSetKey, "msg-1"))

		processed, err := s.IsProcessed(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, processed)
		assert.True(t, cache.member(processedSetKey, "msg-1"))
	})

	t.Run("快查层不可用时查询仍然正确", func(t *testing.T) {
		s, _, cache := newTestStore(t)
		ctx := context.Background()

		_, err := s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)

		cache.unreachable = true

		processed, err := s.IsProcessed(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, processed)

		processed, err = s.IsProcessed(ctx, "msg-2")
		require.NoError(t, err)
		assert.False(t, processed)
	})
}

func TestStore_Forget(t *testing.T) {
	t.Run("删除后消息可被重新认领", func(t *testing.T) {
		s, _, cache := newTestStore(t)
		ctx := context.Background()

		claimed, err := s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, s.Forget(ctx, "msg-1"))
		assert.False(t, cache.member(processedSetKey, "msg-1"))

		processed, err := s.IsProcessed(ctx, "msg-1")
		require.NoError(t, err)
		assert.False(t, processed)

		claimed, err = s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("快查层不可用时持久层删除成功即成功", func(t *testing.T) {
		s, _, cache := newTestStore(t)
		ctx := context.Background()

		_, err := s.MarkProcessing(ctx, "msg-1")
		require.NoError(t, err)

		cache.unreachable = true
		require.NoError(t, s.Forget(ctx, "msg-1"))

		processed, err := s.IsProcessed(ctx, "msg-1")
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("删除不存在的记录不报错", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		assert.NoError(t, s.Forget(context.Background(), "no-such-id"))
	})
}

func TestStore_Reporting(t *testing.T) {
	t.Run("按时间窗口查询台账", func(t *testing.T) {
		s, durable, _ := newTestStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		_, err := durable.InsertProcessed(ctx, "old", now.Add(-3*time.Hour))
		require.NoError(t, err)
		_, err = durable.InsertProcessed(ctx, "recent", now.Add(-10*time.Minute))
		require.NoError(t, err)

		records, err := s.ProcessedBetween(ctx, now.Add(-time.Hour), now)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "recent", records[0].MessageID)
	})

	t.Run("统计最近活动量", func(t *testing.T) {
		s, durable, _ := newTestStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		_, err := durable.InsertProcessed(ctx, "old", now.Add(-3*time.Hour))
		require.NoError(t, err)
		_, err = durable.InsertProcessed(ctx, "recent", now.Add(-10*time.Minute))
		require.NoError(t, err)

		count, err := s.RecentActivity(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}
