package dedup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"courier/backend/internal/domain"
	"courier/backend/internal/monitoring"
	"courier/backend/internal/storage"
)

const (
	// processedSetKey 快查层有序集合的键，分值是处理时刻的 Unix 时间戳
	processedSetKey = "dedup:processed-messages"
	// messageLockPrefix 单封邮件处理锁的键前缀，Forget 时一并清掉
	messageLockPrefix = "lock:message:"
)

// CacheStore 快查层所需的原子原语集合。
type CacheStore interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRem(ctx context.Context, key string, members ...interface{}) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
}

// Store 两层入站去重台账。
//
// 持久层（唯一索引）是"恰好处理一次"的最终裁决者；
// 快查层只是它前面的缓存，不可用时全部查询穿透到持久层，正确性不变。
type Store struct {
	durable storage.ProcessedRepository
	cache   CacheStore
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewStore 创建去重台账。metrics 允许为 nil。
func NewStore(durable storage.ProcessedRepository, cache CacheStore, metrics *monitoring.Metrics, log *zap.Logger) *Store {
	return &Store{
		durable: durable,
		cache:   cache,
		metrics: metrics,
		log:     log,
	}
}

// IsProcessed 检查消息是否已被处理。
//
// 先查快查层，未命中或快查层不可用时穿透到持久层；
// 持久层命中时顺手回填快查层。
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	_, found, err := s.cache.ZScore(ctx, processedSetKey, messageID)
	if err != nil {
		s.log.Debug("dedup cache lookup failed, falling through to durable ledger",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	} else if found {
		s.recordLookup("cache")
		return true, nil
	}

	processed, err := s.durable.HasProcessed(ctx, messageID)
	if err != nil {
		return false, err
	}
	if processed {
		s.recordLookup("durable")
		s.backfill(ctx, messageID, time.Now().UTC())
		return true, nil
	}

	s.recordLookup("miss")
	return false, nil
}

// MarkProcessing 认领一条消息的处理权。
//
// 持久层的条件插入是唯一判定点: claimed=true 表示本进程是唯一赢家。
// 认领发生在处理开始之前，处理中途崩溃会留下"已认领未完成"的记录，
// 由管理员通过 Forget 恢复。
func (s *Store) MarkProcessing(ctx context.Context, messageID string) (bool, error) {
	now := time.Now().UTC()
	claimed, err := s.durable.InsertProcessed(ctx, messageID, now)
	if err != nil {
		return false, err
	}

	if claimed {
		s.backfill(ctx, messageID, now)
		s.recordClaim("won")
	} else {
		s.recordClaim("lost")
	}
	return claimed, nil
}

// Forget 删除一条消息的全部去重痕迹，让它可以被重新处理。
//
// 依次清掉: 持久层台账行、快查层集合成员、该消息的处理锁。
// 快查层清理失败只记警告，持久层删除成功即视为成功。
func (s *Store) Forget(ctx context.Context, messageID string) error {
	if err := s.durable.DeleteProcessed(ctx, messageID); err != nil {
		return err
	}

	if _, err := s.cache.ZRem(ctx, processedSetKey, messageID); err != nil {
		s.log.Warn("failed to remove dedup cache entry",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
	if err := s.cache.Del(ctx, messageLockPrefix+messageID); err != nil {
		s.log.Warn("failed to remove message lock",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}

	s.log.Info("dedup record forgotten, message can be reprocessed",
		zap.String("message_id", messageID),
	)
	if s.metrics != nil {
		s.metrics.RecordDedupForget()
	}
	return nil
}

// ProcessedBetween 按时间窗口查询处理台账，用于事故排查。
func (s *Store) ProcessedBetween(ctx context.Context, from, to time.Time) ([]domain.ProcessedMessage, error) {
	return s.durable.ListProcessedBetween(ctx, from, to)
}

// RecentActivity 统计最近 window 内的处理数量，供健康上报使用。
func (s *Store) RecentActivity(ctx context.Context, window time.Duration) (int64, error) {
	return s.durable.CountProcessedSince(ctx, time.Now().UTC().Add(-window))
}

// backfill 把认领记录写入快查层，失败只降级不报错
func (s *Store) backfill(ctx context.Context, messageID string, at time.Time) {
	if err := s.cache.ZAdd(ctx, processedSetKey, float64(at.Unix()), messageID); err != nil {
		s.log.Debug("dedup cache backfill failed",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

func (s *Store) recordLookup(tier string) {
	if s.metrics != nil {
		s.metrics.RecordDedupLookup(tier)
	}
}

func (s *Store) recordClaim(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordDedupClaim(outcome)
	}
}
