package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"courier/backend/internal/config"
	"courier/backend/internal/dedup"
	"courier/backend/internal/domain"
	"courier/backend/internal/lock"
	"courier/backend/internal/storage"
	"courier/backend/internal/wal"
)

// dedupActivityWindow 健康报告统计去重活动量的时间窗口
const dedupActivityWindow = 24 * time.Hour

// Reporter 投递子系统的健康上报器。
//
// 同时承担两件事: Kubernetes 风格的 liveness/readiness 探针
// 和管理接口用的聚合健康报告。
type Reporter struct {
	health healthcheck.Handler
	store  storage.Store
	wal    *wal.WAL
	dedup  *dedup.Store
	locks  *lock.Manager
	cfg    config.QueueConfig
	logger *zap.Logger
}

// NewReporter 创建健康上报器
func NewReporter(
	store storage.Store,
	w *wal.WAL,
	d *dedup.Store,
	locks *lock.Manager,
	cfg config.QueueConfig,
	logger *zap.Logger,
) *Reporter {
	r := &Reporter{
		health: healthcheck.NewHandler(),
		store:  store,
		wal:    w,
		dedup:  d,
		locks:  locks,
		cfg:    cfg,
		logger: logger,
	}

	r.addChecks()
	return r
}

// addChecks 注册探针检查
func (r *Reporter) addChecks() {
	// 主存储不可用时实例不可服务
	r.health.AddReadinessCheck("primary-store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.store.Ping(ctx)
	})

	// WAL 打不开才算死，积压只降级不致命
	r.health.AddLivenessCheck("wal", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := r.wal.Backlog(ctx)
		return err
	})
}

// LiveEndpoint liveness 探针
func (r *Reporter) LiveEndpoint(w http.ResponseWriter, req *http.Request) {
	r.health.LiveEndpoint(w, req)
}

// ReadyEndpoint readiness 探针
func (r *Reporter) ReadyEndpoint(w http.ResponseWriter, req *http.Request) {
	r.health.ReadyEndpoint(w, req)
}

// Report 生成聚合健康报告。
//
// 等级判定:
//   - unhealthy: 主存储不可达
//   - degraded:  锁存储不可达，或 WAL 有积压，或存在卡住的邮件
//   - healthy:   其余情况
func (r *Reporter) Report(ctx context.Context) (*domain.QueueHealthReport, error) {
	report := &domain.QueueHealthReport{
		Status:      domain.StatusHealthy,
		GeneratedAt: time.Now().UTC(),
	}

	primaryUp := r.store.Ping(ctx) == nil

	if primaryUp {
		if pending, err := r.store.CountByStatus(ctx, domain.OutboundStatusPending); err == nil {
			report.Queue.Pending = pending
		}
		if failed, err := r.store.CountByStatus(ctx, domain.OutboundStatusFailed); err == nil {
			report.Queue.Failed = failed
		}
		staleBefore := time.Now().UTC().Add(-r.cfg.StaleThreshold)
		if stuck, err := r.store.CountStuck(ctx, r.cfg.RetryCeiling, staleBefore); err == nil {
			report.Queue.Stuck = stuck
		}
		if recent, err := r.dedup.RecentActivity(ctx, dedupActivityWindow); err == nil {
			report.Dedup.RecentCount = recent
		}
	}
	report.Dedup.WindowHours = int(dedupActivityWindow / time.Hour)

	if backlog, err := r.wal.Backlog(ctx); err == nil {
		report.WAL.Backlog = backlog
	} else {
		r.logger.Warn("failed to read WAL backlog for health report", zap.Error(err))
	}

	report.Lock.Reachable = r.locks.Reachable(ctx)

	switch {
	case !primaryUp:
		report.Status = domain.StatusUnhealthy
	case !report.Lock.Reachable || report.WAL.Backlog > 0 || report.Queue.Stuck > 0:
		report.Status = domain.StatusDegraded
	}

	return report, nil
}
