package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"courier/backend/internal/config"
	"courier/backend/internal/dedup"
	"courier/backend/internal/health"
	"courier/backend/internal/lock"
	"courier/backend/internal/logger"
	"courier/backend/internal/monitoring"
	"courier/backend/internal/oauth"
	"courier/backend/internal/pool"
	"courier/backend/internal/queue"
	"courier/backend/internal/smtp"
	"courier/backend/internal/storage"
	"courier/backend/internal/storage/memory"
	redisclient "courier/backend/internal/storage/redis"
	sqlstore "courier/backend/internal/storage/sql"
	httptransport "courier/backend/internal/transport/http"
	"courier/backend/internal/wal"
)

// main 启动投递子系统服务: 管理 HTTP 接口 + 后台重试扫描。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting courier delivery service",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化主存储
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(&cfg.Database)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// Redis: 锁与去重快查层（不可达时按设计降级）
	rdb := redisclient.New(&cfg.Redis, log)
	defer rdb.Close()

	locks := lock.NewManager(rdb, cfg.Lock.PollInterval, log)

	// 写前日志: 主存储不可用时的本地兜底
	w, err := wal.New(cfg.WAL.Path, log)
	if err != nil {
		panic(fmt.Sprintf("failed to open write-ahead log: %v", err))
	}
	defer w.Close()

	// 监控与告警
	metrics := monitoring.NewMetrics()

	dedupStore := dedup.NewStore(store, rdb, metrics, log)

	// 出站投递通道与队列
	transport := smtp.NewSender(&cfg.SMTP, log)
	workers := pool.NewWorkerPool(cfg.Queue.Workers, cfg.Queue.BatchSize, log)
	queueManager := queue.NewManager(store, w, locks, transport, workers, metrics, cfg.Queue, cfg.Lock, log)

	// 凭证刷新: 配置了 OAuth 凭证才启用，否则跳过
	var refresher *oauth.Refresher
	if creds, err := oauth.LoadCredentials(&cfg.OAuth, log); err != nil {
		log.Info("OAuth credentials not configured, token refresher disabled", zap.Error(err))
	} else if token, err := oauth.LoadToken(&cfg.OAuth); err != nil {
		log.Warn("OAuth token unavailable, token refresher disabled", zap.Error(err))
	} else {
		coordinator := oauth.NewCoordinator(locks, cfg.Lock, log)
		refresher = oauth.NewRefresher(creds, token, &cfg.OAuth, coordinator, log)
	}

	reporter := health.NewReporter(store, w, dedupStore, locks, cfg.Queue, log)

	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.StuckQueueRule(store, cfg.Queue.RetryCeiling, cfg.Queue.StaleThreshold))
	alertManager.AddRule(monitoring.WALBacklogRule(w, 0))
	alertManager.AddRule(monitoring.LockStoreRule(locks))
	alertManager.AddRule(monitoring.PrimaryStoreRule(store))
	log.Info("monitoring system initialized")

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:   cfg,
		Queue:    queueManager,
		Dedup:    dedupStore,
		Reporter: reporter,
		Metrics:  metrics,
		Logger:   log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	workers.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 后台重试扫描 goroutine
	group.Go(func() error {
		return queueManager.Run(groupCtx)
	})

	// 令牌刷新 goroutine
	if refresher != nil {
		group.Go(func() error {
			return refresher.Run(groupCtx)
		})
	}

	// 告警监控 goroutine
	group.Go(func() error {
		log.Info("starting alert monitoring")
		alertManager.StartMonitoring(groupCtx, 1*time.Minute)
		return nil
	})

	// 启动时先回放一次 WAL，接住上次宕机留下的积压
	group.Go(func() error {
		if migrated, err := queueManager.RecoverWAL(groupCtx); err != nil {
			log.Warn("startup WAL recovery failed", zap.Error(err))
		} else if migrated > 0 {
			log.Info("startup WAL recovery completed", zap.Int("migrated", migrated))
		}
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
