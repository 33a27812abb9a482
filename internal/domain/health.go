package domain

import "time"

// SubsystemStatus 子系统健康等级
type SubsystemStatus string

const (
	// StatusHealthy 一切正常
	StatusHealthy SubsystemStatus = "healthy"
	// StatusDegraded 可用但有隐患（例如锁存储不可达、WAL 有积压）
	StatusDegraded SubsystemStatus = "degraded"
	// StatusUnhealthy 主路径不可用
	StatusUnhealthy SubsystemStatus = "unhealthy"
)

// OutboundQueueHealth 出站队列健康快照
type OutboundQueueHealth struct {
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
	Stuck   int64 `json:"stuck"`
}

// WALHealth 写前日志健康快照
type WALHealth struct {
	Backlog int64 `json:"backlog"`
}

// DedupHealth 入站去重健康快照
type DedupHealth struct {
	RecentCount int64 `json:"recent_count"`
	WindowHours int   `json:"window_hours"`
}

// LockHealth 分布式锁健康快照
type LockHealth struct {
	Reachable bool `json:"reachable"`
}

// QueueHealthReport 投递子系统的聚合健康报告
type QueueHealthReport struct {
	Status      SubsystemStatus     `json:"status"`
	Queue       OutboundQueueHealth `json:"queue"`
	WAL         WALHealth           `json:"wal"`
	Dedup       DedupHealth         `json:"dedup"`
	Lock        LockHealth          `json:"lock"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// RetryServiceStatus 后台重试扫描服务的运行状态
type RetryServiceStatus struct {
	Running       bool          `json:"running"`
	Interval      time.Duration `json:"interval"`
	LastSweepAt   *time.Time    `json:"last_sweep_at,omitempty"`
	LastSweepSent int           `json:"last_sweep_sent"`
	LastDrained   int           `json:"last_drained"`
}
