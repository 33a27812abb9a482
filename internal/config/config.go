package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，设置后启用滚动切割，留空输出到 stdout
}

// DatabaseConfig 定义主存储连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis（锁与去重快查层）配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// LockConfig 定义分布式锁参数
type LockConfig struct {
	TTL          time.Duration // 锁自动过期时间，默认 30s
	PollInterval time.Duration // 抢锁轮询间隔，默认 100ms
	MaxWait      time.Duration // 抢锁最长等待，超过则降级为无锁执行，默认 10s
}

// QueueConfig 定义出站队列与重试策略
type QueueConfig struct {
	RetryCeiling   int           // 重试次数上限，超过即视为卡住，默认 5
	BackoffBase    time.Duration // 退避基数，默认 1m
	BackoffCap     time.Duration // 退避上限，默认 6h
	SweepInterval  time.Duration // 后台扫描间隔，默认 5m
	StaleThreshold time.Duration // next_retry_at 过期多久算"扫描停摆"，默认 30m
	BatchSize      int           // 每轮扫描处理的最大条数，默认 50
	Workers        int           // 扫描批次并发发送的 worker 数，默认 4
	SendRate       float64       // 发送速率上限（封/秒），默认 1
	SendBurst      int           // 发送突发额度，默认 5
}

// WALConfig 定义写前日志配置
type WALConfig struct {
	Path string // SQLite 文件路径，默认 "./data/wal.db"
}

// SMTPConfig 定义出站邮件投递（SMTP 客户端）配置
type SMTPConfig struct {
	Address  string // SMTP 服务器地址，格式 "host:port"，默认 "localhost:587"
	Username string // SMTP 认证用户名
	Password string // SMTP 认证密码
	From     string // 发件人地址
}

// OAuthConfig 定义共享 OAuth 凭证的加载与刷新配置
type OAuthConfig struct {
	CredentialsPath string        // 凭证文件路径（仅本地开发使用）
	TokenPath       string        // 令牌文件路径（仅本地开发使用）
	RefreshMargin   time.Duration // 距离过期多久触发刷新，默认 5m
}

// AdminConfig 定义管理接口的访问配置
type AdminConfig struct {
	APIKey string // 管理接口密钥，必须至少 16 字符
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Lock     LockConfig
	Queue    QueueConfig
	WAL      WALConfig
	SMTP     SMTPConfig
	OAuth    OAuthConfig
	Admin    AdminConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: COURIER_
// 例如: COURIER_SERVER_HOST, COURIER_ADMIN_API_KEY
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("courier")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("lock.ttl", "30s")
	viper.SetDefault("lock.poll_interval", "100ms")
	viper.SetDefault("lock.max_wait", "10s")
	viper.SetDefault("queue.retry_ceiling", 5)
	viper.SetDefault("queue.backoff_base", "1m")
	viper.SetDefault("queue.backoff_cap", "6h")
	viper.SetDefault("queue.sweep_interval", "5m")
	viper.SetDefault("queue.stale_threshold", "30m")
	viper.SetDefault("queue.batch_size", 50)
	viper.SetDefault("queue.workers", 4)
	viper.SetDefault("queue.send_rate", 1.0)
	viper.SetDefault("queue.send_burst", 5)
	viper.SetDefault("wal.path", "./data/wal.db")
	viper.SetDefault("smtp.address", "localhost:587")
	viper.SetDefault("smtp.username", "")
	viper.SetDefault("smtp.password", "")
	viper.SetDefault("smtp.from", "noreply@courier.local")
	viper.SetDefault("oauth.credentials_path", "")
	viper.SetDefault("oauth.token_path", "")
	viper.SetDefault("oauth.refresh_margin", "5m")
	viper.SetDefault("admin.api_key", "")

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	lockTTL, err := time.ParseDuration(viper.GetString("lock.ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid lock.ttl: %w", err)
	}
	pollInterval, err := time.ParseDuration(viper.GetString("lock.poll_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid lock.poll_interval: %w", err)
	}
	maxWait, err := time.ParseDuration(viper.GetString("lock.max_wait"))
	if err != nil {
		return nil, fmt.Errorf("invalid lock.max_wait: %w", err)
	}

	backoffBase, err := time.ParseDuration(viper.GetString("queue.backoff_base"))
	if err != nil {
		return nil, fmt.Errorf("invalid queue.backoff_base: %w", err)
	}
	backoffCap, err := time.ParseDuration(viper.GetString("queue.backoff_cap"))
	if err != nil {
		return nil, fmt.Errorf("invalid queue.backoff_cap: %w", err)
	}
	if backoffCap < backoffBase {
		return nil, fmt.Errorf("queue.backoff_cap must not be smaller than queue.backoff_base")
	}
	sweepInterval, err := time.ParseDuration(viper.GetString("queue.sweep_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid queue.sweep_interval: %w", err)
	}
	staleThreshold, err := time.ParseDuration(viper.GetString("queue.stale_threshold"))
	if err != nil {
		return nil, fmt.Errorf("invalid queue.stale_threshold: %w", err)
	}

	retryCeiling := viper.GetInt("queue.retry_ceiling")
	if retryCeiling <= 0 {
		retryCeiling = 5
	}
	batchSize := viper.GetInt("queue.batch_size")
	if batchSize <= 0 {
		batchSize = 50
	}
	workers := viper.GetInt("queue.workers")
	if workers <= 0 {
		workers = 4
	}

	refreshMargin, err := time.ParseDuration(viper.GetString("oauth.refresh_margin"))
	if err != nil {
		refreshMargin = 5 * time.Minute
	}

	adminKey := viper.GetString("admin.api_key")

	// 安全检查：管理接口密钥必须设置且足够长
	if adminKey == "" {
		return nil, fmt.Errorf("SECURITY ERROR: admin API key is required. Please set COURIER_ADMIN_API_KEY environment variable")
	}
	if len(adminKey) < 16 {
		return nil, fmt.Errorf("SECURITY ERROR: admin API key must be at least 16 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Lock: LockConfig{
			TTL:          lockTTL,
			PollInterval: pollInterval,
			MaxWait:      maxWait,
		},
		Queue: QueueConfig{
			RetryCeiling:   retryCeiling,
			BackoffBase:    backoffBase,
			BackoffCap:     backoffCap,
			SweepInterval:  sweepInterval,
			StaleThreshold: staleThreshold,
			BatchSize:      batchSize,
			Workers:        workers,
			SendRate:       viper.GetFloat64("queue.send_rate"),
			SendBurst:      viper.GetInt("queue.send_burst"),
		},
		WAL: WALConfig{
			Path: viper.GetString("wal.path"),
		},
		SMTP: SMTPConfig{
			Address:  viper.GetString("smtp.address"),
			Username: viper.GetString("smtp.username"),
			Password: viper.GetString("smtp.password"),
			From:     viper.GetString("smtp.from"),
		},
		OAuth: OAuthConfig{
			CredentialsPath: viper.GetString("oauth.credentials_path"),
			TokenPath:       viper.GetString("oauth.token_path"),
			RefreshMargin:   refreshMargin,
		},
		Admin: AdminConfig{
			APIKey: adminKey,
		},
	}

	return cfg, nil
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	// 尝试当前目录的 .env
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	// 尝试父目录的 .env
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
