package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	LogLevel        string `mapstructure:"log_level"`         // silent/error/warn/info
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	// 单节点模式配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 哨兵模式配置
	MasterName       string   `mapstructure:"master_name"`       // 主节点名称
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`    // 哨兵地址列表
	SentinelPassword string   `mapstructure:"sentinel_password"` // 哨兵密码（可选）

	// 集群模式配置
	ClusterAddrs []string `mapstructure:"cluster_addrs"` // 集群节点地址列表

	// 通用配置
	PoolSize     int `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int `mapstructure:"min_idle_conns"` // 最小空闲连接数
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// WorkerConfig 异步任务 Worker 配置
type WorkerConfig struct {
	Concurrency         int    `mapstructure:"concurrency"`           // 并发 worker 数
	OverdueScanInterval string `mapstructure:"overdue_scan_interval"` // 逾期扫描间隔(如"1h")
	EscalationLeadDays  int    `mapstructure:"escalation_lead_days"`  // 截止日期前多少天升级提醒
}

// ComplianceConfig 合规引擎配置
// 缺省值对应 ISO 27001 内部流程约定，可按组织策略覆盖
type ComplianceConfig struct {
	// 各类发现项的整改期限（天）
	MajorNCDeadlineDays     int `mapstructure:"major_nc_deadline_days"`
	MinorNCDeadlineDays     int `mapstructure:"minor_nc_deadline_days"`
	ObservationDeadlineDays int `mapstructure:"observation_deadline_days"`
	OpportunityDeadlineDays int `mapstructure:"opportunity_deadline_days"`

	// 纠正措施完成后到有效性验证的最短等待（天）
	VerificationWaitDays int `mapstructure:"verification_wait_days"`

	// 审计方案批准所需的 Annex A 控制覆盖率（百分比）
	CoverageThreshold float64 `mapstructure:"coverage_threshold"`

	// 复发分析回溯窗口（天）
	RecurrenceWindowDays int `mapstructure:"recurrence_window_days"`
}

// NotifyConfig 通知渠道配置
type NotifyConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig SMTP 邮件配置
type EmailConfig struct {
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	From         string `mapstructure:"from"`
	FromName     string `mapstructure:"from_name"`
	TemplatePath string `mapstructure:"template_path"`
}

// WebhookConfig Webhook 通知配置
type WebhookConfig struct {
	DefaultURL string            `mapstructure:"default_url"`
	TimeoutSec int               `mapstructure:"timeout_sec"`
	Headers    map[string]string `mapstructure:"headers"`
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.Compliance.applyDefaults()

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func (c *ComplianceConfig) applyDefaults() {
	if c.MajorNCDeadlineDays <= 0 {
		c.MajorNCDeadlineDays = 30
	}
	if c.MinorNCDeadlineDays <= 0 {
		c.MinorNCDeadlineDays = 60
	}
	if c.ObservationDeadlineDays <= 0 {
		c.ObservationDeadlineDays = 90
	}
	if c.OpportunityDeadlineDays <= 0 {
		c.OpportunityDeadlineDays = 120
	}
	if c.VerificationWaitDays <= 0 {
		c.VerificationWaitDays = 90
	}
	if c.CoverageThreshold <= 0 {
		c.CoverageThreshold = 80
	}
	if c.RecurrenceWindowDays <= 0 {
		c.RecurrenceWindowDays = 730
	}
}
