package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 pulseanchord 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
	Envelope   EnvelopeConfig   `json:"envelope"`
	Identities []IdentityConfig `json:"identities"`
	Integrity  IntegrityConfig  `json:"integrity"`
	Rollup     RollupConfig     `json:"rollup"`
	Broadcast  BroadcastConfig  `json:"broadcast"`
	Trail      TrailConfig      `json:"trail"`
	State      StateConfig      `json:"state"`
	Index      IndexConfig      `json:"artifact_index"`
	Networks   string           `json:"networks"`
}

// ServerConfig 控制状态快照接口的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制进程日志与审计通道。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// EnvelopeConfig 描述包络调度器的节奏参数。
type EnvelopeConfig struct {
	StepsPerCycle        int     `json:"steps_per_cycle"`
	CycleDurationSeconds float64 `json:"cycle_duration_seconds"`
	AnchorTag            string  `json:"anchor_tag"`
	RunMode              string  `json:"run_mode"`
}

// IdentityConfig 描述一个可签名身份。私钥通过环境变量引用，绝不落盘。
type IdentityConfig struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	SecretEnv string `json:"secret_env"`
	Network   string `json:"network"`
	TypedData bool   `json:"typed_data"`
}

// IntegrityConfig 描述可选的完整性密钥来源。
type IntegrityConfig struct {
	KeyEnv string `json:"key_env"`
}

// RollupConfig 控制 Merkle 批次的容量。
type RollupConfig struct {
	BatchCapacity int `json:"batch_capacity"`
}

// BroadcastConfig 控制可选的链上提交闸门。
type BroadcastConfig struct {
	Enabled           bool   `json:"enabled"`
	Divisor           uint64 `json:"cadence_divisor"`
	Network           string `json:"network"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	FallbackGasPrice  int64  `json:"fallback_gas_price_wei"`
	FallbackGasLimit  uint64 `json:"fallback_gas_limit"`
	AnchorContractHex string `json:"anchor_contract"`
}

// TrailConfig 控制事件轨迹及其可选的消息队列镜像。
type TrailConfig struct {
	Path string          `json:"path"`
	AMQP TrailAMQPConfig `json:"amqp"`
}

// TrailAMQPConfig 描述 RabbitMQ 镜像的连接参数。
type TrailAMQPConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Queue   string `json:"queue"`
}

// StateConfig 选择恢复状态的存储驱动。
type StateConfig struct {
	Driver string           `json:"driver"`
	Path   string           `json:"path"`
	Redis  StateRedisConfig `json:"redis"`
}

// StateRedisConfig 描述 Redis 状态存储的连接参数。
type StateRedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// IndexConfig 选择工件索引的存储驱动。
type IndexConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:8090"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Envelope.StepsPerCycle <= 0 {
		c.Envelope.StepsPerCycle = 12
	}
	if c.Envelope.CycleDurationSeconds <= 0 {
		c.Envelope.CycleDurationSeconds = 120
	}
	if c.Envelope.AnchorTag == "" {
		c.Envelope.AnchorTag = "pulse-anchor"
	}
	if c.Envelope.RunMode == "" {
		c.Envelope.RunMode = "continuous"
	}

	if c.Rollup.BatchCapacity <= 0 {
		c.Rollup.BatchCapacity = 32
	}

	if c.Broadcast.Divisor == 0 {
		c.Broadcast.Divisor = 1
	}
	if c.Broadcast.TimeoutSeconds <= 0 {
		c.Broadcast.TimeoutSeconds = 30
	}
	if c.Broadcast.FallbackGasLimit == 0 {
		c.Broadcast.FallbackGasLimit = 90000
	}

	if c.Trail.Path == "" {
		c.Trail.Path = filepath.Join(c.Runtime.DataDir, "trail.jsonl")
	} else if !filepath.IsAbs(c.Trail.Path) {
		c.Trail.Path = filepath.Join(baseDir, c.Trail.Path)
	}
	if c.Trail.AMQP.Queue == "" {
		c.Trail.AMQP.Queue = "pulseanchor.trail"
	}

	if c.State.Driver == "" {
		c.State.Driver = "file"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.Runtime.DataDir, "state.json")
	} else if !filepath.IsAbs(c.State.Path) {
		c.State.Path = filepath.Join(baseDir, c.State.Path)
	}
	if c.State.Redis.Key == "" {
		c.State.Redis.Key = "pulseanchor:state"
	}

	if c.Index.Driver == "" {
		c.Index.Driver = "memory"
	}

	if c.Networks != "" && !filepath.IsAbs(c.Networks) {
		c.Networks = filepath.Join(baseDir, c.Networks)
	}

	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}
}

// validate 拦截明显无法运行的配置组合。单个身份的配置问题不在这里拦截，
// 由编排器在运行时按身份隔离处理。
func (c *Config) validate() error {
	switch c.Envelope.RunMode {
	case "once", "continuous":
	default:
		return fmt.Errorf("未知的运行模式: %s", c.Envelope.RunMode)
	}
	switch c.State.Driver {
	case "file", "redis":
	default:
		return fmt.Errorf("未知的状态存储驱动: %s", c.State.Driver)
	}
	switch c.Index.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的工件索引驱动: %s", c.Index.Driver)
	}
	if c.Broadcast.Enabled && c.Broadcast.Network == "" {
		return errors.New("开启广播时必须指定目标网络")
	}
	return nil
}

// CycleDuration 返回一个完整周期的时长。
func (c *Config) CycleDuration() time.Duration {
	return time.Duration(c.Envelope.CycleDurationSeconds * float64(time.Second))
}

// BroadcastTimeout 返回单次广播的超时时长。
func (c *Config) BroadcastTimeout() time.Duration {
	return time.Duration(c.Broadcast.TimeoutSeconds) * time.Second
}
