package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Dialogue DialogueConfig `yaml:"dialogue"`
	Triggers TriggerConfig  `yaml:"triggers"`
	Logging  LoggingConfig  `yaml:"logging"`
	Paths    PathsConfig    `yaml:"paths"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Addr 返回 http 监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig 外部游戏后端（经营数据与服务端剧本）配置
type BackendConfig struct {
	// BaseURL 为空表示不接后端：只用内置剧本，也不轮询状态。
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// PollInterval 为 0 时关闭状态轮询，只接受宿主主动推送快照。
	PollInterval time.Duration `yaml:"poll_interval"`
	LoadCatalog  bool          `yaml:"load_catalog"`
}

// DialogueConfig 对话呈现节奏
type DialogueConfig struct {
	TypewriterInterval time.Duration `yaml:"typewriter_interval"`
	TransitionDuration time.Duration `yaml:"transition_duration"`
	FadeInDelay        time.Duration `yaml:"fade_in_delay"`
	// CloseGrace 对话框隐藏后到会话置为 Idle 的宽限期（留给淡出动画）。
	CloseGrace time.Duration `yaml:"close_grace"`
	// SlotClearDelay 立绘淡出时长，淡出结束后位置清空。
	SlotClearDelay   time.Duration `yaml:"slot_clear_delay"`
	AutoAdvance      bool          `yaml:"auto_advance"`
	AutoAdvanceDelay time.Duration `yaml:"auto_advance_delay"`
}

// TriggerConfig 自动触发规则的阈值与延迟
type TriggerConfig struct {
	LowMoney          float64       `yaml:"low_money"`
	HighReputation    float64       `yaml:"high_reputation"`
	HighPain          float64       `yaml:"high_pain"`
	BusyCustomers     float64       `yaml:"busy_customers"`
	LonelyCustomers   float64       `yaml:"lonely_customers"`
	LonelyGraceDays   float64       `yaml:"lonely_grace_days"`
	SuccessRevenue    float64       `yaml:"success_revenue"`
	SuccessReputation float64       `yaml:"success_reputation"`
	WelcomeFollowUp   time.Duration `yaml:"welcome_follow_up"`
	ReplayDelay       time.Duration `yaml:"replay_delay"`
	ActionProbability float64       `yaml:"action_probability"`
	ActionDelay       time.Duration `yaml:"action_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type PathsConfig struct {
	// Characters 额外角色定义（yaml），会覆盖内置角色。
	Characters string `yaml:"characters"`
	// Scripts 额外脚本定义（yaml），作为自定义脚本注册。
	Scripts string `yaml:"scripts"`
}

// envOverrides 允许用环境变量覆盖配置文件中的值（部署时常用）。
type envOverrides struct {
	Host         *string        `env:"CHICKMASTER_HOST"`
	Port         *int           `env:"CHICKMASTER_PORT"`
	BackendURL   *string        `env:"CHICKMASTER_BACKEND_URL"`
	PollInterval *time.Duration `env:"CHICKMASTER_POLL_INTERVAL"`
	AutoAdvance  *bool          `env:"CHICKMASTER_AUTO_ADVANCE"`
	LogLevel     *string        `env:"CHICKMASTER_LOG_LEVEL"`
	LogFormat    *string        `env:"CHICKMASTER_LOG_FORMAT"`
}

// Default 返回默认配置，数值与网页原型保持一致。
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		Backend: BackendConfig{
			RequestTimeout: 5 * time.Second,
			PollInterval:   30 * time.Second,
			LoadCatalog:    true,
		},
		Dialogue: DialogueConfig{
			TypewriterInterval: 50 * time.Millisecond,
			TransitionDuration: 500 * time.Millisecond,
			FadeInDelay:        100 * time.Millisecond,
			CloseGrace:         300 * time.Millisecond,
			SlotClearDelay:     500 * time.Millisecond,
			AutoAdvance:        false,
			AutoAdvanceDelay:   3 * time.Second,
		},
		Triggers: TriggerConfig{
			LowMoney:          30000,
			HighReputation:    80,
			HighPain:          80,
			BusyCustomers:     25,
			LonelyCustomers:   5,
			LonelyGraceDays:   3,
			SuccessRevenue:    200000,
			SuccessReputation: 70,
			WelcomeFollowUp:   8 * time.Second,
			ReplayDelay:       1 * time.Second,
			ActionProbability: 0.3,
			ActionDelay:       1 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load 从文件加载配置
// 顺序：默认值 → yaml 文件（可选） → .env（可选） → 环境变量覆盖 → 校验。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fmt.Printf("📋 Loading config from: %s\n", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env 文件可选，不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	fmt.Printf("✅ Config ready: listen=%s backend=%q auto_advance=%v\n",
		cfg.Server.Addr(), cfg.Backend.BaseURL, cfg.Dialogue.AutoAdvance)
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if ov.Host != nil {
		c.Server.Host = *ov.Host
	}
	if ov.Port != nil {
		c.Server.Port = *ov.Port
	}
	if ov.BackendURL != nil {
		c.Backend.BaseURL = *ov.BackendURL
	}
	if ov.PollInterval != nil {
		c.Backend.PollInterval = *ov.PollInterval
	}
	if ov.AutoAdvance != nil {
		c.Dialogue.AutoAdvance = *ov.AutoAdvance
	}
	if ov.LogLevel != nil {
		c.Logging.Level = *ov.LogLevel
	}
	if ov.LogFormat != nil {
		c.Logging.Format = *ov.LogFormat
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Dialogue.TypewriterInterval <= 0 {
		return fmt.Errorf("dialogue typewriter_interval must be positive")
	}
	if c.Dialogue.TransitionDuration < 0 || c.Dialogue.CloseGrace < 0 || c.Dialogue.SlotClearDelay < 0 {
		return fmt.Errorf("dialogue durations must not be negative")
	}
	if c.Dialogue.AutoAdvance && c.Dialogue.AutoAdvanceDelay <= 0 {
		return fmt.Errorf("dialogue auto_advance_delay must be positive when auto_advance is on")
	}
	if c.Triggers.ActionProbability < 0 || c.Triggers.ActionProbability > 1 {
		return fmt.Errorf("triggers action_probability must be within [0,1]")
	}
	if c.Backend.BaseURL != "" && c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend request_timeout must be positive")
	}
	return nil
}
