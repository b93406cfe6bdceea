// Package config 加载和校验 Briefly 的 YAML 配置。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 是 Briefly 的顶层配置结构。
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Poll     PollConfig     `yaml:"poll"`
	Digest   DigestConfig   `yaml:"digest"`
	LLM      LLMConfig      `yaml:"llm"`
	Email    EmailConfig    `yaml:"email"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	// Path SQLite 数据库文件路径，为空则使用 ~/.briefly/briefly.db
	Path string `yaml:"path"`
}

// PollConfig 订阅源轮询配置。
type PollConfig struct {
	// IntervalMinutes 轮询周期（分钟）。
	IntervalMinutes int `yaml:"interval_minutes"`
	// Concurrency 单个周期内最大并发抓取数。
	Concurrency int `yaml:"concurrency"`
	// FetchTimeoutSeconds 单次抓取的 HTTP 超时（秒）。
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	// MaxEntriesPerPoll 单次轮询最多处理的条目数（防止首次抓取时无限回填）。
	MaxEntriesPerPoll int `yaml:"max_entries_per_poll"`
	// RatePerSecond 出站抓取的全局速率限制（次/秒），0 表示不限制。
	RatePerSecond float64 `yaml:"rate_per_second"`
	// ExtractFullText 是否尝试抓取文章全文。
	ExtractFullText bool `yaml:"extract_full_text"`
}

// DigestConfig 摘要邮件配置。
type DigestConfig struct {
	// LookbackHours 文章回溯窗口（小时）。
	LookbackHours int `yaml:"lookback_hours"`
	// PerFeedLimit 每个订阅源最多选取的文章数。
	PerFeedLimit int `yaml:"per_feed_limit"`
	// TotalLimit 单封摘要邮件最多包含的文章数。
	TotalLimit int `yaml:"total_limit"`
	// DefaultPrompt 未指定订阅专属 prompt 时使用的默认摘要提示词。
	DefaultPrompt string `yaml:"default_prompt"`
}

// LLMConfig 摘要生成所用大模型配置（OpenAI 兼容接口）。
type LLMConfig struct {
	APIURL         string `yaml:"api_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	MaxTokens      int    `yaml:"max_tokens"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// EmailConfig 邮件发送配置。
type EmailConfig struct {
	// APIURL 邮件服务 HTTP 接口地址（Postmark 兼容）。
	APIURL string `yaml:"api_url"`
	// APIToken 邮件服务鉴权 token。
	APIToken string `yaml:"api_token"`
	// From 发件人地址。
	From string `yaml:"from"`
	// MaxAttempts 单个任务最大发送尝试次数。
	MaxAttempts int `yaml:"max_attempts"`
	// WorkerCount 队列消费 worker 数量。
	WorkerCount int `yaml:"worker_count"`
}

// APIConfig 管理接口配置。
type APIConfig struct {
	// Listen HTTP 监听地址，为空则不启动管理接口。
	Listen string `yaml:"listen"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load 读取 YAML 配置文件并返回 Config。
// 支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	// 展开环境变量，如 ${BRIEFLY_LLM_API_KEY}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	setDefaults(cfg)
	return cfg, nil
}

// Default 返回填充了默认值的配置（不读取文件）。
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Database.Path = filepath.Join(home, ".briefly", "briefly.db")
		} else {
			cfg.Database.Path = "./briefly.db"
		}
	} else if strings.HasPrefix(cfg.Database.Path, "~/") {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Database.Path = filepath.Join(home, cfg.Database.Path[2:])
		}
	}

	if cfg.Poll.IntervalMinutes <= 0 {
		cfg.Poll.IntervalMinutes = 30
	}
	if cfg.Poll.Concurrency <= 0 {
		cfg.Poll.Concurrency = 5
	}
	if cfg.Poll.FetchTimeoutSeconds <= 0 {
		cfg.Poll.FetchTimeoutSeconds = 10
	}
	if cfg.Poll.MaxEntriesPerPoll <= 0 {
		cfg.Poll.MaxEntriesPerPoll = 20
	}

	if cfg.Digest.LookbackHours <= 0 {
		cfg.Digest.LookbackHours = 24
	}
	if cfg.Digest.PerFeedLimit <= 0 {
		cfg.Digest.PerFeedLimit = 10
	}
	if cfg.Digest.TotalLimit <= 0 {
		cfg.Digest.TotalLimit = 20
	}
	if cfg.Digest.DefaultPrompt == "" {
		cfg.Digest.DefaultPrompt = "请为这篇文章生成简明扼要的摘要，" +
			"突出关键观点和重要细节，保持信息量但尽量简短。"
	}

	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 300
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 60
	}

	if cfg.Email.MaxAttempts <= 0 {
		cfg.Email.MaxAttempts = 5
	}
	if cfg.Email.WorkerCount <= 0 {
		cfg.Email.WorkerCount = 1
	}
	if cfg.Email.From == "" {
		cfg.Email.From = "digest@briefly.local"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
