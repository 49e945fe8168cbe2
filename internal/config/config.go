package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration (pocketmind.yaml).
type Config struct {
	// DataDir is the root for all persistent state (databases, cooldown
	// file, media downloads).
	DataDir string `yaml:"data_dir"`

	// IdentityDir holds SOUL.md / AGENT.md / USER.md / MEMORY.md.
	IdentityDir string `yaml:"identity_dir"`

	// EndpointsFile is the path to llm_endpoints.json.
	EndpointsFile string `yaml:"endpoints_file"`

	Agent     AgentConfig     `yaml:"agent"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AgentConfig tunes the tool loop and context window management.
type AgentConfig struct {
	MaxIterations  int  `yaml:"max_iterations"`
	ContextBudget  int  `yaml:"context_budget_tokens"`
	OutputReserve  int  `yaml:"output_reserve_tokens"`
	MinRecentTurns int  `yaml:"min_recent_turns"`
	EnableCompiler bool `yaml:"enable_compiler"`
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	MaxHistory  int           `yaml:"max_history"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// SchedulerConfig tunes the task dispatcher.
type SchedulerConfig struct {
	Timezone       string        `yaml:"timezone"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	TickInterval   time.Duration `yaml:"tick_interval"`
}

// MemoryConfig tunes the memory subsystem.
type MemoryConfig struct {
	RealtimeExtraction bool `yaml:"realtime_extraction"`
	ContextTokenBudget int  `yaml:"context_token_budget"`
}

// ChannelsConfig holds per-adapter credentials.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	OneBot   OneBotConfig   `yaml:"onebot"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// SlackConfig configures the Slack adapter (socket mode).
type SlackConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotToken    string `yaml:"bot_token"`
	BotTokenEnv string `yaml:"bot_token_env"`
	AppToken    string `yaml:"app_token"`
	AppTokenEnv string `yaml:"app_token_env"`
}

// OneBotConfig configures the OneBot reverse-websocket listener.
type OneBotConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ListenAddr  string `yaml:"listen_addr"`
	AccessToken string `yaml:"access_token"`
}

// Resolve returns the configured token, preferring the env reference.
func resolveToken(literal, env string) string {
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return literal
}

// Token returns the Telegram bot token.
func (c TelegramConfig) ResolvedToken() string { return resolveToken(c.Token, c.TokenEnv) }

// ResolvedToken returns the Discord bot token.
func (c DiscordConfig) ResolvedToken() string { return resolveToken(c.Token, c.TokenEnv) }

// ResolvedBotToken returns the Slack bot token.
func (c SlackConfig) ResolvedBotToken() string { return resolveToken(c.BotToken, c.BotTokenEnv) }

// ResolvedAppToken returns the Slack app-level token.
func (c SlackConfig) ResolvedAppToken() string { return resolveToken(c.AppToken, c.AppTokenEnv) }

// MetricsConfig configures the prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a config with documented defaults applied.
func Default() *Config {
	return &Config{
		DataDir:       "data",
		IdentityDir:   "identity",
		EndpointsFile: "llm_endpoints.json",
		Agent: AgentConfig{
			MaxIterations:  100,
			ContextBudget:  180_000,
			OutputReserve:  8_192,
			MinRecentTurns: 4,
			EnableCompiler: true,
		},
		Session: SessionConfig{
			MaxHistory:  50,
			IdleTimeout: 30 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Timezone:      "Local",
			MaxConcurrent: 4,
			TaskTimeout:   600 * time.Second,
			TickInterval:  time.Second,
		},
		Memory: MemoryConfig{
			RealtimeExtraction: true,
			ContextTokenBudget: 700,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads pocketmind.yaml, expanding environment references in the raw
// bytes before parsing. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.IdentityDir == "" {
		c.IdentityDir = d.IdentityDir
	}
	if c.EndpointsFile == "" {
		c.EndpointsFile = d.EndpointsFile
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = d.Agent.MaxIterations
	}
	if c.Agent.ContextBudget <= 0 {
		c.Agent.ContextBudget = d.Agent.ContextBudget
	}
	if c.Agent.OutputReserve <= 0 {
		c.Agent.OutputReserve = d.Agent.OutputReserve
	}
	if c.Agent.MinRecentTurns <= 0 {
		c.Agent.MinRecentTurns = d.Agent.MinRecentTurns
	}
	if c.Session.MaxHistory <= 0 {
		c.Session.MaxHistory = d.Session.MaxHistory
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = d.Session.IdleTimeout
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = d.Scheduler.MaxConcurrent
	}
	if c.Scheduler.TaskTimeout <= 0 {
		c.Scheduler.TaskTimeout = d.Scheduler.TaskTimeout
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = d.Scheduler.TickInterval
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = d.Scheduler.Timezone
	}
	if c.Memory.ContextTokenBudget <= 0 {
		c.Memory.ContextTokenBudget = d.Memory.ContextTokenBudget
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
}

// CooldownStatePath returns the persisted extended-cooldown file path.
func (c *Config) CooldownStatePath() string {
	return filepath.Join(c.DataDir, ".llm_cooldown_state.json")
}

// MemoryDBPath returns the memory database path.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// SchedulerDBPath returns the scheduler database path.
func (c *Config) SchedulerDBPath() string {
	return filepath.Join(c.DataDir, "scheduler.db")
}

// SessionsPath returns the directory sessions are flushed to.
func (c *Config) SessionsPath() string {
	return filepath.Join(c.DataDir, "sessions")
}

// MediaDir returns the directory inbound media is downloaded to.
func (c *Config) MediaDir() string {
	return filepath.Join(c.DataDir, "media")
}
