// Package config loads the bot configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the main configuration structure for MARI4.
type Config struct {
	// Version is the configuration format version. 0 means current.
	Version int `yaml:"version"`

	Discord     DiscordConfig     `yaml:"discord"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Context     ContextConfig     `yaml:"context"`
	Session     SessionConfig     `yaml:"session"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Prompt      PromptConfig      `yaml:"prompt"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// DiscordConfig configures the gateway connection and respond policy.
type DiscordConfig struct {
	Token string `yaml:"token" jsonschema:"required"`

	// BotName is matched in greedy mode. Defaults to the bot's username.
	BotName string `yaml:"bot_name"`

	// DefaultMode is off, strict or greedy.
	DefaultMode string `yaml:"default_mode" jsonschema:"enum=off,enum=strict,enum=greedy"`

	// GuildModes overrides DefaultMode per guild ID. Quote the IDs in YAML.
	GuildModes map[string]string `yaml:"guild_modes"`

	// CommandGuilds registers slash commands per guild instead of globally.
	CommandGuilds []string `yaml:"command_guilds"`

	EditWindow        time.Duration `yaml:"edit_window"`
	BusyWindow        time.Duration `yaml:"busy_window"`
	BusyMessages      int           `yaml:"busy_messages"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`

	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// OpenAIConfig configures the completion and transcription client.
type OpenAIConfig struct {
	APIKey              string        `yaml:"api_key" jsonschema:"required"`
	BaseURL             string        `yaml:"base_url"`
	Model               string        `yaml:"model"`
	TranscriptionModel  string        `yaml:"transcription_model"`
	MaxCompletionTokens int           `yaml:"max_completion_tokens"`
	ReasoningEffort     string        `yaml:"reasoning_effort" jsonschema:"enum=minimal,enum=low,enum=medium,enum=high"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
}

// ContextConfig bounds each channel's conversation.
type ContextConfig struct {
	// Window is the token budget of a channel.
	Window int `yaml:"window"`

	// MaxAge drops older messages on trim. 0 keeps them until the window
	// is full.
	MaxAge time.Duration `yaml:"max_age"`
}

// SessionConfig bounds each completion cycle.
type SessionConfig struct {
	MaxDepth          int           `yaml:"max_depth"`
	MaxToolCalls      int           `yaml:"max_tool_calls"`
	MaxScheduledTasks int           `yaml:"max_scheduled_tasks"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
}

// SchedulerConfig configures the task store, the scheduler and the
// scheduling tools.
type SchedulerConfig struct {
	Enabled *bool `yaml:"enabled"`

	// Database is the SQLite file holding tasks.
	Database string `yaml:"database"`

	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `yaml:"driver" jsonschema:"enum=sqlite,enum=sqlite3"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	PurgeSchedule     string        `yaml:"purge_schedule"`
	PurgeAfterDays    int           `yaml:"purge_after_days"`
	MaxPendingPerUser int           `yaml:"max_pending_per_user"`
	MinDelay          time.Duration `yaml:"min_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// IsEnabled reports whether scheduled tasks are on. Default: true.
func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// AttachmentsConfig bounds attachment downloads.
type AttachmentsConfig struct {
	MaxTextFileBytes int64         `yaml:"max_text_file_bytes"`
	MaxTextChars     int           `yaml:"max_text_chars"`
	MaxAudioBytes    int64         `yaml:"max_audio_bytes"`
	CacheSize        int           `yaml:"cache_size"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
}

// PromptConfig configures the developer prompt.
type PromptConfig struct {
	// Template overrides the built-in prompt text.
	Template string `yaml:"template"`

	// TemplateFile reads the prompt text from a file, relative to the
	// config file. Ignored when Template is set.
	TemplateFile string `yaml:"template_file"`

	// Timezone is the IANA zone shown in the prompt and task listings.
	Timezone string `yaml:"timezone"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format    string `yaml:"format" jsonschema:"enum=json,enum=text"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Load reads, merges and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.loadPromptFile(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadPromptFile(baseDir string) error {
	if c.Prompt.Template != "" || c.Prompt.TemplateFile == "" {
		return nil
	}
	file := c.Prompt.TemplateFile
	if !filepath.IsAbs(file) {
		file = filepath.Join(baseDir, file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("prompt.template_file: %w", err)
	}
	c.Prompt.Template = strings.TrimRight(string(data), " \t\r\n")
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Discord.DefaultMode == "" {
		cfg.Discord.DefaultMode = "strict"
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-5-mini"
	}
	if cfg.OpenAI.TranscriptionModel == "" {
		cfg.OpenAI.TranscriptionModel = "gpt-4o-transcribe"
	}
	if cfg.OpenAI.MaxCompletionTokens == 0 {
		cfg.OpenAI.MaxCompletionTokens = 1000
	}
	if cfg.Context.Window == 0 {
		cfg.Context.Window = 24576
	}
	if cfg.Scheduler.Database == "" {
		cfg.Scheduler.Database = "data/tasks.db"
	}
	if cfg.Scheduler.Driver == "" {
		cfg.Scheduler.Driver = "sqlite"
	}
	if cfg.Prompt.Timezone == "" {
		cfg.Prompt.Timezone = "UTC"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "mari4"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Discord.Token) == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if !validMode(c.Discord.DefaultMode) {
		errs = append(errs, fmt.Errorf("discord.default_mode %q must be off, strict or greedy", c.Discord.DefaultMode))
	}
	for guild, mode := range c.Discord.GuildModes {
		if !validMode(mode) {
			errs = append(errs, fmt.Errorf("discord.guild_modes[%s] %q must be off, strict or greedy", guild, mode))
		}
	}
	if strings.TrimSpace(c.OpenAI.APIKey) == "" {
		errs = append(errs, errors.New("openai.api_key is required"))
	}
	if c.Context.Window < 0 {
		errs = append(errs, errors.New("context.window must not be negative"))
	}
	switch c.Scheduler.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("scheduler.driver %q must be sqlite or sqlite3", c.Scheduler.Driver))
	}
	if c.Scheduler.MinDelay > 0 && c.Scheduler.MaxDelay > 0 && c.Scheduler.MinDelay > c.Scheduler.MaxDelay {
		errs = append(errs, errors.New("scheduler.min_delay exceeds scheduler.max_delay"))
	}
	if _, err := time.LoadLocation(c.Prompt.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("prompt.timezone: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("tracing.sampling_rate must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// Location returns the configured timezone, UTC when invalid.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Prompt.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func validMode(mode string) bool {
	switch mode {
	case "off", "strict", "greedy":
		return true
	}
	return false
}
