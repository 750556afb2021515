package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"robo/internal/domain"
)

// KeyEnv names the environment variable holding the passphrase for enc: secrets.
const KeyEnv = "ROBO_CONFIG_KEY"

// Config is the root of robo's configuration file.
type Config struct {
	Logger   LoggerConfig    `yaml:"logger"`
	Tracer   TracerConfig    `yaml:"tracer"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Shell    ShellConfig     `yaml:"shell"`
	Display  DisplayConfig   `yaml:"display"`
	Diag     DiagConfig      `yaml:"diag"`
	Audit    AuditConfig     `yaml:"audit"`
	Channels []ChannelConfig `yaml:"channels"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // noop, stdout, file
	File        string  `yaml:"file,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ShellConfig controls how processes are spawned.
type ShellConfig struct {
	Shell            string        `yaml:"shell,omitempty"`
	WorkDir          string        `yaml:"work_dir,omitempty"`
	Env              []string      `yaml:"env,omitempty"`
	StripANSI        bool          `yaml:"strip_ansi"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	MaxBufferedLines int           `yaml:"max_buffered_lines"`
}

// DisplayConfig controls live display sessions.
type DisplayConfig struct {
	PageSize       int                  `yaml:"page_size"`
	Wrap           bool                 `yaml:"wrap"`
	MinInterval    time.Duration        `yaml:"min_interval"`
	IdleTimeout    time.Duration        `yaml:"idle_timeout"`
	CallTimeout    time.Duration        `yaml:"call_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig guards calls to a chat platform.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// DiagConfig controls the command dispatcher.
type DiagConfig struct {
	Prefix  string   `yaml:"prefix"`
	Command string   `yaml:"command"`
	Owners  []string `yaml:"owners,omitempty"`
	Hidden  bool     `yaml:"hidden"`
	Tools   []string `yaml:"tools,omitempty"` // shortcut commands to offer; empty means all that resolve

	RatePerMin int `yaml:"rate_per_min"` // invocations per principal per minute; 0 disables
	RateBurst  int `yaml:"rate_burst"`
}

// AuditConfig controls the JSONL event log.
type AuditConfig struct {
	Path    string        `yaml:"path,omitempty"` // empty disables
	MaxAge  time.Duration `yaml:"max_age,omitempty"`
	MaxSize string        `yaml:"max_size,omitempty"` // e.g. "50MB"
}

// ChannelConfig holds settings for a single chat channel.
type ChannelConfig struct {
	Type       string   `yaml:"type"` // console, discord, slack
	ChannelIDs []string `yaml:"channel_ids,omitempty"`

	Discord *DiscordChannelConfig `yaml:"discord,omitempty"`
	Slack   *SlackChannelConfig   `yaml:"slack,omitempty"`
	Console *ConsoleChannelConfig `yaml:"console,omitempty"`
}

// DiscordChannelConfig holds Discord channel settings.
type DiscordChannelConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id,omitempty"`
}

// SlackChannelConfig holds Slack socket mode settings.
type SlackChannelConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// ConsoleChannelConfig holds terminal channel settings.
type ConsoleChannelConfig struct {
	Principal string `yaml:"principal,omitempty"`
	NoColor   bool   `yaml:"no_color,omitempty"`
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Shell: ShellConfig{
			StripANSI:        true,
			GracePeriod:      3 * time.Second,
			MaxBufferedLines: 100_000,
		},
		Display: DisplayConfig{
			PageSize:    1975,
			Wrap:        true,
			MinInterval: time.Second,
			IdleTimeout: 2 * time.Hour,
			CallTimeout: 15 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Diag: DiagConfig{
			Prefix:     "!",
			Command:    "robo",
			RatePerMin: 30,
			RateBurst:  5,
		},
		Channels: []ChannelConfig{{Type: "console"}},
	}
}

// Load reads a YAML config file over the defaults, applies ROBO_* overrides,
// decrypts enc: secrets and validates the result. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, domain.NewSubSystemError("config", op, domain.ErrConfigLoad, err.Error())
	default:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, domain.NewSubSystemError("config", op, domain.ErrConfigLoad, err.Error())
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, domain.NewSubSystemError("config", op, domain.ErrConfigLoad, err.Error())
		}
		// A channels list in the file replaces the default console channel.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewSubSystemError("config", op, domain.ErrConfigLoad, "parse: "+err.Error())
		}
	}

	ApplyEnvOverrides(cfg)

	if err := decryptSecrets(cfg, os.Getenv(KeyEnv)); err != nil {
		return nil, domain.NewSubSystemError("config", op, domain.ErrDecryption, err.Error())
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ROBO_* environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, err := strconv.ParseBool(os.Getenv(name)); err == nil {
			*dst = v
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, err := time.ParseDuration(os.Getenv(name)); err == nil {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, err := strconv.Atoi(os.Getenv(name)); err == nil {
			*dst = v
		}
	}

	str("ROBO_LOGGER_LEVEL", &cfg.Logger.Level)
	str("ROBO_LOGGER_FORMAT", &cfg.Logger.Format)
	str("ROBO_LOGGER_OUTPUT", &cfg.Logger.Output)
	boolean("ROBO_TRACER_ENABLED", &cfg.Tracer.Enabled)
	str("ROBO_TRACER_EXPORTER", &cfg.Tracer.Exporter)
	str("ROBO_TRACER_FILE", &cfg.Tracer.File)
	boolean("ROBO_METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("ROBO_METRICS_ADDR", &cfg.Metrics.Addr)
	str("ROBO_SHELL", &cfg.Shell.Shell)
	str("ROBO_SHELL_WORK_DIR", &cfg.Shell.WorkDir)
	duration("ROBO_SHELL_GRACE_PERIOD", &cfg.Shell.GracePeriod)
	integer("ROBO_DISPLAY_PAGE_SIZE", &cfg.Display.PageSize)
	duration("ROBO_DISPLAY_MIN_INTERVAL", &cfg.Display.MinInterval)
	duration("ROBO_DISPLAY_IDLE_TIMEOUT", &cfg.Display.IdleTimeout)
	str("ROBO_DIAG_PREFIX", &cfg.Diag.Prefix)
	integer("ROBO_DIAG_RATE_PER_MIN", &cfg.Diag.RatePerMin)
	str("ROBO_AUDIT_PATH", &cfg.Audit.Path)
	if v := os.Getenv("ROBO_DIAG_OWNERS"); v != "" {
		cfg.Diag.Owners = splitAndTrim(v, ",")
	}

	// Platform tokens fill in configured channels that left them empty.
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		switch ch.Type {
		case "discord":
			if v := os.Getenv("ROBO_DISCORD_TOKEN"); v != "" {
				if ch.Discord == nil {
					ch.Discord = &DiscordChannelConfig{}
				}
				if ch.Discord.Token == "" {
					ch.Discord.Token = v
				}
			}
		case "slack":
			bot, app := os.Getenv("ROBO_SLACK_BOT_TOKEN"), os.Getenv("ROBO_SLACK_APP_TOKEN")
			if bot != "" || app != "" {
				if ch.Slack == nil {
					ch.Slack = &SlackChannelConfig{}
				}
				if ch.Slack.BotToken == "" {
					ch.Slack.BotToken = bot
				}
				if ch.Slack.AppToken == "" {
					ch.Slack.AppToken = app
				}
			}
		}
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
