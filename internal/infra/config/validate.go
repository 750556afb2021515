package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg and returns a *ValidationError listing every problem.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMetrics(cfg, ve)
	validateShell(cfg, ve)
	validateDisplay(cfg, ve)
	validateDiag(cfg, ve)
	validateAudit(cfg, ve)
	validateChannels(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var (
	validLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats   = map[string]bool{"text": true, "json": true}
	validExporters = map[string]bool{"": true, "noop": true, "stdout": true, "file": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is not one of noop, stdout, file", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.Exporter == "file" && cfg.Tracer.File == "" {
		ve.Add("tracer.file is required for the file exporter")
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if !cfg.Metrics.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q: %v", cfg.Metrics.Addr, err)
	}
}

func validateShell(cfg *Config, ve *ValidationError) {
	if cfg.Shell.GracePeriod <= 0 {
		ve.Add("shell.grace_period must be > 0")
	}
	if cfg.Shell.MaxBufferedLines <= 0 {
		ve.Add("shell.max_buffered_lines must be > 0")
	}
	for _, kv := range cfg.Shell.Env {
		if !strings.Contains(kv, "=") {
			ve.Add("shell.env entry %q must be KEY=VALUE", kv)
		}
	}
}

func validateDisplay(cfg *Config, ve *ValidationError) {
	d := cfg.Display
	if d.PageSize < 100 {
		ve.Add("display.page_size must be >= 100")
	}
	if d.MinInterval < 0 {
		ve.Add("display.min_interval must be >= 0")
	}
	if d.IdleTimeout < time.Second {
		ve.Add("display.idle_timeout must be >= 1s")
	}
	if d.CallTimeout <= 0 {
		ve.Add("display.call_timeout must be > 0")
	}
	if d.CircuitBreaker.Enabled {
		if d.CircuitBreaker.MaxFailures == 0 {
			ve.Add("display.circuit_breaker.max_failures must be > 0")
		}
		if d.CircuitBreaker.Timeout <= 0 {
			ve.Add("display.circuit_breaker.timeout must be > 0")
		}
	}
}

func validateDiag(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Diag.Command) == "" {
		ve.Add("diag.command must not be empty")
	}
	if strings.ContainsAny(cfg.Diag.Command, " \t\n") {
		ve.Add("diag.command %q must be a single word", cfg.Diag.Command)
	}
	if cfg.Diag.RatePerMin < 0 || cfg.Diag.RateBurst < 0 {
		ve.Add("diag.rate_per_min and diag.rate_burst must not be negative")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must not be negative")
	}
	if cfg.Audit.MaxSize != "" {
		if _, err := humanize.ParseBytes(cfg.Audit.MaxSize); err != nil {
			ve.Add("audit.max_size %q: %v", cfg.Audit.MaxSize, err)
		}
	}
}

func validateChannels(cfg *Config, ve *ValidationError) {
	if len(cfg.Channels) == 0 {
		ve.Add("at least one channel must be configured")
	}
	seen := map[string]bool{}
	for i, ch := range cfg.Channels {
		if seen[ch.Type] {
			ve.Add("channels[%d]: duplicate channel type %q", i, ch.Type)
		}
		seen[ch.Type] = true

		switch ch.Type {
		case "console":
		case "discord":
			if ch.Discord == nil || ch.Discord.Token == "" {
				ve.Add("channels[%d]: discord.token is required", i)
			}
		case "slack":
			if ch.Slack == nil || ch.Slack.BotToken == "" || ch.Slack.AppToken == "" {
				ve.Add("channels[%d]: slack.bot_token and slack.app_token are required", i)
			} else if !strings.HasPrefix(ch.Slack.AppToken, "xapp-") {
				ve.Add("channels[%d]: slack.app_token must be an app-level token (xapp-)", i)
			}
		default:
			ve.Add("channels[%d]: unknown type %q", i, ch.Type)
		}
	}
}
