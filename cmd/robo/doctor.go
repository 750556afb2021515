package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"robo/internal/infra/config"
	"robo/internal/usecase/scaffold"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// runDoctor executes all health checks and reports results to w.
func runDoctor(w io.Writer, cfgPath string) error {
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Channels", Fn: checkChannelConfig},
		{Name: "Shell", Fn: checkShell},
		{Name: "Working directory", Fn: checkWorkDir},
		{Name: "Tool shortcuts", Fn: checkTools},
		{Name: "Metrics endpoint", Fn: checkMetricsAddr},
	}

	fmt.Fprintln(w, "robo doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file was found and loaded.
// A missing file is only a warning: robo runs on defaults.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check " + cfgPath + " syntax, permissions and " + config.KeyEnv + " for enc: secrets",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkChannelConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if len(cfg.Channels) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no channels configured",
			Fix:     "Add at least one entry under channels (console, discord or slack)",
		}
	}

	types := make([]string, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		types[i] = ch.Type
		var err error
		switch ch.Type {
		case "discord":
			_, err = buildDiscordChannel(ch, nil)
		case "slack":
			_, err = buildSlackChannel(ch, nil)
		}
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s: %v", ch.Type, err),
				Fix:     "Set the platform tokens or rebuild with the matching build tag",
			}
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d channel(s): %s", len(cfg.Channels), strings.Join(types, ", ")),
	}
}

func checkShell(cfg *config.Config) CheckResult {
	shell := defaultShell()
	if cfg != nil && cfg.Shell.Shell != "" {
		shell = cfg.Shell.Shell
	}
	path, err := lookPath(shell)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("shell %q not found", shell),
			Fix:     "Install it or set shell.shell to an available shell",
		}
	}
	return CheckResult{Status: StatusPass, Message: path}
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "/bin/sh"
}

func checkWorkDir(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Shell.WorkDir == "" {
		return CheckResult{Status: StatusPass, Message: "inherits robo's working directory"}
	}
	info, err := os.Stat(cfg.Shell.WorkDir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not a directory", cfg.Shell.WorkDir),
			Fix:     "Create it or change shell.work_dir",
		}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Shell.WorkDir}
}

// toolExecutables lists what each shortcut command needs on PATH.
var toolExecutables = map[string][]string{
	"git":     {"git"},
	"node":    {"node", "npm"},
	"pyright": {"pyright"},
	"rustc":   {"rustc", "cargo"},
}

func checkTools(cfg *config.Config) CheckResult {
	names := make([]string, 0, len(toolExecutables))
	for _, n := range scaffold.Names() {
		names = append(names, scaffoldTool(n))
	}
	names = append(names, "git")
	if cfg != nil && len(cfg.Diag.Tools) > 0 {
		names = cfg.Diag.Tools
	}

	var found, missing []string
	for _, name := range names {
		ok := true
		for _, exe := range toolExecutables[name] {
			if _, err := lookPath(exe); err != nil {
				missing = append(missing, fmt.Sprintf("%s (needs %s)", name, exe))
				ok = false
				break
			}
		}
		if ok {
			found = append(found, name)
		}
	}

	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("unavailable: %s", strings.Join(missing, "; ")),
			Fix:     "Install the missing tools; their shortcuts stay hidden until then",
		}
	}
	return CheckResult{Status: StatusPass, Message: "available: " + strings.Join(found, ", ")}
}

// scaffoldTool maps a scaffold template to the shortcut that uses it.
func scaffoldTool(template string) string {
	switch template {
	case "npm":
		return "node"
	case "cargo":
		return "rustc"
	}
	return template
}

func checkMetricsAddr(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Metrics.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Metrics.Addr, err),
			Fix:     "Free the port or change metrics.addr",
		}
	}
	_ = ln.Close()
	return CheckResult{Status: StatusPass, Message: "listening possible on " + cfg.Metrics.Addr}
}
