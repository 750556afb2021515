package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"robo/internal/infra/config"
)

func stubLookPath(t *testing.T, found ...string) {
	t.Helper()
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(name string) (string, error) {
		for _, f := range found {
			if f == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestCheckConfigFile(t *testing.T) {
	missing := checkConfigFile("/nonexistent/config.yaml", nil)(nil)
	if missing.Status != StatusWarn {
		t.Errorf("missing file: %s, want WARN", missing.Status)
	}

	broken := checkConfigFile("config.yaml", &config.ValidationError{Errors: []string{"bad"}})(nil)
	if broken.Status != StatusFail || broken.Fix == "" {
		t.Errorf("load error: %+v", broken)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok := checkConfigFile(path, nil)(nil); ok.Status != StatusPass {
		t.Errorf("valid file: %+v", ok)
	}
}

func TestCheckChannelConfig(t *testing.T) {
	if r := checkChannelConfig(nil); r.Status != StatusFail {
		t.Errorf("nil config: %s", r.Status)
	}
	if r := checkChannelConfig(&config.Config{}); r.Status != StatusFail {
		t.Errorf("no channels: %s", r.Status)
	}
	r := checkChannelConfig(&config.Config{Channels: []config.ChannelConfig{{Type: "console"}}})
	if r.Status != StatusPass || !strings.Contains(r.Message, "console") {
		t.Errorf("console: %+v", r)
	}
	// Without tokens a discord channel fails whether or not the tag is set.
	r = checkChannelConfig(&config.Config{Channels: []config.ChannelConfig{{Type: "discord"}}})
	if r.Status != StatusFail {
		t.Errorf("discord without token: %+v", r)
	}
}

func TestCheckShell(t *testing.T) {
	stubLookPath(t, "bash")
	cfg := config.Defaults()
	cfg.Shell.Shell = "bash"
	if r := checkShell(cfg); r.Status != StatusPass {
		t.Errorf("bash: %+v", r)
	}
	cfg.Shell.Shell = "fish"
	if r := checkShell(cfg); r.Status != StatusFail {
		t.Errorf("fish: %+v", r)
	}
}

func TestCheckWorkDir(t *testing.T) {
	cfg := config.Defaults()
	if r := checkWorkDir(cfg); r.Status != StatusPass {
		t.Errorf("unset: %+v", r)
	}
	cfg.Shell.WorkDir = t.TempDir()
	if r := checkWorkDir(cfg); r.Status != StatusPass {
		t.Errorf("existing: %+v", r)
	}
	cfg.Shell.WorkDir = filepath.Join(cfg.Shell.WorkDir, "missing")
	if r := checkWorkDir(cfg); r.Status != StatusFail {
		t.Errorf("missing: %+v", r)
	}
}

func TestCheckTools(t *testing.T) {
	stubLookPath(t, "git", "node", "npm")
	r := checkTools(config.Defaults())
	if r.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN", r.Status)
	}
	for _, want := range []string{"rustc (needs rustc)", "pyright (needs pyright)"} {
		if !strings.Contains(r.Message, want) {
			t.Errorf("message missing %q: %s", want, r.Message)
		}
	}

	cfg := config.Defaults()
	cfg.Diag.Tools = []string{"git", "node", "pip"}
	if r := checkTools(cfg); r.Status != StatusPass {
		t.Errorf("filtered tools: %+v", r)
	}
}

func TestRunDoctorReport(t *testing.T) {
	stubLookPath(t, "/bin/sh", "cmd", "git", "node", "npm", "pyright", "rustc", "cargo")
	var out bytes.Buffer
	if err := runDoctor(&out, filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("runDoctor: %v\n%s", err, out.String())
	}
	for _, want := range []string{"robo doctor", "[PASS] Shell", "[WARN] Config file", "Results:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("report missing %q:\n%s", want, out.String())
		}
	}
}
