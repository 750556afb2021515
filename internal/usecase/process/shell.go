package process

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// shellInfo describes how a free-form command line is handed to a shell.
type shellInfo struct {
	path     string
	args     []string // arguments placed before the command line
	prompt   string   // ps1 shown in front of the echoed command
	language string   // code block language for the output
}

// resolveShell picks the shell used for command lines. An explicit override
// wins, then $SHELL, then the platform fallbacks.
func resolveShell(override string) (shellInfo, error) {
	if runtime.GOOS == "windows" {
		return resolveWindowsShell(override)
	}

	candidates := []string{override, os.Getenv("SHELL"), "/bin/bash", "/bin/sh"}
	var lastErr error = exec.ErrNotFound
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		path, err := exec.LookPath(c)
		if err != nil {
			lastErr = err
			continue
		}
		return shellInfo{path: path, args: []string{"-c"}, prompt: "$", language: "sh"}, nil
	}
	return shellInfo{}, lastErr
}

func resolveWindowsShell(override string) (shellInfo, error) {
	if override != "" {
		path, err := exec.LookPath(override)
		if err != nil {
			return shellInfo{}, err
		}
		if strings.Contains(strings.ToLower(path), "cmd") {
			return shellInfo{path: path, args: []string{"/c"}, prompt: ">", language: "cmd"}, nil
		}
		return shellInfo{path: path, args: []string{"-NoProfile", "-Command"}, prompt: "PS >", language: "ps1"}, nil
	}
	if path, err := exec.LookPath("powershell"); err == nil {
		return shellInfo{path: path, args: []string{"-NoProfile", "-Command"}, prompt: "PS >", language: "ps1"}, nil
	}
	path, err := exec.LookPath("cmd")
	if err != nil {
		return shellInfo{}, err
	}
	return shellInfo{path: path, args: []string{"/c"}, prompt: ">", language: "cmd"}, nil
}

// cleanLine turns raw pipe bytes into display text: line terminators are
// removed, invalid UTF-8 is replaced and, optionally, ANSI escapes stripped.
func cleanLine(raw []byte, stripANSI bool) string {
	s := strings.TrimRight(string(raw), "\r\n")
	s = strings.ToValidUTF8(s, "�")
	if stripANSI {
		s = ansi.Strip(s)
	}
	return s
}
