package ptyactor

import (
	"os"
	"os/exec"
	"strings"
)

// buildCommand implements the spawn algorithm from spec.md §4.1: a complex
// command (contains whitespace) is launched through the user's shell with
// -c; a simple command is PATH-resolved via `which` equivalent (exec.LookPath).
func buildCommand(command, workingDir string) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	if strings.ContainsAny(command, " \t") {
		shell := userShell()
		cmd = exec.Command(shell, "-c", command)
	} else {
		path, err := exec.LookPath(command)
		if err != nil {
			return nil, err
		}
		cmd = exec.Command(path)
	}
	cmd.Dir = workingDir
	cmd.Env = buildEnv(command)
	return cmd, nil
}

func userShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// buildEnv inherits PATH, HOME, USER from the daemon's own environment and
// sets TERM/COLORTERM for the child. Bare shells additionally get a minimal
// PS1 so interactive prompts render predictably under the Virtual Terminal
// (original_source/packages/tty_wrapper/src/pty_actor.rs).
func buildEnv(command string) []string {
	env := []string{
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	}
	for _, k := range []string{"PATH", "HOME", "USER"} {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	if isBareShell(command) {
		env = append(env, `PS1=$ `)
	}
	return env
}

func isBareShell(command string) bool {
	switch strings.TrimSpace(command) {
	case "sh", "bash", "zsh", "/bin/sh", "/bin/bash", "/bin/zsh":
		return true
	}
	return false
}
