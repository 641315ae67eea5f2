package ptyactor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCommandSimpleCommandResolvesViaPath(t *testing.T) {
	cmd, err := buildCommand("cat", "")
	require.NoError(t, err)
	require.Contains(t, cmd.Path, "cat")
	require.Len(t, cmd.Args, 1)
}

func TestBuildCommandComplexCommandUsesShell(t *testing.T) {
	cmd, err := buildCommand("echo hello", "")
	require.NoError(t, err)
	require.Equal(t, userShell(), cmd.Path)
	require.Equal(t, []string{userShell(), "-c", "echo hello"}, cmd.Args)
}

func TestBuildCommandUnknownSimpleCommandErrors(t *testing.T) {
	_, err := buildCommand("definitely-not-a-real-binary-xyz", "")
	require.Error(t, err)
}

func TestBuildCommandSetsWorkingDir(t *testing.T) {
	cmd, err := buildCommand("cat", "/tmp")
	require.NoError(t, err)
	require.Equal(t, "/tmp", cmd.Dir)
}

func TestBuildEnvIncludesTermAndInheritedVars(t *testing.T) {
	require.NoError(t, os.Setenv("HOME", "/home/tester"))
	env := buildEnv("cat")
	require.Contains(t, env, "TERM=xterm-256color")
	require.Contains(t, env, "COLORTERM=truecolor")
	require.Contains(t, env, "HOME=/home/tester")
}

func TestBuildEnvSetsPS1OnlyForBareShells(t *testing.T) {
	shellEnv := buildEnv("bash")
	require.Contains(t, shellEnv, "PS1=$ ")

	otherEnv := buildEnv("cat")
	require.NotContains(t, otherEnv, "PS1=$ ")
}

func TestIsBareShellRecognizesCommonShells(t *testing.T) {
	require.True(t, isBareShell("bash"))
	require.True(t, isBareShell("/bin/zsh"))
	require.False(t, isBareShell("cat"))
	require.False(t, isBareShell("echo hi"))
}
