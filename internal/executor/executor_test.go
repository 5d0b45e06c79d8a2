//go:build !windows

package executor

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShell(t *testing.T, mutate func(*Config)) *Sandbox {
	t.Helper()
	cfg := Config{
		Interpreter:    "sh",
		AllowedEnv:     []string{"PATH"},
		Timeout:        5 * time.Second,
		DisablePrelude: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestExecuteCapturesStdout(t *testing.T) {
	res := newShell(t, nil).Execute(context.Background(), "echo hello")
	assert.False(t, res.Failed)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "hello\n", res.Text())
}

func TestExecuteNonZeroExitIsFault(t *testing.T) {
	res := newShell(t, nil).Execute(context.Background(), "echo partial; echo oops 1>&2; exit 3")
	assert.True(t, res.Failed)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.True(t, strings.HasPrefix(res.Text(), "Execution Error:"))
	assert.Contains(t, res.Text(), "oops")
}

func TestExecuteTimeoutKills(t *testing.T) {
	s := newShell(t, func(c *Config) { c.Timeout = 200 * time.Millisecond })

	started := time.Now()
	res := s.Execute(context.Background(), "sleep 10")
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.True(t, res.Failed)
	assert.Contains(t, res.KillReason, "timeout")
}

func TestExecuteCapsOutput(t *testing.T) {
	s := newShell(t, func(c *Config) { c.MaxOutputBytes = 10 })
	res := s.Execute(context.Background(), "printf 'aaaaaaaaaaaaaaaaaaaa'")
	assert.False(t, res.Failed)
	assert.True(t, strings.HasPrefix(res.Stdout, "aaaaaaaaaa\n[output truncated: 10 bytes discarded]"), res.Stdout)
}

func TestExecuteRestrictsEnvironment(t *testing.T) {
	t.Setenv("QC_ALLOWED", "yes")
	t.Setenv("QC_HIDDEN", "leak")
	s := newShell(t, func(c *Config) { c.AllowedEnv = []string{"PATH", "QC_ALLOWED"} })

	res := s.Execute(context.Background(), `echo "$QC_ALLOWED-$QC_HIDDEN"`)
	assert.Equal(t, "yes-\n", res.Stdout)
}

func TestExecuteUsesFreshWorkDir(t *testing.T) {
	s := newShell(t, func(c *Config) { c.WorkDir = t.TempDir() })

	first := strings.TrimSpace(s.Execute(context.Background(), "pwd; touch marker").Stdout)
	second := s.Execute(context.Background(), "ls marker").Stdout
	assert.NotEmpty(t, first)
	assert.Empty(t, strings.TrimSpace(second))
	_, err := os.Stat(first)
	assert.True(t, os.IsNotExist(err), "work dir should be removed after execution")
}

func TestExecuteMissingInterpreter(t *testing.T) {
	s := newShell(t, func(c *Config) { c.Interpreter = "/nonexistent/interpreter" })
	res := s.Execute(context.Background(), "print(1)")
	assert.True(t, res.Failed)
	assert.NotEmpty(t, res.KillReason)
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(Config{Mode: "vm"})
	assert.Error(t, err)
}

func TestPreludeDefinesDownloadHelper(t *testing.T) {
	assert.Contains(t, Prelude, "def download_file(url, filename=None):")
	assert.Contains(t, Prelude, `"downloads"`)
}
