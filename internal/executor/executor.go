// Package executor runs oracle-authored snippets in a separate, killable
// process or container with a wall-clock cap, a restricted environment and
// bounded output. Faults in the snippet come back as an ExecutionResult,
// never as a Go error.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"QuizChain/internal/quiz"
	"QuizChain/pkg/logger"
)

const (
	ModeProcess = "process"
	ModeDocker  = "docker"

	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 64 * 1024
	killGrace        = 2 * time.Second
)

// Prelude defines download_file for every snippet.
const Prelude = `import os as _qc_os
import urllib.request as _qc_request


def download_file(url, filename=None):
    try:
        if not filename:
            filename = url.rstrip("/").split("/")[-1].split("?")[0] or "download"
        _qc_os.makedirs("downloads", exist_ok=True)
        path = _qc_os.path.join("downloads", _qc_os.path.basename(filename))
        with _qc_request.urlopen(url, timeout=30) as resp, open(path, "wb") as fh:
            while True:
                chunk = resp.read(8192)
                if not chunk:
                    break
                fh.write(chunk)
        return path
    except Exception as exc:
        return "Error downloading file: %s" % exc

`

// Config describes how snippets are run.
type Config struct {
	Mode            string
	Interpreter     string
	InterpreterArgs []string
	Timeout         time.Duration
	MaxOutputBytes  int
	MemoryMB        int
	DockerImage     string
	AllowedEnv      []string
	WorkDir         string
	// DisablePrelude sends the code unchanged, for non-Python interpreters.
	DisablePrelude bool
}

// Executor runs one snippet per call.
type Executor interface {
	Execute(ctx context.Context, code string) quiz.ExecutionResult
}

// Sandbox is the subprocess-backed Executor.
type Sandbox struct {
	cfg     Config
	baseEnv []string
	log     *zap.Logger
}

// New snapshots the allowed environment once and returns a sandbox.
func New(cfg Config) (*Sandbox, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeProcess
	}
	if cfg.Mode != ModeProcess && cfg.Mode != ModeDocker {
		return nil, fmt.Errorf("unknown executor mode %q", cfg.Mode)
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
		if cfg.InterpreterArgs == nil {
			cfg.InterpreterArgs = []string{"-"}
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.DockerImage == "" {
		cfg.DockerImage = "python:3.12-slim"
	}

	env := []string{"PYTHONUNBUFFERED=1", "PYTHONDONTWRITEBYTECODE=1"}
	for _, key := range cfg.AllowedEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return &Sandbox{cfg: cfg, baseEnv: env, log: logger.Named("executor")}, nil
}

// Execute runs code and reports what happened. A timeout is a failed result
// with a kill reason.
func (s *Sandbox) Execute(ctx context.Context, code string) quiz.ExecutionResult {
	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "quizchain-exec-*")
	if err != nil {
		return quiz.ExecutionResult{Failed: true, KillReason: fmt.Sprintf("prepare work dir: %v", err)}
	}
	defer os.RemoveAll(workDir)

	source := code
	if !s.cfg.DisablePrelude {
		source = Prelude + code
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd, cleanup := s.command(execCtx, workDir)
	defer cleanup()
	cmd.Stdin = strings.NewReader(source)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: int64(s.cfg.MaxOutputBytes)}
	stderr := &limitedWriter{w: &stderrBuf, max: int64(s.cfg.MaxOutputBytes)}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = killGrace

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	result := quiz.ExecutionResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if stdout.truncated || stderr.truncated {
		result.Stdout += fmt.Sprintf("\n[output truncated: %d bytes discarded]", stdout.discarded+stderr.discarded)
	}

	switch {
	case runErr == nil:
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Failed = true
		result.KillReason = fmt.Sprintf("killed: timeout after %s", s.cfg.Timeout)
	case errors.Is(execCtx.Err(), context.Canceled):
		result.Failed = true
		result.KillReason = "killed: execution canceled"
	default:
		result.Failed = true
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if strings.TrimSpace(result.Stderr) == "" {
				result.KillReason = fmt.Sprintf("exit status %d", exitErr.ExitCode())
			}
		} else {
			result.KillReason = runErr.Error()
		}
	}

	s.log.Debug("snippet executed",
		zap.String("mode", s.cfg.Mode),
		zap.Duration("elapsed", elapsed),
		zap.Bool("failed", result.Failed),
		zap.String("kill_reason", result.KillReason),
		zap.Int("stdout_bytes", len(result.Stdout)),
	)
	return result
}

func (s *Sandbox) command(ctx context.Context, workDir string) (*exec.Cmd, func()) {
	if s.cfg.Mode == ModeDocker {
		return s.dockerCommand(ctx)
	}
	cmd := exec.CommandContext(ctx, s.cfg.Interpreter, s.cfg.InterpreterArgs...)
	cmd.Dir = workDir
	cmd.Env = append(append([]string{}, s.baseEnv...), "HOME="+workDir, "TMPDIR="+workDir)
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	return cmd, func() {}
}

func (s *Sandbox) dockerCommand(ctx context.Context) (*exec.Cmd, func()) {
	name := "quizchain-exec-" + uuid.NewString()
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--network", "none",
		"--read-only",
		"--memory", fmt.Sprintf("%dm", s.cfg.MemoryMB),
		"--pids-limit", "128",
		"--tmpfs", "/tmp",
		"-w", "/tmp",
		"-e", "PYTHONUNBUFFERED=1",
		s.cfg.DockerImage,
		"python", "-",
	}
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Env = s.baseEnv
	cmd.Cancel = func() error {
		_ = exec.Command("docker", "kill", name).Run()
		return cmd.Process.Kill()
	}
	return cmd, func() {}
}

// limitedWriter keeps at most max bytes and counts the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
