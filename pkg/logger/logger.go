package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	File        FileConfig
	Audit       AuditConfig
	AddSource   bool
}

// FileConfig enables a rotated JSON log file next to the console output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu            sync.RWMutex
	defaultLogger *zap.Logger
	auditLogger   *zap.Logger
	initialised   bool
)

// Init configures the global logger instances. Subsequent calls are no-ops.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if initialised {
		return nil
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(cfg.Level)))); err != nil || cfg.Level == "" {
		level.SetLevel(zap.InfoLevel)
	}

	cores := make([]zapcore.Core, 0, len(cfg.OutputPaths)+1)
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	for _, out := range outputs {
		sink, err := openSink(out)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), sink, level))
	}
	if cfg.File.Path != "" {
		cores = append(cores, zapcore.NewCore(newEncoder("json"), zapcore.AddSync(rotating(cfg.File.Path, cfg.File.MaxSizeMB, cfg.File.MaxBackups, cfg.File.MaxAgeDays, cfg.File.Compress)), level))
	}

	options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		options = append(options, zap.AddCaller())
	}
	defaultLogger = zap.New(zapcore.NewTee(cores...), options...)

	auditLogger = defaultLogger.Named("audit")
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			return errors.New("audit log path cannot be empty when enabled")
		}
		writer := rotating(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays, false)
		auditLogger = zap.New(zapcore.NewCore(newEncoder("json"), zapcore.AddSync(writer), zap.InfoLevel)).Named("audit")
	}
	initialised = true
	return nil
}

func rotating(path string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *lumberjack.Logger {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	if strings.EqualFold(format, "console") || strings.EqualFold(format, "text") {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return zapcore.Lock(file), nil
	}
}

// L returns the structured logger instance.
func L() *zap.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		_ = Init(Config{})
		mu.RLock()
		l = defaultLogger
		mu.RUnlock()
	}
	return l
}

// Audit returns the audit logger.
func Audit() *zap.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Named returns a child logger with the provided component name.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	var err error
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger != nil {
		err = errors.Join(err, ignoreStdSync(defaultLogger.Sync()))
	}
	if auditLogger != nil && auditLogger != defaultLogger {
		err = errors.Join(err, ignoreStdSync(auditLogger.Sync()))
	}
	return err
}

// Replace swaps both loggers, typically for a zaptest/observer core, and
// returns a function restoring the previous state.
func Replace(l *zap.Logger) (restore func()) {
	mu.Lock()
	prevDefault, prevAudit, prevInit := defaultLogger, auditLogger, initialised
	defaultLogger = l
	auditLogger = l.Named("audit")
	initialised = true
	mu.Unlock()
	return func() {
		mu.Lock()
		defaultLogger, auditLogger, initialised = prevDefault, prevAudit, prevInit
		mu.Unlock()
	}
}

// syncing a terminal returns EINVAL on linux.
func ignoreStdSync(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "invalid argument") || strings.Contains(err.Error(), "inappropriate ioctl") {
		return nil
	}
	return err
}
