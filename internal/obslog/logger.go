// Package obslog provides structured logging for mission core components.
package obslog

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// TaskIDKey is the context key under which a mission's task_id is stored
// so WithContext can attach it to every log line without threading it
// through every call site explicitly.
const TaskIDKey contextKey = "task_id"

// Config controls how a Logger is constructed.
type Config struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	Format     string `mapstructure:"format"`     // json, console
	OutputPath string `mapstructure:"outputPath"` // stdout, stderr, or file path
}

// Logger wraps zap.Logger with mission-core conventions.
type Logger struct {
	zap *zap.Logger
}

// New builds a Logger from Config.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelOrDefault(cfg.Level))); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &Logger{zap: zap.New(core, zap.AddCaller())}, nil
}

// Default returns a sensible logger for tests and short-lived tools:
// console format, info level, stdout.
func Default() *Logger {
	l, err := New(Config{Level: "info", Format: "console", OutputPath: "stdout"})
	if err != nil {
		return &Logger{zap: zap.NewNop()}
	}
	return l
}

// Nop returns a logger that discards everything, for tests that don't
// want log noise.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// With returns a child logger with additional structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithContext attaches a task_id found in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if v := ctx.Value(TaskIDKey); v != nil {
		if id, ok := v.(string); ok {
			return l.With(zap.String("task_id", id))
		}
	}
	return l
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Sync flushes buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

func levelOrDefault(lvl string) string {
	if lvl == "" {
		return "info"
	}
	return lvl
}
