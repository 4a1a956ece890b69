package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the zap encoder, level and optional rotating file output.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ZapLogger adapts a zap.Logger to the Logger interface.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger builds a zap-backed Logger. Output always goes to stdout and,
// when File is set, to a lumberjack-rotated file as well.
func NewZapLogger(cfg LogConfig) (*ZapLogger, error) {
	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, err := zapcore.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", raw, err)
		}
		level = parsed
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	case "console":
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if file := strings.TrimSpace(cfg.File); file != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), zap.NewAtomicLevelAt(level))
	return &ZapLogger{base: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(base *zap.Logger) *ZapLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &ZapLogger{base: base}
}

// With returns a child logger carrying the given fields on every entry.
func (l *ZapLogger) With(fields ...Field) *ZapLogger {
	return &ZapLogger{base: l.base.With(toZapFields(fields)...)}
}

// Debug logs at debug level.
func (l *ZapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, toZapFields(fields)...) }

// Info logs at info level.
func (l *ZapLogger) Info(msg string, fields ...Field) { l.base.Info(msg, toZapFields(fields)...) }

// Warn logs at warn level.
func (l *ZapLogger) Warn(msg string, fields ...Field) { l.base.Warn(msg, toZapFields(fields)...) }

// Error logs at error level.
func (l *ZapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, toZapFields(fields)...) }

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func toZapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
