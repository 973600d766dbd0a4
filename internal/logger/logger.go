// Package logger wraps zap with the key/value logging calls used across the
// module.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination of a logger.
type Config struct {
	Level      string // debug, info, warn, error
	Encoding   string // json or console
	OutputPath string // file path or "stdout"
}

// Logger wraps zap.Logger to provide key/value logging.
type Logger struct {
	*zap.Logger

	// base is Logger without the caller skip of the wrapper methods.
	base *zap.Logger
}

// New creates a logger from cfg.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zap.DebugLevel
	case "info", "":
		level = zap.InfoLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}
	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{output},
	}

	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	z, err := zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return Wrap(z), nil
}

// Wrap adapts an existing zap logger. A nil logger yields a no-op logger.
func Wrap(z *zap.Logger) *Logger {
	if z == nil {
		return Nop()
	}
	return &Logger{Logger: z.WithOptions(zap.AddCallerSkip(1)), base: z}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	z := zap.NewNop()
	return &Logger{Logger: z, base: z}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	fields := argsToFields(args...)
	return &Logger{Logger: l.Logger.With(fields...), base: l.Zap().With(fields...)}
}

// Zap returns the underlying zap logger for handing to code that logs
// through zap directly. Wrapping it again yields the same caller frames.
func (l *Logger) Zap() *zap.Logger {
	if l.base == nil {
		return l.Logger
	}
	return l.base
}

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) {
	l.Logger.Error(msg, argsToFields(args...)...)
}

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.Logger.Warn(msg, argsToFields(args...)...)
}

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.Logger.Info(msg, argsToFields(args...)...)
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.Logger.Debug(msg, argsToFields(args...)...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// argsToFields converts alternating key/value args to zap fields. Errors are
// logged with zap.Error so they keep their message.
func argsToFields(args ...any) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, ok := args[i+1].(error); ok {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
