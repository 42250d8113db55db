// Package logging provides a structured logging system based on zap.
// It supports configurable log levels and output formats (JSON/text).
package logging

import (
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

func init() {
	// Usable before Init() so tests and early startup still log.
	l, _ := zap.NewDevelopment(zap.AddCallerSkip(1))
	current.Store(l)
}

// Init initializes the logging system with the given configuration.
func Init(cfg *Config) error {
	core := zapcore.NewCore(
		createEncoder(cfg.Format),
		zapcore.AddSync(os.Stdout),
		parseLevel(cfg.Level),
	)
	current.Store(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))

	// Third-party packages that use the stdlib logger (client-go's klog
	// fallback, grpc-gateway) end up in the same stream.
	redirectStdLog()
	return nil
}

// Replace swaps the underlying core, returning a function that restores the
// previous logger. Tests use it with zaptest/observer.
func Replace(core zapcore.Core) func() {
	prev := current.Swap(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
	return func() { current.Store(prev) }
}

type stdLogWriter struct{}

func (w *stdLogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSuffix(string(p), "\n")
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = msg[20:]
	}
	current.Load().Warn(msg, zap.String("source", "stdlib"))
	return len(p), nil
}

func redirectStdLog() {
	log.SetFlags(0)
	log.SetOutput(&stdLogWriter{})
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func createEncoder(format string) zapcore.Encoder {
	if strings.ToLower(format) == "json" {
		return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	}

	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
}

// Sync flushes any buffered log entries.
func Sync() error {
	return current.Load().Sync()
}

// L returns the underlying zap.Logger for advanced usage. Entries logged
// through it report the caller of the zap method, not this package.
func L() *zap.Logger {
	return current.Load().WithOptions(zap.AddCallerSkip(-1))
}

// Debug logs a message at DebugLevel with structured fields.
func Debug(msg string, fields ...zap.Field) {
	current.Load().Debug(msg, fields...)
}

// Info logs a message at InfoLevel with structured fields.
func Info(msg string, fields ...zap.Field) {
	current.Load().Info(msg, fields...)
}

// Warn logs a message at WarnLevel with structured fields.
func Warn(msg string, fields ...zap.Field) {
	current.Load().Warn(msg, fields...)
}

// Error logs a message at ErrorLevel with structured fields.
func Error(msg string, fields ...zap.Field) {
	current.Load().Error(msg, fields...)
}

// Fatal logs a message at FatalLevel with structured fields, then calls os.Exit(1).
func Fatal(msg string, fields ...zap.Field) {
	current.Load().Fatal(msg, fields...)
}

// String creates a string field.
func String(key, value string) zap.Field {
	return zap.String(key, value)
}

// Strings creates a string slice field.
func Strings(key string, value []string) zap.Field {
	return zap.Strings(key, value)
}

// Int creates an int field.
func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

// Bool creates a bool field.
func Bool(key string, value bool) zap.Field {
	return zap.Bool(key, value)
}

// Err creates an error field with key "error".
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Any creates a field with any value (uses reflection).
func Any(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) zap.Field {
	return zap.Duration(key, value)
}

// Unit tags a log line with the unit and its sandbox type.
func Unit(unitID, typeName string) zap.Field {
	return zap.Dict("unit", zap.String("id", unitID), zap.String("type", typeName))
}

// Tenant tags a log line with a tenant key.
func Tenant(sessionID, userID string) zap.Field {
	return zap.Dict("tenant", zap.String("session_id", sessionID), zap.String("user_id", userID))
}
