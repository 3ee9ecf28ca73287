package logging

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// ParseLevel maps error/warn/info/debug to a zap level. Unknown names report false and info.
func ParseLevel(name string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error":
		return zapcore.ErrorLevel, true
	case "warn":
		return zapcore.WarnLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "debug":
		return zapcore.DebugLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// EncoderConfig renders "[timestamp] [LEVEL] message {fields}" lines.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       bracketedTime,
		EncodeLevel:      bracketedLevel,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
}

// New builds the process logger writing to stdout.
func New(level string) (*zap.Logger, error) {
	lvl, _ := ParseLevel(level)
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "console",
		EncoderConfig:    EncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(level string, w zapcore.WriteSyncer) *zap.Logger {
	lvl, _ := ParseLevel(level)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(EncoderConfig()), w, lvl)
	return zap.New(core)
}

func bracketedTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + t.UTC().Format(timeLayout) + "]")
}

func bracketedLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + l.CapitalString() + "]")
}
