package logging

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level string
	JSON  bool
}

var def atomic.Pointer[zap.Logger]

func init() {
	l, err := build(Options{Level: "info"})
	if err != nil {
		l = zap.NewNop()
	}
	def.Store(l)
}

// Configure replaces the process-wide logger. The previous logger is synced.
func Configure(opts Options) error {
	l, err := build(opts)
	if err != nil {
		return err
	}
	if prev := def.Swap(l); prev != nil {
		_ = prev.Sync()
	}
	return nil
}

func build(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(opts.Level))
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func parseLevel(s string) zapcore.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func L() *zap.Logger {
	return def.Load()
}

// Set installs l directly; tests use it with zaptest/observer loggers.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	def.Store(l)
}

func Sync() error {
	return def.Load().Sync()
}

func InitFromEnv() error {
	lvl := os.Getenv("KAFKAROWS_LOG_LEVEL")
	jsonStr := os.Getenv("KAFKAROWS_LOG_JSON")
	json := false
	if b, err := strconv.ParseBool(strings.TrimSpace(jsonStr)); err == nil {
		json = b
	}
	return Configure(Options{Level: lvl, JSON: json})
}
