// Package logging builds the zap logger used across muxrpc.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and destination. An empty Filename logs to stderr.
type Config struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=json console"`
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size" validate:"min=0"`    // megabytes
	MaxAge     int    `yaml:"max_age" validate:"min=0"`     // days
	MaxBackups int    `yaml:"max_backups" validate:"min=0"` // files
}

func newLogWriter(cfg *Config) io.Writer {
	maxsize := cfg.MaxSize
	if maxsize == 0 {
		maxsize = 1024
	}
	maxage := cfg.MaxAge
	if maxage == 0 {
		maxage = 7
	}
	maxbackups := cfg.MaxBackups
	if maxbackups == 0 {
		maxbackups = 7
	}
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    maxsize,
		MaxAge:     maxage,
		MaxBackups: maxbackups,
		LocalTime:  true,
	}
}

// New returns a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	var out io.Writer = os.Stderr
	if cfg.Filename != "" {
		out = newLogWriter(&cfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller()), nil
}

// OrDefault returns logger, or the process-wide zap logger when logger is nil.
func OrDefault(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.L()
	}
	return logger
}
