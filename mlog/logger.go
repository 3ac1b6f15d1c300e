package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel.
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

var l atomic.Pointer[zap.Logger]

func init() {
	lg, _ := NewLogger(&LogConfig{Level: "info"})
	l.Store(lg)
}

// NewLogger creates a new zap.Logger from cfg.
func NewLogger(cfg *LogConfig) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil && len(cfg.Level) > 0 {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if len(cfg.Level) == 0 {
		lvl = zapcore.InfoLevel
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if len(cfg.File) > 0 {
		f, _, err := zap.Open(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	var enc zapcore.Encoder
	if cfg.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	}
	return zap.New(zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(lvl))), nil
}

// L is a global logger.
func L() *zap.Logger {
	return l.Load()
}

// SetLogger replaces the global logger.
func SetLogger(lg *zap.Logger) {
	if lg != nil {
		l.Store(lg)
	}
}
