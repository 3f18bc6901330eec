// Package logging bootstraps the process-wide logr.Logger every other
// package threads through context.Context. It replaces the teacher's
// sigs.k8s.io/controller-runtime/pkg/log/zap bootstrap (a thin
// development/production-mode wrapper around go.uber.org/zap, exposed as
// a logr.Logger via go-logr/zapr) with the same shape built directly on
// zap and zapr, since there is no controller-runtime manager here to own
// a logger singleton.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the bootstrap logger.
type Options struct {
	// Development selects a human-readable console encoder and
	// debug-level default, matching controller-runtime's zap.Options{
	// Development: true} default the teacher's cmd/main.go always set.
	Development bool

	// Level overrides the default level (info for production, debug for
	// development) when non-empty: one of debug, info, warn, error.
	Level string

	// RotateFile, when non-empty, sends output through a lumberjack
	// rotating writer instead of stderr.
	RotateFile string
	MaxSizeMB  int // lumberjack default (100) used when zero
	MaxBackups int
	MaxAgeDays int
}

// New builds a logr.Logger per opts. Every replication-engine package
// logs through this logger's descendants (WithName/WithValues), never
// constructing its own zap.Logger directly — the same single-entry-point
// discipline the teacher's ctrl.SetLogger/ctrl.Log pair enforced.
func New(opts Options) (logr.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return logr.Logger{}, fmt.Errorf("logging: parse level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	var zl *zap.Logger
	var err error
	if opts.RotateFile == "" {
		zl, err = cfg.Build()
		if err != nil {
			return logr.Logger{}, fmt.Errorf("logging: build zap logger: %w", err)
		}
	} else {
		enc := zapcore.NewJSONEncoder(cfg.EncoderConfig)
		if opts.Development {
			enc = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.RotateFile,
			MaxSize:    defaultInt(opts.MaxSizeMB, 100),
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		core := zapcore.NewCore(enc, zapcore.AddSync(rotator), cfg.Level)
		zl = zap.New(core, zap.AddCaller())
	}

	return zapr.NewLogger(zl), nil
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
