package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error none"`
	Directory  string `yaml:"directory"`
	FileName   string `yaml:"fileName"`
	MaxSizeMB  int    `yaml:"maxSizeMB" validate:"gte=0"`
	MaxAgeDays int    `yaml:"maxAgeDays" validate:"gte=0"`
	MaxBackups int    `yaml:"maxBackups" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
	// StderrOnly sends every console line to stderr, leaving stdout to the
	// command output.
	StderrOnly bool `yaml:"stderrOnly"`
}

func parseLevel(s string) (zapcore.Level, bool, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, true, nil
	case "debug":
		return zapcore.DebugLevel, true, nil
	case "warn":
		return zapcore.WarnLevel, true, nil
	case "error":
		return zapcore.ErrorLevel, true, nil
	case "none":
		return zapcore.InfoLevel, false, nil
	default:
		return 0, false, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds the program logger: errors go to stderr, lower levels to
// stdout, and everything at or above the level is also written to a rotated
// file when a directory is configured. The returned function closes the file.
func NewLogger(name string, cfg LogConfig) (*zap.Logger, func() error, error) {
	level, enabled, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	nop := func() error { return nil }
	if !enabled {
		return zap.NewNop(), nop, nil
	}

	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeCaller = nil
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	console := zapcore.NewConsoleEncoder(ec)

	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= level && l < zapcore.ErrorLevel })
	out := zapcore.Lock(os.Stdout)
	if cfg.StderrOnly {
		out = zapcore.Lock(os.Stderr)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(console, zapcore.Lock(os.Stderr), high),
		zapcore.NewCore(console, out, low),
	}

	closer := nop
	if cfg.Directory != "" {
		w, err := rotatingFile(name, cfg)
		if err != nil {
			return nil, nil, err
		}
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(w), zap.NewAtomicLevelAt(level)))
		closer = w.Close
	}
	return zap.New(zapcore.NewTee(cores...)).Named(name), closer, nil
}

func rotatingFile(name string, cfg LogConfig) (io.WriteCloser, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file := cfg.FileName
	if file == "" {
		file = name + ".log"
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, file),
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}, nil
}
