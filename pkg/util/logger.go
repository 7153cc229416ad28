package util

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vincentwuo/evserver/pkg/config"
)

// NewLogger builds the process logger. Writes go through a buffered syncer that
// flushes on cfg.FlushInterval, so callers never wait on the sink. The returned
// stop function flushes what is left and must be called before exit.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out zapcore.WriteSyncer
	switch cfg.Output {
	case "", "stdout":
		out = zapcore.Lock(os.Stdout)
	case "stderr":
		out = zapcore.Lock(os.Stderr)
	default:
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ws := &zapcore.BufferedWriteSyncer{WS: out, FlushInterval: interval}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), ws, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))), ws.Stop, nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		EncodeLevel: zapcore.CapitalLevelEncoder,
		TimeKey:     "time",
		EncodeTime:  zapcore.RFC3339TimeEncoder,
		NameKey:     "logger",
		EncodeName:  zapcore.FullNameEncoder,
	}
}
