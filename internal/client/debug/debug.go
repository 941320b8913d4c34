package debug

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls file logging. The TUI owns stdout, so logs only ever go to Path.
type Config struct {
	Enabled bool
	Path    string
	Level   string // debug, info, warn, error
}

var (
	mu  sync.RWMutex
	log = zap.NewNop()
)

// Init builds the process logger. When logging is disabled the logger is a no-op.
func Init(cfg Config) error {
	if !cfg.Enabled {
		set(zap.NewNop())
		return nil
	}
	if cfg.Path == "" {
		cfg.Path = "debug.log"
	}

	level := zapcore.DebugLevel
	switch cfg.Level {
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.OutputPaths = []string{cfg.Path}
	zapConfig.ErrorOutputPaths = []string{cfg.Path}

	l, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		return err
	}
	set(l)
	return nil
}

func set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	_ = log.Sync()
	log = l
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}
