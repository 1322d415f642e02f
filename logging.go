package netcore

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger names, one per subsystem.
const (
	logHTTP     = "http"
	logDedup    = "dedup"
	logRealtime = "realtime"
	logHub      = "hub"
	logQueue    = "queue"
	logEvents   = "events"
)

// NewLogger builds a production JSON logger at the given level
// ("debug", "info", "warn", "error").
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// realtimeLogger applies a realtime LogLevel on top of base. The level names
// follow the hub client's vocabulary as well as zap's.
func realtimeLogger(base *zap.Logger, level string) *zap.Logger {
	l := base.Named(logRealtime)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "trace", "debug":
		return l
	case "information", "info":
		return l.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	case "warning", "warn":
		return l.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	case "error", "critical":
		return l.WithOptions(zap.IncreaseLevel(zapcore.ErrorLevel))
	case "none":
		return zap.NewNop()
	default:
		l.Warn("unknown realtime log level, keeping base level", zap.String("level", level))
		return l
	}
}

func payloadField(key string, b []byte) zap.Field {
	const max = 2048
	if len(b) > max {
		return zap.String(key, string(b[:max])+"...")
	}
	return zap.ByteString(key, b)
}
