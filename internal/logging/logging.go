// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for the given level ("debug", "info", "warn", "error")
// and format ("json" or "console").
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("log format: unknown %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// RateLimited drops log lines that arrive within interval of the previous one.
// Used for noisy best-effort paths such as cache write failures.
type RateLimited struct {
	log      *zap.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func NewRateLimited(log *zap.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: log, interval: interval}
}

func (l *RateLimited) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		fields = append(fields, zap.Int("suppressed", dropped))
	}
	l.log.Warn(msg, fields...)
}
