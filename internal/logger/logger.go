package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// New builds the process logger. Production mode writes JSON with ISO8601
// timestamps under "timestamp"; development mode writes console lines.
func New(level, mode string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zapConfig zap.Config
	switch strings.ToLower(mode) {
	case "", ModeProduction:
		zapConfig = zap.NewProductionConfig()
	case ModeDevelopment:
		zapConfig = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log mode %q", mode)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}
	return logger, nil
}
