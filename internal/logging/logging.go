// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and encoder.
type Config struct {
	Level       string `env:"LOG_LEVEL" envDefault:"debug"`
	Development bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

// New returns a logger writing JSON to stderr, or a console logger in
// development mode.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// ForCall scopes a component logger to one call.
func ForCall(base *zap.Logger, component, callID string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.Named(component).With(zap.String("call_id", callID))
}
