package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the root logger from the conf section.
func NewLogger(conf *AppConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(conf.Conf.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", conf.Conf.LogLevel, err)
	}

	var cfg zap.Config
	if conf.Conf.LogJSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("service", Name)), nil
}
