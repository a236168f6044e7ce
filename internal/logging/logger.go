// Package logging builds the service's zap logger from configuration.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/docs2md/internal/config"
)

// New builds a zap.Logger from cfg. Development mode starts from zap's
// development preset (console, colour levels, debug); otherwise the
// production JSON preset is used. Level and Encoding override either preset.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = false
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.EncoderConfig.TimeKey = "ts"

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = level
	}
	switch cfg.Encoding {
	case "":
	case "json":
		zcfg.Encoding = cfg.Encoding
		zcfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	case "console":
		zcfg.Encoding = cfg.Encoding
	default:
		return nil, fmt.Errorf("unsupported log encoding %q", cfg.Encoding)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("docs2md"), nil
}
