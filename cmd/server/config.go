package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"groupchat/internal/server"
	"groupchat/internal/storage"
)

const (
	driverPostgres = "postgres"
	driverBadger   = "badger"
)

// appConfig defines every setting read from environment variables
type appConfig struct {
	Server server.EnvConfig
	DB     storage.Config

	StoreDriver    string        `env:"STORE_DRIVER" envDefault:"postgres" validate:"oneof=postgres badger"`
	BadgerPath     string        `env:"BADGER_PATH" envDefault:"data/badger"`
	TypingWindow   time.Duration `env:"TYPING_WINDOW" envDefault:"3s" validate:"gt=0"`
	ResyncPageSize int           `env:"RESYNC_PAGE_SIZE" envDefault:"100" validate:"gt=0,lte=1000"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"console" validate:"oneof=console json"`
}

func loadConfig() (appConfig, error) {
	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("env.Parse: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return appConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds development logger or JSON production logger on "json" format
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewDevelopmentConfig()
	if format == "json" {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
