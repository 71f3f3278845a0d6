package main

import (
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.Service.Name, cfg.Service.LogLevel)
}
