// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package process

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Error is the process error class.
var Error = errs.Class("process")

// NewLogger creates a logger for the given disposition, either "prod" or
// "dev".
func NewLogger(disposition string, options ...zap.Option) (*zap.Logger, error) {
	switch disposition {
	case "prod":
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		return config.Build(options...)
	case "dev":
		return zap.NewDevelopmentConfig().Build(options...)
	}
	return nil, Error.New("unknown log disposition %q", disposition)
}

// Ctx returns a context that is cancelled on SIGINT or SIGTERM.
func Ctx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
