package logger

import (
	"go.uber.org/zap"

	"btrcore"
)

// Zap wraps a zap.Logger to implement btrcore.Logger.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap creates a btrcore.Logger from a zap.Logger.
func NewZap(logger *zap.Logger) btrcore.Logger {
	return &Zap{sugar: logger.Sugar()}
}

func (z *Zap) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

func (z *Zap) Warn(msg string, args ...any) { z.sugar.Warnw(msg, args...) }

func (z *Zap) Info(msg string, args ...any) { z.sugar.Infow(msg, args...) }

// Sync flushes buffered entries.
func (z *Zap) Sync() error { return z.sugar.Sync() }
