package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/natefinch/lumberjack"
)

// RotateConfig describes a size-rotated log file.
type RotateConfig struct {
	Filename   string
	MaxSizeMB  int // rotate after this many megabytes, 100 when 0
	MaxBackups int
	MaxAgeDays int
	Level      zapcore.Level
}

// NewRotatingZap returns a zap logger writing JSON lines to cfg.Filename,
// rotated by lumberjack. The returned close function flushes and closes
// the file.
func NewRotatingZap(cfg RotateConfig) (*Zap, func() error) {
	w := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), cfg.Level)
	z := &Zap{sugar: zap.New(core).Sugar()}
	return z, func() error {
		_ = z.Sync()
		return w.Close()
	}
}
