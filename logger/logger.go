// Package logger adapts popular logging libraries to btrcore.Logger.
//
// The standard library's slog.Logger already satisfies btrcore.Logger and
// can be passed to btrcore.WithLogger as is.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	engine, err := btrcore.Open(
//	    btrcore.WithDir("/var/lib/btrcore"),
//	    btrcore.WithLogger(logger.NewZap(zapLogger)),
//	)
//
// NewRotatingZap writes JSON lines to a size-rotated file instead.
package logger
