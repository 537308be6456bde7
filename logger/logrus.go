package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"btrcore"
)

// Logrus wraps a logrus.Logger to implement btrcore.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a btrcore.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) btrcore.Logger {
	return &Logrus{logger: logger}
}

func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

// argsToFields pairs up alternating keys and values. A non-string key is
// formatted; a trailing key without a value is kept under "!BADKEY" like slog.
func argsToFields(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}
