package core

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger adapts a logrus logger to Logger. A nil logger uses the
// logrus standard logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrusLogger{entry: logrus.NewEntry(l)}
}

func (l logrusLogger) with(kv []any) *logrus.Entry {
	if len(kv) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			fields["!BADKEY"] = key
			break
		}
		fields[key] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l logrusLogger) Debug(msg string, kv ...any) { l.with(kv).Debug(msg) }
func (l logrusLogger) Info(msg string, kv ...any)  { l.with(kv).Info(msg) }
func (l logrusLogger) Warn(msg string, kv ...any)  { l.with(kv).Warn(msg) }
func (l logrusLogger) Error(msg string, kv ...any) { l.with(kv).Error(msg) }
