package logging

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// CronLogger routes cron's internal logging into the default slog logger.
// Routine scheduling messages go to debug.
type CronLogger struct{}

var _ cron.Logger = CronLogger{}

func (CronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
