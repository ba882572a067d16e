// Package logger provides the structured logger used by the engine's
// control-plane services (dispatcher, pool manager, scheduler, multiplexer,
// registry). The worker subprocess logs its own events through zerolog;
// the module store it embeds gets a Logger from this package whose output
// is set to stderr; see cmd/worker.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls level, format and destination of a Logger.
type Config struct {
	Level  string `envdecode:"LOG_LEVEL,default=info"`
	Format string `envdecode:"LOG_FORMAT,default=json"`
}

// Logger wraps logrus.Logger with the engine's correlation-id conventions.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from Config, defaulting to info/json on bad input.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault returns an info/json logger, the default for tests and tools.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "json"})
}

// ForRun returns an entry pre-tagged with run correlation fields.
func (l *Logger) ForRun(runID, orgID string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"run_id": runID, "org_id": orgID})
}

// ForWorker returns an entry pre-tagged with worker correlation fields.
func (l *Logger) ForWorker(workerID, poolID string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"worker_id": workerID, "pool_id": poolID})
}
