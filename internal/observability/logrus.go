package observability

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusOptions configures the logrus-backed logger.
type LogrusOptions struct {
	Level  string
	Format string
	Output io.Writer
}

// NewLogrusLogger builds a Logger that writes through logrus.
func NewLogrusLogger(opts LogrusOptions) Logger {
	base := logrus.New()
	if opts.Output != nil {
		base.SetOutput(opts.Output)
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)
	return logrusLogger{entry: logrus.NewEntry(base)}
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l logrusLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func (l logrusLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }
func (l logrusLogger) Info(msg string, fields ...Field)  { l.with(fields).Info(msg) }
func (l logrusLogger) Warn(msg string, fields ...Field)  { l.with(fields).Warn(msg) }
func (l logrusLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }
