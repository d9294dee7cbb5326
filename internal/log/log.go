// Package log configures the logrus loggers used by the replayer.
//
// Loggers are always passed explicitly as logrus.FieldLogger values. The
// package only provides constructors with the output format the rest of the
// tool expects: precise fixed-width timestamps, full level names, no colors.
package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	ErrorLevel = logrus.ErrorLevel
	WarnLevel  = logrus.WarnLevel
	InfoLevel  = logrus.InfoLevel
	DebugLevel = logrus.DebugLevel

	// time.RFC3339Nano removes trailing zeros from the seconds field; this
	// format keeps the output fixed-width.
	timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Level is a logging severity.
type Level = logrus.Level

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a
// Level value.
func ParseLevel(s string) (Level, error) {
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level: %w", err)
	}
	return level, nil
}

// New constructs a logger writing to w at the given level.
func New(w io.Writer, level Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:          true,
		FullTimestamp:          true,
		TimestampFormat:        timestampFormat,
		DisableSorting:         true,
		DisableLevelTruncation: true,
		QuoteEmptyFields:       true,
	})
	l.SetLevel(level)
	l.SetReportCaller(false)
	return l
}

// Discard returns a logger which drops every entry.
func Discard() *logrus.Logger {
	l := New(io.Discard, ErrorLevel)
	l.SetNoLock()
	return l
}

// OpenFile creates or truncates the log file at path and returns a logger
// writing to it. The caller must close the returned file once the logger is
// no longer used.
func OpenFile(path string, level Level) (*logrus.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return New(f, level), f, nil
}

// Counter is a logrus hook counting the entries logged at each level.
//
// The replay reports use it to surface how many warnings were emitted
// without having to scan the log file.
type Counter struct {
	counts [logrus.TraceLevel + 1]atomic.Int64
}

// NewCounter installs a new counter on the logger.
func NewCounter(l *logrus.Logger) *Counter {
	c := new(Counter)
	l.AddHook(c)
	return c
}

func (c *Counter) Levels() []logrus.Level { return logrus.AllLevels }

func (c *Counter) Fire(e *logrus.Entry) error {
	if int(e.Level) < len(c.counts) {
		c.counts[e.Level].Add(1)
	}
	return nil
}

// Count returns the number of entries logged at level.
func (c *Counter) Count(level Level) int64 {
	if int(level) < len(c.counts) {
		return c.counts[level].Load()
	}
	return 0
}
