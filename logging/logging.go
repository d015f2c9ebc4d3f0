// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"rentflow/errcode"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Options controls logger construction. Out wins over File; with neither
// set the logger writes to stderr.
type Options struct {
	Service string
	Env     string
	Level   string
	Format  string
	Out     io.Writer

	// File enables size-rotated file output.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup builds a logger and returns an entry tagged with service and env.
func Setup(opts Options) (*logrus.Entry, error) {
	l := logrus.New()
	switch {
	case opts.Out != nil:
		l.Out = opts.Out
	case opts.File != "":
		l.Out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
	default:
		l.Out = os.Stderr
	}

	level := strings.TrimSpace(opts.Level)
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatJSON:
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000000Z07:00"}
	case FormatText:
		l.Formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.000000 -0700"}
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	fields := logrus.Fields{}
	if opts.Service != "" {
		fields["service"] = opts.Service
	}
	if opts.Env != "" {
		fields["env"] = opts.Env
	}
	return l.WithFields(fields), nil
}

// Discard returns an entry that drops everything. Used as the default for
// components constructed without a logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// Outcome logs the result of a core operation. Guard failures are expected
// and stay at debug level; anything untagged is a warning.
func Outcome(log *logrus.Entry, op string, err error, fields logrus.Fields) {
	if log == nil {
		return
	}
	entry := log.WithField("op", op)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	switch {
	case err == nil:
		entry.Debug("ok")
	case errcode.CodeOf(err) != 0:
		entry.WithField("code", errcode.CodeOf(err)).WithError(err).Debug("rejected")
	default:
		entry.WithError(err).Warn("failed")
	}
}
