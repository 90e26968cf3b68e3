// Package elog holds the process-wide logging configuration shared by the
// reactor packages, a logiface logger backed by logrus.
//
// Components accept an explicit *Logger through their options. A nil logger
// falls back to [Default], which is configured once during startup via
// [SetDefault].
package elog

import (
	"errors"
	"io"
	"os"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type (
	// Logger is the generified logiface logger used throughout the module.
	Logger = logiface.Logger[logiface.Event]

	// Option configures [New].
	Option func(c *config)

	config struct {
		logrus    *logrus.Logger
		output    io.Writer
		formatter logrus.Formatter
		level     logiface.Level
	}
)

var (
	defaultLogger atomic.Pointer[Logger]

	// ExitFunc terminates the process after a fatal log. Tests may replace
	// it, it must not return in production.
	ExitFunc = os.Exit
)

// WithLogrus uses an existing logrus logger as the backend. The logrus
// logger's own level still applies, in addition to [WithLevel].
func WithLogrus(logger *logrus.Logger) Option {
	return func(c *config) {
		c.logrus = logger
	}
}

// WithLevel sets the logiface level, defaulting to informational.
func WithLevel(level logiface.Level) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithOutput sets the destination of a logrus logger created by [New],
// defaulting to stderr. Ignored if combined with [WithLogrus].
func WithOutput(w io.Writer) Option {
	return func(c *config) {
		c.output = w
	}
}

// WithFormatter sets the formatter of a logrus logger created by [New].
// Ignored if combined with [WithLogrus].
func WithFormatter(f logrus.Formatter) Option {
	return func(c *config) {
		c.formatter = f
	}
}

// New builds a logger.
func New(options ...Option) *Logger {
	c := config{
		level: logiface.LevelInformational,
	}
	for _, o := range options {
		if o != nil {
			o(&c)
		}
	}

	backend := c.logrus
	if backend == nil {
		backend = logrus.New()
		// filtering happens in logiface
		backend.SetLevel(logrus.TraceLevel)
		if c.output != nil {
			backend.SetOutput(c.output)
		}
		if c.formatter != nil {
			backend.SetFormatter(c.formatter)
		}
	}

	return logiface.New[*Event](
		withLogrus(backend),
		logiface.WithLevel[*Event](c.level),
	).Logger()
}

// Default returns the process-wide logger, creating an informational stderr
// logger on first use.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultLogger.CompareAndSwap(nil, New())
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger. It is intended to be called
// once, before any loop starts.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// OrDefault returns l, or [Default] if l is nil.
func OrDefault(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return Default()
}

// Fatal logs at alert level and terminates the process.
func Fatal(l *Logger, err error, msg string) {
	OrDefault(l).Alert().Err(err).Log(msg)
	ExitFunc(1)
}

// SysFatal logs an OS error, including its errno, and terminates the
// process.
func SysFatal(l *Logger, err error, msg string) {
	withErrno(OrDefault(l).Alert(), err).Log(msg)
	ExitFunc(1)
}

// SysErr logs an OS error, including its errno, without terminating.
func SysErr(l *Logger, err error, msg string) {
	withErrno(OrDefault(l).Err(), err).Log(msg)
}

func withErrno(b *logiface.Builder[logiface.Event], err error) *logiface.Builder[logiface.Event] {
	var errno unix.Errno
	if errors.As(err, &errno) {
		b = b.Int(`errno`, int(errno))
	}
	return b.Err(err)
}
