// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"
	"time"

	"github.com/joeycumines/go-eloop/elog"
)

const (
	defaultPollTimeout     = 10 * time.Second
	defaultEventBufferSize = 256
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger          *elog.Logger
	panicHandler    func(err PanicError)
	pollTimeout     time.Duration
	eventBufferSize int
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the logger used by the loop and, by default, by anything
// built on top of it. Defaults to [elog.Default].
func WithLogger(logger *elog.Logger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPollTimeout bounds how long a single poll may block. Timers and
// wakeups interrupt the wait regardless, so this only matters as an upper
// bound on how stale the quit flag may become.
func WithPollTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return errors.New("eventloop: poll timeout must be positive")
		}
		opts.pollTimeout = d
		return nil
	}}
}

// WithEventBufferSize sets the initial number of readiness events collected
// per poll. The buffer doubles whenever a poll fills it.
func WithEventBufferSize(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("eventloop: event buffer size must be positive")
		}
		opts.eventBufferSize = n
		return nil
	}}
}

// WithPanicHandler registers a function called, on the loop goroutine, after
// a task or callback panic has been recovered and logged.
func WithPanicHandler(fn func(err PanicError)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.panicHandler = fn
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		pollTimeout:     defaultPollTimeout,
		eventBufferSize: defaultEventBufferSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	cfg.logger = elog.OrDefault(cfg.logger)
	return cfg, nil
}
