package tcp

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-eloop/elog"
	"github.com/joeycumines/go-eloop/eventloop"
)

const (
	defaultRetryInterval = 3 * time.Second
	defaultThreads       = 1
)

var defaultAcceptLogRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

type options struct {
	logger         *elog.Logger
	loopOptions    []eventloop.LoopOption
	acceptLogRates map[time.Duration]int
	retryInterval  time.Duration
	threads        int
	reusePort      bool
}

// Option configures servers, clients, and their components.
type Option interface {
	apply(*options) error
}

type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithLogger sets the logger. Defaults to [elog.Default].
func WithLogger(logger *elog.Logger) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithReusePort controls SO_REUSEPORT on listening sockets. Enabled by
// default, and required by [Server] with more than one thread.
func WithReusePort(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.reusePort = enabled
		return nil
	}}
}

// WithRetryInterval sets the period at which a [Client] retries an
// unestablished connection. Defaults to 3 seconds.
func WithRetryInterval(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d <= 0 {
			return errors.New("tcp: retry interval must be positive")
		}
		opts.retryInterval = d
		return nil
	}}
}

// WithThreads sets the initial [Server] thread count, see
// [Server.SetNumThread].
func WithThreads(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 {
			return errors.New("tcp: thread count must be positive")
		}
		opts.threads = n
		return nil
	}}
}

// WithAcceptLogRates limits how often an [Acceptor] logs each kind of
// transient accept failure, as sliding windows of maximum events per
// duration. Defaults to one per second and ten per minute.
func WithAcceptLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *options) error {
		if len(rates) == 0 {
			return errors.New("tcp: accept log rates must not be empty")
		}
		if err := validateRates(rates); err != nil {
			return err
		}
		opts.acceptLogRates = maps.Clone(rates)
		return nil
	}}
}

// WithLoopOptions sets the options used for loops a [Server] creates for
// its worker threads.
func WithLoopOptions(opts ...eventloop.LoopOption) Option {
	return &optionImpl{func(o *options) error {
		o.loopOptions = append(o.loopOptions, opts...)
		return nil
	}}
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		acceptLogRates: defaultAcceptLogRates,
		retryInterval:  defaultRetryInterval,
		threads:        defaultThreads,
		reusePort:      true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	cfg.logger = elog.OrDefault(cfg.logger)
	return cfg, nil
}

// validateRates reports the rates catrate would reject.
func validateRates(rates map[time.Duration]int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tcp: invalid accept log rates: %v", r)
		}
	}()
	catrate.NewLimiter(rates)
	return nil
}
