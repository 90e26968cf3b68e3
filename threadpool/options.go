package threadpool

import (
	"github.com/joeycumines/go-eloop/elog"
)

type options struct {
	logger *elog.Logger
	name   string
}

// Option configures a [Pool].
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

// WithName labels the pool's log output.
func WithName(name string) Option {
	return &optionImpl{func(opts *options) error {
		opts.name = name
		return nil
	}}
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{name: `default`}
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
