package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wkalt/tapecache/plugin"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/submitter"
)

// Option is a functional option for the service.
type Option func(*options)

type options struct {
	registry         *prometheus.Registry
	sender           sender.Sender
	plugins          []func(plugin.Sink) plugin.Plugin
	submitterOptions []submitter.Option
	handleSignals    bool
}

// WithRegistry sets the registry metrics are registered with and served
// from.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(opts *options) {
		opts.registry = registry
	}
}

// WithSender overrides the sender built from the configuration.
func WithSender(snd sender.Sender) Option {
	return func(opts *options) {
		opts.sender = snd
	}
}

// WithPlugin registers a plugin built against the handler, in addition to
// the configured ones.
func WithPlugin(build func(plugin.Sink) plugin.Plugin) Option {
	return func(opts *options) {
		opts.plugins = append(opts.plugins, build)
	}
}

// WithSubmitterOptions passes options to the submitter.
func WithSubmitterOptions(opts ...submitter.Option) Option {
	return func(o *options) {
		o.submitterOptions = append(o.submitterOptions, opts...)
	}
}

// WithSignals stops the service on SIGINT or SIGTERM.
func WithSignals() Option {
	return func(opts *options) {
		opts.handleSignals = true
	}
}
