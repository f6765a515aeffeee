package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wkalt/tapecache/config"
	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/metrics"
	"github.com/wkalt/tapecache/plugin"
	"github.com/wkalt/tapecache/routes"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/util/log"
)

/*
This file is the main entrypoint for tapecache service startup. The service
opens the caches under the data directory, starts uploading them with the
configured sender, starts the plugins, and serves status and metrics until its
context is canceled. Shutdown runs in the reverse order: the HTTP server and
the submitter stop first, then the plugins, and the caches are flushed and
closed last.
*/

////////////////////////////////////////////////////////////////////////////////

const shutdownTimeout = 10 * time.Second

// Service runs the upload pipeline.
type Service struct {
	config config.Config
	opts   options

	ready   chan struct{}
	handler *handler.Handler
	plugins *plugin.Manager
	addr    string
}

// New constructs a service. The configuration must be valid.
func New(c config.Config, opts ...Option) *Service {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		config: c,
		opts:   o,
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the service has started.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the data handler. It is nil until Ready is closed.
func (s *Service) Handler() *handler.Handler {
	return s.handler
}

// Plugins returns the plugin manager. It is nil until Ready is closed.
func (s *Service) Plugins() *plugin.Manager {
	return s.plugins
}

// Addr returns the address of the HTTP listener, if any, once Ready is
// closed.
func (s *Service) Addr() string {
	return s.addr
}

// Start runs the service until ctx is canceled, or until an interrupt if
// signal handling is enabled.
func (s *Service) Start(ctx context.Context) error { //nolint:funlen
	if s.opts.handleSignals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	registry := s.opts.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.New(registry)

	snd := s.opts.sender
	if snd == nil {
		var err error
		if snd, err = NewSender(s.config.Sender); err != nil {
			return fmt.Errorf("failed to create sender: %w", err)
		}
	}
	ctx = log.AddTags(ctx, "sender", s.config.Sender.Kind)

	h := handler.New(ctx, s.config.DataDir,
		handler.WithMetrics(m),
		handler.WithCacheConfig(s.config.Cache),
		handler.WithIdentity(s.config.Submitter.ProjectID, s.config.Submitter.UserID),
	)
	if err := h.OpenExisting(ctx); err != nil {
		return errors.Join(err, h.Close(ctx), snd.Close())
	}
	if err := h.Start(ctx, snd, s.config.Submitter, s.opts.submitterOptions...); err != nil {
		return errors.Join(fmt.Errorf("failed to start submitter: %w", err), h.Close(ctx), snd.Close())
	}

	plugins := plugin.NewManager()
	for _, synthetic := range s.config.Plugins.Synthetic {
		if err := plugins.Register(plugin.NewSynthetic(h, synthetic)); err != nil {
			return errors.Join(err, h.Close(ctx), snd.Close())
		}
	}
	for _, build := range s.opts.plugins {
		if err := plugins.Register(build(h)); err != nil {
			return errors.Join(err, h.Close(ctx), snd.Close())
		}
	}
	if err := plugins.Start(ctx, s.config.Plugins.AcceptableIDs); err != nil {
		log.Warnf(ctx, "Some plugins failed to start: %s", err)
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if s.config.Metrics.Listen != "" {
		listener, err := net.Listen("tcp", s.config.Metrics.Listen)
		if err != nil {
			return errors.Join(
				fmt.Errorf("failed to listen on %s: %w", s.config.Metrics.Listen, err),
				s.shutdown(ctx, nil, plugins, h, snd),
			)
		}
		s.addr = listener.Addr().String()
		srv = &http.Server{
			Handler:           routes.MakeRoutes(h, plugins, registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow(ctx, "Starting status server", "addr", s.addr)
			if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	s.handler = h
	s.plugins = plugins
	close(s.ready)
	log.Infow(ctx, "Service started",
		"data_dir", s.config.DataDir, "user", s.config.Submitter.UserID, "plugins", plugins.Names())

	var runErr error
	select {
	case <-ctx.Done():
		log.Infof(ctx, "Shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("status server failed: %w", err)
	}
	return errors.Join(runErr, s.shutdown(ctx, srv, plugins, h, snd))
}

func (s *Service) shutdown(
	ctx context.Context,
	srv *http.Server,
	plugins *plugin.Manager,
	h *handler.Handler,
	snd sender.Sender,
) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop status server: %w", err))
		}
	}
	if sub, err := h.Submitter(); err == nil {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop submitter: %w", err))
		}
	}
	if err := plugins.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop plugins: %w", err))
	}
	if err := h.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close caches: %w", err))
	}
	if err := snd.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sender: %w", err))
	}
	if len(errs) == 0 {
		log.Infof(ctx, "Service stopped")
	}
	return errors.Join(errs...)
}
