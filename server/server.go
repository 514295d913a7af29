// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package server composes the bridge for one platform: logger, metrics,
// provider backend, method table and the socket lifecycle.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/luxfi/storerpc"
	"github.com/luxfi/storerpc/config"
	"github.com/luxfi/storerpc/dispatch"
	"github.com/luxfi/storerpc/lifecycle"
	"github.com/luxfi/storerpc/logging"
	"github.com/luxfi/storerpc/metrics"
	"github.com/luxfi/storerpc/provider"
	"github.com/luxfi/storerpc/provider/upstream"
)

// Module returns the complete fx option set for platform p.
func Module(p provider.Platform, cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(p, cfg),
		fx.Provide(
			provideLogger,
			metrics.New,
			provideBackend,
			provideTable,
			provideManager,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			zl := &fxevent.ZapLogger{Logger: l}
			zl.UseLogLevel(zap.DebugLevel)
			return zl
		}),
		fx.Invoke(registerEndpoint, registerMetrics),
	)
}

// New builds the application. Extra options are applied last.
func New(p provider.Platform, cfg config.Config, extra ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{Module(p, cfg)}, extra...)...)
}

// Run starts the bridge and blocks until SIGINT, SIGTERM or the endpoint
// going away. Startup failures exit the process with status 1.
func Run(p provider.Platform, cfg config.Config) {
	New(p, cfg).Run()
}

func provideLogger(p provider.Platform, cfg config.Config) (*zap.Logger, error) {
	l, err := logging.New(logging.Options{
		Dir:   cfg.Log.Dir,
		File:  cfg.Log.File,
		Level: cfg.Log.Level,
	})
	if err != nil {
		return nil, err
	}
	return l.With(zap.String("platform", p.String())), nil
}

func provideBackend(p provider.Platform, cfg config.Config, log *zap.Logger) (provider.Backend, error) {
	up, ok := cfg.UpstreamFor(p)
	if !ok {
		log.Warn("no upstream configured, every operation replies empty")
		return provider.Unavailable, nil
	}
	opts := []upstream.Option{upstream.WithLogger(log)}
	if up.Service != "" {
		opts = append(opts, upstream.WithService(up.Service))
	}
	if up.Timeout > 0 {
		opts = append(opts, upstream.WithTimeout(time.Duration(up.Timeout)))
	}
	return upstream.New(up.URL, opts...)
}

func provideTable(p provider.Platform, backend provider.Backend, log *zap.Logger, m *metrics.Metrics) (*dispatch.Table, error) {
	ops, err := provider.NewSet(p, backend)
	if err != nil {
		return nil, err
	}
	return dispatch.Build(p, ops, dispatch.WithLogger(log), dispatch.WithMetrics(m))
}

func provideManager(p provider.Platform, cfg config.Config, table *dispatch.Table, log *zap.Logger) *lifecycle.Manager {
	return lifecycle.New(cfg.SocketPath(p), table,
		lifecycle.WithLogger(log),
		lifecycle.WithServerOptions(storerpc.WithServerTransport(cfg.Socket.Transport)),
	)
}

// registerEndpoint binds the socket on start. When the endpoint stops on
// its own the whole app is shut down.
func registerEndpoint(lc fx.Lifecycle, sd fx.Shutdowner, m *lifecycle.Manager, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := m.Bind(); err != nil {
				cancel()
				return err
			}
			log.Info("server started", zap.String("socket", m.Path()))
			go func() {
				m.Serve(ctx)
				if ctx.Err() != nil {
					return
				}
				if err := sd.Shutdown(); err != nil {
					log.Debug("shutdown signal", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			log.Info("server stopping")
			cancel()
			return m.Shutdown()
		},
	})
}

func registerMetrics(lc fx.Lifecycle, cfg config.Config, m *metrics.Metrics, log *zap.Logger) {
	if cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			l, err := net.Listen("tcp", cfg.Metrics.Addr)
			if err != nil {
				return err
			}
			log.Info("metrics listening", zap.String("addr", l.Addr().String()))
			go func() {
				if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
