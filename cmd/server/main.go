package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/mcpserver"
	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/session"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Prometheus collectors
			metrics.New,

			// Runtime gateway based on config
			newGateway,

			// Session state shared by the coordinator and the sweeper
			func() *session.Registry { return session.NewRegistry(nil) },
			session.NewLocker,
			newManager,
			newCoordinator,
			newSweeper,

			// MCP Server
			func(cfg *config.Config, log *zap.Logger, c *session.Coordinator, s *session.Sweeper) (*mcpserver.MCPServer, error) {
				return mcpserver.New(cfg, log, c, s)
			},
		),

		fx.Invoke(
			registerTransport,
			registerSweepLoop,
			registerMetrics,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newGateway(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (sandbox.Gateway, error) {
	gateway, err := sandbox.NewGateway(log, cfg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// An unreachable runtime is reported per call, not fatal at startup
			if err := gateway.Ping(ctx); err != nil {
				log.Warn("runtime not reachable at startup", zap.String("backend", cfg.Sandbox.Backend), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return gateway.Close()
		},
	})

	return gateway, nil
}

func newManager(cfg *config.Config, log *zap.Logger, gateway sandbox.Gateway, registry *session.Registry, m *metrics.Metrics) (*session.Manager, error) {
	limits, err := sandbox.LimitsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building resource limits: %w", err)
	}

	return session.NewManager(log, gateway, registry, session.NewNamer(cfg.Sandbox.NamePrefix), session.Policy{
		Image:     cfg.Sandbox.Image,
		Limits:    limits,
		LabelKey:  cfg.Sandbox.LabelKey,
		StopGrace: cfg.GetStopGrace(),
	}, m), nil
}

func newCoordinator(cfg *config.Config, log *zap.Logger, manager *session.Manager, locks *session.Locker) *session.Coordinator {
	return session.NewCoordinator(log, manager, locks,
		session.WithExecTimeout(cfg.GetExecTimeout()),
		session.WithOperationTimeout(cfg.GetOperationTimeout()),
		session.WithMaxOutputBytes(cfg.Sandbox.MaxOutputBytes),
		session.WithDefaultWorkdir(cfg.Sandbox.DefaultWorkdir),
	)
}

func newSweeper(cfg *config.Config, log *zap.Logger, manager *session.Manager, locks *session.Locker) *session.Sweeper {
	return session.NewSweeper(log, manager, locks,
		session.WithIdleTimeout(cfg.GetIdleTimeout()),
		session.WithSweepConcurrency(cfg.Session.SweepConcurrency),
		session.WithSweepOperationTimeout(cfg.GetOperationTimeout()),
	)
}

// registerTransport starts the appropriate transport based on config
func registerTransport(lc fx.Lifecycle, cfg *config.Config, server *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := server.ServeStdio(); err != nil {
						panic(err)
					}
				}()
			case "http":
				go func() {
					if err := server.ServeHTTP(); err != nil {
						panic(err)
					}
				}()
			default:
				return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cfg.Server.Transport == "http" {
				return server.Shutdown(ctx)
			}
			return nil
		},
	})
}

// registerSweepLoop runs the periodic idle sweep when session.sweep_interval_sec is set
func registerSweepLoop(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, sweeper *session.Sweeper) {
	interval := cfg.GetSweepInterval()
	if interval <= 0 {
		log.Info("periodic sweep disabled; use the cleanup_expired tool")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				sweeper.Run(ctx, interval, nil)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func registerMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, m *metrics.Metrics, registry *session.Registry) {
	m.RegisterActiveSessions(func() float64 { return float64(registry.Len()) })

	if !cfg.Metrics.Enabled {
		return
	}

	srv := metrics.NewServer(log, m, cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			srv.Start()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
