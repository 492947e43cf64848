// Package app wires the ghlake pipeline and runs the long-lived service:
// the scheduler, the HTTP API and the gRPC API.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	grpcapi "github.com/ghlake/ghlake/internal/api/grpc"
	httpapi "github.com/ghlake/ghlake/internal/api/http"
	"github.com/ghlake/ghlake/internal/config"
	"github.com/ghlake/ghlake/internal/scheduler"
	"github.com/ghlake/ghlake/internal/server"
)

// App manages the service lifecycle.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	opts   Options

	components *Components
	shutdown   *server.ShutdownManager
	daemon     *scheduler.Daemon
	api        *httpapi.API

	// httpAddr and grpcAddr are the bound listen addresses once started.
	httpAddr string
	grpcAddr string

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *zap.Logger, opts Options) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger, opts: opts}
}

// Start wires the pipeline and starts every service the mode selects.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	c, err := Build(ctx, a.cfg, a.logger, a.opts)
	if err != nil {
		return err
	}
	a.components = c
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger)
	a.shutdown.RegisterCloser("ledger", c)

	if a.cfg.ShouldRunScheduler() {
		if err := a.startScheduler(ctx); err != nil {
			a.shutdown.Shutdown(context.Background(), "start failed")
			return err
		}
	}

	if a.cfg.ShouldRunAPI() {
		if err := a.startHTTP(); err != nil {
			a.shutdown.Shutdown(context.Background(), "start failed")
			return err
		}
		if a.cfg.GRPC.Enabled {
			if err := a.startGRPC(); err != nil {
				a.shutdown.Shutdown(context.Background(), "start failed")
				return err
			}
		}
	}

	a.running = true
	a.logger.Info("ghlake started", zap.String("mode", string(a.cfg.Mode)))
	return nil
}

func (a *App) startScheduler(ctx context.Context) error {
	c := a.components
	a.daemon = scheduler.NewDaemon(scheduler.Config{
		Interval:      a.cfg.Scheduler.Interval,
		LagDays:       a.cfg.Pipeline.LagDays,
		BuildFeatures: a.cfg.Scheduler.BuildFeatures,
		SweepOrphans:  a.cfg.Scheduler.SweepOrphans,
	}, c.Orchestrator, c.Retention, c.Features, a.logger)

	if err := a.daemon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.shutdown.RegisterCloser("scheduler", server.CloserFunc(a.daemon.Stop))
	return nil
}

func (a *App) startHTTP() error {
	c := a.components
	a.api = httpapi.NewAPI(httpapi.Deps{
		Runner:            c.Orchestrator,
		Ledger:            c.Ledger,
		Retention:         c.Retention,
		Leases:            c.Leases,
		Storage:           c.Storage,
		Gatherer:          c.Metrics.Gatherer,
		GoldRetentionDays: a.cfg.Pipeline.GoldRetentionDays,
	}, a.logger)
	// Accepted runs must finish or cancel before the ledger closes.
	a.shutdown.RegisterCloser("http runs", server.CloserFunc(a.api.Close))

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpAddr = lis.Addr().String()

	srv := &http.Server{
		Handler:      a.api.Router(a.shutdown.Middleware),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.serve("http", func() error { return a.shutdown.ServeHTTP(srv, lis) })
	a.logger.Info("HTTP API listening", zap.String("addr", a.httpAddr))
	return nil
}

func (a *App) startGRPC() error {
	c := a.components
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.grpcAddr = lis.Addr().String()

	srv := grpc.NewServer(grpc.UnaryInterceptor(grpcapi.LoggingInterceptor(a.logger.Named("grpc"))))
	grpcapi.RegisterPipelineServer(srv, grpcapi.NewServer(c.Orchestrator, c.Ledger, a.logger))
	a.serve("grpc", func() error { return a.shutdown.ServeGRPC(srv, lis) })
	a.logger.Info("gRPC API listening", zap.String("addr", a.grpcAddr))
	return nil
}

// serve runs fn in the background; a serve failure shuts the app down.
func (a *App) serve(name string, fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(); err != nil {
			a.logger.Error("server failed", zap.String("server", name), zap.Error(err))
			go a.shutdown.Shutdown(context.Background(), name+" failed")
		}
	}()
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is not running.
func (a *App) HTTPAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is not running.
func (a *App) GRPCAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grpcAddr
}

// Components returns the wired pipeline, or nil before Start.
func (a *App) Components() *Components {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.components
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	a.logger.Info("ghlake stopped")
	return err
}

// WaitForShutdown blocks until a signal arrives or ctx ends, then stops.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.wg.Wait()
	return err
}
