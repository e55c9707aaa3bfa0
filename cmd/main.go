// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main is the mcproxy binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/mcproxy"
	"github.com/absmach/mcproxy/examples/simple"
	"github.com/absmach/mcproxy/pkg/breaker"
	"github.com/absmach/mcproxy/pkg/config"
	"github.com/absmach/mcproxy/pkg/handler"
	"github.com/absmach/mcproxy/pkg/health"
	"github.com/absmach/mcproxy/pkg/metrics"
	"github.com/absmach/mcproxy/pkg/proxy"
	"github.com/absmach/mcproxy/pkg/ratelimit"
	"github.com/absmach/mcproxy/pkg/route"
	"github.com/absmach/mcproxy/pkg/server/tcp"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Process exit codes.
const (
	exitFailure      = 1
	exitConfigFailed = 2
	exitBindFailed   = 3
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	cmd := rootCmd()
	cmd.AddCommand(versionCmd())

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		code := exitFailure
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintf(os.Stderr, "mcproxy: %s\n", err)
		os.Exit(code)
	}
}

func rootCmd() *cobra.Command {
	var (
		testOnly   bool
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "mcproxy",
		Short: "Minecraft virtual host reverse proxy",
		Long: `mcproxy routes Minecraft Java Edition connections to backend servers
by the domain the client puts in its handshake.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dotenvErr := godotenv.Load()

			cfg, err := mcproxy.NewConfig(env.Options{Prefix: mcproxy.EnvPrefix})
			if err != nil {
				return &exitError{code: exitConfigFailed, err: err}
			}
			if configFile != "" {
				cfg.ConfigFile = configFile
			}

			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
			if dotenvErr != nil {
				logger.Debug("no .env file found, using environment variables")
			}

			if testOnly {
				return testConfig(cmd, cfg.ConfigFile)
			}
			return run(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().BoolVarP(&testOnly, "test", "t", false, "Validate the route configuration and exit")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Route configuration file (overrides MCPROXY_CONFIG_FILE)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcproxy %s (commit %s, built %s, %s %s/%s)\n",
				version, commit, date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// testConfig validates the route file without creating it or binding anything.
func testConfig(cmd *cobra.Command, path string) error {
	if _, err := config.Load(path); err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration file %s test is successful\n", path)
	return nil
}

func run(ctx context.Context, cfg mcproxy.Config, logger *slog.Logger) error {
	routes, created, err := config.LoadOrCreate(cfg.ConfigFile)
	if err != nil {
		logger.Error("failed to load configuration",
			slog.String("path", cfg.ConfigFile),
			slog.String("error", err.Error()))
		return &exitError{code: exitConfigFailed, err: err}
	}
	if created {
		logger.Info("generated default configuration", slog.String("path", cfg.ConfigFile))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("mcproxy", reg)

	var h handler.Handler = simple.New(logger)
	if cfg.ClientRateLimited() {
		limiter := ratelimit.NewLimiter(cfg.ClientRateCapacity, cfg.ClientRateRefill, cfg.ClientRateMaxClients)
		defer limiter.Close()
		h = &RateLimitedHandler{
			handler: h,
			limiter: limiter,
			metrics: m,
			logger:  logger,
		}
	}

	p := proxy.New(proxy.Config{
		Routes: routes.Routes(),
		Server: tcp.Config{
			HandshakeTimeout:    routes.HandshakeTimeout(),
			MaxHandshakeSize:    cfg.MaxHandshakeSize,
			DialTimeout:         cfg.DialTimeout,
			AcceptRate:          cfg.AcceptRate,
			AcceptProxyProtocol: cfg.AcceptProxyProtocol,
			ShutdownTimeout:     cfg.ShutdownTimeout,
		},
		Resolver: route.ResolverConfig{Timeout: cfg.ResolveTimeout},
		Breaker: breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		},
		Metrics: m,
		Logger:  logger,
	}, h)

	if err := p.Bind(); err != nil {
		logger.Error("failed to bind listeners", slog.String("error", err.Error()))
		return &exitError{code: exitBindFailed, err: err}
	}
	logger.Info("mcproxy started",
		slog.String("version", version),
		slog.Any("listen", routes.ListenAddresses()),
		slog.Int("servers", len(routes.Servers)))

	var admin net.Listener
	if cfg.AdminEnabled() {
		if admin, err = net.Listen("tcp", cfg.AdminAddress); err != nil {
			logger.Error("failed to bind admin address",
				slog.String("address", cfg.AdminAddress),
				slog.String("error", err.Error()))
			return &exitError{code: exitBindFailed, err: err}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if admin != nil {
		checker := health.NewChecker(5 * time.Second)
		p.RegisterHealth(checker)
		startAdminServer(ctx, g, admin, reg, checker, logger)
	}

	p.Warm(ctx)
	g.Go(func() error {
		return p.Serve(ctx)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, tcp.ErrShutdownTimeout) {
			logger.Warn("shutdown timeout exceeded, remaining connections were closed",
				slog.Duration("timeout", cfg.ShutdownTimeout))
			logger.Info("mcproxy service stopped")
			return nil
		}
		logger.Error(fmt.Sprintf("mcproxy service terminated with error: %s", err))
		return &exitError{code: exitFailure, err: err}
	}
	logger.Info("mcproxy service stopped")
	return nil
}

// startAdminServer serves Prometheus metrics and health endpoints on ln until
// ctx is cancelled.
func startAdminServer(ctx context.Context, g *errgroup.Group, ln net.Listener, reg *prometheus.Registry, checker *health.Checker, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	checker.Mount(r)

	srv := &http.Server{
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("admin server started", slog.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var logHandler slog.Handler
	if format == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(logHandler)
}

// StopSignalHandler cancels the service on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
