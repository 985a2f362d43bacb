// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"querygate/server/internal/codec"
	"querygate/server/internal/config"
	"querygate/server/internal/connpool"
	"querygate/server/internal/dispatch"
	"querygate/server/internal/dsn"
	"querygate/server/internal/logging"
	"querygate/server/internal/metrics"
	"querygate/server/internal/rpc"
	"querygate/server/internal/server"
	"querygate/server/internal/sqlexec"
	"querygate/server/internal/store"
	"querygate/server/internal/worker"
)

const (
	checkTimeout    = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

var serveOpts struct {
	dsn         string
	listen      string
	grpcAddr    string
	workers     int
	connections int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the query server",
	Long: `The serve command starts the worker pool and the HTTP, WebSocket and gRPC front
ends. The database DSN is taken from --dsn, then QUERYGATE_DSN or DATABASE_URL,
then the OS keychain (see 'querygate connect').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("listen") {
			cfg.ListenAddr = serveOpts.listen
		}
		if flags.Changed("grpc-addr") {
			cfg.GRPCAddr = serveOpts.grpcAddr
		}
		if flags.Changed("workers") {
			cfg.Pool.Workers = serveOpts.workers
		}
		if flags.Changed("connections") {
			cfg.Pool.Connections = serveOpts.connections
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}

		rawDSN, source, err := resolveDSN(serveOpts.dsn, cfg, osKeychain)
		if err != nil {
			return err
		}
		logger.Info("using database", "dsn", logging.Mask(rawDSN), "source", source)

		fe, err := listen(cfg)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, rawDSN, logger, fe)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveOpts.dsn, "dsn", "", "Database DSN (postgres:// or sqlite://)")
	serveCmd.Flags().StringVar(&serveOpts.listen, "listen", config.DefaultListenAddr, "HTTP listen address")
	serveCmd.Flags().StringVar(&serveOpts.grpcAddr, "grpc-addr", config.DefaultGRPCAddr, "gRPC listen address, empty to disable")
	serveCmd.Flags().IntVar(&serveOpts.workers, "workers", 0, "Number of workers (default CPU count + 1)")
	serveCmd.Flags().IntVar(&serveOpts.connections, "connections", 0, "Connection pool capacity (default CPU count * 8)")
}

// frontEnds are the bound listeners. grpc is nil when the gRPC front end
// is disabled.
type frontEnds struct {
	http net.Listener
	grpc net.Listener
}

func (fe frontEnds) close() {
	fe.http.Close()
	if fe.grpc != nil {
		fe.grpc.Close()
	}
}

// listen binds the configured addresses.
func listen(cfg config.Config) (frontEnds, error) {
	var fe frontEnds
	var err error
	fe.http, err = net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fe, fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	if cfg.GRPCAddr != "" {
		fe.grpc, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			fe.http.Close()
			return fe, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
		}
	}
	return fe, nil
}

// serve runs on fe until ctx ends or a listener fails, then drains in
// order: stop accepting requests, let queued jobs finish, close the
// connections. The listeners are closed when serve returns.
func serve(ctx context.Context, cfg config.Config, rawDSN string, logger *slog.Logger, fe frontEnds) error {
	started := false
	defer func() {
		if !started {
			fe.close()
		}
	}()

	if err := dsn.Validate(rawDSN); err != nil {
		return err
	}
	dialer, err := store.Open(rawDSN)
	if err != nil {
		return err
	}

	capacity := cfg.Pool.Connections
	if capacity == 0 {
		capacity = connpool.DefaultCapacity()
	}
	conns := connpool.New(dialer, connpool.Options{
		Capacity:       capacity,
		AcquireTimeout: time.Duration(cfg.Pool.AcquireTimeout),
	})
	defer conns.Close()

	if err := checkDatabase(ctx, conns); err != nil {
		return fmt.Errorf("database check failed: %w", err)
	}

	m := metrics.New()
	m.RegisterPool(conns)

	pool, err := worker.Start(worker.Config{
		Workers:     cfg.Pool.Workers,
		QueueDepth:  cfg.Pool.QueueDepth,
		Connections: conns,
		Execute:     sqlexec.New(cfg.MaxRows).Execute,
		Encode:      codec.Encode,
		Logger:      logger.With("component", "worker"),
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	disp := dispatch.New(pool, dispatch.WithQueueTimeout(time.Duration(cfg.Pool.QueueTimeout)))

	httpSrv := server.New(disp, server.Options{
		Logger:    logger.With("component", "http"),
		Metrics:   m,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}).HTTPServer(fe.http.Addr().String())

	var grpcSrv *grpc.Server
	if fe.grpc != nil {
		grpcSrv = rpc.NewServer(rpc.NewService(disp, logger.With("component", "grpc"), m))
	}

	started = true
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", fe.http.Addr().String())
		if err := httpSrv.Serve(fe.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			logger.Info("grpc listening", "addr", fe.grpc.Addr().String())
			if err := grpcSrv.Serve(fe.grpc); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if err := pool.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("worker shutdown: %w", err))
		}
		st := pool.Stats()
		logger.Info("worker pool stopped", "completed", st.Completed, "failed", st.Failed, "expired", st.Expired)
		return errors.Join(errs...)
	})
	return g.Wait()
}

// checkDatabase leases and returns one connection so a bad DSN fails at
// startup rather than on the first query.
func checkDatabase(ctx context.Context, conns *connpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	c, err := conns.Acquire(ctx)
	if err != nil {
		return err
	}
	c.Release()
	return nil
}
