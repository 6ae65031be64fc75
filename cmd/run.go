// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/synguard/internal/api"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/metrics"
	"grimm.is/synguard/internal/nfqueue"
)

// DefaultConfigPath is used when -config is not given and the file exists.
const DefaultConfigPath = "/etc/synguard/synguard.hcl"

const shutdownTimeout = 5 * time.Second

// RunDaemon runs the filter against the configured netfilter queue until
// SIGINT or SIGTERM.
// args should be the arguments after `synguard run`
func RunDaemon(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := flags.String("config", "", "Path to config file (HCL, JSON or YAML)")
	flags.Parse(args)

	path := *configPath
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			path = DefaultConfigPath
		}
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}
	logger := logging.WithComponent("daemon")
	logger.Info("Starting synguard", "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg.API.Listen, func(m *metrics.Metrics) (*Stack, error) {
		return BuildStack(cfg, m)
	}, openQueue, logger)
}

// queueReader is the packet source serve drives. *nfqueue.Reader
// implements it.
type queueReader interface {
	api.QueueSource
	Start(ctx context.Context) error
	Stop()
}

func openQueue(stack *Stack, m *metrics.Metrics) queueReader {
	return nfqueue.New(stack.Config.QueueConfig(), stack.Pool, nfqueue.WithMetrics(m))
}

// serve runs the pool, the queue reader and the API until ctx ends. The
// pool has stopped by the time it returns, including on start errors.
func serve(ctx context.Context, listen string, build func(*metrics.Metrics) (*Stack, error),
	open func(*Stack, *metrics.Metrics) queueReader, logger *logging.Logger) error {
	m := metrics.NewMetrics()
	stack, err := build(m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stack.Pool.Run(ctx) })

	reader := open(stack, m)
	if err := reader.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to open netfilter queue")
		cancel()
		g.Wait()
		return errors.Attr(err, "queue", stack.Config.NFQueue.Num)
	}
	defer reader.Stop()

	if listen != "" {
		srv := api.NewServer(listen, m.Registry(), stack.Pool, api.WithQueue(reader))
		if err := srv.Start(); err != nil {
			cancel()
			g.Wait()
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	st := reader.Stats()
	logger.Info("synguard stopped",
		"received", st.Received, "accepted", st.Accepted, "dropped", st.Dropped)
	return err
}
