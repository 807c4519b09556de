// Command loom runs the multi-agent coordination server: it connects to the
// messaging substrate, resolves this process's identity, seeds the
// configured channels, starts the registry garbage collector, and serves
// the tool surface over stdio until interrupted.
//
// Exit codes: 0 on graceful shutdown, 1 on startup failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"loom/pkg/channels"
	"loom/pkg/config"
	"loom/pkg/identity"
	"loom/pkg/inbox"
	"loom/pkg/lifecycle"
	"loom/pkg/logx"
	"loom/pkg/metrics"
	"loom/pkg/registry"
	"loom/pkg/session"
	"loom/pkg/substrate"
	"loom/pkg/tools"
	"loom/pkg/workqueue"
)

func main() {
	projectDir := flag.String("project", "", "project directory (default: current directory)")
	natsURL := flag.String("nats-url", "", "substrate URL override")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address override, e.g. :9091")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("loom " + tools.Version)
		return
	}

	if err := run(*projectDir, *natsURL, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
}

func run(projectDir, natsURL, metricsAddr string) error {
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		projectDir = wd
	}

	cfg, err := config.Load(projectDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if natsURL != "" {
		cfg.NatsURL = natsURL
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	logx.Configure(logx.ParseLevel(cfg.Log.Level), logx.Format(cfg.Log.Format))
	logger := logx.NewLogger("loom")
	logger.Info("starting: project=%s namespace=%s substrate=%s", cfg.ProjectID, cfg.Namespace, cfg.NatsURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := substrate.Connect(ctx, cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect substrate: %w", err)
	}
	metrics.SubstrateUp.Set(1)
	defer func() {
		metrics.SubstrateUp.Set(0)
		if err := conn.Drain(); err != nil {
			logger.Warn("drain: %v", err)
		}
	}()

	ident, err := identity.NewService(conn).Initialize(ctx, cfg.ProjectID, cfg.ProjectPath)
	if err != nil {
		return fmt.Errorf("initialize identity: %w", err)
	}
	logger.Info("identity %s (%s)", ident.AgentID, ident.Kind)

	store := registry.NewStore(conn)
	sess := session.New(cfg, conn, store, ident)
	defer sess.Close()

	chans := channels.NewService(conn, cfg.Namespace, cfg.Channels)
	if err := chans.EnsureAll(ctx); err != nil {
		return fmt.Errorf("seed channels: %w", err)
	}

	gc := lifecycle.NewGC(store, cfg.Lifecycle)
	go gc.Run(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Warn("metrics endpoint: %v", err)
			}
		}()
	}

	srv := tools.NewServer(tools.Deps{
		Cfg:      cfg,
		Session:  sess,
		Store:    store,
		Inbox:    inbox.NewService(conn, store, cfg.WorkQueue),
		Queue:    workqueue.NewEngine(conn, cfg.WorkQueue),
		Channels: chans,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := sess.Deregister(context.Background()); err != nil {
			logger.Warn("deregister on shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}
