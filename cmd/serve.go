package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/forgelab/toolforge/internal/bus"
	"github.com/forgelab/toolforge/internal/config"
	"github.com/forgelab/toolforge/internal/files"
	"github.com/forgelab/toolforge/internal/gateway"
	"github.com/forgelab/toolforge/internal/janitor"
	"github.com/forgelab/toolforge/internal/mailer"
	"github.com/forgelab/toolforge/internal/queue"
	"github.com/forgelab/toolforge/internal/runner"
	"github.com/forgelab/toolforge/internal/sandbox"
	"github.com/forgelab/toolforge/internal/store"
	"github.com/forgelab/toolforge/internal/store/pg"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the toolforge service",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Error("TOOLFORGE_POSTGRES_DSN environment variable is not set")
		os.Exit(1)
	}

	for _, dir := range []string{cfg.Storage.Dir, cfg.Storage.TmpDir, cfg.Sandbox.EnvRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("cannot create directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	stores, db, err := pg.NewPGStores(cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	b := bus.New()

	q := queue.New(stores.Jobs)
	if cfg.Runner.PollIntervalSec > 0 {
		q.PollInterval = time.Duration(cfg.Runner.PollIntervalSec) * time.Second
	}

	fileSvc := files.NewService(stores.Files, stores.Users, cfg.Storage.Dir)

	var m mailer.Mailer = mailer.Disabled{}
	if cfg.SMTP.Host != "" {
		m = &mailer.SMTP{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}
		slog.Info("completion email enabled", "host", cfg.SMTP.Host)
	}

	sandboxMgr := sandbox.NewManager(sandbox.Config{
		EnvRoot:   cfg.Sandbox.EnvRoot,
		Activator: cfg.Sandbox.Activator,
		MambaBin:  cfg.Sandbox.MambaBin,
		CondaBin:  cfg.Sandbox.CondaBin,
	}, stores.Tools, q, b)

	supervisor := runner.NewSupervisor(stores, fileSvc, b, sandboxMgr, m, cfg.Storage.TmpDir)
	if cfg.Runner.PollIntervalSec > 0 {
		supervisor.PollInterval = time.Duration(cfg.Runner.PollIntervalSec) * time.Second
	}
	if cfg.Runner.GraceSec > 0 {
		supervisor.Grace = time.Duration(cfg.Runner.GraceSec) * time.Second
	}

	q.Register(store.JobRun, supervisor.HandleJob)
	q.Register(store.JobSandboxOp, sandboxMgr.HandleJob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	// Reconcile durable state before any worker can claim a job: orphaned
	// running runs are cancelled, pending runs re-enqueued exactly once.
	if err := runner.Recover(ctx, stores, q); err != nil {
		slog.Error("startup recovery failed", "error", err)
		os.Exit(1)
	}

	workers := cfg.Runner.Workers
	if workers <= 0 {
		workers = 2
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.Run(ctx, workers)
	})
	g.Go(func() error {
		janitor.New(stores, cfg.Janitor.Schedule, cfg.Storage.TmpDir, cfg.Storage.Dir).Run(ctx)
		return nil
	})
	g.Go(func() error {
		return gateway.NewServer(cfg, b).Start(ctx)
	})

	slog.Info("toolforge started", "version", Version, "workers", workers)
	if err := g.Wait(); err != nil {
		slog.Error("service exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("toolforge stopped")
}
