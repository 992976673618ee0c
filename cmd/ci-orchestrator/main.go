// Package main is the entry point for the CI orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/ci-orchestrator/internal/buildinfo"
	"github.com/nugget/ci-orchestrator/internal/config"
	"github.com/nugget/ci-orchestrator/internal/ghhost"
	"github.com/nugget/ci-orchestrator/internal/ghhost/cache"
	"github.com/nugget/ci-orchestrator/internal/httpapi"
	"github.com/nugget/ci-orchestrator/internal/httpkit"
	"github.com/nugget/ci-orchestrator/internal/logsink"
	"github.com/nugget/ci-orchestrator/internal/metricsemit"
	"github.com/nugget/ci-orchestrator/internal/prbuilder"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/fetch"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/handle"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/metrics"
	"github.com/nugget/ci-orchestrator/internal/supervisor"
)

func main() {
	port := flag.Int("port", 0, "control-surface port (0 disables the HTTP control surface)")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	// bootstrapLogger only ever reports the handful of failures that
	// can happen before the real log sink exists to take over.
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	cfg, err := config.Load()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, err = config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			bootstrapLogger.Error("invalid LOG_LEVEL", "error", err)
			os.Exit(1)
		}
	}

	if *port != 0 {
		if err := config.ValidatePort(*port); err != nil {
			bootstrapLogger.Error("invalid --port", "error", err)
			os.Exit(1)
		}
	}

	sink, err := logsink.Open(cfg.LogDir, time.Now().Unix())
	if err != nil {
		bootstrapLogger.Error("failed to open log sink", "dir", cfg.LogDir, "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	logger := slog.New(sink.Handler(level))

	logger.Info("starting ci-orchestrator", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "repo", cfg.GitHub.Repo, "branch", cfg.GitHub.Branch, "logfile", sink.Path())

	ghCache, err := cache.Open(cfg.GitHub.CacheClientPath)
	if err != nil {
		logger.Error("failed to open hosting-service cache", "path", cfg.GitHub.CacheClientPath, "error", err)
		os.Exit(1)
	}
	defer ghCache.Close()

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithRetry(3, 2*time.Second),
		httpkit.WithLogger(logger),
	)

	trust := ghhost.TrustPolicy{
		TrustedUsers:       cfg.GitHub.TrustedUsers,
		TrustedTeam:        cfg.GitHub.TrustedTeam,
		TrustCollaborators: cfg.GitHub.TrustCollaborators,
	}
	client := ghhost.New(httpClient, cfg.GitHub.Token, ghCache, trust, logger)

	var emitter metrics.Emitter
	if cfg.Monitor.Host != "" {
		udpEmitter, err := metricsemit.New(cfg.Monitor.Host, cfg.Monitor.Port)
		if err != nil {
			logger.Error("failed to start metrics emitter", "error", err)
			os.Exit(1)
		}
		defer udpEmitter.Close()
		emitter = udpEmitter
	} else {
		logger.Warn("MONALISA_HOST not set, metrics will be dropped")
		emitter = noopEmitter{}
	}

	params := prbuilder.Params{
		Fetch: fetch.Params{
			Repo:                 cfg.GitHub.Repo,
			Branch:               cfg.GitHub.Branch,
			CheckName:            cfg.GitHub.CheckName,
			ReviewStatusContext:  cfg.GitHub.ReviewStatusContext,
			ShowMainBranch:       cfg.Fetch.ShowMainBranch,
			WorkerIndex:          cfg.Worker.Index,
			PoolSize:             cfg.Worker.PoolSize,
			DelayBetweenFetches:  cfg.Fetch.DelayBetweenFetches,
			MaxWaitNoPRs:         cfg.Fetch.MaxWaitNoPRs,
			MaxWaitNoNewPRs:      cfg.Fetch.MaxWaitNoNewPRs,
		},
		Handle: handle.Params{
			Repo:             cfg.GitHub.Repo,
			Branch:           cfg.GitHub.Branch,
			CheckoutDir:      cfg.GitHub.RepoCheckout,
			PRRefspec:        "+refs/pull/*/head:refs/remotes/origin/pr/*",
			CheckName:        cfg.GitHub.CheckName,
			Package:          cfg.Build.Package,
			MaxMergeDiffSize: cfg.Build.MaxDiffSize,
			Build: handle.BuildParams{
				Mirror:                      cfg.Build.Mirror,
				AliBuildDefaults:            cfg.Build.AliBuildDefaults,
				AliBuildRepo:                cfg.Build.AliBuildRepo,
				Jobs:                        cfg.Build.Jobs,
				Debug:                       cfg.Build.Debug,
				RemoteStore:                 cfg.Build.RemoteStore,
				NoAssumeConsistentExternals: cfg.Build.NoAssumeConsistentExternals,
				BuildSuffix:                 cfg.Build.BuildSuffix,
			},
			Timeouts: handle.Timeouts{
				Diagnose: cfg.Timeouts.AliDoctorProcess,
				Build:    cfg.Timeouts.AliBuildProcess,
				GitPull:  cfg.Timeouts.GitPull,
			},
		},
		Metrics: prbuilder.MetricsParams{
			Category:    "ci",
			Subcategory: "pull_request_builder",
			WorkerIndex: cfg.Worker.Index,
			CIName:      cfg.Worker.CIName,
		},
	}

	tasks := []supervisor.TaskDescriptor{
		{
			Name: "prbuilder",
			Doc:  "polls, prioritises, and builds pull requests against " + cfg.GitHub.Repo,
			New:  prbuilder.New(client, params, emitter),
		},
	}

	sup := supervisor.New(tasks, logger)
	sup.Run()

	var server *httpapi.Server
	if *port != 0 {
		server = httpapi.New(*port, sup, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("HTTP control surface failed", "error", err)
			}
		}()
		logger.Info("HTTP control surface listening", "port", *port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			server.Shutdown(ctx)
			cancel()
		}
		sup.Shutdown()
	}()

	sup.Join(0)
	logger.Info("ci-orchestrator stopped")
}

// noopEmitter discards every record; used when no monitoring endpoint
// is configured so the PR-builder parent's metrics collector always
// has a real Emitter to call rather than needing a nil check.
type noopEmitter struct{}

func (noopEmitter) Emit(path, name string, value float64) error { return nil }
