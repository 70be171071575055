package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/blobrepo/cmd/flags"
	"github.com/ruteri/blobrepo/common"
	"github.com/ruteri/blobrepo/config"
	"github.com/ruteri/blobrepo/httpserver"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/metrics"
	"github.com/ruteri/blobrepo/multiplex"
	"github.com/ruteri/blobrepo/storage"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var healerFlags = []cli.Flag{
	&cli.DurationFlag{
		Name:  "interval",
		Value: 10 * time.Second,
		Usage: "time between healing passes when the queue is drained",
	},
	&cli.IntFlag{
		Name:  "batch-size",
		Value: multiplex.DefaultHealBatchSize,
		Usage: "queue entries read per pass",
	},
	&cli.IntFlag{
		Name:  "concurrency",
		Value: multiplex.DefaultHealConcurrency,
		Usage: "keys repaired at once per repository",
	},
	&cli.DurationFlag{
		Name:  "pending-interval",
		Value: 30 * time.Second,
		Usage: "how often queue depth gauges are refreshed",
	},
	&cli.StringFlag{
		Name:  "dns-server",
		Value: storage.DefaultDNSServer,
		Usage: "DNS server (host:port) for network blob tier lookups",
	},
}

// repoHealer is the healing state of one configured repository.
type repoHealer struct {
	repo    interfaces.RepositoryID
	mux     *multiplex.Blobstore
	healer  *multiplex.Healer
	metrics *metrics.HealerMetrics
}

func openRepo(ctx context.Context, drivers *storage.Factory, path string) (interfaces.RepositoryID, *multiplex.Blobstore, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, ok := cfg.Storage.Blobstore.(config.Multiplexed); !ok {
		return 0, nil, interfaces.ConfigErrorf("%s: repository %s is not multiplexed", path, cfg.RepoID)
	}

	bs, err := drivers.MakeBlobstore(ctx, cfg.RepoID, cfg.Storage.Blobstore, cfg.Storage.DBConfig, cfg.RoutingPort)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg.RepoID, bs.(*multiplex.Blobstore), nil
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	metricsSrv, err := metrics.New(common.PackageName, cCtx.String(flags.MetricsAddrFlag.Name))
	if err != nil {
		return err
	}
	blobMetrics, err := metrics.NewBlobstoreMetrics(common.PackageName, metricsSrv.Registry(), 0)
	if err != nil {
		return err
	}
	defer blobMetrics.Close()
	inconsistencyCounter, err := metrics.NewInconsistencyCounter(common.PackageName, metricsSrv.Registry())
	if err != nil {
		return err
	}
	inconsistencies := multiplex.NewInconsistencyLog(0, inconsistencyCounter, nil, logger)

	drivers := storage.NewFactory(logger)
	drivers.Telemetry = blobMetrics.ForTable
	drivers.Resolver = storage.NewTierResolver(cCtx.String("dns-server"))

	healerOpts := multiplex.HealerOptions{
		BatchSize:   cCtx.Int("batch-size"),
		Concurrency: cCtx.Int("concurrency"),
	}

	var repos []*repoHealer
	defer func() {
		for _, r := range repos {
			if err := r.mux.Close(); err != nil {
				logger.Error("Failed to close blobstore", "err", err, slog.String("repo", r.repo.String()))
			}
		}
	}()

	sources := make(map[interfaces.RepositoryID]httpserver.RepairSource)
	for _, path := range cCtx.StringSlice(flags.ConfigFlag.Name) {
		repo, mux, err := openRepo(ctx, drivers, path)
		if err != nil {
			logger.Error("Failed to open repository", "err", err, slog.String("config", path))
			return err
		}
		if _, dup := sources[repo]; dup {
			mux.Close()
			return interfaces.ConfigErrorf("repository %s is configured twice", repo)
		}

		hm, err := metrics.NewHealerMetrics(common.PackageName, metricsSrv.Registry(), repo)
		if err != nil {
			mux.Close()
			return err
		}
		opts := healerOpts
		opts.Observer = hm
		r := &repoHealer{
			repo:    repo,
			mux:     mux,
			healer:  multiplex.NewHealerFor(mux, inconsistencies, opts, logger),
			metrics: hm,
		}
		repos = append(repos, r)
		sources[repo] = r.healer
		logger.Info("Healing repository", slog.String("repo", repo.String()), slog.Int("members", len(mux.Members())))
	}

	handler := httpserver.NewHandler(sources, inconsistencies, logger)
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name)), handler, metricsSrv)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()

	interval := cCtx.Duration("interval")
	pendingInterval := cCtx.Duration("pending-interval")
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range repos {
		g.Go(func() error {
			return r.healer.Run(gctx, interval)
		})
		g.Go(func() error {
			ticker := time.NewTicker(pendingInterval)
			defer ticker.Stop()
			for {
				if err := r.metrics.UpdatePending(gctx, r.healer); err != nil && gctx.Err() == nil {
					logger.Warn("Failed to read queue depth", "err", err, slog.String("repo", r.repo.String()))
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
				}
			}
		})
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Healer is running, press Ctrl+C to stop")

	select {
	case <-exit:
		logger.Info("Shutdown signal received")
	case <-gctx.Done():
	}
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Healer stopped", "err", err)
		return err
	}
	logger.Info("Healer shutdown complete")
	return nil
}

func main() {
	app := &cli.App{
		Name:   "blobrepo-healer",
		Usage:  "Drain the sync queues of multiplexed blobstores",
		Flags:  append(append([]cli.Flag{flags.ConfigFlag, flags.ListenAddrFlag, flags.LogServiceFlagFn("blobrepo-healer")}, flags.CommonFlags...), healerFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
