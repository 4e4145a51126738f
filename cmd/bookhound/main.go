package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/bookhound/bookhound/internal/bus"
	"github.com/bookhound/bookhound/internal/catalog"
	"github.com/bookhound/bookhound/internal/cleanup"
	"github.com/bookhound/bookhound/internal/config"
	"github.com/bookhound/bookhound/internal/fetch"
	"github.com/bookhound/bookhound/internal/hooks"
	"github.com/bookhound/bookhound/internal/http/rest"
	"github.com/bookhound/bookhound/internal/importlist"
	"github.com/bookhound/bookhound/internal/logctx"
	"github.com/bookhound/bookhound/internal/notifier"
	"github.com/bookhound/bookhound/internal/queue"
	"github.com/bookhound/bookhound/internal/storage"
	"github.com/bookhound/bookhound/internal/storage/sqlite"
	"github.com/bookhound/bookhound/internal/sweep"
	"github.com/bookhound/bookhound/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		slog.Error("telemetry error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("bookhound starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg, tel); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	downloads := sqlite.NewInstrumentedDownloadRepository(database, tel)
	requests := sqlite.NewRequestRepository(database)
	lists := sqlite.NewImportListRepository(database)
	settings := sqlite.NewSettingsRepository(database)

	// =========================================================================
	// Start Pipeline
	events := bus.NewBroadcaster()
	notif := buildNotifier(cfg)

	fetcher := fetch.NewInstrumentedFetcher(
		fetch.NewHTTPFetcher(cfg.MirrorBaseURL, cfg.MirrorAPIKey, cfg.DownloadDir, cfg.FetchTimeout),
		tel,
	)
	organizer := hooks.NewOrganizer(cfg.LibraryDir)

	q := queue.New(
		queue.Config{
			MaxRetryAttempts: cfg.MaxRetryAttempts,
			QuotaBackoff:     cfg.QuotaBackoff,
			RetryCooldown:    cfg.RetryCooldown,
		},
		downloads, settings, fetcher, fetch.NewFileValidator(),
		[]hooks.Hook{organizer}, notif, events,
	)

	if err := q.Recover(ctx); err != nil {
		return err
	}

	searcher := catalog.NewInstrumentedSearcher(
		catalog.NewClient(cfg.CatalogBaseURL, cfg.CatalogAPIKey, cfg.SearchTimeout),
		tel,
	)

	sweeper := sweep.New(
		sweep.Config{
			SearchDelay:   cfg.SearchDelay,
			ISBNFirst:     cfg.ISBNFirst,
			YearNarrowing: cfg.YearNarrowing,
		},
		requests, downloads, searcher, q,
		[]hooks.Hook{organizer}, notif, events,
	)

	poller := importlist.New(lists, requests, importlist.NewFeedSource(cfg.FeedTimeout), events)

	// =========================================================================
	// Start API Service
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, q, sweeper, poller, downloads, requests, lists, events)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for requests...",
		"library_dir", cfg.LibraryDir,
		"sweep_interval", cfg.SweepInterval.String(),
		"list_poll_interval", cfg.ListPollInterval.String(),
		"retention", cfg.KeepFailedFor.String(),
	)

	// =========================================================================
	// Start Background Loops
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return q.Run(groupCtx)
	})

	group.Go(func() error {
		return runSweepLoop(groupCtx, sweeper, tel, cfg.SweepInterval)
	})

	group.Go(func() error {
		return runPollLoop(groupCtx, poller, tel, cfg.ListPollInterval)
	})

	group.Go(func() error {
		return runCleanupLoop(groupCtx, downloads, cfg)
	})

	group.Go(func() error {
		return runMetricsLoop(groupCtx, q, events, tel)
	})

	// =========================================================================
	// Wait for Shutdown
	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return err
			}
		}

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}

		return group.Wait()
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL != "" {
		return &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	return notifier.Noop{}
}

func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	q *queue.Queue,
	sweeper *sweep.Sweeper,
	poller *importlist.Poller,
	downloads *sqlite.InstrumentedDownloadRepository,
	requests *sqlite.RequestRepository,
	lists *sqlite.ImportListRepository,
	events *bus.Broadcaster,
) *http.Server {
	api := rest.NewAPIHandler(
		cfg.API.Username, cfg.API.Password,
		q, sweeper, poller, downloads, requests, lists, events,
	)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/api/v1", api.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runSweepLoop(ctx context.Context, sweeper *sweep.Sweeper, tel *telemetry.Telemetry, interval time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep loop shutting down")

			return ctx.Err()
		case <-ticker.C:
			summary, err := sweeper.SweepAll(ctx)
			if err != nil {
				logger.Error("sweep failed", "err", err)
				tel.RecordSweep("error")
				tel.RecordSystemError("sweep", "sweep_failed")

				continue
			}

			if summary.Skipped {
				tel.RecordSweep("skipped")

				continue
			}

			tel.RecordSweep("success")
		}
	}
}

func runPollLoop(ctx context.Context, poller *importlist.Poller, tel *telemetry.Telemetry, interval time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("import list loop shutting down")

			return ctx.Err()
		case <-ticker.C:
			err := tel.InstrumentListPoll(ctx, func(ctx context.Context) error {
				return poller.PollAll(ctx)
			})
			if err != nil {
				logger.Error("import list poll failed", "err", err)
			}
		}
	}
}

// runMetricsLoop turns bus events into gauge and counter updates.
func runMetricsLoop(ctx context.Context, q *queue.Queue, events *bus.Broadcaster, tel *telemetry.Telemetry) error {
	sub, unsubscribe := events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, open := <-sub:
			if !open {
				return nil
			}

			switch event.Topic {
			case bus.TopicQueueChanged:
				pending, _ := q.Pending()
				tel.SetQueueDepth(len(pending))

				if event.Data["status"] == storage.StatusDelayed {
					tel.RecordRetry("delayed")
				} else if event.Data["retried"] == true {
					tel.RecordRetry("immediate")
				}
			case bus.TopicRequestsChanged:
				if event.Data["status"] == storage.RequestFulfilled {
					tel.RecordRequestFulfilled()
				}
			}
		}
	}
}

func runCleanupLoop(ctx context.Context, downloads *sqlite.InstrumentedDownloadRepository, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup loop shutting down")

			return ctx.Err()
		case <-ticker.C:
			if err := cleanup.PruneStaleArtifacts(ctx, downloads, cfg.DownloadDir, cfg.KeepFailedFor); err != nil {
				logger.Error("failed to prune stale artifacts", "err", err)
			}
		}
	}
}
