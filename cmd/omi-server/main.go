package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/internal/dotenv"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/activation"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/dedup"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/jobs"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/notify"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/pipeline"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist/sessioncache"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/completion"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/config"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/lifecycle"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/memoryindex"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/server"
	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/store"
)

type serverDeps struct {
	loadConfig    func() (config.Config, error)
	newCompletion func(ctx context.Context, cfg config.Config) (completion.Service, error)
	newStore      func(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig: config.LoadFromEnv,
		newCompletion: func(ctx context.Context, cfg config.Config) (completion.Service, error) {
			return completion.NewGemini(ctx, cfg.GeminiAPIKey, cfg.CompletionModel, cfg.EmbeddingModel)
		},
		newStore: openStore,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// openStore picks the Store driver: Postgres when a DSN is configured,
// in-process otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("no postgres dsn configured, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := store.Migrate(pg.Pool()); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, pg.Close, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServer(ctx context.Context, logger *slog.Logger, deps serverDeps) error {
	if deps.loadConfig == nil || deps.newCompletion == nil || deps.newStore == nil {
		return errors.New("missing constructor dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("OMI_GEMINI_API_KEY must be set")
	}

	st, closeStore, err := deps.newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := deps.newCompletion(ctx, cfg)
	if err != nil {
		return fmt.Errorf("completion service: %w", err)
	}

	var index memoryindex.Index = memoryindex.Noop{}
	if cfg.QdrantURL != "" {
		embedder, ok := svc.(memoryindex.Embedder)
		if !ok {
			return errors.New("completion service does not embed, cannot enable the memory index")
		}
		index, err = memoryindex.NewQdrant(memoryindex.QdrantConfig{
			URL:        cfg.QdrantURL,
			Collection: cfg.QdrantCollection,
			APIKey:     cfg.QdrantAPIKey,
		}, embedder)
		if err != nil {
			return fmt.Errorf("memory index: %w", err)
		}
	}

	queue := jobs.New(jobs.Config{
		BufferSize:  cfg.QueueBufferSize,
		BatchSize:   cfg.QueueBatchSize,
		Tick:        cfg.QueueTick,
		MaxAttempts: cfg.QueueMaxAttempts,
	}, logger)
	store.RegisterQueueHandlers(queue, st, index, logger)
	queue.Start()

	var windows notify.Windows = notify.NewMemoryWindows(cfg.NotifyWindow, cfg.NotifyMax)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() { _ = client.Close() }()
		windows = notify.NewRedisWindows(client, cfg.NotifyWindow, cfg.NotifyMax)
	}
	notifier := notify.NewNotifier(cfg.NotifyBaseURL, cfg.NotifyAPIKey, windows, logger)

	cache := sessioncache.New(cfg.CacheTTL, cfg.CacheHighWaterMark,
		func(ctx context.Context, sessionID, candidateUserID string) (sessioncache.Snapshot, error) {
			session, userPrefs, sessionPrefs, err := st.ResolveSession(ctx, sessionID, candidateUserID)
			if err != nil {
				return sessioncache.Snapshot{}, err
			}
			return sessioncache.Snapshot{
				Session:      session,
				UserPrefs:    userPrefs,
				SessionPrefs: sessionPrefs,
			}, nil
		})

	orch := pipeline.New(pipeline.Orchestrator{
		Cache:      cache,
		Evaluator:  activation.New(cfg.DefaultWakePhrases),
		Dedup:      dedup.New(cfg.DedupCooldown),
		Notifier:   notifier,
		Queue:      queue,
		Completion: svc,
		Memories:   index,
		Logger:     logger,
		Defaults: assist.ActivationConfig{
			ListenMode:      assist.ListenModeTrigger,
			FollowupWindow:  cfg.DefaultFollowupWindow,
			QuietHoursStart: cfg.QuietHoursStart,
			QuietHoursEnd:   cfg.QuietHoursEnd,
		},
		CompletionTimeout:   cfg.CompletionTimeout,
		MemoryLookupTimeout: cfg.MemoryLookupTimeout,
	})

	lc := &lifecycle.Lifecycle{}
	srv := server.New(cfg, logger, server.Deps{
		Pipeline:  orch,
		Store:     st,
		Index:     index,
		Lifecycle: lc,
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting server", "addr", cfg.Addr, "auth_mode", cfg.AuthMode)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.QueueDrainTimeout)
	defer drainCancel()
	if !queue.Drain(drainCtx) {
		logger.Warn("job queue drain timed out, pending writes lost")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "omi-server: %v\n", err)
		return 1
	}

	if err := runServer(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "omi-server: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
