package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/hanko-field/shipping-change/internal/callback"
	"github.com/hanko-field/shipping-change/internal/handlers"
	"github.com/hanko-field/shipping-change/internal/instrumentation"
	"github.com/hanko-field/shipping-change/internal/orders"
	"github.com/hanko-field/shipping-change/internal/platform/config"
	pfirestore "github.com/hanko-field/shipping-change/internal/platform/firestore"
	"github.com/hanko-field/shipping-change/internal/platform/idempotency"
	"github.com/hanko-field/shipping-change/internal/platform/observability"
	"github.com/hanko-field/shipping-change/internal/platform/secrets"
	"github.com/hanko-field/shipping-change/internal/rules"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger("shippingd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("shippingd")
	ctx = observability.WithLogger(ctx, logger)

	resolver, err := newSecretResolver(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames()...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	orderClient, err := orders.NewClient(cfg.Orders.BaseURL,
		orders.WithTimeout(cfg.Orders.Timeout),
		orders.WithLogger(logger.Named("orders")),
	)
	if err != nil {
		logger.Fatal("failed to initialise order client", zap.Error(err))
	}

	recorder, closeRecorder, err := newRecorder(ctx, cfg, logger.Named("instrumentation"))
	if err != nil {
		logger.Fatal("failed to initialise instrumentation", zap.Error(err))
	}
	defer closeRecorder()

	shippingRules, err := rules.Load(cfg.Rules.File)
	if err != nil {
		logger.Fatal("failed to load shipping rules", zap.String("file", cfg.Rules.File), zap.Error(err))
	}
	logger.Info("shipping rules loaded", zap.Strings("countries", shippingRules.CountryCodes()))

	adapter, err := callback.New(callback.Options{
		Callback:               shippingRules.Callback(),
		ClientID:               cfg.Orders.ClientID,
		PartnerAttributionID:   cfg.Orders.PartnerAttributionID,
		FacilitatorAccessToken: cfg.Orders.FacilitatorAccessToken,
		LSATUpgradeExcluded:    cfg.Merchants.LSATUpgradeExcluded,
		Patcher:                orderClient,
		Recorder:               recorder,
		Logger:                 logger.Named("callback"),
	})
	if err != nil {
		logger.Fatal("failed to initialise callback adapter", zap.Error(err))
	}

	healthOpts := []handlers.HealthOption{
		handlers.WithHealthBuildInfo(buildInfo(cfg, startedAt)),
		handlers.WithReadinessCheck("rules", func(context.Context) error {
			if len(shippingRules.CountryCodes()) == 0 {
				return errors.New("no shipping countries configured")
			}
			return nil
		}),
	}

	store, closeStore, err := newIdempotencyStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	defer closeStore()
	if fs, ok := store.(*idempotency.FirestoreStore); ok {
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("firestore", fs.Ping))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		idempotency.RunCleanup(cleanupCtx, store, cfg.Idempotency.CleanupInterval, logger.Named("idempotency"))
	}()

	shippingHandlers := handlers.NewShippingHandlers(adapter, orderClient,
		handlers.WithShippingRateLimit(cfg.RateLimits.PerOrderPerMinute),
		handlers.WithShippingMaxBody(cfg.Server.MaxBodyBytes),
	)

	router := handlers.NewRouter(
		handlers.WithTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.ProjectID),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithShippingMiddlewares(idempotency.Middleware(store,
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		)),
		handlers.WithShippingRoutes(shippingHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("shipping change service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	cleanupCancel()
	cleanupWG.Wait()
}

func newSecretResolver(ctx context.Context, logger *zap.Logger) (*secrets.Resolver, error) {
	projectID, err := config.Lookup("SHIPPING_PROJECT_ID")
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		projectID, _ = config.Lookup("GOOGLE_CLOUD_PROJECT")
	}
	fallback, _ := config.Lookup("SHIPPING_SECRET_FALLBACK_FILE")
	if fallback == "" {
		fallback = ".secrets.local"
	}
	return secrets.NewResolver(ctx,
		secrets.WithProject(projectID),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallback),
	)
}

// requiredSecretNames lists the secrets that must resolve outside local development.
func requiredSecretNames() []string {
	env, _ := config.Lookup("SHIPPING_ENVIRONMENT")
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "local", "dev", "test":
		return nil
	default:
		return []string{"Orders.FacilitatorAccessToken"}
	}
}

func newRecorder(ctx context.Context, cfg config.Config, logger *zap.Logger) (instrumentation.Recorder, func(), error) {
	var recorders instrumentation.Multi
	closers := []func(){}

	if cfg.Instrumentation.LogEvents {
		recorders = append(recorders, instrumentation.NewLogRecorder(logger))
	}
	if topicID := strings.TrimSpace(cfg.Instrumentation.PubSubTopic); topicID != "" {
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(topicID)
		closers = append(closers, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		})
		pub, err := instrumentation.NewPubSubRecorder(topic, logger)
		if err != nil {
			return nil, nil, err
		}
		recorders = append(recorders, pub)
	}

	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	if len(recorders) == 0 {
		return instrumentation.Nop{}, closeAll, nil
	}
	return recorders, closeAll, nil
}

func newIdempotencyStore(ctx context.Context, cfg config.Config) (idempotency.Store, func(), error) {
	if cfg.Idempotency.Store != "firestore" {
		return idempotency.NewMemoryStore(), func() {}, nil
	}
	client, err := pfirestore.Open(ctx, cfg.Firestore)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = client.Close() }
	return idempotency.NewFirestoreStore(client, idempotency.WithCollection(cfg.Firestore.Collection)), closeFn, nil
}

func buildInfo(cfg config.Config, started time.Time) handlers.BuildInfo {
	version, _ := config.Lookup("SHIPPING_BUILD_VERSION")
	if version == "" {
		version = "dev"
	}
	commit, _ := config.Lookup("SHIPPING_BUILD_COMMIT_SHA")
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}
