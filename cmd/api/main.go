package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wovengoods/checkout-api/internal/di"
	"github.com/wovengoods/checkout-api/internal/handlers"
	"github.com/wovengoods/checkout-api/internal/platform/config"
	"github.com/wovengoods/checkout-api/internal/platform/observability"
	"github.com/wovengoods/checkout-api/internal/platform/secrets"
	"github.com/wovengoods/checkout-api/internal/repositories"
	"github.com/wovengoods/checkout-api/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("checkout-api")

	ctx := context.Background()

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("initialize secret fetcher", zap.Error(err))
	}
	defer func() { _ = fetcher.Close() }()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames()...),
	)
	if err != nil {
		logger.Fatal("load configuration", zap.Error(err))
	}

	build := buildInfoFromEnv(time.Now().UTC())

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithBuildInfo(build),
		di.WithHealthChecks(secretManagerCheck(fetcher)),
	)
	if err != nil {
		logger.Fatal("assemble dependencies", zap.Error(err))
	}

	checkoutHandlers := handlers.NewCheckoutHandlers(
		container.Services.Checkout,
		container.Services.Orders,
		handlers.WithDiscountCodesEnabled(cfg.Features.EnableDiscountCodes),
	)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Settings)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(container.Services.System),
		handlers.WithHealthBuildInfo(build),
	)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RecoveryMiddleware(logger),
		observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("environment", build.Environment),
			zap.Strings("providers", container.Providers.IDs()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Error("release dependencies", zap.Error(err))
	}
	logger.Info("server stopped")
}

// newSecretFetcher builds the Secret Manager fetcher used to resolve
// secret:// references in configuration. The default project and the local
// fallback file come from the effective environment (.env included) because
// configuration itself is not loaded yet.
func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	env, err := config.EnvironmentValues()
	if err != nil {
		return nil, err
	}
	opts := []secrets.Option{secrets.WithLogger(logger)}
	if project := firstNonEmpty(env["CHECKOUT_FIRESTORE_PROJECT_ID"], env["GOOGLE_CLOUD_PROJECT"]); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if path := strings.TrimSpace(env["CHECKOUT_SECRET_FALLBACK_FILE"]); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the configuration fields that must resolve to a
// non-empty secret for the process to boot, e.g. "PSP.StripeAPIKey".
func requiredSecretNames() []string {
	raw := strings.TrimSpace(os.Getenv("CHECKOUT_REQUIRED_SECRETS"))
	if raw == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var names []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func buildInfoFromEnv(started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     strings.TrimSpace(os.Getenv("SERVICE_VERSION")),
		CommitSHA:   strings.TrimSpace(os.Getenv("SERVICE_COMMIT_SHA")),
		Environment: strings.TrimSpace(os.Getenv("SERVICE_ENVIRONMENT")),
		StartedAt:   started,
	}
}

// secretManagerCheck probes Secret Manager reachability. A missing probe
// secret still proves the API answered, so NotFound counts as healthy.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secret-manager",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, "secret://checkout-health-probe")
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			return nil
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
