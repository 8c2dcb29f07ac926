package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/wovengoods/checkout-api/internal/payments"
	"github.com/wovengoods/checkout-api/internal/platform/config"
	pfirestore "github.com/wovengoods/checkout-api/internal/platform/firestore"
	"github.com/wovengoods/checkout-api/internal/platform/jobs"
	"github.com/wovengoods/checkout-api/internal/platform/observability"
	"github.com/wovengoods/checkout-api/internal/repositories"
	fsrepo "github.com/wovengoods/checkout-api/internal/repositories/firestore"
	"github.com/wovengoods/checkout-api/internal/services"
)

// Services bundles the service-layer contracts the handlers rely upon.
type Services struct {
	Checkout  services.CheckoutService
	Discounts services.DiscountService
	Orders    services.OrderService
	Settings  services.SettingsSource
	System    services.SystemService
}

// Container wires repositories, payment providers, services, and background
// infrastructure for runtime use. Close releases everything it opened.
type Container struct {
	Config       config.Config
	Logger       *zap.Logger
	Repositories repositories.Registry
	Providers    *payments.Registry
	Services     Services

	closers []func(context.Context) error
}

type containerOptions struct {
	logger       *zap.Logger
	repositories repositories.Registry
	providers    *payments.Registry
	signals      services.SignalPublisher
	build        services.BuildInfo
	healthChecks []repositories.DependencyCheck
}

// Option customises container construction.
type Option func(*containerOptions)

// WithLogger sets the base logger used for service event logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithRepositories injects a prebuilt repository registry. The container will
// not construct or close a Firestore client when one is supplied.
func WithRepositories(reg repositories.Registry) Option {
	return func(o *containerOptions) {
		o.repositories = reg
	}
}

// WithProviders injects a prebuilt payment provider registry.
func WithProviders(reg *payments.Registry) Option {
	return func(o *containerOptions) {
		o.providers = reg
	}
}

// WithSignalPublisher injects the post-order signal publisher, replacing the
// Pub/Sub publisher the container would otherwise build.
func WithSignalPublisher(signals services.SignalPublisher) Option {
	return func(o *containerOptions) {
		o.signals = signals
	}
}

// WithBuildInfo records the build metadata surfaced by the system service.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithHealthChecks appends dependency checks beyond the Firestore ping, for
// example a Secret Manager resolution probe.
func WithHealthChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *containerOptions) {
		o.healthChecks = append(o.healthChecks, checks...)
	}
}

// NewContainer assembles the runtime dependency graph from configuration.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := observability.EventLogger(logger)

	c := &Container{
		Config: cfg,
		Logger: logger,
	}

	reg := options.repositories
	var healthRepo repositories.HealthRepository
	if reg == nil {
		provider := pfirestore.NewProvider(cfg.Firestore)
		built, err := fsrepo.NewRegistry(provider)
		if err != nil {
			return nil, fmt.Errorf("build repositories: %w", err)
		}
		reg = built
		c.closers = append(c.closers, built.Close)

		checks := append([]repositories.DependencyCheck{fsrepo.PingCheck(provider)}, options.healthChecks...)
		healthRepo, err = repositories.NewDependencyHealthRepository(checks,
			repositories.WithDependencyTimeout(2*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("build health repository: %w", err)
		}
	} else {
		healthRepo = reg.Health()
	}
	c.Repositories = reg

	signals := options.signals
	if signals == nil {
		publisher, closer, err := buildSignalPublisher(ctx, cfg.Jobs)
		if err != nil {
			return nil, err
		}
		if publisher != nil {
			signals = publisher
			c.closers = append(c.closers, closer)
		} else {
			logger.Warn("job signals disabled: no pubsub project configured")
		}
	}

	providers := options.providers
	if providers == nil {
		built, err := buildProviderRegistry(cfg, events)
		if err != nil {
			return nil, err
		}
		providers = built
	}
	c.Providers = providers

	settings, err := services.NewCachedSettingsSource(services.CachedSettingsSourceDeps{
		Settings: reg.Settings(),
		TTL:      cfg.Checkout.SettingsCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build settings source: %w", err)
	}

	discounts, err := services.NewDiscountService(services.DiscountServiceDeps{
		Codes:  reg.Codes(),
		Logger: events,
	})
	if err != nil {
		return nil, fmt.Errorf("build discount service: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:  reg.Orders(),
		Carts:   reg.Carts(),
		Codes:   reg.Codes(),
		Signals: signals,
		Logger:  events,
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Sessions:          reg.Sessions(),
		Carts:             reg.Carts(),
		Discounts:         discounts,
		Settings:          settings,
		Providers:         providers,
		Orders:            orders,
		ReturnBaseURL:     cfg.Checkout.ReturnBaseURL,
		SessionTTL:        cfg.Checkout.SessionTTL,
		ReconciliationTTL: cfg.Checkout.ReconciliationTTL,
		VerifyTimeout:     cfg.Checkout.VerifyTimeout,
		Logger:            events,
	})
	if err != nil {
		return nil, fmt.Errorf("build checkout service: %w", err)
	}

	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Build:            options.build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	c.Services = Services{
		Checkout:  checkout,
		Discounts: discounts,
		Orders:    orders,
		Settings:  settings,
		System:    system,
	}
	return c, nil
}

// Close releases the resources the container opened, newest first.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildSignalPublisher wires the Pub/Sub topics used for post-order signals.
// A blank project disables publishing; the order service tolerates that.
func buildSignalPublisher(ctx context.Context, cfg config.JobsConfig) (services.SignalPublisher, func(context.Context) error, error) {
	if cfg.ProjectID == "" {
		return nil, nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher, err := jobs.NewPubSubSignalPublisher(client.Topic(cfg.ReferralTopic), client.Topic(cfg.InventoryTopic))
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("signal publisher: %w", err)
	}
	closer := func(context.Context) error {
		return client.Close()
	}
	return publisher, closer, nil
}

// buildProviderRegistry registers every payment provider the configuration
// carries credentials for.
func buildProviderRegistry(cfg config.Config, events payments.Logger) (*payments.Registry, error) {
	var list []payments.Provider

	if cfg.PSP.StripeAPIKey != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: events,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe provider: %w", err)
		}
		list = append(list, stripe)
	}

	if cfg.PSP.PayPalClientID != "" && cfg.PSP.PayPalSecret != "" {
		paypal, err := payments.NewPayPalProvider(payments.PayPalProviderConfig{
			ClientID: cfg.PSP.PayPalClientID,
			Secret:   cfg.PSP.PayPalSecret,
			Live:     cfg.PSP.PayPalLive,
			Logger:   events,
		})
		if err != nil {
			return nil, fmt.Errorf("paypal provider: %w", err)
		}
		list = append(list, paypal)
	}

	if cfg.PSP.CoinbaseAPIKey != "" && cfg.Features.EnableCryptoPayment {
		coinbase, err := payments.NewCoinbaseProvider(payments.CoinbaseProviderConfig{
			APIKey: cfg.PSP.CoinbaseAPIKey,
			Logger: events,
		})
		if err != nil {
			return nil, fmt.Errorf("coinbase provider: %w", err)
		}
		list = append(list, coinbase)
	}

	if len(list) == 0 {
		return nil, errors.New("no payment providers configured")
	}
	return payments.NewRegistry(list...)
}
