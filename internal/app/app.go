// Package app assembles the terminal agent from configuration. Both the server and the operator
// CLI build on it so they share storage, backend and queue wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/payments"
	"github.com/hanko-field/pos/internal/platform/config"
	pfirestore "github.com/hanko-field/pos/internal/platform/firestore"
	"github.com/hanko-field/pos/internal/platform/jobs"
	"github.com/hanko-field/pos/internal/platform/observability"
	"github.com/hanko-field/pos/internal/platform/secrets"
	"github.com/hanko-field/pos/internal/repositories"
	"github.com/hanko-field/pos/internal/repositories/memory"
	"github.com/hanko-field/pos/internal/repositories/sqlite"
	"github.com/hanko-field/pos/internal/services"
)

// App holds the wired services of one terminal process.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Session   domain.Session
	Store     repositories.Registry
	Backend   backend.Backend
	Catalog   *services.LocalCatalogCache
	Queue     *services.OfflineOrderQueue
	Checkouts *services.CheckoutRegistry

	closers []func() error
}

// Option customises New.
type Option func(*options)

type options struct {
	userAgent     string
	disableEvents bool
}

// WithUserAgent sets the User-Agent used by the HTTP backend.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		o.userAgent = ua
	}
}

// WithoutEvents skips the Pub/Sub publisher even when a topic is configured.
func WithoutEvents() Option {
	return func(o *options) {
		o.disableEvents = true
	}
}

// TerminalSession is the identity used for background work: replaying queued orders and
// refreshing the catalog.
func TerminalSession(cfg config.Config) domain.Session {
	cashier := "terminal"
	if device := strings.TrimSpace(cfg.Terminal.DeviceID); device != "" {
		cashier = "terminal:" + device
	}
	return domain.Session{
		OutletID:  cfg.Terminal.OutletID,
		CashierID: cashier,
		AuthToken: cfg.Terminal.DeviceToken,
	}
}

// New wires every component. Callers must Close the returned App.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{userAgent: "pos-terminal"}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, Session: TerminalSession(cfg)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	events := observability.NewEventLogger(logger.Named("services"))

	a.Store = openStore(ctx, cfg.Storage, logger.Named("storage"))
	a.closers = append(a.closers, a.Store.Close)

	remote, err := a.openBackend(cfg, o.userAgent)
	if err != nil {
		return nil, err
	}
	a.Backend = remote

	var publisher services.OrderEventPublisher
	if !o.disableEvents {
		if publisher, err = a.openPublisher(ctx, cfg.Events); err != nil {
			return nil, err
		}
	}

	a.Catalog, err = services.NewLocalCatalogCache(ctx, services.LocalCatalogCacheDeps{
		Snapshots: a.Store.CatalogSnapshots(),
		Fetcher:   remote,
		SeedFile:  cfg.Catalog.SeedFile,
		Logger:    events,
	})
	if err != nil {
		return nil, fmt.Errorf("app: catalog cache: %w", err)
	}

	owner := "pos"
	if device := strings.TrimSpace(cfg.Terminal.DeviceID); device != "" {
		owner = device
	}
	a.Queue, err = services.NewOfflineOrderQueue(services.OfflineOrderQueueDeps{
		Orders:     a.Store.QueuedOrders(),
		Submitter:  remote,
		Publisher:  publisher,
		Session:    a.Session,
		LeaseOwner: owner + ":" + ulid.Make().String(),
		LeaseTTL:   cfg.Queue.LeaseTTL,
		Logger:     events,
	})
	if err != nil {
		return nil, fmt.Errorf("app: order queue: %w", err)
	}

	verifier, err := services.NewStoredValueVerifier(services.StoredValueVerifierDeps{
		Lookup: remote,
		Logger: events,
	})
	if err != nil {
		return nil, fmt.Errorf("app: stored value verifier: %w", err)
	}

	var cards services.CardDetailLookup
	if key := strings.TrimSpace(cfg.PSP.StripeAPIKey); key != "" {
		lookup, err := payments.NewStripeCardLookup(payments.StripeConfig{APIKey: key})
		if err != nil {
			return nil, fmt.Errorf("app: stripe: %w", err)
		}
		cards = lookup
	}

	a.Checkouts, err = services.NewCheckoutRegistry(services.CheckoutDeps{
		Catalog:   a.Catalog,
		Verifier:  verifier,
		Cards:     cards,
		Submitter: remote,
		Queue:     a.Queue,
		Logger:    events,
	})
	if err != nil {
		return nil, fmt.Errorf("app: checkout registry: %w", err)
	}
	return a, nil
}

// openStore prefers SQLite. When the database cannot be opened the terminal keeps selling with
// in-memory repositories, and queued orders will not survive a restart.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) repositories.Registry {
	store, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		logger.Error("sqlite unavailable; falling back to in-memory storage", zap.String("path", cfg.SQLitePath), zap.Error(err))
		return memory.NewStore()
	}
	store.OnCorruptQueuedOrder(func(token string, err error) {
		logger.Warn("skipping corrupt queued order", zap.String("token", token), zap.Error(err))
	})
	return store
}

func (a *App) openBackend(cfg config.Config, userAgent string) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		a.closers = append(a.closers, provider.Close)
		remote, err := backend.NewFirestoreBackend(provider, nil)
		if err != nil {
			return nil, fmt.Errorf("app: firestore backend: %w", err)
		}
		return remote, nil
	case config.BackendHTTP, "":
		remote, err := backend.NewHTTPBackend(backend.HTTPConfig{
			BaseURL:  cfg.Backend.BaseURL,
			Timeout:  cfg.Backend.Timeout,
			DeviceID: cfg.Terminal.DeviceID,
		}, backend.WithUserAgent(userAgent))
		if err != nil {
			return nil, fmt.Errorf("app: http backend: %w", err)
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("app: unknown backend kind %q", cfg.Backend.Kind)
	}
}

func (a *App) openPublisher(ctx context.Context, cfg config.EventsConfig) (services.OrderEventPublisher, error) {
	topicName := strings.TrimSpace(cfg.Topic)
	if topicName == "" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		a.Logger.Warn("events topic configured without a project; replay events disabled", zap.String("topic", topicName))
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("app: pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	a.closers = append(a.closers, func() error {
		topic.Stop()
		return client.Close()
	})
	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		return nil, fmt.Errorf("app: pubsub publisher: %w", err)
	}
	return publisher, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewSecretFetcher builds the resolver used by config.Load from raw environment values.
func NewSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("POS_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("POS_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("POS_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if raw := lookup("POS_SECRET_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("app: invalid POS_SECRET_CACHE_TTL: %w", err)
		}
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("POS_SECRET_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
