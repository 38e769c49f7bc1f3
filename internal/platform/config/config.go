package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultEnvFile         = ".env"
	defaultPort            = "8090"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultBackendKind     = BackendHTTP
	defaultBackendTimeout  = 10 * time.Second
	defaultSQLitePath      = "pos.db"
	defaultDrainInterval   = 30 * time.Second
	defaultDrainLeaseTTL   = 2 * time.Minute
	defaultCatalogInterval = 15 * time.Minute
)

// Backend kinds understood by the agent.
const (
	BackendHTTP      = "http"
	BackendFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Terminal  TerminalConfig
	Backend   BackendConfig
	Firestore FirestoreConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Catalog   CatalogConfig
	Events    EventsConfig
	PSP       PSPConfig
}

// ServerConfig configures the local HTTP API served to the till front-end.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// TerminalConfig identifies the physical terminal. The device token authenticates background work
// (queue replay, catalog refresh) that runs without a cashier session.
type TerminalConfig struct {
	OutletID    string
	DeviceID    string
	DeviceToken string
}

// BackendConfig selects and configures the remote order backend.
type BackendConfig struct {
	Kind    string
	BaseURL string
	Timeout time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig points at the terminal-local SQLite database.
type StorageConfig struct {
	SQLitePath string
}

// QueueConfig controls offline order replay.
type QueueConfig struct {
	DrainInterval time.Duration
	LeaseTTL      time.Duration
}

// CatalogConfig controls the local catalog cache.
type CatalogConfig struct {
	RefreshInterval time.Duration
	SeedFile        string
}

// EventsConfig configures the optional Pub/Sub topic for replay notifications.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// PSPConfig collects secrets for payment providers.
type PSPConfig struct {
	StripeAPIKey string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map).
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the terminal configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "POS_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "POS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "POS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "POS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Terminal: TerminalConfig{
			OutletID:    stringWithDefault(lookup, "POS_TERMINAL_OUTLET_ID", ""),
			DeviceID:    stringWithDefault(lookup, "POS_TERMINAL_DEVICE_ID", ""),
			DeviceToken: stringWithDefault(lookup, "POS_TERMINAL_DEVICE_TOKEN", ""),
		},
		Backend: BackendConfig{
			Kind:    strings.ToLower(stringWithDefault(lookup, "POS_BACKEND_KIND", defaultBackendKind)),
			BaseURL: strings.TrimRight(stringWithDefault(lookup, "POS_BACKEND_BASE_URL", ""), "/"),
			Timeout: durationWithDefault(lookup, "POS_BACKEND_TIMEOUT", defaultBackendTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "POS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "POS_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			SQLitePath: stringWithDefault(lookup, "POS_STORAGE_SQLITE_PATH", defaultSQLitePath),
		},
		Queue: QueueConfig{
			DrainInterval: durationWithDefault(lookup, "POS_QUEUE_DRAIN_INTERVAL", defaultDrainInterval),
			LeaseTTL:      durationWithDefault(lookup, "POS_QUEUE_LEASE_TTL", defaultDrainLeaseTTL),
		},
		Catalog: CatalogConfig{
			RefreshInterval: durationWithDefault(lookup, "POS_CATALOG_REFRESH_INTERVAL", defaultCatalogInterval),
			SeedFile:        stringWithDefault(lookup, "POS_CATALOG_SEED_FILE", ""),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "POS_EVENTS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "POS_EVENTS_TOPIC", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey: stringWithDefault(lookup, "POS_PSP_STRIPE_API_KEY", ""),
		},
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{
		&cfg.Terminal.DeviceToken,
		&cfg.PSP.StripeAPIKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if strings.TrimSpace(cfg.Terminal.OutletID) == "" {
		missing = append(missing, "Terminal.OutletID")
	}
	switch cfg.Backend.Kind {
	case BackendHTTP:
		if cfg.Backend.BaseURL == "" {
			missing = append(missing, "Backend.BaseURL")
		}
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Backend.Kind")
	}
	if cfg.Backend.Timeout <= 0 {
		missing = append(missing, "Backend.Timeout")
	}
	if strings.TrimSpace(cfg.Storage.SQLitePath) == "" {
		missing = append(missing, "Storage.SQLitePath")
	}
	if cfg.Queue.DrainInterval <= 0 {
		missing = append(missing, "Queue.DrainInterval")
	}
	if cfg.Queue.LeaseTTL <= 0 {
		missing = append(missing, "Queue.LeaseTTL")
	}
	if cfg.Catalog.RefreshInterval <= 0 {
		missing = append(missing, "Catalog.RefreshInterval")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}
