package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"POS_TERMINAL_OUTLET_ID": "outlet-1",
		"POS_BACKEND_BASE_URL":   "https://pos.example.com/",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Errorf("expected default port %s, got %s", defaultPort, cfg.Server.Port)
	}
	if cfg.Backend.Kind != BackendHTTP {
		t.Errorf("expected http backend, got %s", cfg.Backend.Kind)
	}
	if cfg.Backend.BaseURL != "https://pos.example.com" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout != 10*time.Second {
		t.Errorf("unexpected backend timeout: %s", cfg.Backend.Timeout)
	}
	if cfg.Storage.SQLitePath != defaultSQLitePath {
		t.Errorf("unexpected sqlite path: %s", cfg.Storage.SQLitePath)
	}
	if cfg.Queue.DrainInterval != defaultDrainInterval {
		t.Errorf("unexpected drain interval: %s", cfg.Queue.DrainInterval)
	}
	if cfg.Catalog.RefreshInterval != defaultCatalogInterval {
		t.Errorf("unexpected catalog interval: %s", cfg.Catalog.RefreshInterval)
	}
}

func TestLoadFirestoreBackendRequiresProject(t *testing.T) {
	env := map[string]string{
		"POS_TERMINAL_OUTLET_ID": "outlet-1",
		"POS_BACKEND_KIND":       "FIRESTORE",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := validation.Fields()
	if len(fields) != 1 || fields[0] != "Firestore.ProjectID" {
		t.Fatalf("unexpected fields: %v", fields)
	}

	env["POS_FIRESTORE_PROJECT_ID"] = "pos-prod"
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Events.ProjectID != "pos-prod" {
		t.Errorf("expected events project to default to firestore project, got %s", cfg.Events.ProjectID)
	}
}

func TestLoadResolvesSecrets(t *testing.T) {
	env := map[string]string{
		"POS_TERMINAL_OUTLET_ID":    "outlet-1",
		"POS_BACKEND_BASE_URL":      "https://pos.example.com",
		"POS_TERMINAL_DEVICE_TOKEN": "sm://terminal/token",
		"POS_PSP_STRIPE_API_KEY":    "secret://stripe/api",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		switch ref {
		case "secret://terminal/token":
			return "device-token\n", nil
		case "secret://stripe/api":
			return "sk_test", nil
		}
		return "", errors.New("unknown ref")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Terminal.DeviceToken != "device-token" {
		t.Errorf("unexpected device token %q", cfg.Terminal.DeviceToken)
	}
	if cfg.PSP.StripeAPIKey != "sk_test" {
		t.Errorf("unexpected stripe key %q", cfg.PSP.StripeAPIKey)
	}
}

func TestLoadSecretFailure(t *testing.T) {
	env := map[string]string{
		"POS_TERMINAL_OUTLET_ID": "outlet-1",
		"POS_BACKEND_BASE_URL":   "https://pos.example.com",
		"POS_PSP_STRIPE_API_KEY": "secret://stripe/api",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("expected resolver not configured, got %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "# local overrides\nexport POS_TERMINAL_OUTLET_ID=outlet-file\nPOS_BACKEND_BASE_URL=\"https://file.example.com\"\nPOS_SERVER_PORT=7000\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithEnvFile(envFile),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"POS_SERVER_PORT": "7100"}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Terminal.OutletID != "outlet-file" {
		t.Errorf("expected outlet from env file, got %s", cfg.Terminal.OutletID)
	}
	if cfg.Backend.BaseURL != "https://file.example.com" {
		t.Errorf("expected quoted value trimmed, got %s", cfg.Backend.BaseURL)
	}
	if cfg.Server.Port != "7100" {
		t.Errorf("expected env map to win, got %s", cfg.Server.Port)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	env := map[string]string{
		"POS_TERMINAL_OUTLET_ID": "outlet-1",
		"POS_BACKEND_KIND":       "grpc",
		"POS_QUEUE_LEASE_TTL":    "0s",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := validation.Fields()
	if len(fields) != 2 || fields[0] != "Backend.Kind" || fields[1] != "Queue.LeaseTTL" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("A=file\nB=file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	values, err := EnvironmentValues(WithEnvFile(envFile), WithoutSystemEnv(), WithEnvMap(map[string]string{"B": "map"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["A"] != "file" || values["B"] != "map" {
		t.Fatalf("unexpected values: %v", values)
	}
}
