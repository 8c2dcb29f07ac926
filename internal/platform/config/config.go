// Package config loads runtime configuration from .env files, the process
// environment, and secret references, in that order of precedence.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultSessionTTL        = 24 * time.Hour
	defaultReconciliationTTL = 48 * time.Hour
	defaultVerifyTimeout     = 20 * time.Second
	defaultSettingsCacheTTL  = 5 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firestore FirestoreConfig
	PSP       PSPConfig
	Checkout  CheckoutConfig
	Jobs      JobsConfig
	Features  FeatureFlags
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PSPConfig collects credentials for payment providers.
type PSPConfig struct {
	StripeAPIKey   string
	PayPalClientID string
	PayPalSecret   string
	PayPalLive     bool
	CoinbaseAPIKey string
}

// CheckoutConfig controls checkout session and reconciliation behaviour.
type CheckoutConfig struct {
	ReturnBaseURL     string
	SessionTTL        time.Duration
	ReconciliationTTL time.Duration
	VerifyTimeout     time.Duration
	SettingsCacheTTL  time.Duration
}

// JobsConfig configures Pub/Sub topics for post-order work.
type JobsConfig struct {
	ProjectID      string
	InventoryTopic string
	ReferralTopic  string
}

// FeatureFlags toggle optional behaviour without redeploying.
type FeatureFlags struct {
	EnableDiscountCodes bool
	EnableCryptoPayment bool
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

// Option customises Load behaviour.
type Option func(*loader)

type loader struct {
	envFile         string
	explicit        map[string]string
	skipSystemEnv   bool
	secrets         SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(l *loader) {
		l.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(l *loader) {
		l.explicit = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(l *loader) {
		l.skipSystemEnv = true
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(l *loader) {
		l.secrets = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers use the config field path recorded by the loader (e.g. "PSP.StripeAPIKey").
func WithRequiredSecrets(names ...string) Option {
	return func(l *loader) {
		l.requiredSecrets = append(l.requiredSecrets, names...)
	}
}

func newLoader(opts []Option) (*loader, *envSource, error) {
	l := &loader{envFile: defaultEnvFile}
	for _, opt := range opts {
		opt(l)
	}
	dotenv, err := parseEnvFile(l.envFile)
	if err != nil {
		return nil, nil, err
	}
	env := &envSource{
		explicit: l.explicit,
		system:   !l.skipSystemEnv,
		dotenv:   dotenv,
	}
	return l, env, nil
}

// EnvironmentValues returns the effective key/value environment map after applying the same
// precedence rules as Load (dotenv < OS env < explicit env map). Callers can use the result
// to initialise dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	_, env, err := newLoader(opts)
	if err != nil {
		return nil, err
	}
	return env.flatten(), nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	l, env, err := newLoader(opts)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("CHECKOUT_SERVER_PORT", defaultPort),
			ReadTimeout:  env.dur("CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.dur("CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.dur("CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("CHECKOUT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("CHECKOUT_FIRESTORE_EMULATOR_HOST", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:   env.str("CHECKOUT_PSP_STRIPE_API_KEY", ""),
			PayPalClientID: env.str("CHECKOUT_PSP_PAYPAL_CLIENT_ID", ""),
			PayPalSecret:   env.str("CHECKOUT_PSP_PAYPAL_SECRET", ""),
			PayPalLive:     env.flag("CHECKOUT_PSP_PAYPAL_LIVE", false),
			CoinbaseAPIKey: env.str("CHECKOUT_PSP_COINBASE_API_KEY", ""),
		},
		Checkout: CheckoutConfig{
			ReturnBaseURL:     env.str("CHECKOUT_RETURN_BASE_URL", ""),
			SessionTTL:        env.dur("CHECKOUT_SESSION_TTL", defaultSessionTTL),
			ReconciliationTTL: env.dur("CHECKOUT_RECONCILIATION_TTL", defaultReconciliationTTL),
			VerifyTimeout:     env.dur("CHECKOUT_VERIFY_TIMEOUT", defaultVerifyTimeout),
			SettingsCacheTTL:  env.dur("CHECKOUT_SETTINGS_CACHE_TTL", defaultSettingsCacheTTL),
		},
		Jobs: JobsConfig{
			ProjectID:      env.str("CHECKOUT_JOBS_PROJECT_ID", ""),
			InventoryTopic: env.str("CHECKOUT_JOBS_INVENTORY_TOPIC", "inventory-refresh"),
			ReferralTopic:  env.str("CHECKOUT_JOBS_REFERRAL_TOPIC", "referral-application"),
		},
		Features: FeatureFlags{
			EnableDiscountCodes: env.flag("CHECKOUT_FEATURE_DISCOUNT_CODES", true),
			EnableCryptoPayment: env.flag("CHECKOUT_FEATURE_CRYPTO_PAYMENT", true),
		},
	}

	// Jobs project defaults to the Firestore project when unspecified.
	if cfg.Jobs.ProjectID == "" {
		cfg.Jobs.ProjectID = cfg.Firestore.ProjectID
	}

	resolved, err := resolveSecretFields(ctx, &cfg, l.secrets)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if err := checkRequiredSecrets(l.requiredSecrets, resolved); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveSecretFields rewrites every credential field holding a secret
// reference with its resolved value and returns the field-path map of what
// was resolved.
func resolveSecretFields(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	targets := map[string]*string{
		"PSP.StripeAPIKey":   &cfg.PSP.StripeAPIKey,
		"PSP.PayPalSecret":   &cfg.PSP.PayPalSecret,
		"PSP.CoinbaseAPIKey": &cfg.PSP.CoinbaseAPIKey,
	}

	resolved := make(map[string]string, len(targets))
	for path, field := range targets {
		value := strings.TrimSpace(*field)
		if ref, ok := secretReference(value); ok {
			if resolver == nil {
				return nil, &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
			}
			secret, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return nil, &SecretError{Ref: ref, Err: err}
			}
			*field = secret
			value = strings.TrimSpace(secret)
		}
		resolved[path] = value
	}
	return resolved, nil
}

// secretReference reports whether value is a secret reference, normalising
// the legacy sm:// scheme to secret://.
func secretReference(value string) (string, bool) {
	switch {
	case strings.HasPrefix(value, "secret://"):
		return value, true
	case strings.HasPrefix(value, "sm://"):
		return "secret://" + strings.TrimPrefix(value, "sm://"), true
	}
	return "", false
}

func (c Config) validate() error {
	var missing []string
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(c.Server.Port != "", "Server.Port")
	require(c.Firestore.ProjectID != "", "Firestore.ProjectID")
	require(strings.TrimSpace(c.Checkout.ReturnBaseURL) != "", "Checkout.ReturnBaseURL")
	require(c.Checkout.SessionTTL > 0, "Checkout.SessionTTL")
	require(c.Checkout.ReconciliationTTL > 0, "Checkout.ReconciliationTTL")
	require(c.Checkout.VerifyTimeout > 0, "Checkout.VerifyTimeout")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func checkRequiredSecrets(required []string, resolved map[string]string) error {
	var missing []missingSecret
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// envSource answers key lookups with explicit map > system env > dotenv
// precedence.
type envSource struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func (e *envSource) get(key string) (string, bool) {
	if value, ok := e.explicit[key]; ok {
		return value, true
	}
	if e.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := e.dotenv[key]
	return value, ok
}

func (e *envSource) str(key, fallback string) string {
	if value, ok := e.get(key); ok && value != "" {
		return value
	}
	return fallback
}

func (e *envSource) dur(key string, fallback time.Duration) time.Duration {
	if value, ok := e.get(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (e *envSource) flag(key string, fallback bool) bool {
	value, ok := e.get(key)
	if !ok || value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (e *envSource) flatten() map[string]string {
	values := make(map[string]string)
	for key, value := range e.dotenv {
		values[key] = value
	}
	if e.system {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range e.explicit {
		values[key] = value
	}
	return values
}

// parseEnvFile reads a dotenv-style file. A missing file is not an error;
// an unset path disables dotenv loading entirely.
func parseEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

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

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
// Its message carries hashed identifiers so secret names stay out of logs.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}
