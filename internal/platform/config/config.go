package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultRequestTimeout   = 20 * time.Second
	defaultMaxBodyBytes     = 64 << 10
	defaultOrdersBaseURL    = "https://api-m.sandbox.paypal.com"
	defaultOrdersTimeout    = 10 * time.Second
	defaultRulesFile        = "shipping-rules.yaml"
	defaultIdempotencyStore = "memory"
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultCleanupInterval  = 10 * time.Minute
	defaultEventsCollection = "shippingChangeEvents"
	defaultPerOrderLimit    = 30
	defaultEnvironment      = "local"
)

// Config captures the runtime configuration of the shipping change service.
type Config struct {
	Environment     string
	ProjectID       string
	Server          ServerConfig
	Orders          OrdersConfig
	Merchants       MerchantConfig
	Instrumentation InstrumentationConfig
	Firestore       FirestoreConfig
	Idempotency     IdempotencyConfig
	Rules           RulesConfig
	RateLimits      RateLimitConfig
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// OrdersConfig points the service at the order API.
type OrdersConfig struct {
	BaseURL                string
	ClientID               string
	FacilitatorAccessToken string
	PartnerAttributionID   string
	Timeout                time.Duration
}

// MerchantConfig lists per merchant behaviour overrides.
type MerchantConfig struct {
	// LSATUpgradeExcluded keeps these client ids on the buyer scoped order endpoint.
	LSATUpgradeExcluded []string
}

// InstrumentationConfig selects where analytics records go.
type InstrumentationConfig struct {
	PubSubTopic string
	LogEvents   bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	Collection   string
}

// IdempotencyConfig controls duplicate event delivery detection.
type IdempotencyConfig struct {
	Store           string
	TTL             time.Duration
	CleanupInterval time.Duration
}

// RulesConfig locates the shipping rules file.
type RulesConfig struct {
	File string
}

// RateLimitConfig throttles address changes per order.
type RateLimitConfig struct {
	PerOrderPerMinute int
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists missing or invalid configuration fields.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes a failed secret resolution.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the missing secret field names.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed forms of the missing names, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values taking precedence over the environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv stops Load from reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields (for example "Orders.FacilitatorAccessToken")
// that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// source looks up a raw configuration value by key.
type source func(key string) (string, bool)

func newSource(options loaderOptions) (source, error) {
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

func defaultOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Lookup returns a single value using the same precedence as Load
// (.env < process environment < explicit map). It lets callers build
// dependencies such as the secret resolver before calling Load.
func Lookup(key string, opts ...Option) (string, error) {
	src, err := newSource(defaultOptions(opts))
	if err != nil {
		return "", err
	}
	return src.str(key, ""), nil
}

// Load assembles the configuration from defaults, .env, the environment and
// Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	projectID := src.str("SHIPPING_PROJECT_ID", src.str("GOOGLE_CLOUD_PROJECT", ""))
	cfg := Config{
		Environment: strings.ToLower(src.str("SHIPPING_ENVIRONMENT", defaultEnvironment)),
		ProjectID:   projectID,
		Server: ServerConfig{
			Port:           src.str("PORT", src.str("SHIPPING_SERVER_PORT", defaultPort)),
			ReadTimeout:    src.duration("SHIPPING_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   src.duration("SHIPPING_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    src.duration("SHIPPING_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: src.duration("SHIPPING_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			MaxBodyBytes:   int64(src.int("SHIPPING_SERVER_MAX_BODY_BYTES", defaultMaxBodyBytes)),
		},
		Orders: OrdersConfig{
			BaseURL:                src.str("SHIPPING_ORDERS_BASE_URL", defaultOrdersBaseURL),
			ClientID:               src.str("SHIPPING_ORDERS_CLIENT_ID", ""),
			FacilitatorAccessToken: src.str("SHIPPING_ORDERS_FACILITATOR_TOKEN", ""),
			PartnerAttributionID:   src.str("SHIPPING_ORDERS_PARTNER_ATTRIBUTION_ID", ""),
			Timeout:                src.duration("SHIPPING_ORDERS_TIMEOUT", defaultOrdersTimeout),
		},
		Merchants: MerchantConfig{
			LSATUpgradeExcluded: src.csv("SHIPPING_LSAT_UPGRADE_EXCLUDED_CLIENTS"),
		},
		Instrumentation: InstrumentationConfig{
			PubSubTopic: src.str("SHIPPING_INSTRUMENTATION_TOPIC", ""),
			LogEvents:   src.bool("SHIPPING_INSTRUMENTATION_LOG", true),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("SHIPPING_FIRESTORE_PROJECT_ID", projectID),
			EmulatorHost: src.str("FIRESTORE_EMULATOR_HOST", ""),
			Collection:   src.str("SHIPPING_FIRESTORE_EVENTS_COLLECTION", defaultEventsCollection),
		},
		Idempotency: IdempotencyConfig{
			Store:           strings.ToLower(src.str("SHIPPING_IDEMPOTENCY_STORE", defaultIdempotencyStore)),
			TTL:             src.duration("SHIPPING_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval: src.duration("SHIPPING_IDEMPOTENCY_CLEANUP_INTERVAL", defaultCleanupInterval),
		},
		Rules: RulesConfig{
			File: src.str("SHIPPING_RULES_FILE", defaultRulesFile),
		},
		RateLimits: RateLimitConfig{
			PerOrderPerMinute: src.int("SHIPPING_RATELIMIT_PER_ORDER_PER_MIN", defaultPerOrderLimit),
		},
	}

	resolver := options.secret
	resolved := map[string]string{}
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Orders.FacilitatorAccessToken", &cfg.Orders.FacilitatorAccessToken},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	seen := map[string]struct{}{}
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !IsSecretReference(trimmed) {
		return value, nil
	}
	ref := NormalizeSecretReference(trimmed)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validate(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		invalid = append(invalid, "Server.MaxBodyBytes")
	}
	if u, err := url.Parse(cfg.Orders.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		invalid = append(invalid, "Orders.BaseURL")
	}
	if strings.TrimSpace(cfg.Orders.ClientID) == "" {
		invalid = append(invalid, "Orders.ClientID")
	}
	if strings.TrimSpace(cfg.Rules.File) == "" {
		invalid = append(invalid, "Rules.File")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	switch cfg.Idempotency.Store {
	case "memory":
		if cfg.Idempotency.CleanupInterval <= 0 {
			invalid = append(invalid, "Idempotency.CleanupInterval")
		}
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
		if cfg.Firestore.Collection == "" {
			invalid = append(invalid, "Firestore.Collection")
		}
	default:
		invalid = append(invalid, "Idempotency.Store")
	}
	if cfg.Instrumentation.PubSubTopic != "" && cfg.ProjectID == "" {
		invalid = append(invalid, "ProjectID")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

// IsSecretReference reports whether value names a Secret Manager secret.
func IsSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// NormalizeSecretReference rewrites sm:// references to secret://.
func NormalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
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

func (s source) str(key, fallback string) string {
	if value, ok := s(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (s source) int(key string, fallback int) int {
	if n, err := strconv.Atoi(s.str(key, "")); err == nil {
		return n
	}
	return fallback
}

func (s source) bool(key string, fallback bool) bool {
	switch strings.ToLower(s.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (s source) csv(key string) []string {
	raw := s.str(key, "")
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
