package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/pkg/logger"
)

// Loader handles loading and watching configuration.
// The environment config is static and loaded once; the rules config is
// dynamic and swapped atomically on reload.
type Loader struct {
	// Environment config (static, loaded once)
	environment *EnvironmentConfig
	// Rules config (dynamic, runtime updatable)
	rules atomic.Pointer[RulesConfig]

	source      ConfigSource
	log         *zap.Logger
	subscribers []chan ConfigUpdate
	mu          sync.RWMutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// LoaderOption configures the Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger for the loader.
func WithLogger(log *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	l.log = l.log.Named("config-loader")

	return l
}

// LoadEnvironment loads environment configuration from file.
// This should be called once at startup.
func (l *Loader) LoadEnvironment(path string) (*EnvironmentConfig, error) {
	v := viper.New()

	// Set defaults for environment config
	setEnvironmentDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("environment")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tokengate")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
		l.log.Warn("environment config file not found, using defaults")
	}

	// Read environment variables
	v.SetEnvPrefix("TOKENGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg EnvironmentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment config: %w", err)
	}

	validator := NewConfigValidator()
	if err := validator.ValidateEnvironment(&cfg); err != nil {
		return nil, err // Return validation errors as-is for pretty printing
	}

	l.environment = &cfg

	l.log.Info("environment configuration loaded",
		zap.String("env", cfg.Env.Name),
		zap.String("config_source_type", cfg.ConfigSource.Type))

	return &cfg, nil
}

// InitSource initializes the configuration source based on environment settings.
func (l *Loader) InitSource(ctx context.Context) error {
	if l.environment == nil {
		return fmt.Errorf("environment config not loaded, call LoadEnvironment first")
	}

	settings := l.environment.ConfigSource

	switch settings.Type {
	case SourceTypeFile, "":
		source, err := NewFileConfigSource(settings.File, l.log)
		if err != nil {
			return fmt.Errorf("failed to create file config source: %w", err)
		}
		l.source = source

	case SourceTypeRemote:
		source, err := NewRemoteConfigSource(settings.Remote, l.log)
		if err != nil {
			return fmt.Errorf("failed to create remote config source: %w", err)
		}
		l.source = source

	default:
		return fmt.Errorf("unknown config source type: %s", settings.Type)
	}

	return nil
}

// LoadRules loads the rules configuration and makes it current.
func (l *Loader) LoadRules(ctx context.Context) (*RulesConfig, error) {
	if l.source == nil {
		return nil, fmt.Errorf("config source not initialized, call InitSource first")
	}

	rules, err := l.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules config: %w", err)
	}

	// Validate configuration before storing
	validator := NewConfigValidator()
	if err := validator.ValidateRules(rules); err != nil {
		return nil, err // Return validation errors as-is for pretty printing
	}

	l.rules.Store(rules)

	l.log.Info("rules configuration loaded",
		zap.String("version", rules.Version),
		zap.Int("rule_count", len(rules.Rules)))

	return rules, nil
}

// StartWatching starts watching for configuration changes.
func (l *Loader) StartWatching(ctx context.Context) error {
	if l.source == nil {
		return fmt.Errorf("config source not initialized")
	}

	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	updates, err := l.source.Watch(l.ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}

	if updates == nil {
		l.log.Info("config watching is disabled")
		return nil
	}

	go l.watchLoop(updates)

	l.log.Info("started watching for configuration changes")
	return nil
}

func (l *Loader) watchLoop(updates <-chan ConfigUpdate) {
	for {
		select {
		case <-l.ctx.Done():
			return

		case update, ok := <-updates:
			if !ok {
				return
			}

			l.handleUpdate(update)
		}
	}
}

func (l *Loader) handleUpdate(update ConfigUpdate) {
	l.log.Info("received config update",
		zap.String("type", string(update.Type)),
		zap.String("version", update.Version))

	rules, ok := update.Config.(*RulesConfig)
	if !ok || update.Type != ConfigTypeRules {
		l.log.Warn("ignoring unexpected config update",
			zap.String("type", string(update.Type)))
		return
	}

	// Validate before applying runtime update
	validator := NewConfigValidator()
	if err := validator.ValidateRules(rules); err != nil {
		l.log.Error("rules update rejected: validation failed",
			zap.String("version", update.Version),
			zap.Error(err))
		return // Don't apply the update, keep using previous rules
	}

	l.rules.Store(rules)
	l.log.Info("rules config updated successfully",
		zap.String("version", update.Version),
		zap.Int("rule_count", len(rules.Rules)))

	// Notify subscribers
	l.notifySubscribers(update)
}

func (l *Loader) notifySubscribers(update ConfigUpdate) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ch := range l.subscribers {
		select {
		case ch <- update:
		default:
			l.log.Warn("subscriber channel full, dropping update")
		}
	}
}

// Subscribe returns a channel that receives applied configuration updates.
func (l *Loader) Subscribe() <-chan ConfigUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan ConfigUpdate, 10)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Stop stops the loader and releases resources.
func (l *Loader) Stop() error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.started = false
	l.mu.Unlock()

	if l.source != nil {
		return l.source.Close()
	}

	return nil
}

// GetEnvironment returns the current environment configuration.
func (l *Loader) GetEnvironment() *EnvironmentConfig {
	return l.environment
}

// GetRules returns the current rules configuration.
func (l *Loader) GetRules() *RulesConfig {
	return l.rules.Load()
}

// GetConfigVersion returns the current version of all configurations.
func (l *Loader) GetConfigVersion() ConfigVersion {
	var envVersion, rulesVersion string

	if l.environment != nil {
		envVersion = l.environment.Env.Version
	}
	if rules := l.rules.Load(); rules != nil {
		rulesVersion = rules.Version
	}

	return ConfigVersion{
		Environment: envVersion,
		Rules:       rulesVersion,
	}
}

// =============================================================================
// Environment Defaults
// =============================================================================

func setEnvironmentDefaults(v *viper.Viper) {
	// Env defaults
	v.SetDefault("env.name", "development")

	// Server defaults
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.read_timeout", "10s")
	v.SetDefault("server.http.write_timeout", "30s")
	v.SetDefault("server.http.idle_timeout", "120s")
	v.SetDefault("server.http.shutdown_timeout", "30s")
	v.SetDefault("server.http.max_header_bytes", 1<<20)
	v.SetDefault("server.http.max_body_bytes", 1<<20)

	// Management server defaults
	v.SetDefault("management.enabled", true)
	v.SetDefault("management.addr", ":15020")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_caller", true)

	// Sensitive data masking defaults come from the logger package so the
	// PCI field lists live in one place
	sd := logger.DefaultSensitiveDataConfig()
	v.SetDefault("sensitive_data.enabled", sd.Enabled)
	v.SetDefault("sensitive_data.mask_value", sd.MaskValue)
	v.SetDefault("sensitive_data.fields", sd.Fields)
	v.SetDefault("sensitive_data.headers", sd.Headers)
	v.SetDefault("sensitive_data.mask_jwt", sd.MaskJWT)
	v.SetDefault("sensitive_data.mask_pan", sd.MaskPAN)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.events", []string{
		"TOKENIZATION_SUCCESS", "TOKENIZATION_BUSINESS_ERROR",
		"TOKENIZATION_FAILURE", "PROTOCOL_VIOLATION", "CREDENTIAL_REFRESH",
	})
	v.SetDefault("audit.export.stdout.enabled", true)
	v.SetDefault("audit.export.stdout.format", "json")

	// Signature defaults
	v.SetDefault("signature.enabled", false)
	v.SetDefault("signature.header", "X-Hmac-Signature")
	v.SetDefault("signature.algorithm", "sha256")

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rate", "100-S")
	v.SetDefault("rate_limit.store", "memory")
	v.SetDefault("rate_limit.trust_forwarded_for", true)
	v.SetDefault("rate_limit.redis.db", 1)
	v.SetDefault("rate_limit.redis.key_prefix", "tokengate:ratelimit:")

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.max_requests", 3)
	v.SetDefault("circuit_breaker.interval", "60s")
	v.SetDefault("circuit_breaker.timeout", "30s")
	v.SetDefault("circuit_breaker.failure_threshold", 5)

	// Credential store defaults
	v.SetDefault("credential_store.type", "memory")
	v.SetDefault("credential_store.redis.db", 0)
	v.SetDefault("credential_store.redis.key_prefix", "tokengate:credentials:")

	// Tenant verification defaults
	v.SetDefault("tenant_verification.enabled", false)
	v.SetDefault("tenant_verification.refresh_interval", "1h")

	// Config source defaults
	v.SetDefault("config_source.type", "file")
	v.SetDefault("config_source.file.rules_path", "/etc/tokengate/rules.yaml")
	v.SetDefault("config_source.file.watch_enabled", true)
	v.SetDefault("config_source.remote.polling.enabled", true)
	v.SetDefault("config_source.remote.polling.interval", "30s")
	v.SetDefault("config_source.remote.polling.timeout", "10s")
}

// LoadAll loads the environment and rules configuration in one call.
func LoadAll(ctx context.Context, envPath string) (*Loader, error) {
	log, _ := zap.NewProduction()

	loader := NewLoader(WithLogger(log))

	// Load environment config
	env, err := loader.LoadEnvironment(envPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	// Override paths for local development
	if env.ConfigSource.Type == SourceTypeFile || env.ConfigSource.Type == "" {
		if env.ConfigSource.File.RulesPath == "" || !fileExists(env.ConfigSource.File.RulesPath) {
			env.ConfigSource.File.RulesPath = "./configs/rules.yaml"
		}
	}

	// Initialize config source
	if err := loader.InitSource(ctx); err != nil {
		return nil, fmt.Errorf("failed to init config source: %w", err)
	}

	// Load rules config
	if _, err := loader.LoadRules(ctx); err != nil {
		return nil, fmt.Errorf("failed to load rules config: %w", err)
	}

	return loader, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
