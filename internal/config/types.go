package config

import (
	"time"

	"github.com/your-org/tokengate/pkg/logger"
)

// ConfigType represents the type of configuration.
type ConfigType string

const (
	// ConfigTypeEnvironment is static configuration loaded at startup.
	ConfigTypeEnvironment ConfigType = "environment"
	// ConfigTypeRules is dynamic tokenization rules configuration.
	ConfigTypeRules ConfigType = "rules"
)

// =============================================================================
// Environment Configuration (Static - requires restart)
// =============================================================================

// EnvironmentConfig holds static configuration that requires a restart to
// change: listener addresses, logging, masking, and where the dynamic rules
// come from.
type EnvironmentConfig struct {
	// Env holds environment information
	Env EnvConfig `mapstructure:"env" yaml:"env" jsonschema:"description=Environment information for deployment context." jsonschema_extras:"x-runtime-updatable=false"`
	// Server configuration for the proxy listener
	Server ServerConfig `mapstructure:"server" yaml:"server" jsonschema:"description=Proxy listener configuration." jsonschema_extras:"x-runtime-updatable=false"`
	// Management server configuration for admin/debug endpoints
	Management ManagementConfig `mapstructure:"management" yaml:"management" jsonschema:"description=Management listener for health and metrics and admin endpoints." jsonschema_extras:"x-runtime-updatable=false"`
	// Logging configuration
	Logging logger.Config `mapstructure:"logging" yaml:"logging" jsonschema:"description=Application logging configuration." jsonschema_extras:"x-runtime-updatable=false"`
	// SensitiveData masking configuration for logs and config dumps
	SensitiveData logger.SensitiveDataConfig `mapstructure:"sensitive_data" yaml:"sensitive_data" jsonschema:"description=Sensitive data masking for logs and config dumps." jsonschema_extras:"x-runtime-updatable=false"`
	// Audit event export configuration
	Audit AuditConfig `mapstructure:"audit" yaml:"audit" jsonschema:"description=Audit event export configuration." jsonschema_extras:"x-runtime-updatable=false"`
	// Signature verification for inbound requests
	Signature SignatureConfig `mapstructure:"signature" yaml:"signature" jsonschema:"description=HMAC request signature verification." jsonschema_extras:"x-runtime-updatable=false"`
	// RateLimit configuration for the proxy listener
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" jsonschema:"description=Rate limiting for the proxy listener." jsonschema_extras:"x-runtime-updatable=false"`
	// CircuitBreaker configuration for outbound calls
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker" jsonschema:"description=Circuit breakers for outbound IAM and tokenization calls." jsonschema_extras:"x-runtime-updatable=false"`
	// CredentialStore selects where OAuth2 tokens are cached
	CredentialStore CredentialStoreConfig `mapstructure:"credential_store" yaml:"credential_store" jsonschema:"description=Storage backend for cached OAuth2 access tokens." jsonschema_extras:"x-runtime-updatable=false"`
	// TenantVerification enables signature verification for jwt tenant sources
	TenantVerification TenantVerificationConfig `mapstructure:"tenant_verification" yaml:"tenant_verification" jsonschema:"description=Optional JWT signature verification for the jwt tenant source." jsonschema_extras:"x-runtime-updatable=false"`
	// ConfigSource defines where to load the tokenization rules from
	ConfigSource ConfigSourceSettings `mapstructure:"config_source" yaml:"config_source" jsonschema:"description=Source settings for the dynamic rules configuration." jsonschema_extras:"x-runtime-updatable=false"`
}

// EnvConfig holds deployment environment information.
type EnvConfig struct {
	// Name is the environment name
	Name string `mapstructure:"name" yaml:"name" jsonschema:"description=Environment name.,default=development"`
	// Region is the deployment region
	Region string `mapstructure:"region" yaml:"region" jsonschema:"description=Deployment region."`
	// Version is the configuration version for change tracking
	Version string `mapstructure:"version" yaml:"version" jsonschema:"description=Environment configuration version."`
}

// ServerConfig holds the proxy listener configuration.
type ServerConfig struct {
	HTTP HTTPServerConfig `mapstructure:"http" yaml:"http" jsonschema:"description=HTTP proxy listener settings."`
}

// HTTPServerConfig holds HTTP server settings.
type HTTPServerConfig struct {
	// Addr is the listen address
	Addr string `mapstructure:"addr" yaml:"addr" jsonschema:"description=Proxy listen address.,default=:8080" jsonschema_extras:"x-runtime-updatable=false"`
	// ReadTimeout bounds reading the full request including body
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" jsonschema:"description=Request read timeout.,default=10s"`
	// WriteTimeout bounds writing the response
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" jsonschema:"description=Response write timeout.,default=30s"`
	// IdleTimeout bounds keep-alive idle connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" jsonschema:"description=Idle connection timeout.,default=120s"`
	// ShutdownTimeout is the graceful drain window on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" jsonschema:"description=Graceful shutdown drain window.,default=30s"`
	// MaxHeaderBytes limits request header size
	MaxHeaderBytes int `mapstructure:"max_header_bytes" yaml:"max_header_bytes" jsonschema:"description=Maximum request header size in bytes.,default=1048576"`
	// MaxBodyBytes limits how much request body is captured for interception
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes" jsonschema:"description=Maximum request body size captured for interception in bytes.,default=4194304"`
}

// ManagementConfig holds the management listener configuration.
type ManagementConfig struct {
	// Enabled enables the management listener
	Enabled bool `mapstructure:"enabled" yaml:"enabled" jsonschema:"description=Enable the management listener.,default=true"`
	// Addr is the management listen address
	Addr string `mapstructure:"addr" yaml:"addr" jsonschema:"description=Management listen address for health and metrics and admin endpoints.,default=:15020"`
}

// AuditConfig holds audit event export configuration.
type AuditConfig struct {
	// Enabled enables audit event emission
	Enabled bool `mapstructure:"enabled" yaml:"enabled" jsonschema:"description=Enable audit event emission.,default=true"`
	// Events filters which event types are exported (empty = all)
	Events []string `mapstructure:"events" yaml:"events" jsonschema:"description=Event types to export. Empty exports all."`
	// Export holds exporter settings
	Export ExportConfig `mapstructure:"export" yaml:"export" jsonschema:"description=Audit exporter settings."`
}

// ExportConfig holds audit exporter settings.
type ExportConfig struct {
	Stdout StdoutExportConfig `mapstructure:"stdout" yaml:"stdout" jsonschema:"description=Stdout exporter settings."`
}

// StdoutExportConfig holds stdout exporter settings.
type StdoutExportConfig struct {
	// Enabled enables the stdout exporter
	Enabled bool `mapstructure:"enabled" yaml:"enabled" jsonschema:"description=Enable the stdout audit exporter.,default=true"`
	// Format is the output format
	Format string `mapstructure:"format" yaml:"format" jsonschema:"description=Stdout exporter format.,enum=json,enum=text,default=json"`
}

// SignatureConfig holds HMAC request signature verification settings.
type SignatureConfig struct {
	// Enabled turns the signature middleware on
	Enabled bool `mapstructure:"enabled" yaml:"enabled" jsonschema:"description=Enable HMAC signature verification before interception.,default=false"`
	// Header is the request header carrying the signature
	Header string `mapstructure:"header" yaml:"header" jsonschema:"description=Header carrying the request signature.,default=X-Hmac-Signature"`
	// Algorithm selects the HMAC hash
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm" jsonschema:"description=HMAC hash algorithm.,enum=sha1,enum=sha256,enum=sha512,default=sha256"`
	// Secrets is the list of accepted shared secrets, newest first
	Secrets []string `mapstructure:"secrets" yaml:"secrets" jsonschema:"description=Accepted shared secrets with the newest first. Multiple entries support rotation."`
	// Prefix is an optional prefix stripped from the header value (e.g. sha256=)
	Prefix string `mapstructure:"prefix" yaml:"prefix" jsonschema:"description=Optional prefix stripped from the signature header value."`
}

// RateLimitConfig holds proxy rate limiting settings.
type RateLimitConfig struct {
	// Enabled turns rate limiting on
	Enabled bool `mapstructure:"enabled" yaml:"enabled" jsonschema:"description=Enable rate limiting on the proxy listener.,default=false"`
	// Rate uses limiter formatted rates like 100-S or 1000-M
	Rate string `mapstructure:"rate" yaml:"rate" jsonschema:"description=Rate in limiter notation (count-period).,default=100-S"`
	// Store selects the limiter state backend
	Store string `mapstructure:"store" yaml:"store" jsonschema:"description=Rate limiter state store.,enum=memory,enum=redis,default=memory"`
	// TrustForwardedFor trusts X-Forwarded-For for client identification
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for" yaml:"trust_forwarded_for" jsonschema:"description=Trust X-Forwarded-For when identifying clients.,default=true"`
	// Redis settings when store is redis
	Redis RedisConfig `mapstructure:"redis" yaml:"redis" jsonschema:"description=Redis settings for the redis store."`
}

// CircuitBreakerConfig holds circuit breaker settings for outbound calls.
type CircuitBreakerConfig struct {
	// Enabled turns breakers on for IAM and tokenization calls
	Enabled bool `mapstructure:"enabled" yaml:"enabled" jsonschema:"description=Enable circuit breakers on outbound calls.,default=false"`
	// MaxRequests allowed through while half-open
	MaxRequests uint32 `mapstructure:"max_requests" yaml:"max_requests" jsonschema:"description=Requests allowed through a half-open breaker.,default=3"`
	// Interval is the cyclic period for clearing counts while closed
	Interval time.Duration `mapstructure:"interval" yaml:"interval" jsonschema:"description=Count reset interval while closed.,default=60s"`
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" jsonschema:"description=Open state duration before half-open probing.,default=30s"`
	// FailureThreshold is consecutive failures before opening
	FailureThreshold uint32 `mapstructure:"failure_threshold" yaml:"failure_threshold" jsonschema:"description=Consecutive failures before the breaker opens.,default=5"`
}

// CredentialStoreConfig selects where OAuth2 tokens are cached.
type CredentialStoreConfig struct {
	// Type is the store backend
	Type string `mapstructure:"type" yaml:"type" jsonschema:"description=Credential store backend. Memory is per-process; redis is shared across replicas.,enum=memory,enum=redis,default=memory"`
	// Redis settings when type is redis
	Redis RedisConfig `mapstructure:"redis" yaml:"redis" jsonschema:"description=Redis settings for the redis store."`
}

// RedisConfig holds shared Redis connection settings.
type RedisConfig struct {
	// Address is the host:port of the Redis server
	Address string `mapstructure:"address" yaml:"address" jsonschema:"description=Redis server address."`
	// Password for AUTH, empty for none
	Password string `mapstructure:"password" yaml:"password" jsonschema:"description=Redis AUTH password."`
	// DB is the database number
	DB int `mapstructure:"db" yaml:"db" jsonschema:"description=Redis database number.,default=0"`
	// KeyPrefix namespaces all keys written by this service
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix" jsonschema:"description=Prefix for all keys written by this service."`
}

// TenantVerificationConfig enables JWT signature verification for the jwt
// tenant source. Off by default: tokens are normally authenticated upstream
// and only decoded here.
type TenantVerificationConfig struct {
	// Enabled turns signature verification on
	Enabled bool `mapstructure:"enabled" yaml:"enabled" jsonschema:"description=Verify JWT signatures when extracting tenants from tokens.,default=false"`
	// JWKSURL is the key set endpoint
	JWKSURL string `mapstructure:"jwks_url" yaml:"jwks_url" jsonschema:"description=JWKS endpoint for verification keys."`
	// Issuer is the expected iss claim, empty to skip the check
	Issuer string `mapstructure:"issuer" yaml:"issuer" jsonschema:"description=Expected token issuer. Empty skips the issuer check."`
	// RefreshInterval is how often the key set is refreshed
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval" jsonschema:"description=JWKS refresh interval.,default=1h"`
}

// Config source types.
const (
	SourceTypeFile   = "file"
	SourceTypeRemote = "remote"
)

// ConfigSourceSettings defines where the dynamic rules configuration comes from.
type ConfigSourceSettings struct {
	// Type is the config source type
	Type string `mapstructure:"type" yaml:"type" jsonschema:"description=Rules configuration source type.,enum=file,enum=remote,default=file"`
	// File holds file-based source settings
	File FileSourceSettings `mapstructure:"file" yaml:"file" jsonschema:"description=File-based rules source settings."`
	// Remote holds remote config service settings
	Remote RemoteSourceSettings `mapstructure:"remote" yaml:"remote" jsonschema:"description=Remote rules service settings."`
}

// FileSourceSettings holds file-based config source settings.
type FileSourceSettings struct {
	// RulesPath is the path to the rules configuration file
	RulesPath string `mapstructure:"rules_path" yaml:"rules_path" jsonschema:"description=Path to the tokenization rules file.,default=/etc/tokengate/rules.yaml"`
	// WatchEnabled enables file watching for hot reload
	WatchEnabled bool `mapstructure:"watch_enabled" yaml:"watch_enabled" jsonschema:"description=Reload rules automatically when the file changes.,default=true"`
}

// RemoteSourceSettings holds remote config service settings.
type RemoteSourceSettings struct {
	// Endpoint is the config service base URL
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" jsonschema:"description=Remote configuration service endpoint URL."`
	// Path is the API path for the rules resource
	Path string `mapstructure:"path" yaml:"path" jsonschema:"description=API path for the rules resource.,default=/api/v1/configs/tokengate/rules"`
	// Auth holds authentication settings for the config service
	Auth RemoteAuthSettings `mapstructure:"auth" yaml:"auth" jsonschema:"description=Authentication settings for the remote config service."`
	// Polling configuration
	Polling PollingSettings `mapstructure:"polling" yaml:"polling" jsonschema:"description=Polling configuration for rule updates."`
}

// RemoteAuthSettings holds authentication settings for the remote config service.
type RemoteAuthSettings struct {
	// Type is the authentication type
	Type string `mapstructure:"type" yaml:"type" jsonschema:"description=Authentication type for the config service.,enum=none,enum=token,enum=mtls,default=none"`
	// Token is the bearer token for token auth
	Token string `mapstructure:"token" yaml:"token" jsonschema:"description=Bearer token. Prefer the token_file or environment variable form."`
	// TokenFile is a path to a file containing the token
	TokenFile string `mapstructure:"token_file" yaml:"token_file" jsonschema:"description=Path to a file containing the bearer token."`
	// ClientCert is the path to the client certificate for mTLS
	ClientCert string `mapstructure:"client_cert" yaml:"client_cert" jsonschema:"description=Client certificate path for mTLS."`
	// ClientKey is the path to the client key for mTLS
	ClientKey string `mapstructure:"client_key" yaml:"client_key" jsonschema:"description=Client key path for mTLS."`
	// CACert is the path to the CA certificate
	CACert string `mapstructure:"ca_cert" yaml:"ca_cert" jsonschema:"description=CA certificate path for server verification."`
}

// PollingSettings holds polling configuration for the remote source.
type PollingSettings struct {
	// Enabled enables polling for rule updates
	Enabled bool `mapstructure:"enabled" yaml:"enabled" jsonschema:"description=Poll the remote service for rule updates.,default=true"`
	// Interval is the polling interval
	Interval time.Duration `mapstructure:"interval" yaml:"interval" jsonschema:"description=Polling interval.,default=30s"`
	// Timeout is the per-request timeout
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" jsonschema:"description=Timeout for polling requests.,default=10s"`
	// Retry configuration for the initial load
	Retry RetrySettings `mapstructure:"retry" yaml:"retry" jsonschema:"description=Retry settings for failed fetches."`
}

// RetrySettings holds retry configuration.
type RetrySettings struct {
	// MaxAttempts is the maximum retry attempts
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" jsonschema:"description=Maximum retry attempts.,default=3"`
	// Backoff is the initial backoff duration
	Backoff time.Duration `mapstructure:"backoff" yaml:"backoff" jsonschema:"description=Initial backoff duration.,default=1s"`
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" jsonschema:"description=Maximum backoff duration.,default=30s"`
}

// =============================================================================
// Config Update Types
// =============================================================================

// ConfigUpdate represents a configuration update event.
type ConfigUpdate struct {
	// Type is the configuration type that was updated
	Type ConfigType `json:"type"`
	// Version is the new configuration version
	Version string `json:"version"`
	// Config is the new configuration (type depends on Type)
	Config interface{} `json:"config"`
	// Timestamp is when the update occurred
	Timestamp time.Time `json:"timestamp"`
	// Source indicates where the update came from
	Source string `json:"source"`
}

// ConfigVersion holds version information for configurations.
type ConfigVersion struct {
	// Environment version (changes require restart)
	Environment string `json:"environment"`
	// Rules version (runtime updatable)
	Rules string `json:"rules"`
}
