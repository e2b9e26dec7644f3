package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ulule/limiter/v3"
)

// ValidationError contains detailed information about a validation error.
type ValidationError struct {
	Field   string
	Message string
	Details []string
}

func (e ValidationError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s\n    - %s", e.Field, e.Message, strings.Join(e.Details, "\n    - "))
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

// ConfigValidator validates configuration.
type ConfigValidator struct {
	errors ValidationErrors
}

// NewConfigValidator creates a new ConfigValidator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{}
}

// ValidateEnvironment validates the static environment configuration.
func (v *ConfigValidator) ValidateEnvironment(cfg *EnvironmentConfig) error {
	v.errors = nil

	v.validateSignature(&cfg.Signature)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateCredentialStore(&cfg.CredentialStore)
	v.validateTenantVerification(&cfg.TenantVerification)
	v.validateConfigSource(&cfg.ConfigSource)
	v.validateListenerPorts(cfg)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// ValidateRules validates the dynamic rules configuration. It expects
// Normalize to have been applied, so defaulted fields are populated.
func (v *ConfigValidator) ValidateRules(cfg *RulesConfig) error {
	v.errors = nil

	if cfg == nil {
		return nil
	}

	v.validateUpstream(&cfg.Upstream)
	v.validateRuleNames(cfg)
	for i := range cfg.Rules {
		v.validateRule(&cfg.Rules[i])
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *ConfigValidator) validateSignature(cfg *SignatureConfig) {
	if !cfg.Enabled {
		return
	}
	if len(cfg.Secrets) == 0 {
		v.errors = append(v.errors, ValidationError{
			Field:   "signature.secrets",
			Message: "at least one secret is required when signature verification is enabled",
		})
	}
	switch cfg.Algorithm {
	case "sha1", "sha256", "sha512":
	default:
		v.errors = append(v.errors, ValidationError{
			Field:   "signature.algorithm",
			Message: fmt.Sprintf("unsupported algorithm %q (must be sha1, sha256 or sha512)", cfg.Algorithm),
		})
	}
}

func (v *ConfigValidator) validateRateLimit(cfg *RateLimitConfig) {
	if !cfg.Enabled {
		return
	}
	if _, err := limiter.NewRateFromFormatted(cfg.Rate); err != nil {
		v.errors = append(v.errors, ValidationError{
			Field:   "rate_limit.rate",
			Message: fmt.Sprintf("invalid rate %q: %v", cfg.Rate, err),
		})
	}
	switch cfg.Store {
	case "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   "rate_limit.redis.address",
				Message: "redis address is required for the redis store",
			})
		}
	default:
		v.errors = append(v.errors, ValidationError{
			Field:   "rate_limit.store",
			Message: fmt.Sprintf("unknown store %q (must be memory or redis)", cfg.Store),
		})
	}
}

func (v *ConfigValidator) validateCredentialStore(cfg *CredentialStoreConfig) {
	switch cfg.Type {
	case "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   "credential_store.redis.address",
				Message: "redis address is required for the redis store",
			})
		}
	default:
		v.errors = append(v.errors, ValidationError{
			Field:   "credential_store.type",
			Message: fmt.Sprintf("unknown store type %q (must be memory or redis)", cfg.Type),
		})
	}
}

func (v *ConfigValidator) validateTenantVerification(cfg *TenantVerificationConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.JWKSURL == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   "tenant_verification.jwks_url",
			Message: "jwks_url is required when tenant JWT verification is enabled",
		})
	}
}

func (v *ConfigValidator) validateConfigSource(cfg *ConfigSourceSettings) {
	switch cfg.Type {
	case SourceTypeFile:
		if cfg.File.RulesPath == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   "config_source.file.rules_path",
				Message: "rules_path is required for the file source",
			})
		}
	case SourceTypeRemote:
		if cfg.Remote.Endpoint == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   "config_source.remote.endpoint",
				Message: "endpoint is required for the remote source",
			})
		}
		v.validateRemoteAuth(&cfg.Remote.Auth)
	default:
		v.errors = append(v.errors, ValidationError{
			Field:   "config_source.type",
			Message: fmt.Sprintf("unknown source type %q (must be file or remote)", cfg.Type),
		})
	}
}

func (v *ConfigValidator) validateRemoteAuth(cfg *RemoteAuthSettings) {
	switch cfg.Type {
	case "", "none":
	case "token":
		if cfg.Token == "" && cfg.TokenFile == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   "config_source.remote.auth",
				Message: "token or token_file is required for token auth",
			})
		}
	case "mtls":
		if cfg.ClientCert == "" || cfg.ClientKey == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   "config_source.remote.auth",
				Message: "client_cert and client_key are required for mtls auth",
			})
		}
	default:
		v.errors = append(v.errors, ValidationError{
			Field:   "config_source.remote.auth.type",
			Message: fmt.Sprintf("unknown auth type %q (must be none, token or mtls)", cfg.Type),
		})
	}
}

// parsePortFromAddr extracts port number from address string like ":8080" or "0.0.0.0:8080".
// Returns 0 if the address is empty or port cannot be parsed.
func parsePortFromAddr(addr string) int {
	if addr == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Try parsing as just a port (e.g., ":8080" without host)
		if strings.HasPrefix(addr, ":") {
			portStr = addr[1:]
		} else {
			return 0
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// validateListenerPorts checks that the proxy and management listeners do
// not share a port.
func (v *ConfigValidator) validateListenerPorts(cfg *EnvironmentConfig) {
	ports := make(map[int][]string) // port -> listener names

	addPort := func(addr, name string) {
		if port := parsePortFromAddr(addr); port > 0 {
			ports[port] = append(ports[port], name)
		}
	}

	addPort(cfg.Server.HTTP.Addr, "server:http")
	if cfg.Management.Enabled {
		addPort(cfg.Management.Addr, "management")
	}

	for port, listeners := range ports {
		if len(listeners) > 1 {
			// Sort for deterministic output
			sort.Strings(listeners)
			v.errors = append(v.errors, ValidationError{
				Field:   "listeners",
				Message: fmt.Sprintf("port %d is used by multiple listeners", port),
				Details: listeners,
			})
		}
	}
}

func (v *ConfigValidator) validateUpstream(cfg *UpstreamConfig) {
	if cfg.URL == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   "upstream.url",
			Message: "upstream url is required",
		})
		return
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   "upstream.url",
			Message: fmt.Sprintf("invalid upstream url %q", cfg.URL),
		})
	}
}

// validateRuleNames checks for duplicate rule names. Names key metrics and
// audit events, so two rules must not share one.
func (v *ConfigValidator) validateRuleNames(cfg *RulesConfig) {
	names := make(map[string][]string) // name -> positions
	for i, rule := range cfg.Rules {
		names[rule.Name] = append(names[rule.Name], fmt.Sprintf("rules[%d]", i))
	}

	for name, positions := range names {
		if len(positions) > 1 {
			sort.Strings(positions)
			v.errors = append(v.errors, ValidationError{
				Field:   "rules",
				Message: fmt.Sprintf("name %q is used by multiple rules", name),
				Details: positions,
			})
		}
	}
}

func (v *ConfigValidator) validateRule(r *TokenizationRule) {
	field := func(name string) string {
		return fmt.Sprintf("rules[%s].%s", r.Name, name)
	}

	if len(r.InterceptPathPatternList) == 0 {
		v.errors = append(v.errors, ValidationError{
			Field:   field("intercept_path_pattern_list"),
			Message: "at least one path pattern is required",
		})
	}
	var badPatterns []string
	for _, p := range r.InterceptPathPatternList {
		if p == "" {
			badPatterns = append(badPatterns, "empty pattern")
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			badPatterns = append(badPatterns, fmt.Sprintf("%q: %v", p, err))
		}
	}
	if len(badPatterns) > 0 {
		v.errors = append(v.errors, ValidationError{
			Field:   field("intercept_path_pattern_list"),
			Message: "invalid path patterns",
			Details: badPatterns,
		})
	}

	if r.TokenServiceEndpoint == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   field("token_service_endpoint"),
			Message: "token service endpoint is required",
		})
	} else if u, err := url.Parse(r.TokenServiceEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   field("token_service_endpoint"),
			Message: fmt.Sprintf("invalid endpoint url %q", r.TokenServiceEndpoint),
		})
	}

	if r.HasTenantGUID == r.HasTenant {
		v.errors = append(v.errors, ValidationError{
			Field:   field("has_tenant_guid"),
			Message: "exactly one of has_tenant_guid and has_tenant must be true",
		})
	}

	switch r.TenantInformationLocation {
	case TenantLocationHeaders, TenantLocationBody, TenantLocationJWT:
	default:
		v.errors = append(v.errors, ValidationError{
			Field:   field("tenant_information_location"),
			Message: fmt.Sprintf("unknown location %q (must be headers, body or jwt)", r.TenantInformationLocation),
		})
	}

	if r.TenantInformationReference == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   field("tenant_information_reference"),
			Message: "tenant information reference is required",
		})
	}

	if r.IsTokenGatewayURL {
		if r.IAMServiceURL == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   field("iam_service_url"),
				Message: "iam_service_url is required when is_token_gateway_url is true",
			})
		}
		if r.TokenServiceAuthClientID == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   field("token_service_auth_client_id"),
				Message: "client id is required when is_token_gateway_url is true",
			})
		}
		if r.TokenServiceAuthSecret == "" {
			v.errors = append(v.errors, ValidationError{
				Field:   field("token_service_auth_secret"),
				Message: "client secret is required when is_token_gateway_url is true",
			})
		}
	}

	switch r.TenantGUIDResolverMethod {
	case "GET", "POST":
	default:
		v.errors = append(v.errors, ValidationError{
			Field:   field("tenant_guid_resolver_method"),
			Message: fmt.Sprintf("unsupported method %q (must be GET or POST)", r.TenantGUIDResolverMethod),
		})
	}
}
