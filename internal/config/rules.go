package config

import (
	"fmt"
	"time"
)

// Per-rule defaults applied by Normalize.
const (
	DefaultTokenServiceTimeout = 5 * time.Second
	DefaultRealm               = "core-apps"
	DefaultScope               = "openid"
	DefaultResolverMethod      = "GET"
	DefaultResolverReference   = "tenantId"
)

// Tenant information locations.
const (
	TenantLocationHeaders = "headers"
	TenantLocationBody    = "body"
	TenantLocationJWT     = "jwt"
)

// RulesConfig is the dynamic configuration: the upstream target and the
// ordered tokenization rules. It is hot-reloadable; a reload swaps the
// whole set atomically.
type RulesConfig struct {
	// Version is the rules version for change tracking
	Version string `mapstructure:"version" yaml:"version" json:"version" jsonschema:"description=Rules version for change tracking." jsonschema_extras:"x-runtime-updatable=true"`
	// Upstream is the single backend requests are forwarded to
	Upstream UpstreamConfig `mapstructure:"upstream" yaml:"upstream" json:"upstream" jsonschema:"description=Backend the gateway forwards requests to." jsonschema_extras:"x-runtime-updatable=true"`
	// Rules is the ordered list of tokenization rules
	Rules []TokenizationRule `mapstructure:"rules" yaml:"rules" json:"rules" jsonschema:"description=Ordered tokenization interception rules. The first rule whose pattern matches wins." jsonschema_extras:"x-runtime-updatable=true"`
}

// UpstreamConfig holds the downstream backend configuration.
type UpstreamConfig struct {
	// URL is the backend base URL
	URL string `mapstructure:"url" yaml:"url" json:"url" jsonschema:"description=Backend base URL.,required"`
	// Timeout bounds a proxied request end to end
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" jsonschema:"description=End-to-end timeout for proxied requests.,default=30s"`
	// IdleConnTimeout bounds idle upstream connections
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout" json:"idle_conn_timeout" jsonschema:"description=Idle upstream connection timeout.,default=90s"`
	// MaxIdleConns caps pooled upstream connections
	MaxIdleConns int `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"description=Maximum pooled idle connections.,default=100"`
	// TLS holds upstream TLS settings
	TLS UpstreamTLSConfig `mapstructure:"tls" yaml:"tls" json:"tls" jsonschema:"description=Upstream TLS settings."`
}

// UpstreamTLSConfig holds TLS settings for the upstream connection.
type UpstreamTLSConfig struct {
	// InsecureSkipVerify skips certificate verification
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify" json:"insecure_skip_verify" jsonschema:"description=Skip upstream certificate verification.,default=false"`
	// CACert is the path to a CA certificate bundle
	CACert string `mapstructure:"ca_cert" yaml:"ca_cert" json:"ca_cert" jsonschema:"description=CA certificate path for upstream verification."`
}

// TokenizationRule configures one interception target: which requests to
// intercept, which body path holds the sensitive object, how to identify
// the tenant, and how to reach the tokenization service.
type TokenizationRule struct {
	// Name identifies the rule in logs, metrics and audit events
	Name string `mapstructure:"name" yaml:"name" json:"name" jsonschema:"description=Rule name used in logs and metrics and audit events."`

	// InterceptPathPatternList holds URI regular expressions; the rule
	// matches when any pattern matches the request path
	InterceptPathPatternList []string `mapstructure:"intercept_path_pattern_list" yaml:"intercept_path_pattern_list" json:"intercept_path_pattern_list" jsonschema:"description=URI regular expressions. The rule matches when any pattern matches the request path.,required"`

	// InterceptObjectKey is the dotted body path of the sensitive object;
	// the sentinels "", "root" and "body" mean the whole body
	InterceptObjectKey string `mapstructure:"intercept_object_key" yaml:"intercept_object_key" json:"intercept_object_key" jsonschema:"description=Dotted body path of the sensitive object. An empty string or root or body selects the whole body."`

	// IsGraphQLRequest additionally gates interception on the GraphQL
	// operation name parsed from the body's query field
	IsGraphQLRequest bool `mapstructure:"is_graphql_request" yaml:"is_graphql_request" json:"is_graphql_request" jsonschema:"description=Gate interception on the GraphQL operation name parsed from the body.,default=false"`

	// GraphQLOperationNames is the operation allow-list (empty = allow all)
	GraphQLOperationNames []string `mapstructure:"graphql_operation_names" yaml:"graphql_operation_names" json:"graphql_operation_names" jsonschema:"description=Allowed GraphQL operation names. Empty allows any parseable operation."`

	// TokenServiceEndpoint is the tokenization service URL
	TokenServiceEndpoint string `mapstructure:"token_service_endpoint" yaml:"token_service_endpoint" json:"token_service_endpoint" jsonschema:"description=Tokenization service endpoint URL.,required"`

	// TokenServiceTimeout bounds the tokenization call
	TokenServiceTimeout time.Duration `mapstructure:"token_service_timeout" yaml:"token_service_timeout" json:"token_service_timeout" jsonschema:"description=Timeout for the tokenization call.,default=5s"`

	// IsTokenGatewayURL requires an OAuth2 bearer token on the tokenization call
	IsTokenGatewayURL bool `mapstructure:"is_token_gateway_url" yaml:"is_token_gateway_url" json:"is_token_gateway_url" jsonschema:"description=Authenticate the tokenization call with an OAuth2 client-credentials token.,default=false"`

	// IAMServiceURL is the identity provider base URL
	IAMServiceURL string `mapstructure:"iam_service_url" yaml:"iam_service_url" json:"iam_service_url" jsonschema:"description=Identity provider base URL for client-credentials tokens."`

	// TokenServiceAuthClientID is the OAuth2 client id
	TokenServiceAuthClientID string `mapstructure:"token_service_auth_client_id" yaml:"token_service_auth_client_id" json:"token_service_auth_client_id" jsonschema:"description=OAuth2 client id."`

	// TokenServiceAuthSecret is the OAuth2 client secret
	TokenServiceAuthSecret string `mapstructure:"token_service_auth_secret" yaml:"token_service_auth_secret" json:"token_service_auth_secret" jsonschema:"description=OAuth2 client secret."`

	// TokenServiceAuthRealm is the identity provider realm
	TokenServiceAuthRealm string `mapstructure:"token_service_auth_realm" yaml:"token_service_auth_realm" json:"token_service_auth_realm" jsonschema:"description=Identity provider realm.,default=core-apps"`

	// TokenServiceScope is the OAuth2 scope
	TokenServiceScope string `mapstructure:"token_service_scope" yaml:"token_service_scope" json:"token_service_scope" jsonschema:"description=OAuth2 scope.,default=openid"`

	// HasTenantGUID marks the extracted tenant value as already a GUID.
	// Exactly one of has_tenant_guid and has_tenant must be true.
	HasTenantGUID bool `mapstructure:"has_tenant_guid" yaml:"has_tenant_guid" json:"has_tenant_guid" jsonschema:"description=The extracted tenant value is already a tenant GUID. Exactly one of has_tenant_guid and has_tenant must be true."`

	// HasTenant marks the extracted tenant value as an identifier the
	// tokenization service resolves to a GUID itself
	HasTenant bool `mapstructure:"has_tenant" yaml:"has_tenant" json:"has_tenant" jsonschema:"description=The extracted tenant value is an identifier resolved to a GUID by the tokenization service."`

	// TenantInformationLocation selects where the tenant value comes from
	TenantInformationLocation string `mapstructure:"tenant_information_location" yaml:"tenant_information_location" json:"tenant_information_location" jsonschema:"description=Where the tenant value is extracted from.,enum=headers,enum=body,enum=jwt,required"`

	// TenantInformationReference is the header name, dotted body path or
	// dotted claim path holding the tenant value
	TenantInformationReference string `mapstructure:"tenant_information_reference" yaml:"tenant_information_reference" json:"tenant_information_reference" jsonschema:"description=Header name or dotted body path or dotted claim path of the tenant value.,required"`

	// TenantGUIDResolverURL is passed through to the tokenization service
	// in string-tenant mode; this gateway never calls it
	TenantGUIDResolverURL string `mapstructure:"tenant_guid_resolver_url" yaml:"tenant_guid_resolver_url" json:"tenant_guid_resolver_url" jsonschema:"description=Resolver URL passed through to the tokenization service."`

	// TenantGUIDResolverMethod is the resolver HTTP method
	TenantGUIDResolverMethod string `mapstructure:"tenant_guid_resolver_method" yaml:"tenant_guid_resolver_method" json:"tenant_guid_resolver_method" jsonschema:"description=Resolver HTTP method.,enum=GET,enum=POST,default=GET"`

	// TenantGUIDResolverReference is the resolver parameter name
	TenantGUIDResolverReference string `mapstructure:"tenant_guid_resolver_reference" yaml:"tenant_guid_resolver_reference" json:"tenant_guid_resolver_reference" jsonschema:"description=Resolver parameter name.,default=tenantId"`

	// RejectOnError selects fail-closed (true) or fail-open (false)
	// handling of tokenization failures. Absent means true.
	RejectOnError *bool `mapstructure:"reject_on_error" yaml:"reject_on_error" json:"reject_on_error" jsonschema:"description=Fail closed (true) or fail open (false) on tokenization failures.,default=true"`
}

// FailClosed reports whether tokenization failures reject the request.
// The default, when reject_on_error is absent, is fail-closed.
func (r *TokenizationRule) FailClosed() bool {
	if r.RejectOnError == nil {
		return true
	}
	return *r.RejectOnError
}

// Normalize applies per-rule and upstream defaults in place. Sources call
// it after unmarshalling, before validation.
func (c *RulesConfig) Normalize() {
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Upstream.IdleConnTimeout == 0 {
		c.Upstream.IdleConnTimeout = 90 * time.Second
	}
	if c.Upstream.MaxIdleConns == 0 {
		c.Upstream.MaxIdleConns = 100
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		if r.TokenServiceTimeout == 0 {
			r.TokenServiceTimeout = DefaultTokenServiceTimeout
		}
		if r.TokenServiceAuthRealm == "" {
			r.TokenServiceAuthRealm = DefaultRealm
		}
		if r.TokenServiceScope == "" {
			r.TokenServiceScope = DefaultScope
		}
		if r.TenantGUIDResolverMethod == "" {
			r.TenantGUIDResolverMethod = DefaultResolverMethod
		}
		if r.TenantGUIDResolverReference == "" {
			r.TenantGUIDResolverReference = DefaultResolverReference
		}
	}
}
