package domain

// TenantType distinguishes the two tenant identification modes.
type TenantType string

const (
	// TenantTypeGUID means the extracted value is already a tenant GUID.
	TenantTypeGUID TenantType = "guid"

	// TenantTypeString means the extracted value is an opaque tenant
	// identifier the tokenization service resolves to a GUID itself.
	TenantTypeString TenantType = "string"
)

// TenantContext is the per-request tenant identity sent to the
// tokenization service as the tenantObject. The resolver fields are
// pass-through metadata for string-mode tenants; this gateway never
// calls the resolver URL itself.
type TenantContext struct {
	Type  TenantType `json:"type"`
	Value string     `json:"value"`

	ResolverURL       string `json:"resolver_url,omitempty"`
	ResolverMethod    string `json:"resolver_method,omitempty"`
	ResolverReference string `json:"resolver_reference,omitempty"`
}

// GUIDTenant creates a tenant context for GUID mode.
func GUIDTenant(value string) *TenantContext {
	return &TenantContext{
		Type:  TenantTypeGUID,
		Value: value,
	}
}

// StringTenant creates a tenant context for string mode, carrying the
// resolver metadata the tokenization service needs to map the value to
// a tenant GUID.
func StringTenant(value, resolverURL, resolverMethod, resolverReference string) *TenantContext {
	return &TenantContext{
		Type:              TenantTypeString,
		Value:             value,
		ResolverURL:       resolverURL,
		ResolverMethod:    resolverMethod,
		ResolverReference: resolverReference,
	}
}
