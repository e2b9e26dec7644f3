package tenant

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	"github.com/your-org/tokengate/internal/service/metrics"
	"github.com/your-org/tokengate/pkg/errors"
	"github.com/your-org/tokengate/pkg/jsonpath"
)

// extractionFailed is the uniform message wrapped around every extraction
// failure. Responses never reveal which source was consulted or why it
// failed; the cause stays in logs and audit events.
const extractionFailed = "tenant extraction failed"

const bearerPrefix = "Bearer "

// Resolver extracts the tenant identity a rule names from the incoming
// request: a header value, a dotted body path or a JWT claim. Tokens are
// decoded without signature verification unless a Verifier is attached.
type Resolver struct {
	verifier *Verifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithVerifier verifies JWT signatures before claims are trusted.
func WithVerifier(v *Verifier) Option {
	return func(r *Resolver) {
		r.verifier = v
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver creates a tenant resolver.
func NewResolver(log *zap.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}

	r := &Resolver{
		metrics: metrics.DefaultMetrics,
		log:     log.Named("tenant-resolver"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve extracts the tenant value the rule references and shapes it into
// the tenant object sent along with the sensitive data. Every failure
// collapses into the same tenant-extraction error regardless of cause.
func (r *Resolver) Resolve(req *http.Request, doc []byte, rule *config.TokenizationRule) (*domain.TenantContext, error) {
	value, err := r.extract(req, doc, rule)
	if err != nil {
		r.metrics.RecordTenantExtraction(rule.TenantInformationLocation, false)
		r.log.Debug("tenant extraction failed",
			zap.String("rule", rule.Name),
			zap.String("location", rule.TenantInformationLocation),
			zap.Error(err),
		)
		return nil, errors.NewTenantError(extractionFailed, err)
	}

	r.metrics.RecordTenantExtraction(rule.TenantInformationLocation, true)

	if rule.HasTenantGUID {
		return domain.GUIDTenant(value), nil
	}

	return domain.StringTenant(
		value,
		rule.TenantGUIDResolverURL,
		rule.TenantGUIDResolverMethod,
		rule.TenantGUIDResolverReference,
	), nil
}

// extract dispatches to the configured tenant source.
func (r *Resolver) extract(req *http.Request, doc []byte, rule *config.TokenizationRule) (string, error) {
	switch rule.TenantInformationLocation {
	case config.TenantLocationHeaders:
		return extractHeader(req, rule.TenantInformationReference)
	case config.TenantLocationBody:
		return extractPath(doc, rule.TenantInformationReference)
	case config.TenantLocationJWT:
		return r.extractClaim(req, rule.TenantInformationReference)
	default:
		// Unreachable with validated rules.
		return "", fmt.Errorf("unsupported tenant location %q", rule.TenantInformationLocation)
	}
}

func extractHeader(req *http.Request, name string) (string, error) {
	value := req.Header.Get(name)
	if value == "" {
		return "", errors.ErrTenantHeaderMissing
	}
	return value, nil
}

// extractPath resolves a dotted path against a JSON document and returns
// the value as a string. Only scalar values identify a tenant; objects,
// arrays and nulls are rejected.
func extractPath(doc []byte, path string) (string, error) {
	if len(doc) == 0 || !jsonpath.Valid(doc) {
		return "", errors.ErrTenantBodyInvalid
	}

	result, ok := jsonpath.Get(doc, path)
	if !ok {
		return "", errors.ErrTenantPathAbsent
	}

	return scalarString(result)
}

func scalarString(result gjson.Result) (string, error) {
	switch result.Type {
	case gjson.String:
		if result.Str == "" {
			return "", errors.ErrTenantValueInvalid
		}
		return result.Str, nil
	case gjson.Number, gjson.True, gjson.False:
		return result.String(), nil
	default:
		return "", errors.ErrTenantValueInvalid
	}
}

// extractClaim pulls the tenant value out of the request's bearer token.
// The token is decoded, not verified, unless a verifier is configured:
// authentication is the upstream's job, this gateway only needs the claim.
func (r *Resolver) extractClaim(req *http.Request, claimPath string) (string, error) {
	tokenString, err := bearerToken(req)
	if err != nil {
		return "", err
	}

	claims, err := r.decodeClaims(req, tokenString)
	if err != nil {
		return "", err
	}

	claimsDoc, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(errors.ErrTenantTokenDecode, err.Error())
	}

	return extractPath(claimsDoc, claimPath)
}

func bearerToken(req *http.Request) (string, error) {
	raw := strings.TrimSpace(req.Header.Get("Authorization"))
	if raw == "" {
		return "", errors.ErrTenantTokenMissing
	}

	if len(raw) > len(bearerPrefix) && strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		raw = strings.TrimSpace(raw[len(bearerPrefix):])
	}
	if raw == "" {
		return "", errors.ErrTenantTokenMissing
	}

	return raw, nil
}

func (r *Resolver) decodeClaims(req *http.Request, tokenString string) (jwt.MapClaims, error) {
	if r.verifier != nil {
		return r.verifier.Verify(req.Context(), tokenString)
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(errors.ErrTenantTokenDecode, err.Error())
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrTenantTokenDecode
	}

	return claims, nil
}
