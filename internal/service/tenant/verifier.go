package tenant

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/pkg/errors"
)

const (
	defaultRefreshInterval = time.Hour

	// minRefreshInterval floors refresh-on-miss so an attacker cannot make
	// the gateway hammer the JWKS endpoint with unknown key IDs.
	minRefreshInterval = time.Minute

	jwksFetchTimeout = 10 * time.Second
)

// defaultAlgorithms are the signature algorithms accepted on verified
// tokens. Symmetric algorithms are excluded: verification keys come from
// a public JWKS endpoint.
var defaultAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"PS256": true, "PS384": true, "PS512": true,
}

// Verifier checks JWT signatures against a JWKS endpoint before claims are
// trusted for tenant extraction. Most deployments leave verification off
// and rely on upstream authentication; it exists for gateways hit from less
// trusted networks.
type Verifier struct {
	jwksURL         string
	issuer          string
	refreshInterval time.Duration
	client          *http.Client
	log             *zap.Logger

	mu          sync.RWMutex
	keySet      jwk.Set
	lastRefresh time.Time
	refreshing  bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewVerifier creates a verifier for the configured JWKS endpoint.
func NewVerifier(cfg config.TenantVerificationConfig, log *zap.Logger) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "tenant_verification.jwks_url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}

	return &Verifier{
		jwksURL:         cfg.JWKSURL,
		issuer:          cfg.Issuer,
		refreshInterval: refreshInterval,
		client:          &http.Client{Timeout: jwksFetchTimeout},
		log:             log.Named("tenant-verifier"),
		stopCh:          make(chan struct{}),
	}, nil
}

// Start fetches the initial key set and begins background refresh. A failed
// initial fetch is logged, not fatal: the set is fetched again on first use.
func (v *Verifier) Start(ctx context.Context) error {
	if err := v.refresh(ctx); err != nil {
		v.log.Warn("initial JWKS fetch failed",
			zap.String("jwks_url", v.jwksURL),
			zap.Error(err),
		)
	}

	go v.backgroundRefresh()

	return nil
}

// Stop stops the background refresh.
func (v *Verifier) Stop() {
	v.stopOnce.Do(func() {
		close(v.stopCh)
	})
}

// Verify checks the token signature against the cached key set and returns
// its claims. Time claims are validated; the issuer is checked when one is
// configured.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	// Peek at the header without verifying to learn the algorithm and key id.
	peeker := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverified, _, err := peeker.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(errors.ErrTenantTokenDecode, err.Error())
	}

	alg := unverified.Method.Alg()
	if !defaultAlgorithms[alg] {
		return nil, errors.Wrap(errors.ErrTenantTokenDecode, fmt.Sprintf("algorithm %s is not allowed", alg))
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, errors.Wrap(errors.ErrTenantTokenDecode, "missing key ID in header")
	}

	rawKey, err := v.getKey(ctx, kid)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTenantTokenDecode, err.Error())
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenString, jwt.MapClaims{}, func(*jwt.Token) (any, error) {
		return rawKey, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, errors.Wrap(errors.ErrTenantTokenDecode, "token has expired")
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.Wrap(errors.ErrTenantTokenDecode, "token not yet valid")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.Wrap(errors.ErrTenantTokenDecode, "invalid signature")
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, errors.Wrap(errors.ErrTenantTokenDecode, "untrusted issuer")
		default:
			return nil, errors.Wrap(errors.ErrTenantTokenDecode, err.Error())
		}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.ErrTenantTokenDecode
	}

	return claims, nil
}

// getKey looks up a key by id, refreshing the set once on a miss when the
// last refresh is old enough.
func (v *Verifier) getKey(ctx context.Context, kid string) (any, error) {
	v.mu.RLock()
	keySet := v.keySet
	lastRefresh := v.lastRefresh
	v.mu.RUnlock()

	if keySet != nil {
		if key, found := keySet.LookupKeyID(kid); found {
			return rawKey(key)
		}
	}

	if keySet == nil || time.Since(lastRefresh) > minRefreshInterval {
		if err := v.refresh(ctx); err != nil {
			v.log.Warn("JWKS refresh on key miss failed",
				zap.String("kid", kid),
				zap.Error(err),
			)
		}

		v.mu.RLock()
		keySet = v.keySet
		v.mu.RUnlock()

		if keySet != nil {
			if key, found := keySet.LookupKeyID(kid); found {
				return rawKey(key)
			}
		}
	}

	return nil, fmt.Errorf("key %s not found in JWKS", kid)
}

func rawKey(key jwk.Key) (any, error) {
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract raw key: %w", err)
	}
	return raw, nil
}

// refresh fetches the key set and swaps it in. Concurrent refreshes
// collapse into one.
func (v *Verifier) refresh(ctx context.Context) error {
	v.mu.Lock()
	if v.refreshing {
		v.mu.Unlock()
		return nil
	}
	v.refreshing = true
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.refreshing = false
		v.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch returned HTTP %d", resp.StatusCode)
	}

	keySet, err := jwk.ParseReader(resp.Body)
	if err != nil {
		return fmt.Errorf("parse JWKS: %w", err)
	}

	v.mu.Lock()
	v.keySet = keySet
	v.lastRefresh = time.Now()
	v.mu.Unlock()

	v.log.Debug("JWKS refreshed",
		zap.String("jwks_url", v.jwksURL),
		zap.Int("keys", keySet.Len()),
	)

	return nil
}

func (v *Verifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), jwksFetchTimeout)
			if err := v.refresh(ctx); err != nil {
				v.log.Warn("background JWKS refresh failed",
					zap.String("jwks_url", v.jwksURL),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}
