package tenant

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	tokErrors "github.com/your-org/tokengate/pkg/errors"
)

// newRSAKeyPair generates an RSA key pair and returns the public half as a
// JWK ready to serve from a test JWKS endpoint.
func newRSAKeyPair(t *testing.T, kid string) (*rsa.PrivateKey, jwk.Key) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(privateKey.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, pub.Set(jwk.KeyUsageKey, "sig"))

	return privateKey, pub
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	tokenString, err := token.SignedString(key)
	require.NoError(t, err)
	return tokenString
}

// jwksServer serves the given keys as a JWKS document and counts fetches.
func jwksServer(t *testing.T, fetches *atomic.Int64, keys ...jwk.Key) *httptest.Server {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		require.NoError(t, set.AddKey(k))
	}
	payload, err := json.Marshal(set)
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			fetches.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}))
}

func newTestVerifier(t *testing.T, jwksURL, issuer string) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(config.TenantVerificationConfig{
		Enabled: true,
		JWKSURL: jwksURL,
		Issuer:  issuer,
	}, zap.NewNop())
	require.NoError(t, err)
	return verifier
}

func futureClaims(extra jwt.MapClaims) jwt.MapClaims {
	claims := jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

func TestNewVerifier_RequiresJWKSURL(t *testing.T) {
	_, err := NewVerifier(config.TenantVerificationConfig{Enabled: true}, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, tokErrors.ErrConfigInvalid)
}

func TestVerifier_Verify(t *testing.T) {
	privateKey, pub := newRSAKeyPair(t, "key-1")

	var fetches atomic.Int64
	server := jwksServer(t, &fetches, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "")

	tokenString := signRS256(t, privateKey, "key-1", futureClaims(jwt.MapClaims{"tid": "t-1"}))

	claims, err := verifier.Verify(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, "t-1", claims["tid"])

	// The key set is fetched once and reused.
	_, err = verifier.Verify(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestVerifier_Verify_InvalidSignature(t *testing.T) {
	_, pub := newRSAKeyPair(t, "key-1")
	otherKey, _ := newRSAKeyPair(t, "key-1")

	server := jwksServer(t, nil, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "")

	// Signed with a different key under the same kid.
	tokenString := signRS256(t, otherKey, "key-1", futureClaims(nil))

	_, err := verifier.Verify(context.Background(), tokenString)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid signature")
}

func TestVerifier_Verify_Expired(t *testing.T) {
	privateKey, pub := newRSAKeyPair(t, "key-1")

	server := jwksServer(t, nil, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "")

	tokenString := signRS256(t, privateKey, "key-1", jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := verifier.Verify(context.Background(), tokenString)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token has expired")
}

func TestVerifier_Verify_Issuer(t *testing.T) {
	privateKey, pub := newRSAKeyPair(t, "key-1")

	server := jwksServer(t, nil, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "https://idp.example.com")

	good := signRS256(t, privateKey, "key-1", futureClaims(jwt.MapClaims{"iss": "https://idp.example.com"}))
	_, err := verifier.Verify(context.Background(), good)
	require.NoError(t, err)

	bad := signRS256(t, privateKey, "key-1", futureClaims(jwt.MapClaims{"iss": "https://other.example.com"}))
	_, err = verifier.Verify(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "untrusted issuer")
}

func TestVerifier_Verify_UnknownKid(t *testing.T) {
	privateKey, pub := newRSAKeyPair(t, "key-1")

	var fetches atomic.Int64
	server := jwksServer(t, &fetches, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "")

	tokenString := signRS256(t, privateKey, "key-2", futureClaims(nil))

	_, err := verifier.Verify(context.Background(), tokenString)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key key-2 not found")

	// A second miss within the refresh floor does not refetch.
	_, _ = verifier.Verify(context.Background(), tokenString)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestVerifier_Verify_SymmetricAlgorithmRejected(t *testing.T) {
	_, pub := newRSAKeyPair(t, "key-1")

	var fetches atomic.Int64
	server := jwksServer(t, &fetches, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, futureClaims(nil))
	token.Header["kid"] = "key-1"
	tokenString, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), tokenString)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "algorithm HS256 is not allowed")

	// Rejected before any key lookup.
	assert.Equal(t, int64(0), fetches.Load())
}

func TestVerifier_Verify_MissingKid(t *testing.T) {
	privateKey, pub := newRSAKeyPair(t, "key-1")

	server := jwksServer(t, nil, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "")

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, futureClaims(nil))
	tokenString, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), tokenString)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing key ID")
}

func TestVerifier_StartAndStop(t *testing.T) {
	privateKey, pub := newRSAKeyPair(t, "key-1")

	var fetches atomic.Int64
	server := jwksServer(t, &fetches, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "")
	require.NoError(t, verifier.Start(context.Background()))
	defer verifier.Stop()

	assert.Equal(t, int64(1), fetches.Load())

	tokenString := signRS256(t, privateKey, "key-1", futureClaims(jwt.MapClaims{"tid": "t-1"}))
	claims, err := verifier.Verify(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, "t-1", claims["tid"])

	// No extra fetch: the set was warmed by Start.
	assert.Equal(t, int64(1), fetches.Load())
}

func TestResolver_Resolve_JWTVerified(t *testing.T) {
	privateKey, pub := newRSAKeyPair(t, "key-1")

	server := jwksServer(t, nil, pub)
	defer server.Close()

	verifier := newTestVerifier(t, server.URL, "")
	resolver := NewResolver(zap.NewNop(), WithVerifier(verifier))

	rule := guidRule(config.TenantLocationJWT, "tid")

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/payments", nil)
		req.Header.Set("Authorization", "Bearer "+signRS256(t, privateKey, "key-1", futureClaims(jwt.MapClaims{"tid": "t-5"})))

		tenant, err := resolver.Resolve(req, nil, rule)
		require.NoError(t, err)
		assert.Equal(t, "t-5", tenant.Value)
	})

	t.Run("tampered token", func(t *testing.T) {
		tokenString := signRS256(t, privateKey, "key-1", futureClaims(jwt.MapClaims{"tid": "t-5"}))

		req := httptest.NewRequest("POST", "/api/v1/payments", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString+"abcd")

		tenant, err := resolver.Resolve(req, nil, rule)
		require.Error(t, err)
		assert.Nil(t, tenant)

		var te *tokErrors.TokenizationError
		require.True(t, tokErrors.As(err, &te))
		assert.Equal(t, tokErrors.CodeTenantExtraction, te.Code)
	})
}
