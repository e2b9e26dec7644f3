// Package signature verifies HMAC request signatures on the proxy listener.
//
// Gateways that front the proxy sign the raw request body and place the
// hex-encoded digest in a header. Verification runs before interception so
// unsigned or tampered traffic never reaches the tokenization pipeline.
// Multiple secrets are accepted to allow zero-downtime rotation.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/pkg/httputil"
	"github.com/your-org/tokengate/pkg/logger"
	"github.com/your-org/tokengate/pkg/security"
)

// DefaultHeader carries the signature when the config does not override it.
const DefaultHeader = "X-Hmac-Signature"

// Verifier checks HMAC signatures over raw request bodies.
type Verifier struct {
	cfg  config.SignatureConfig
	hash func() hash.Hash
	log  *zap.Logger
}

// NewVerifier builds a Verifier from configuration. It fails when the
// algorithm is unknown or when verification is enabled without secrets.
func NewVerifier(cfg config.SignatureConfig, log *zap.Logger) (*Verifier, error) {
	if log == nil {
		log = logger.Named("signature")
	}

	hashFunc, err := hashFor(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	if cfg.Enabled && len(cfg.Secrets) == 0 {
		return nil, fmt.Errorf("signature verification enabled but no secrets configured")
	}

	if cfg.Header == "" {
		cfg.Header = DefaultHeader
	}

	return &Verifier{
		cfg:  cfg,
		hash: hashFunc,
		log:  log,
	}, nil
}

func hashFor(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha1":
		return sha1.New, nil
	case "sha256", "":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}
}

// Enabled reports whether requests must carry a valid signature.
func (v *Verifier) Enabled() bool {
	return v != nil && v.cfg.Enabled
}

// Header returns the header name the signature is read from.
func (v *Verifier) Header() string {
	return v.cfg.Header
}

// Verify checks the received signature against the raw body. Any configured
// secret may produce a match, so rotations can overlap old and new values.
func (v *Verifier) Verify(body []byte, received string) bool {
	received = strings.TrimSpace(received)
	if v.cfg.Prefix != "" {
		received = strings.TrimPrefix(received, v.cfg.Prefix)
	}
	if received == "" {
		return false
	}

	for _, secret := range v.cfg.Secrets {
		mac := hmac.New(v.hash, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if security.SecureCompare(expected, received) {
			return true
		}
	}
	return false
}

// Middleware rejects requests whose signature header does not match the body.
// The body is read in full and restored so downstream handlers see it intact.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				r.Body.Close()
				if err != nil {
					v.log.Warn("failed to read request body for signature check",
						logger.Err(err),
					)
					httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
						"error": "invalid request signature",
					})
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			if !v.Verify(body, r.Header.Get(v.cfg.Header)) {
				v.log.Warn("request signature rejected",
					logger.String("path", r.URL.Path),
					logger.String("remote_addr", r.RemoteAddr),
				)
				httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "invalid request signature",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
