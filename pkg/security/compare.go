// Package security provides small security utilities shared by the gateway middleware.
package security

import (
	"crypto/subtle"
)

// SecureCompare performs a constant-time comparison of two strings.
// Use it when comparing secrets (signatures, API keys, tokens) to
// prevent timing attacks.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SecureCompareHash compares a computed digest with a received one in
// constant time. Mismatched lengths still run the comparison so the
// early exit does not leak length information.
func SecureCompareHash(computed, received []byte) bool {
	if len(computed) != len(received) {
		subtle.ConstantTimeCompare(computed, computed)
		return false
	}
	return subtle.ConstantTimeCompare(computed, received) == 1
}
