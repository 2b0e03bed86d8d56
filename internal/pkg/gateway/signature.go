package gateway

import (
	"crypto/subtle"
	"strings"
)

// VerifySharedSecret reports whether the credential presented by the caller
// matches the configured secret. Fails closed: an absent credential or an
// unconfigured secret never verifies. Comparison is constant-time.
func VerifySharedSecret(presented, secret string) bool {
	p := strings.TrimSpace(presented)
	s := strings.TrimSpace(secret)
	if p == "" || s == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(p), []byte(s)) == 1
}
