package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// AuthHandler checks connection credentials: the token is the hex HMAC-SHA256
// of the identity under the shared secret. An empty secret disables the check.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether credentials are checked.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// MintToken returns the credential for identity under secret.
func MintToken(secret, identity string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether token is valid for identity.
func (a *AuthHandler) Verify(identity, token string) bool {
	if !a.Enabled() {
		return true
	}
	expected := MintToken(a.sharedSecret, identity)

	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}

// VerifySecret checks an admin request's secret header value.
func (a *AuthHandler) VerifySecret(secret string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}
