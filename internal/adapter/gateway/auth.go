package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"mirador/internal/domain"
)

// TokenVerifier holds the per-process session token. The token is minted once
// at startup, handed to front-ends over the loopback-only HTTP endpoint, and
// required on every WebSocket handshake.
type TokenVerifier struct {
	token []byte
}

// NewTokenVerifier generates a fresh 256-bit session token.
func NewTokenVerifier() (*TokenVerifier, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	return &TokenVerifier{token: []byte(hex.EncodeToString(raw))}, nil
}

// newStaticTokenVerifier pins a known token. Test hook.
func newStaticTokenVerifier(token string) *TokenVerifier {
	return &TokenVerifier{token: []byte(token)}
}

// Token returns the session token value.
func (v *TokenVerifier) Token() string { return string(v.token) }

// Verify checks a presented token in constant time to prevent timing attacks.
// There are no partial grants: a mismatch is fatal to the connection attempt.
func (v *TokenVerifier) Verify(presented string) error {
	if subtle.ConstantTimeCompare([]byte(presented), v.token) != 1 {
		return domain.ErrAuthInvalid
	}
	return nil
}
