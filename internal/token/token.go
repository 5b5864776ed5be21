// Package token implements the signed, expiring session tokens that guard
// all bridge access. A token is self-contained: there is no server-side
// session store, so a token cannot be revoked before it expires. Revocation
// is approximated by keeping the TTL short (the default session lasts 12
// hours).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidToken is returned for every verification failure. Malformed,
// forged, corrupted and expired tokens are deliberately indistinguishable
// to callers.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload carried inside a token.
type Claims struct {
	Identity  string `json:"identity"`
	ExpiresAt int64  `json:"exp"` // epoch milliseconds
}

// Codec issues and verifies tokens with a shared HMAC-SHA256 secret.
type Codec struct {
	secret []byte
}

// New constructs a codec. The secret must be shared by every party that
// verifies tokens, which for this bridge is only the process itself.
func New(secret []byte) *Codec {
	return &Codec{secret: secret}
}

// Issue creates a token for identity that expires ttl from now. The
// issuance timestamp is always taken from the real clock.
func (c *Codec) Issue(identity string, ttl time.Duration) (string, error) {
	claims := Claims{
		Identity:  identity,
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(c.sign(payload)), nil
}

// Verify checks the token's authentication code and expiry. It never
// panics on arbitrary input; any defect yields ErrInvalidToken.
func (c *Codec) Verify(tok string) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}

	enc := base64.RawURLEncoding

	payload, err := enc.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	mac, err := enc.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	if !hmac.Equal(mac, c.sign(payload)) {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		// A corrupt payload under a matching code should be impossible,
		// but it is treated exactly like a forgery.
		return Claims{}, ErrInvalidToken
	}

	if time.Now().UnixMilli() >= claims.ExpiresAt {
		return Claims{}, ErrInvalidToken
	}

	return claims, nil
}

func (c *Codec) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write(payload)
	return h.Sum(nil)
}
