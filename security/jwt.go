package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// KeyLookup resolves a JWT `kid` header to its signing secret. The daemon
// wires this to the api-key table: kid is the key's public identifier and the
// secret is the key id itself.
type KeyLookup func(kid string) ([]byte, error)

// JWTService mints and verifies the short-lived HS256 tokens that guard the
// shell and tunnel websocket handshakes.
type JWTService struct {
	lookup KeyLookup
}

// NewJWTService creates a JWT service backed by the given key lookup.
func NewJWTService(lookup KeyLookup) *JWTService {
	return &JWTService{lookup: lookup}
}

// Mint signs a token for subject with the key identified by kid.
func (j *JWTService) Mint(kid, subject string, ttl time.Duration) (string, error) {
	secret, err := j.lookup(kid)
	if err != nil {
		return "", fmt.Errorf("resolving signing key: %w", err)
	}

	now := time.Now()
	token, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.KeyIDKey, kid); err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, secret, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Verify parses and validates a token, resolving the signing key through the
// kid header. It returns the verified subject claim.
func (j *JWTService) Verify(tokenString string) (string, error) {
	msg, err := jws.Parse([]byte(tokenString))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", fmt.Errorf("token carries no signature")
	}
	kid := sigs[0].ProtectedHeaders().KeyID()
	if kid == "" {
		return "", fmt.Errorf("token carries no kid header")
	}

	secret, err := j.lookup(kid)
	if err != nil {
		return "", fmt.Errorf("resolving verification key: %w", err)
	}

	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	return token.Subject(), nil
}
