package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation errors. Connections presenting a bad credential are rejected;
// none of these are retryable with the same token.
var (
	ErrExpiredToken   = errors.New("token expired")
	ErrMalformedToken = errors.New("malformed token")
	ErrRevokedToken   = errors.New("token revoked")
)

// Gate validates a presented credential and resolves it to a client id.
// Stateless apart from the revocation set; safe for concurrent use.
type Gate struct {
	secret []byte

	mu      sync.RWMutex
	revoked map[string]struct{}
}

func NewGate(secret []byte) *Gate {
	return &Gate{
		secret:  secret,
		revoked: make(map[string]struct{}),
	}
}

// Validate checks an HS256 JWT and returns the client id from the "sub" claim.
func (g *Gate) Validate(credential string) (string, error) {
	if credential == "" {
		return "", ErrMalformedToken
	}

	token, err := jwt.Parse(credential, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !token.Valid {
		return "", ErrMalformedToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrMalformedToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrMalformedToken)
	}

	if jti, ok := claims["jti"].(string); ok && jti != "" {
		g.mu.RLock()
		_, revoked := g.revoked[jti]
		g.mu.RUnlock()
		if revoked {
			return "", ErrRevokedToken
		}
	}

	return sub, nil
}

// Revoke marks a token id (jti claim) as no longer acceptable.
func (g *Gate) Revoke(jti string) {
	if jti == "" {
		return
	}
	g.mu.Lock()
	g.revoked[jti] = struct{}{}
	g.mu.Unlock()
}

// Generate mints a token for the given client id. Issuance is not part of
// the runtime's job; this exists for tests and local tooling.
func (g *Gate) Generate(clientID, jti string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": clientID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if jti != "" {
		claims["jti"] = jti
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secret)
}
