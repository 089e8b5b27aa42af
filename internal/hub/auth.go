package hub

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is a verified client identity.
type Identity struct {
	UserID    string
	Role      string
	TokenHash string // hex SHA-256 of the presented token
}

// Claims is the JWT payload the gateway issues and accepts.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens (HMAC-SHA256).
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the shared signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}
	sum := sha256.Sum256([]byte(tokenString))
	return Identity{
		UserID:    claims.Subject,
		Role:      claims.Role,
		TokenHash: hex.EncodeToString(sum[:]),
	}, nil
}

// Sign issues a token; used by tests and the dev tooling.
func (v *Verifier) Sign(userID, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// bearerToken extracts the identity token from the WebSocket subprotocol
// ("bearer, <token>" preferred) or the token query parameter.
func bearerToken(r *http.Request) (token string, viaSubprotocol bool) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	if protocols != "" {
		parts := strings.Split(protocols, ",")
		for i, p := range parts {
			if strings.TrimSpace(p) == "bearer" && i+1 < len(parts) {
				return strings.TrimSpace(parts[i+1]), true
			}
		}
	}
	return r.URL.Query().Get("token"), false
}

// Revocations is an in-memory revocation registry keyed by token hash.
// The admin surface adds entries; the hub checks on every subscribe and
// closes connections bound to a revoked token.
type Revocations struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

// NewRevocations creates an empty registry.
func NewRevocations() *Revocations {
	return &Revocations{revoked: make(map[string]time.Time)}
}

// Revoke marks a token hash revoked.
func (r *Revocations) Revoke(tokenHash string) {
	r.mu.Lock()
	r.revoked[tokenHash] = time.Now()
	r.mu.Unlock()
}

// IsRevoked reports whether the hash has been revoked.
func (r *Revocations) IsRevoked(tokenHash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[tokenHash]
	return ok
}
