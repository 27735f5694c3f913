// Package auth verifies connection credentials. Clients present an HS256 JWT
// minted by the platform's identity service; this package only checks the
// signature and extracts the verified identity — it never issues long-lived
// credentials itself.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned for any credential that fails verification:
// bad signature, expired token, or missing claims. Callers must reject the
// connection before creating any session state.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Identity is the verified result of a credential check.
type Identity struct {
	UserID string
	Role   string // platform-level role claim; group roles come from memberships
}

// Claims is the JWT claim set carried by platform tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates platform JWTs with a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify checks the credential and returns the verified identity.
func (v *Verifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrInvalidCredential
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// CredentialFromRequest extracts the credential from an upgrade request,
// preferring the Authorization header over the token query parameter.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// MintToken issues a short-lived token for the given identity. Used by tests
// and local tooling; production tokens come from the identity service.
func MintToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "coursehub",
			Subject:   "chat-access",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
