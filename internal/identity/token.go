// ABOUTME: JWT-backed identity verification for presentation clients
// ABOUTME: Parses HS256 tokens whose claims carry the signed-in user's profile

package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a presented token fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the profile claims embedded in a session token.
type Claims struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	PhotoURL string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates session tokens and extracts the identity they
// attest. The upstream auth provider mints the tokens; this side only
// verifies the HMAC and expiry.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for HS256 tokens signed with secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses the token and returns the attested user. The subject claim
// is the identity id.
func (v *TokenVerifier) Verify(tokenString string) (*User, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &User{
		ID:       claims.Subject,
		Name:     claims.Name,
		Email:    claims.Email,
		PhotoURL: claims.PhotoURL,
	}, nil
}

// Mint signs a non-expiring session token for the given user. Used by
// tests; production tokens come from the auth provider.
func (v *TokenVerifier) Mint(user *User) (string, error) {
	return v.MintWithTTL(user, 0)
}

// MintWithTTL signs a session token that expires after ttl. A zero ttl
// produces a token without an expiry claim.
func (v *TokenVerifier) MintWithTTL(user *User, ttl time.Duration) (string, error) {
	claims := Claims{
		Name:     user.Name,
		Email:    user.Email,
		PhotoURL: user.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: user.ID,
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
