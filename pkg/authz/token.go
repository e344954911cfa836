package authz

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the kernel identity inside a signed JWT.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
	Tier  string   `json:"tier,omitempty"`
}

const issuer = "braingarden/kernel"

// TokenManager signs and validates identity tokens with an HMAC key.
type TokenManager struct {
	key []byte
}

func NewTokenManager(key []byte) *TokenManager {
	return &TokenManager{key: key}
}

// Generate creates a signed token for the identity.
func (tm *TokenManager) Generate(id *Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	roles := make([]string, len(id.Roles))
	for i, r := range id.Roles {
		roles[i] = string(r)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
		Tier:  string(id.Tier),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.key)
}

// Validate parses a token string back into an Identity.
func (tm *TokenManager) Validate(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authz: unexpected signing method %v", t.Header["alg"])
		}
		return tm.key, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}

	roles := make([]Role, len(claims.Roles))
	for i, r := range claims.Roles {
		roles[i] = Role(r)
	}
	return &Identity{ID: claims.Subject, Roles: roles, Tier: Tier(claims.Tier)}, nil
}
