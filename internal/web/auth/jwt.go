package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldops/layoutd/internal/permissions"
)

// ErrInvalidToken is returned for tokens that fail parsing or verification
var ErrInvalidToken = errors.New("invalid token")

// Claims are the bearer token claims identifying a principal
type Claims struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Principal returns the principal the claims describe
func (c *Claims) Principal() permissions.Principal {
	return permissions.Principal{UserID: c.UserID, Role: c.Role, IsAdmin: c.IsAdmin}
}

// TokenService issues and validates HS256 bearer tokens. Tokens are issued
// by the host application's session layer; Issue exists for tooling and tests.
type TokenService struct {
	secretKey []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewTokenService creates a TokenService with the given secret key and token TTL
func NewTokenService(secretKey string, tokenTTL time.Duration) *TokenService {
	return &TokenService{
		secretKey: []byte(secretKey),
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

// Issue signs a token for p
func (s *TokenService) Issue(p permissions.Principal) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:  p.UserID,
		Role:    p.Role,
		IsAdmin: p.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Validate verifies a token and returns the principal it carries
func (s *TokenService) Validate(tokenString string) (permissions.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify exact signing method to prevent algorithm confusion attacks
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return permissions.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return permissions.Principal{}, ErrInvalidToken
	}
	if claims.UserID == "" && claims.Role == "" {
		return permissions.Principal{}, fmt.Errorf("%w: token names neither a user nor a role", ErrInvalidToken)
	}
	return claims.Principal(), nil
}
