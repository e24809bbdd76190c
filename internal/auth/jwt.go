// Package auth issues and verifies the operator tokens that guard the admin
// cache endpoints.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenExpiry is how long issued admin tokens are valid.
const DefaultTokenExpiry = 1 * time.Hour

// RoleAdmin grants access to cache administration.
const RoleAdmin = "admin"

// Predefined token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrForbidden    = errors.New("token lacks the required role")
)

// Claims are the claims carried by an operator token.
type Claims struct {
	jwt.RegisteredClaims

	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the claims include role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// JWTConfig holds configuration for the token service.
type JWTConfig struct {
	// SigningKey is the HMAC secret tokens are signed with.
	SigningKey string

	// Issuer is the issuer claim (e.g., "saferoute").
	Issuer string

	// Audience is the audience claim (e.g., "saferoute-admin").
	Audience string

	// Expiry overrides DefaultTokenExpiry.
	Expiry time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// JWTService issues and validates HS256 operator tokens.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
	expiry     time.Duration
	now        func() time.Time
}

// NewJWTService creates a token service.
func NewJWTService(cfg JWTConfig) *JWTService {
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &JWTService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		expiry:     expiry,
		now:        now,
	}
}

// Issue signs a token for subject with the given roles.
func (s *JWTService) Issue(subject string, roles ...string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.expiry)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        tokenID(),
		},
		Roles: roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate verifies signature, issuer, audience and expiry, and returns the claims.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize validates the token and checks it carries role.
func (s *JWTService) Authorize(tokenString, role string) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.HasRole(role) {
		return nil, ErrForbidden
	}
	return claims, nil
}

func tokenID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
