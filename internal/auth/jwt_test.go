package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferoute/saferoute/internal/auth"
)

func newService(now func() time.Time) *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "saferoute",
		Audience:   "saferoute-admin",
		Now:        now,
	})
}

func TestJWTService_IssueAndValidate(t *testing.T) {
	svc := newService(nil)

	token, expiresAt, err := svc.Issue("ops@saferoute", auth.RoleAdmin)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@saferoute", claims.Subject)
	assert.True(t, claims.HasRole(auth.RoleAdmin))

	claims, err = svc.Authorize(token, auth.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "saferoute", claims.Issuer)
}

func TestJWTService_AuthorizeRequiresRole(t *testing.T) {
	svc := newService(nil)

	token, _, err := svc.Issue("viewer")
	require.NoError(t, err)

	_, err = svc.Authorize(token, auth.RoleAdmin)
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestJWTService_Expired(t *testing.T) {
	issuedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := issuedAt
	svc := newService(func() time.Time { return now })

	token, _, err := svc.Issue("ops", auth.RoleAdmin)
	require.NoError(t, err)

	now = issuedAt.Add(auth.DefaultTokenExpiry + time.Minute)
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestJWTService_InvalidTokens(t *testing.T) {
	svc := newService(nil)

	other := auth.NewJWTService(auth.JWTConfig{SigningKey: "another-key", Issuer: "saferoute", Audience: "saferoute-admin"})
	foreign, _, err := other.Issue("ops", auth.RoleAdmin)
	require.NoError(t, err)

	wrongAudience := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only", Issuer: "saferoute", Audience: "someone-else",
	})
	misaddressed, _, err := wrongAudience.Issue("ops", auth.RoleAdmin)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "ops"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"malformed token", "not.a.valid.jwt"},
		{"invalid base64", "xxx.yyy.zzz"},
		{"wrong signing key", foreign},
		{"wrong audience", misaddressed},
		{"unsigned", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Validate(tt.token)
			assert.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}
