package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("user-1").
		Issuer("strand-test").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	token, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func newValidator(t *testing.T, cfg Config) *Validator {
	t.Helper()
	v, err := NewValidator(context.Background(), cfg)
	require.NoError(t, err)
	return v
}

func TestValidateTokenExtractsClaims(t *testing.T) {
	v := newValidator(t, Config{Enabled: true, Secret: testSecret, Issuer: "strand-test"})

	raw := signToken(t, func(b *jwt.Builder) {
		b.Claim("email", "dev@example.com").
			Claim("role", "admin").
			Claim("org_id", "org-7").
			Claim("team", "platform")
	})

	claims, err := v.ValidateToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "org-7", claims.OrgID)
	assert.Equal(t, "platform", claims.Custom["team"])
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	v := newValidator(t, Config{Enabled: true, Secret: testSecret})

	raw := signToken(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Minute))
	})
	_, err := v.ValidateToken(context.Background(), raw)
	assert.Error(t, err)
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	v := newValidator(t, Config{Enabled: true, Secret: testSecret, Issuer: "someone-else"})

	_, err := v.ValidateToken(context.Background(), signToken(t, nil))
	assert.Error(t, err)
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	v := newValidator(t, Config{Enabled: true, Secret: "another-secret-another-secret-00"})

	_, err := v.ValidateToken(context.Background(), signToken(t, nil))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Enabled: true}).Validate())
	assert.Error(t, (&Config{Enabled: true, Secret: "x", JWKSURL: "https://idp/jwks"}).Validate())
	assert.NoError(t, (&Config{Enabled: true, Secret: "x"}).Validate())
}

func TestMiddleware(t *testing.T) {
	v := newValidator(t, Config{Enabled: true, Secret: testSecret})

	var seen *Claims
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No header.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Malformed header.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Token abc")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, nil))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Subject)
}

func TestRequireRole(t *testing.T) {
	v := newValidator(t, Config{Enabled: true, Secret: testSecret})

	handler := v.RequireRole("operator")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/1/decision", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, func(b *jwt.Builder) {
		b.Claim("role", "viewer")
	}))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/approvals/1/decision", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, func(b *jwt.Builder) {
		b.Claim("role", "operator")
	}))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
