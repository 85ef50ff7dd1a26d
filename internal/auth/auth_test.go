package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "i5e.identity"}

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "user-1",
		"iss":    "i5e.identity",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{ScopeActivitiesWrite, ScopeRewardsRead},
	}
}

func TestParseClaimsAcceptsValidToken(t *testing.T) {
	claims, err := ParseClaims(signToken(t, validClaims(), testConfig.Secret), testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.True(t, claims.HasScope(ScopeActivitiesWrite))
	require.True(t, claims.HasScope(ScopeRewardsRead))
	require.False(t, claims.HasScope(ScopeActivitiesRead))
}

func TestParseClaimsSpaceSeparatedScopes(t *testing.T) {
	raw := validClaims()
	raw["scopes"] = "activities:read  rewards:read"

	claims, err := ParseClaims(signToken(t, raw, testConfig.Secret), testConfig)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeActivitiesRead))
	require.Len(t, claims.Scopes, 2)
}

func TestParseClaimsRejectsBadTokens(t *testing.T) {
	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noSubject := validClaims()
	delete(noSubject, "sub")
	noExpiry := validClaims()
	delete(noExpiry, "exp")

	cases := map[string]string{
		"wrong secret": signToken(t, validClaims(), "other-secret"),
		"wrong issuer": signToken(t, wrongIssuer, testConfig.Secret),
		"expired":      signToken(t, expired, testConfig.Secret),
		"no subject":   signToken(t, noSubject, testConfig.Secret),
		"no expiry":    signToken(t, noExpiry, testConfig.Secret),
		"garbage":      "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClaims(token, testConfig)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err := ParseClaims("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestNilClaimsHaveNoScopes(t *testing.T) {
	var claims *Claims
	require.False(t, claims.HasScope(ScopeActivitiesWrite))
}

func TestMiddlewareStoresClaimsAndSkipsPublicPaths(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig, PublicPaths).Wrap(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/rewards", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims(), testConfig.Secret))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, seen)
	require.Equal(t, "user-1", seen.Subject)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/rewards", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/rewards", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestFromContextRequiresSubject(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	_, ok = FromContext(WithClaims(context.Background(), &Claims{Scopes: map[string]struct{}{ScopeActivitiesWrite: {}}}))
	require.False(t, ok, "claims without a subject cannot be rate limited per caller")

	claims, ok := FromContext(WithClaims(context.Background(), &Claims{Subject: "user-1"}))
	require.True(t, ok)
	require.Equal(t, "user-1", claims.Subject)
}
