// ABOUTME: Unit tests for relay token generation, verification and HTTP middleware
// ABOUTME: Tests valid, tampered, expired and wrongly signed tokens

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))
	require.NoError(t, err)
	return v
}

// ===========================================================================
// Tokens
// ===========================================================================

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Generate("agent-7", []string{"execute", "capture"}, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", claims.Subject)
	assert.Equal(t, DefaultIssuer, claims.Issuer)
	assert.Equal(t, []string{"execute", "capture"}, claims.Capabilities)
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestJWTVerifier_Generate_RequiresAgentID(t *testing.T) {
	_, err := newTestVerifier(t).Generate("", nil, time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_InvalidTokens(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewJWTVerifier([]byte("different-secret"))
	require.NoError(t, err)
	wrongSecret, err := other.Generate("agent-7", nil, time.Hour)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "agent-7", Issuer: DefaultIssuer},
	}).SignedString([]byte("test-secret-key-for-jwt-signing"))
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "agent-7", Issuer: "someone-else"},
	}).SignedString([]byte("test-secret-key-for-jwt-signing"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: wrongSecret},
		{name: "other algorithm", token: hs512},
		{name: "wrong issuer", token: wrongIssuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	v := newTestVerifier(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultIssuer},
	}).SignedString([]byte("test-secret-key-for-jwt-signing"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := newTestVerifier(t)
	issued := time.Now().Add(-2 * time.Hour)
	v.now = func() time.Time { return issued }
	token, err := v.Generate("agent-7", nil, time.Hour)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

// ===========================================================================
// HTTP
// ===========================================================================

func TestBearerHeader(t *testing.T) {
	assert.Nil(t, BearerHeader(""))
	assert.Equal(t, "Bearer abc", BearerHeader("abc").Get("Authorization"))
}

func TestHTTPAuthMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	valid, err := v.Generate("agent-7", []string{"execute"}, time.Hour)
	require.NoError(t, err)

	var seen *AuthContext
	handler := HTTPAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "valid", header: "Bearer " + valid, wantStatus: http.StatusNoContent},
		{name: "missing", header: "", wantStatus: http.StatusUnauthorized, wantBody: "missing authorization header"},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantBody: "invalid authorization header format"},
		{name: "empty", header: "Bearer ", wantStatus: http.StatusUnauthorized, wantBody: "empty token"},
		{name: "bad token", header: "Bearer nope", wantStatus: http.StatusUnauthorized, wantBody: "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, "agent-7", seen.AgentID)
			assert.True(t, seen.HasCapability("execute"))
			assert.False(t, seen.HasCapability("capture"))
		})
	}
}
