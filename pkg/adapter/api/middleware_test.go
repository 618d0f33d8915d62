package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		authHeader  string
		wantToken   string
		wantSuccess bool
	}{
		{"empty header", "", "", false},
		{"bearer token", "Bearer abc123", "abc123", true},
		{"bearer lowercase", "bearer abc123", "abc123", true},
		{"BEARER uppercase", "BEARER abc123", "abc123", true},
		{"missing token", "Bearer", "", false},
		{"wrong scheme", "Basic abc123", "", false},
		{"no space", "Bearerabc123", "", false},
		{"token with spaces", "Bearer token with spaces", "token with spaces", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			token, ok := extractBearerToken(req)
			assert.Equal(t, tt.wantSuccess, ok)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}

func TestGetClaims(t *testing.T) {
	t.Parallel()

	assert.Nil(t, GetClaims(context.Background()))

	want := &Claims{Operator: "alice"}
	ctx := context.WithValue(context.Background(), claimsContextKey, want)
	assert.Same(t, want, GetClaims(ctx))

	ctx = context.WithValue(context.Background(), claimsContextKey, "not-claims")
	assert.Nil(t, GetClaims(ctx))
}

func TestBearerAuthAttachesClaims(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens, err := newTokenService(testSecret, time.Hour, clk)
	require.NoError(t, err)

	var seen *Claims
	handler := bearerAuth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
	}))

	token, _, err := tokens.issue("alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Operator)
}
