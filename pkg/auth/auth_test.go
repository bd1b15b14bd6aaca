package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyUserToken(t *testing.T) {
	iss, err := NewIssuer("test-signing-key")
	require.NoError(t, err)

	token, err := iss.IssueUserToken("alice", false, time.Hour)
	require.NoError(t, err)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	require.Equal(t, ScopeUser, claims.Scope)
	require.Equal(t, "alice", claims.Subject)
}

func TestAdminSatisfiesUserScope(t *testing.T) {
	require.True(t, scopeSatisfies(ScopeAdmin, ScopeUser))
	require.True(t, scopeSatisfies(ScopeUser, ScopeUser))
	require.False(t, scopeSatisfies(ScopeUser, ScopeAdmin))
	require.False(t, scopeSatisfies(ScopeAgent, ScopeUser))
}

func TestQueueCredentialRights(t *testing.T) {
	iss, err := NewIssuer("test-signing-key")
	require.NoError(t, err)

	token, err := iss.IssueQueueCredential("pool-abc", []QueueRight{RightRead, RightProcess}, 24*time.Hour)
	require.NoError(t, err)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	require.True(t, claims.HasRight(RightRead))
	require.True(t, claims.HasRight(RightProcess))
	require.False(t, claims.HasRight(RightUpdate))
}

func TestNewIssuerRejectsEmptyKey(t *testing.T) {
	_, err := NewIssuer("")
	require.Error(t, err)
}

func TestRequireScopeRejectsMissingToken(t *testing.T) {
	iss, err := NewIssuer("test-signing-key")
	require.NoError(t, err)

	handler := iss.RequireScope(ScopeAgent, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/agents/commands", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScopeAllowsMatchingToken(t *testing.T) {
	iss, err := NewIssuer("test-signing-key")
	require.NoError(t, err)

	token, err := iss.IssueAgentToken("machine-1", time.Hour)
	require.NoError(t, err)

	handler := iss.RequireScope(ScopeAgent, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, "machine-1", claims.MachineID)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/agents/commands", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
