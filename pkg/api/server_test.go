package api

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestContext(method, target string, headers map[string]string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	return c, rec
}

func TestResolveIdentity(t *testing.T) {
	t.Run("missing workspace header", func(t *testing.T) {
		c, _ := newTestContext("POST", "/v1/messages", nil)
		_, err := resolveIdentity(c)
		assert.Equal(t, "missing_workspace_header", err.reason)
	})

	t.Run("missing bearer token", func(t *testing.T) {
		c, _ := newTestContext("POST", "/v1/messages", map[string]string{"x-workspace-id": "own_1"})
		_, err := resolveIdentity(c)
		assert.Equal(t, "missing_bearer_token", err.reason)
	})

	t.Run("malformed authorization scheme", func(t *testing.T) {
		c, _ := newTestContext("POST", "/v1/messages", map[string]string{
			"x-workspace-id": "own_1",
			"Authorization":  "Basic deadbeef",
		})
		_, err := resolveIdentity(c)
		assert.Equal(t, "missing_bearer_token", err.reason)
	})

	t.Run("well-formed identity resolves", func(t *testing.T) {
		c, _ := newTestContext("POST", "/v1/messages", map[string]string{
			"x-workspace-id": "own_1",
			"Authorization":  "Bearer agent_42",
		})
		auth, err := resolveIdentity(c)
		assert.Nil(t, err)
		assert.Equal(t, "own_1", auth.WorkspaceID)
		assert.Equal(t, "agent_42", auth.PrincipalID)
	})
}

func TestWriteError_Shape(t *testing.T) {
	c, rec := newTestContext("GET", "/v1/pipeline", nil)
	writeError(c, &apiError{status: 409, reason: "idempotency_conflict_unresolved", message: "conflict", details: map[string]any{"key": "K2"}})

	assert.Equal(t, 409, rec.Code)
	assert.JSONEq(t, `{"error":true,"reason_code":"idempotency_conflict_unresolved","reason":"conflict","details":{"key":"K2"}}`, rec.Body.String())
}

func TestScopesWire_ToScopes(t *testing.T) {
	w := scopesWire{Rooms: []string{"r1", "r2"}, Tools: []string{"t1"}}
	scopes := w.toScopes()
	assert.Equal(t, []string{"r1", "r2"}, scopes.Rooms)
	assert.Equal(t, []string{"t1"}, scopes.Tools)
	assert.Empty(t, scopes.EgressDomains)
	assert.Empty(t, scopes.ActionTypes)
	assert.Empty(t, scopes.DataAccess)
}
