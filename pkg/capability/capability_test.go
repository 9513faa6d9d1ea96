package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentops/controlplane/pkg/capability"
	"github.com/agentops/controlplane/pkg/ids"
	"github.com/agentops/controlplane/test/dbtest"
)

func TestScopesIntersect_DropsKeysAbsentFromParent(t *testing.T) {
	requested := capability.Scopes{Rooms: []string{"r2", "r3"}, Tools: []string{"t1", "t4"}}
	parent := capability.Scopes{Rooms: []string{"r1", "r2"}, Tools: []string{"t1", "t2", "t3"}}

	got := requested.Intersect(parent)

	assert.Equal(t, []string{"r2"}, got.Rooms)
	assert.Equal(t, []string{"t1"}, got.Tools)
	assert.Empty(t, got.EgressDomains)
}

func TestGrant_DelegationChainRespectsDepthBound(t *testing.T) {
	client := dbtest.NewClient(t)
	svc := capability.New(client.Pool(), ids.SystemClock{})
	ws := ids.New(ids.PrefixOwner)

	p1, p2, p3, p4, p5 := "prin_1", "prin_2", "prin_3", "prin_4", "prin_5"

	root, err := svc.Grant(t.Context(), ws, p1, p1, nil,
		capability.Scopes{Rooms: []string{"r1", "r2"}, Tools: []string{"t1", "t2", "t3"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Depth)

	d1, err := svc.Grant(t.Context(), ws, p2, p1, &root.TokenID,
		capability.Scopes{Rooms: []string{"r2", "r3"}, Tools: []string{"t1", "t4"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d1.Depth)
	assert.Equal(t, []string{"r2"}, d1.Scopes.Rooms)
	assert.Equal(t, []string{"t1"}, d1.Scopes.Tools)

	d2, err := svc.Grant(t.Context(), ws, p3, p2, &d1.TokenID, d1.Scopes, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, d2.Depth)

	d3, err := svc.Grant(t.Context(), ws, p4, p3, &d2.TokenID, d2.Scopes, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d3.Depth)

	_, err = svc.Grant(t.Context(), ws, p5, p4, &d3.TokenID, d3.Scopes, nil)
	var denial *capability.DenialError
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, capability.DeniedDepthExceeded, denial.Reason)
}

func TestGrant_GrantorMismatchDenied(t *testing.T) {
	client := dbtest.NewClient(t)
	svc := capability.New(client.Pool(), ids.SystemClock{})
	ws := ids.New(ids.PrefixOwner)

	root, err := svc.Grant(t.Context(), ws, "prin_1", "prin_1", nil,
		capability.Scopes{Rooms: []string{"r1"}}, nil)
	require.NoError(t, err)

	_, err = svc.Grant(t.Context(), ws, "prin_3", "prin_2", &root.TokenID, capability.Scopes{Rooms: []string{"r1"}}, nil)
	var denial *capability.DenialError
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, capability.DeniedGrantorMismatch, denial.Reason)
}

func TestRevoke_IsIdempotent(t *testing.T) {
	client := dbtest.NewClient(t)
	svc := capability.New(client.Pool(), ids.SystemClock{})
	ws := ids.New(ids.PrefixOwner)

	tok, err := svc.Grant(t.Context(), ws, "prin_1", "prin_1", nil, capability.Scopes{Rooms: []string{"r1"}}, nil)
	require.NoError(t, err)

	already, err := svc.Revoke(t.Context(), ws, tok.TokenID)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = svc.Revoke(t.Context(), ws, tok.TokenID)
	require.NoError(t, err)
	assert.True(t, already)
}
