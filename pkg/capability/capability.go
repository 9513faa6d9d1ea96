// Package capability manages the capability-token delegation graph: scope
// attenuation, depth bound, cycle defense and revocation (spec.md §4.3).
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/controlplane/pkg/ids"
)

// MaxDelegationDepth bounds how many times a token may be re-delegated
// (spec.md §4.3, §8: "depth(T) = depth(P) + 1 ≤ 3").
const MaxDelegationDepth = 3

// DeniedReason enumerates why a grant was refused.
type DeniedReason string

const (
	DeniedParentNotFound       DeniedReason = "parent_token_not_found"
	DeniedGrantorMismatch      DeniedReason = "parent_token_grantor_mismatch"
	DeniedDepthExceeded        DeniedReason = "delegation_depth_exceeded"
	DeniedParentRevoked        DeniedReason = "parent_token_revoked"
	DeniedParentExpired        DeniedReason = "parent_token_expired"
)

// DenialError is returned by Grant when a parented grant is refused. It is
// not a storage error: the caller is expected to emit an
// agent.delegation.attempted event carrying Reason.
type DenialError struct {
	Reason DeniedReason
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("capability: grant denied: %s", e.Reason)
}

// Scopes is the per-key set-of-strings scope shape (spec.md §3). Persisted
// in canonical compact form: sorted, deduplicated, empty keys dropped.
type Scopes struct {
	Rooms         []string `json:"rooms,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	EgressDomains []string `json:"egress_domains,omitempty"`
	ActionTypes   []string `json:"action_types,omitempty"`
	DataAccess    []string `json:"data_access,omitempty"`
}

// Canonicalize sorts, dedupes, and drops any key whose value is empty,
// producing the persisted shape required by spec.md §3.
func (s Scopes) Canonicalize() Scopes {
	return Scopes{
		Rooms:         sortedDedup(s.Rooms),
		Tools:         sortedDedup(s.Tools),
		EgressDomains: sortedDedup(s.EgressDomains),
		ActionTypes:   sortedDedup(s.ActionTypes),
		DataAccess:    sortedDedup(s.DataAccess),
	}
}

// Intersect computes the per-key set intersection of s with parent,
// dropping any key absent from parent entirely (spec.md §4.3: "absent in
// parent ⇒ key dropped").
func (s Scopes) Intersect(parent Scopes) Scopes {
	return Scopes{
		Rooms:         intersect(s.Rooms, parent.Rooms),
		Tools:         intersect(s.Tools, parent.Tools),
		EgressDomains: intersect(s.EgressDomains, parent.EgressDomains),
		ActionTypes:   intersect(s.ActionTypes, parent.ActionTypes),
		DataAccess:    intersect(s.DataAccess, parent.DataAccess),
	}.Canonicalize()
}

func sortedDedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func intersect(requested, parent []string) []string {
	if len(parent) == 0 {
		return nil
	}
	parentSet := make(map[string]struct{}, len(parent))
	for _, v := range parent {
		parentSet[v] = struct{}{}
	}
	var out []string
	for _, v := range requested {
		if _, ok := parentSet[v]; ok {
			out = append(out, v)
		}
	}
	return sortedDedup(out)
}

// Token is a persisted capability token.
type Token struct {
	TokenID        string
	WorkspaceID    string
	IssuedTo       string
	GrantedBy      string
	ParentTokenID  *string
	Scopes         Scopes
	ValidUntil     *time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time
	Depth          int
}

// Service grants and revokes capability tokens.
type Service struct {
	pool  *pgxpool.Pool
	clock ids.Clock
}

// New constructs a Service over the given pool and clock.
func New(pool *pgxpool.Pool, clock ids.Clock) *Service {
	return &Service{pool: pool, clock: clock}
}

// Grant performs the algorithm in spec.md §4.3. When parentTokenID is nil,
// the grant is a root issuance and requestedScopes are persisted verbatim.
func (s *Service) Grant(ctx context.Context, workspaceID, issuedTo, grantedBy string, parentTokenID *string, requestedScopes Scopes, validUntil *time.Time) (Token, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("capability: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		effectiveScopes = requestedScopes.Canonicalize()
		depth           = 0
	)

	if parentTokenID != nil {
		parent, err := loadToken(ctx, tx, workspaceID, *parentTokenID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Token{}, &DenialError{Reason: DeniedParentNotFound}
			}
			return Token{}, err
		}
		if parent.IssuedTo != grantedBy {
			return Token{}, &DenialError{Reason: DeniedGrantorMismatch}
		}
		if parent.RevokedAt != nil {
			return Token{}, &DenialError{Reason: DeniedParentRevoked}
		}
		if parent.ValidUntil != nil && !parent.ValidUntil.After(s.clock.Now()) {
			return Token{}, &DenialError{Reason: DeniedParentExpired}
		}

		parentDepth, err := walkDepth(ctx, tx, workspaceID, *parentTokenID, 0)
		if err != nil {
			return Token{}, err
		}
		depth = parentDepth + 1
		if depth > MaxDelegationDepth {
			return Token{}, &DenialError{Reason: DeniedDepthExceeded}
		}

		effectiveScopes = requestedScopes.Intersect(parent.Scopes)
	}

	tok := Token{
		TokenID:       ids.New(ids.PrefixCapabilityToken),
		WorkspaceID:   workspaceID,
		IssuedTo:      issuedTo,
		GrantedBy:     grantedBy,
		ParentTokenID: parentTokenID,
		Scopes:        effectiveScopes,
		ValidUntil:    validUntil,
		CreatedAt:     s.clock.Now(),
		Depth:         depth,
	}

	if err := insertToken(ctx, tx, tok); err != nil {
		return Token{}, err
	}
	if parentTokenID != nil {
		if err := insertDelegationEdge(ctx, tx, workspaceID, *parentTokenID, tok.TokenID, grantedBy, issuedTo, depth, s.clock.Now()); err != nil {
			return Token{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Token{}, fmt.Errorf("capability: commit: %w", err)
	}
	return tok, nil
}

// walkDepth returns the parent's own depth by walking parent_token_id
// upward, defensively bailing out past MaxDelegationDepth+1 hops — an
// in-DB cycle is an invariant violation (spec.md §4.3), not a case to loop
// forever over.
func walkDepth(ctx context.Context, tx pgx.Tx, workspaceID, tokenID string, hops int) (int, error) {
	if hops > MaxDelegationDepth+1 {
		return 0, fmt.Errorf("capability: delegation chain for %s exceeds sane depth — likely a cycle", tokenID)
	}
	tok, err := loadToken(ctx, tx, workspaceID, tokenID)
	if err != nil {
		return 0, err
	}
	if tok.ParentTokenID == nil {
		return 0, nil
	}
	parentDepth, err := walkDepth(ctx, tx, workspaceID, *tok.ParentTokenID, hops+1)
	if err != nil {
		return 0, err
	}
	return parentDepth + 1, nil
}

// Revoke marks a token revoked. Idempotent: re-revoking returns
// alreadyRevoked=true rather than an error (spec.md §4.3).
func (s *Service) Revoke(ctx context.Context, workspaceID, tokenID string) (alreadyRevoked bool, err error) {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sec_capability_tokens
		SET revoked_at = $3
		WHERE workspace_id = $1 AND token_id = $2 AND revoked_at IS NULL
	`, workspaceID, tokenID, now)
	if err != nil {
		return false, fmt.Errorf("capability: revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT true FROM sec_capability_tokens WHERE workspace_id = $1 AND token_id = $2
		`, workspaceID, tokenID).Scan(&exists); err != nil {
			return false, fmt.Errorf("capability: revoke: token not found: %w", err)
		}
		return true, nil
	}
	return false, nil
}

func loadToken(ctx context.Context, tx pgx.Tx, workspaceID, tokenID string) (Token, error) {
	var (
		t                                     Token
		rooms, tools, egress, actions, access []string
	)
	err := tx.QueryRow(ctx, `
		SELECT token_id, workspace_id, issued_to_principal_id, granted_by_principal_id,
			parent_token_id, valid_until, revoked_at, created_at,
			scope_rooms, scope_tools, scope_egress_domains, scope_action_types, scope_data_access
		FROM sec_capability_tokens WHERE workspace_id = $1 AND token_id = $2
	`, workspaceID, tokenID).Scan(
		&t.TokenID, &t.WorkspaceID, &t.IssuedTo, &t.GrantedBy,
		&t.ParentTokenID, &t.ValidUntil, &t.RevokedAt, &t.CreatedAt,
		&rooms, &tools, &egress, &actions, &access,
	)
	if err != nil {
		return Token{}, err
	}
	t.Scopes = Scopes{Rooms: rooms, Tools: tools, EgressDomains: egress, ActionTypes: actions, DataAccess: access}
	return t, nil
}

func insertToken(ctx context.Context, tx pgx.Tx, t Token) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sec_capability_tokens (
			token_id, workspace_id, issued_to_principal_id, granted_by_principal_id,
			parent_token_id, valid_until, created_at,
			scope_rooms, scope_tools, scope_egress_domains, scope_action_types, scope_data_access
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, t.TokenID, t.WorkspaceID, t.IssuedTo, t.GrantedBy,
		t.ParentTokenID, t.ValidUntil, t.CreatedAt,
		t.Scopes.Rooms, t.Scopes.Tools, t.Scopes.EgressDomains, t.Scopes.ActionTypes, t.Scopes.DataAccess,
	)
	if err != nil {
		return fmt.Errorf("capability: insert token: %w", err)
	}
	return nil
}

func insertDelegationEdge(ctx context.Context, tx pgx.Tx, workspaceID, parentTokenID, childTokenID, grantedBy, issuedTo string, depth int, createdAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sec_capability_delegation_edges (
			edge_id, workspace_id, parent_token_id, child_token_id,
			granted_by_principal_id, issued_to_principal_id, depth, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ids.New(ids.PrefixDelegationEdge), workspaceID, parentTokenID, childTokenID, grantedBy, issuedTo, depth, createdAt)
	if err != nil {
		return fmt.Errorf("capability: insert delegation edge: %w", err)
	}
	return nil
}
