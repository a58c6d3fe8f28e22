package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/domain"
)

type fakeMembershipRepo struct {
	memberships []domain.WorkspaceMembership
}

func (f *fakeMembershipRepo) ListByUser(_ context.Context, userID int64) ([]domain.WorkspaceMembership, error) {
	var out []domain.WorkspaceMembership
	for _, m := range f.memberships {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMembershipRepo) Get(_ context.Context, userID, workspaceID int64) (domain.WorkspaceMembership, error) {
	for _, m := range f.memberships {
		if m.UserID == userID && m.WorkspaceID == workspaceID {
			return m, nil
		}
	}
	return domain.WorkspaceMembership{}, domain.ErrNotFound
}

func newTestEngine(memberships ...domain.WorkspaceMembership) *Engine {
	return NewEngine(&fakeMembershipRepo{memberships: memberships}, zap.NewNop())
}

func ptr(v int64) *int64 { return &v }

func TestResolve_NoMembershipsGetsFloorOnly(t *testing.T) {
	engine := newTestEngine()

	grant, err := engine.Resolve(context.Background(), 1, Selection{})
	require.NoError(t, err)
	require.Nil(t, grant.WorkspaceID)
	require.ElementsMatch(t, []string{ScopeReadProfile, ScopeWriteProfile}, grant.Scopes)
}

func TestResolve_SingleMembershipAutoSelects(t *testing.T) {
	engine := newTestEngine(domain.WorkspaceMembership{UserID: 1, WorkspaceID: 10, Role: domain.RoleViewer})

	grant, err := engine.Resolve(context.Background(), 1, Selection{})
	require.NoError(t, err)
	require.NotNil(t, grant.WorkspaceID)
	require.Equal(t, int64(10), *grant.WorkspaceID)
	require.Equal(t, domain.RoleViewer, grant.Role)
	require.Contains(t, grant.Scopes, ScopeReadTransactions)
	require.Contains(t, grant.Scopes, ScopeReadProfile)
	require.NotContains(t, grant.Scopes, ScopeWriteTransactions)
}

func TestResolve_MultipleMembershipsRequireSelection(t *testing.T) {
	engine := newTestEngine(
		domain.WorkspaceMembership{UserID: 1, WorkspaceID: 10, Role: domain.RoleOwner},
		domain.WorkspaceMembership{UserID: 1, WorkspaceID: 20, Role: domain.RoleViewer},
	)

	_, err := engine.Resolve(context.Background(), 1, Selection{})
	require.ErrorIs(t, err, domain.ErrWorkspaceSelectionRequired)
}

func TestResolve_SelectorPrecedence(t *testing.T) {
	engine := newTestEngine(
		domain.WorkspaceMembership{UserID: 1, WorkspaceID: 10, Role: domain.RoleOwner},
		domain.WorkspaceMembership{UserID: 1, WorkspaceID: 20, Role: domain.RoleViewer},
		domain.WorkspaceMembership{UserID: 1, WorkspaceID: 30, Role: domain.RoleAdmin},
	)
	ctx := context.Background()

	// Path beats header beats hint.
	grant, err := engine.Resolve(ctx, 1, Selection{
		PathWorkspaceID:   ptr(10),
		HeaderWorkspaceID: ptr(20),
		TokenHint:         ptr(30),
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), *grant.WorkspaceID)
	require.Equal(t, domain.RoleOwner, grant.Role)

	grant, err = engine.Resolve(ctx, 1, Selection{
		HeaderWorkspaceID: ptr(20),
		TokenHint:         ptr(30),
	})
	require.NoError(t, err)
	require.Equal(t, int64(20), *grant.WorkspaceID)
	require.Equal(t, domain.RoleViewer, grant.Role)

	grant, err = engine.Resolve(ctx, 1, Selection{TokenHint: ptr(30)})
	require.NoError(t, err)
	require.Equal(t, int64(30), *grant.WorkspaceID)
	require.Equal(t, domain.RoleAdmin, grant.Role)
	require.ElementsMatch(t, []int64{10, 20, 30}, grant.AllowedWorkspaceIDs)
}

func TestResolve_ExplicitSelectorOutsideMembershipFails(t *testing.T) {
	engine := newTestEngine(domain.WorkspaceMembership{UserID: 1, WorkspaceID: 10, Role: domain.RoleOwner})
	ctx := context.Background()

	_, err := engine.Resolve(ctx, 1, Selection{PathWorkspaceID: ptr(99)})
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = engine.Resolve(ctx, 1, Selection{HeaderWorkspaceID: ptr(99)})
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestResolve_StaleHintFallsThrough(t *testing.T) {
	engine := newTestEngine(domain.WorkspaceMembership{UserID: 1, WorkspaceID: 10, Role: domain.RoleAdmin})

	// The hint names a workspace the user left; automatic selection applies.
	grant, err := engine.Resolve(context.Background(), 1, Selection{TokenHint: ptr(99)})
	require.NoError(t, err)
	require.Equal(t, int64(10), *grant.WorkspaceID)
}

func TestResolvePinned(t *testing.T) {
	engine := newTestEngine(domain.WorkspaceMembership{UserID: 1, WorkspaceID: 10, Role: domain.RoleAdmin})
	ctx := context.Background()

	grant, err := engine.ResolvePinned(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), *grant.WorkspaceID)
	require.Equal(t, domain.RoleAdmin, grant.Role)

	_, err = engine.ResolvePinned(ctx, 1, 99)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestRoleScopeTable(t *testing.T) {
	engine := newTestEngine(
		domain.WorkspaceMembership{UserID: 1, WorkspaceID: 10, Role: domain.RoleOwner},
		domain.WorkspaceMembership{UserID: 2, WorkspaceID: 10, Role: domain.RoleAdmin},
		domain.WorkspaceMembership{UserID: 3, WorkspaceID: 10, Role: domain.RoleViewer},
	)
	ctx := context.Background()

	owner, err := engine.Resolve(ctx, 1, Selection{})
	require.NoError(t, err)
	require.Contains(t, owner.Scopes, ScopeManageWorkspace)
	require.Contains(t, owner.Scopes, ScopeManageMembers)

	admin, err := engine.Resolve(ctx, 2, Selection{})
	require.NoError(t, err)
	require.NotContains(t, admin.Scopes, ScopeManageWorkspace)
	require.Contains(t, admin.Scopes, ScopeManageMembers)
	require.Contains(t, admin.Scopes, ScopeWriteBudgets)

	viewer, err := engine.Resolve(ctx, 3, Selection{})
	require.NoError(t, err)
	require.NotContains(t, viewer.Scopes, ScopeManageMembers)
	require.NotContains(t, viewer.Scopes, ScopeWriteTransactions)
	require.Contains(t, viewer.Scopes, ScopeReadReports)
}

func TestIntersect(t *testing.T) {
	granted := []string{ScopeReadProfile, ScopeReadTransactions, ScopeWriteTransactions}

	// Nil declared scopes mean "everything the role grants".
	require.Equal(t, granted, Intersect(granted, nil))

	// Declared scopes only narrow.
	narrowed := Intersect(granted, []string{ScopeReadTransactions, ScopeManageWorkspace})
	require.Equal(t, []string{ScopeReadTransactions}, narrowed)

	// Disjoint sets produce an empty, usable grant.
	require.Empty(t, Intersect(granted, []string{ScopeManageWorkspace}))

	// An empty non-nil declaration narrows to nothing.
	require.Empty(t, Intersect(granted, []string{}))
}

func TestHasScope(t *testing.T) {
	scopes := []string{ScopeReadProfile, ScopeReadBudgets}
	require.True(t, HasScope(scopes, ScopeReadBudgets))
	require.False(t, HasScope(scopes, ScopeWriteBudgets))
}
