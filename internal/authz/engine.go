package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/repository"
)

// Scope names. The role table below is closed and versioned with the
// platform; it is not user-configurable.
const (
	ScopeReadProfile       = "read:profile"
	ScopeWriteProfile      = "write:profile"
	ScopeReadTransactions  = "read:transactions"
	ScopeWriteTransactions = "write:transactions"
	ScopeReadBudgets       = "read:budgets"
	ScopeWriteBudgets      = "write:budgets"
	ScopeReadAccounts      = "read:accounts"
	ScopeWriteAccounts     = "write:accounts"
	ScopeReadReports       = "read:reports"
	ScopeManageWorkspace   = "manage:workspace"
	ScopeManageMembers     = "manage:members"
)

// globalFloor is granted to every authenticated user regardless of workspace.
var globalFloor = []string{ScopeReadProfile, ScopeWriteProfile}

var roleScopes = map[domain.Role][]string{
	domain.RoleViewer: {
		ScopeReadTransactions, ScopeReadBudgets, ScopeReadAccounts, ScopeReadReports,
	},
	domain.RoleAdmin: {
		ScopeReadTransactions, ScopeWriteTransactions,
		ScopeReadBudgets, ScopeWriteBudgets,
		ScopeReadAccounts, ScopeWriteAccounts,
		ScopeReadReports, ScopeManageMembers,
	},
	domain.RoleOwner: {
		ScopeReadTransactions, ScopeWriteTransactions,
		ScopeReadBudgets, ScopeWriteBudgets,
		ScopeReadAccounts, ScopeWriteAccounts,
		ScopeReadReports, ScopeManageMembers, ScopeManageWorkspace,
	},
}

// Selection carries the workspace selectors observed on a request, strongest
// first: an explicit path parameter, an explicit header, and the soft hint
// embedded in a token claim. Explicit selectors that do not resolve are hard
// failures; the hint falls through to automatic selection.
type Selection struct {
	PathWorkspaceID   *int64
	HeaderWorkspaceID *int64
	TokenHint         *int64
}

// Grant is the resolved authorization for one request.
type Grant struct {
	WorkspaceID         *int64
	Role                domain.Role
	Scopes              []string
	AllowedWorkspaceIDs []int64
}

// Engine resolves the active workspace and the scope set it implies.
type Engine struct {
	memberships repository.MembershipRepository
	logger      *zap.Logger
}

// NewEngine creates the authorization engine.
func NewEngine(memberships repository.MembershipRepository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.L()
	}
	return &Engine{memberships: memberships, logger: logger}
}

// Resolve applies selector precedence (path > header > token hint), then
// automatic selection, and maps the resulting role through the scope table
// unioned with the global floor.
func (e *Engine) Resolve(ctx context.Context, userID int64, sel Selection) (*Grant, error) {
	memberships, err := e.memberships.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	allowed := make([]int64, 0, len(memberships))
	byWorkspace := make(map[int64]domain.WorkspaceMembership, len(memberships))
	for _, m := range memberships {
		allowed = append(allowed, m.WorkspaceID)
		byWorkspace[m.WorkspaceID] = m
	}

	for _, explicit := range []*int64{sel.PathWorkspaceID, sel.HeaderWorkspaceID} {
		if explicit == nil {
			continue
		}
		m, ok := byWorkspace[*explicit]
		if !ok {
			e.logger.Debug("explicit workspace selector denied",
				zap.Int64("user_id", userID), zap.Int64("workspace_id", *explicit))
			return nil, fmt.Errorf("workspace %d: %w", *explicit, domain.ErrForbidden)
		}
		return e.grantFor(m, allowed), nil
	}

	if sel.TokenHint != nil {
		if m, ok := byWorkspace[*sel.TokenHint]; ok {
			return e.grantFor(m, allowed), nil
		}
		// A stale hint is not an error; fall through to automatic selection.
	}

	switch len(memberships) {
	case 0:
		return &Grant{Scopes: append([]string(nil), globalFloor...)}, nil
	case 1:
		return e.grantFor(memberships[0], allowed), nil
	default:
		return nil, domain.ErrWorkspaceSelectionRequired
	}
}

// ResolvePinned resolves against a single mandatory workspace, used for
// workspace-bound PATs. Lost membership is a hard denial.
func (e *Engine) ResolvePinned(ctx context.Context, userID, workspaceID int64) (*Grant, error) {
	m, err := e.memberships.Get(ctx, userID, workspaceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("workspace %d: %w", workspaceID, domain.ErrForbidden)
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return e.grantFor(m, []int64{workspaceID}), nil
}

// GlobalGrant is the workspace-less grant: the floor and nothing else. An
// unbound PAT gets this even when its owner belongs to exactly one workspace;
// the narrowing is deliberate.
func (e *Engine) GlobalGrant() *Grant {
	return &Grant{Scopes: append([]string(nil), globalFloor...)}
}

func (e *Engine) grantFor(m domain.WorkspaceMembership, allowed []int64) *Grant {
	wid := m.WorkspaceID
	return &Grant{
		WorkspaceID:         &wid,
		Role:                m.Role,
		Scopes:              union(roleScopes[m.Role], globalFloor),
		AllowedWorkspaceIDs: allowed,
	}
}

// Intersect narrows role-derived scopes by a token's declared list. A token
// can never broaden what its owner's role permits.
func Intersect(granted, declared []string) []string {
	if declared == nil {
		return granted
	}
	set := make(map[string]struct{}, len(declared))
	for _, s := range declared {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(granted))
	for _, s := range granted {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// HasScope reports membership of one scope in a granted set.
func HasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
