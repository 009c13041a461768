package scope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// SpaceStore is the slice of the graph layer the resolver needs. The
// neo4j space repo satisfies it; tests substitute fakes.
type SpaceStore interface {
	EnsureSpace(ctx context.Context, space *knowledge.GraphSpace) (*knowledge.GraphSpace, error)
	GetSpace(ctx context.Context, graphID string) (*knowledge.GraphSpace, error)
	ListSpaces(ctx context.Context, tenantID string) ([]*knowledge.GraphSpace, error)
	RenameSpace(ctx context.Context, graphID, name string) error
	DeleteSpace(ctx context.Context, graphID string) error
	EnsureBranch(ctx context.Context, graphID, branchID string) error
	ListBranches(ctx context.Context, graphID string) ([]*knowledge.Branch, error)
	BranchExists(ctx context.Context, graphID, branchID string) (bool, error)
}

// PrefStore persists the per-tenant active graph/branch row.
type PrefStore interface {
	Get(dbc dbctx.Context, tenantID string) (*types.UserScopePref, error)
	Upsert(dbc dbctx.Context, tenantID, graphID, branchID string) (*types.UserScopePref, error)
}

// DemoGraphID is the shared read-only graph demo tenants are pinned to.
const DemoGraphID = "demo"

// DefaultGraphID derives the per-tenant default graph id. GraphSpace ids
// are globally unique, so each tenant's default carries a tenant-derived
// suffix; the unset tenant keeps the bare id.
func DefaultGraphID(tenantID string) string {
	if tenantID == "" {
		return "default"
	}
	sum := sha256.Sum256([]byte(tenantID))
	return "default-" + hex.EncodeToString(sum[:])[:8]
}

// IsDefaultGraph reports whether graphID is a protected default graph.
// Default graphs cannot be deleted.
func IsDefaultGraph(graphID string) bool {
	return graphID == "default" || strings.HasPrefix(graphID, "default-")
}

// Resolver owns the (tenant, graph, branch) context: active-scope
// resolution, graph lifecycle, tenant isolation, demo pinning.
type Resolver interface {
	ResolveActive(ctx context.Context, tenantID string) (Active, error)
	SetActiveGraph(ctx context.Context, tenantID, graphID string) (Active, error)
	SetActiveBranch(ctx context.Context, tenantID, branchID string) (Active, error)
	CreateGraph(ctx context.Context, tenantID, name string) (Active, *knowledge.GraphSpace, error)
	EnsureGraph(ctx context.Context, tenantID, graphID, name string) (*knowledge.GraphSpace, error)
	EnsureBranch(ctx context.Context, graphID, branchID string) error
	ListGraphs(ctx context.Context, tenantID string) ([]*knowledge.GraphSpace, Active, error)
	ListBranches(ctx context.Context, graphID string) ([]*knowledge.Branch, error)
	RenameGraph(ctx context.Context, tenantID, graphID, name string) error
	DeleteGraph(ctx context.Context, tenantID, graphID string) error

	// Authorize validates that graphID is readable by tenantID. Reads of
	// another tenant's graph come back ErrNotFound so ids do not leak;
	// the demo graph is readable by demo tenants only.
	Authorize(ctx context.Context, tenantID, graphID string) error
	// AuthorizeWrite validates that tenantID may mutate graphID. Foreign
	// graphs and the demo graph fail with ErrForbidden.
	AuthorizeWrite(ctx context.Context, tenantID, graphID string) error
	// RequireWritable rejects writes from demo-pinned scopes.
	RequireWritable(a Active) error
}

type resolver struct {
	spaces     SpaceStore
	prefs      PrefStore
	log        *logger.Logger
	demoPrefix string
}

func NewResolver(spaces SpaceStore, prefs PrefStore, baseLog *logger.Logger, demoPrefix string) Resolver {
	if demoPrefix == "" {
		demoPrefix = "demo"
	}
	return &resolver{
		spaces:     spaces,
		prefs:      prefs,
		log:        baseLog.With("service", "ScopeResolver"),
		demoPrefix: demoPrefix,
	}
}

func (r *resolver) isDemo(tenantID string) bool {
	return strings.HasPrefix(tenantID, r.demoPrefix)
}

func (r *resolver) ResolveActive(ctx context.Context, tenantID string) (Active, error) {
	if r.isDemo(tenantID) {
		if _, err := r.spaces.EnsureSpace(ctx, &knowledge.GraphSpace{
			GraphID:  DemoGraphID,
			Name:     "Demo",
			TenantID: DemoGraphID,
		}); err != nil {
			return Active{}, err
		}
		return Active{TenantID: tenantID, GraphID: DemoGraphID, BranchID: knowledge.MainBranch, Demo: true}, nil
	}

	dbc := dbctx.New(ctx, nil)
	pref, err := r.prefs.Get(dbc, tenantID)
	if err != nil {
		return Active{}, err
	}
	if pref != nil {
		space, err := r.spaces.GetSpace(ctx, pref.ActiveGraphID)
		if err != nil {
			return Active{}, err
		}
		if space != nil && space.TenantID == tenantID {
			return Active{TenantID: tenantID, GraphID: pref.ActiveGraphID, BranchID: pref.ActiveBranchID}, nil
		}
		// Stored graph vanished or changed hands; fall back to default.
	}

	gid := DefaultGraphID(tenantID)
	if _, err := r.spaces.EnsureSpace(ctx, &knowledge.GraphSpace{
		GraphID:  gid,
		Name:     "Default",
		TenantID: tenantID,
	}); err != nil {
		return Active{}, err
	}
	if _, err := r.prefs.Upsert(dbc, tenantID, gid, knowledge.MainBranch); err != nil {
		return Active{}, err
	}
	return Active{TenantID: tenantID, GraphID: gid, BranchID: knowledge.MainBranch}, nil
}

func (r *resolver) SetActiveGraph(ctx context.Context, tenantID, graphID string) (Active, error) {
	if r.isDemo(tenantID) {
		return Active{}, errs.Wrap(errs.ErrForbidden, "demo tenants cannot switch graphs")
	}
	if err := r.Authorize(ctx, tenantID, graphID); err != nil {
		return Active{}, err
	}
	if _, err := r.prefs.Upsert(dbctx.New(ctx, nil), tenantID, graphID, knowledge.MainBranch); err != nil {
		return Active{}, err
	}
	return Active{TenantID: tenantID, GraphID: graphID, BranchID: knowledge.MainBranch}, nil
}

func (r *resolver) SetActiveBranch(ctx context.Context, tenantID, branchID string) (Active, error) {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return Active{}, errs.Wrap(errs.ErrInvalid, "branch id required")
	}
	active, err := r.ResolveActive(ctx, tenantID)
	if err != nil {
		return Active{}, err
	}
	if active.Demo {
		return Active{}, errs.Wrap(errs.ErrForbidden, "demo tenants are pinned to %s", knowledge.MainBranch)
	}
	if err := r.spaces.EnsureBranch(ctx, active.GraphID, branchID); err != nil {
		return Active{}, err
	}
	if _, err := r.prefs.Upsert(dbctx.New(ctx, nil), tenantID, active.GraphID, branchID); err != nil {
		return Active{}, err
	}
	active.BranchID = branchID
	return active, nil
}

func (r *resolver) CreateGraph(ctx context.Context, tenantID, name string) (Active, *knowledge.GraphSpace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Active{}, nil, errs.Wrap(errs.ErrInvalid, "graph name required")
	}
	if r.isDemo(tenantID) {
		return Active{}, nil, errs.Wrap(errs.ErrForbidden, "demo tenants cannot create graphs")
	}
	space, err := r.spaces.EnsureSpace(ctx, &knowledge.GraphSpace{
		GraphID:  knowledge.NewGraphID(),
		Name:     name,
		TenantID: tenantID,
	})
	if err != nil {
		return Active{}, nil, err
	}
	if _, err := r.prefs.Upsert(dbctx.New(ctx, nil), tenantID, space.GraphID, knowledge.MainBranch); err != nil {
		return Active{}, nil, err
	}
	return Active{TenantID: tenantID, GraphID: space.GraphID, BranchID: knowledge.MainBranch}, space, nil
}

func (r *resolver) EnsureGraph(ctx context.Context, tenantID, graphID, name string) (*knowledge.GraphSpace, error) {
	existing, err := r.spaces.GetSpace(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.TenantID != tenantID {
			return nil, errs.Wrap(errs.ErrForbidden, "graph %s belongs to another tenant", graphID)
		}
		return existing, nil
	}
	return r.spaces.EnsureSpace(ctx, &knowledge.GraphSpace{GraphID: graphID, Name: name, TenantID: tenantID})
}

func (r *resolver) EnsureBranch(ctx context.Context, graphID, branchID string) error {
	return r.spaces.EnsureBranch(ctx, graphID, branchID)
}

func (r *resolver) ListGraphs(ctx context.Context, tenantID string) ([]*knowledge.GraphSpace, Active, error) {
	active, err := r.ResolveActive(ctx, tenantID)
	if err != nil {
		return nil, Active{}, err
	}
	if active.Demo {
		space, err := r.spaces.GetSpace(ctx, DemoGraphID)
		if err != nil {
			return nil, Active{}, err
		}
		return []*knowledge.GraphSpace{space}, active, nil
	}
	spaces, err := r.spaces.ListSpaces(ctx, tenantID)
	if err != nil {
		return nil, Active{}, err
	}
	return spaces, active, nil
}

func (r *resolver) ListBranches(ctx context.Context, graphID string) ([]*knowledge.Branch, error) {
	return r.spaces.ListBranches(ctx, graphID)
}

func (r *resolver) RenameGraph(ctx context.Context, tenantID, graphID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.Wrap(errs.ErrInvalid, "graph name required")
	}
	if r.isDemo(tenantID) {
		return errs.Wrap(errs.ErrForbidden, "demo tenants cannot rename graphs")
	}
	if err := r.AuthorizeWrite(ctx, tenantID, graphID); err != nil {
		return err
	}
	return r.spaces.RenameSpace(ctx, graphID, name)
}

func (r *resolver) DeleteGraph(ctx context.Context, tenantID, graphID string) error {
	if IsDefaultGraph(graphID) {
		return errs.Wrap(errs.ErrForbidden, "the default graph cannot be deleted")
	}
	if r.isDemo(tenantID) {
		return errs.Wrap(errs.ErrForbidden, "demo tenants cannot delete graphs")
	}
	if err := r.AuthorizeWrite(ctx, tenantID, graphID); err != nil {
		return err
	}
	if err := r.spaces.DeleteSpace(ctx, graphID); err != nil {
		return err
	}

	// If the deleted graph was active, point the tenant back at default.
	dbc := dbctx.New(ctx, nil)
	pref, err := r.prefs.Get(dbc, tenantID)
	if err != nil {
		return err
	}
	if pref != nil && pref.ActiveGraphID == graphID {
		if _, err := r.ResolveActive(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) Authorize(ctx context.Context, tenantID, graphID string) error {
	if graphID == "" {
		return errs.Wrap(errs.ErrInvalid, "graph id required")
	}
	space, err := r.spaces.GetSpace(ctx, graphID)
	if err != nil {
		return err
	}
	if space == nil {
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	if graphID == DemoGraphID {
		if r.isDemo(tenantID) {
			return nil
		}
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	if space.TenantID != tenantID {
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	return nil
}

func (r *resolver) AuthorizeWrite(ctx context.Context, tenantID, graphID string) error {
	if graphID == "" {
		return errs.Wrap(errs.ErrInvalid, "graph id required")
	}
	if graphID == DemoGraphID {
		return errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	space, err := r.spaces.GetSpace(ctx, graphID)
	if err != nil {
		return err
	}
	if space == nil {
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	if space.TenantID != tenantID {
		return errs.Wrap(errs.ErrForbidden, "graph %s belongs to another tenant", graphID)
	}
	return nil
}

func (r *resolver) RequireWritable(a Active) error {
	if a.Demo {
		return errs.Wrap(errs.ErrForbidden, "demo scope is read-only")
	}
	return nil
}
