package scope

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

type fakeSpaces struct {
	mu       sync.Mutex
	spaces   map[string]*knowledge.GraphSpace
	branches map[string]map[string]bool
	ensures  int
}

func newFakeSpaces() *fakeSpaces {
	return &fakeSpaces{
		spaces:   map[string]*knowledge.GraphSpace{},
		branches: map[string]map[string]bool{},
	}
}

func (f *fakeSpaces) EnsureSpace(_ context.Context, space *knowledge.GraphSpace) (*knowledge.GraphSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if existing, ok := f.spaces[space.GraphID]; ok {
		return existing, nil
	}
	cp := *space
	cp.CreatedAt = time.Now().UTC()
	f.spaces[space.GraphID] = &cp
	if f.branches[space.GraphID] == nil {
		f.branches[space.GraphID] = map[string]bool{}
	}
	f.branches[space.GraphID][knowledge.MainBranch] = true
	return &cp, nil
}

func (f *fakeSpaces) GetSpace(_ context.Context, graphID string) (*knowledge.GraphSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spaces[graphID], nil
}

func (f *fakeSpaces) ListSpaces(_ context.Context, tenantID string) ([]*knowledge.GraphSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*knowledge.GraphSpace
	for _, s := range f.spaces {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSpaces) RenameSpace(_ context.Context, graphID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.spaces[graphID]
	if !ok {
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	s.Name = name
	return nil
}

func (f *fakeSpaces) DeleteSpace(_ context.Context, graphID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.spaces, graphID)
	delete(f.branches, graphID)
	return nil
}

func (f *fakeSpaces) EnsureBranch(_ context.Context, graphID, branchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.spaces[graphID]; !ok {
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	f.branches[graphID][branchID] = true
	return nil
}

func (f *fakeSpaces) ListBranches(_ context.Context, graphID string) ([]*knowledge.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*knowledge.Branch
	for id := range f.branches[graphID] {
		out = append(out, &knowledge.Branch{BranchID: id, GraphID: graphID})
	}
	return out, nil
}

func (f *fakeSpaces) BranchExists(_ context.Context, graphID, branchID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[graphID][branchID], nil
}

type fakePrefs struct {
	mu    sync.Mutex
	prefs map[string]*types.UserScopePref
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{prefs: map[string]*types.UserScopePref{}}
}

func (f *fakePrefs) Get(_ dbctx.Context, tenantID string) (*types.UserScopePref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefs[tenantID], nil
}

func (f *fakePrefs) Upsert(_ dbctx.Context, tenantID, graphID, branchID string) (*types.UserScopePref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &types.UserScopePref{TenantID: tenantID, ActiveGraphID: graphID, ActiveBranchID: branchID}
	f.prefs[tenantID] = p
	return p, nil
}

func newTestResolver(t *testing.T) (Resolver, *fakeSpaces, *fakePrefs) {
	t.Helper()
	spaces := newFakeSpaces()
	prefs := newFakePrefs()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewResolver(spaces, prefs, log, "demo"), spaces, prefs
}

func TestResolveActiveCreatesDefault(t *testing.T) {
	ctx := context.Background()
	r, spaces, prefs := newTestResolver(t)

	active, err := r.ResolveActive(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ResolveActive: %v", err)
	}
	want := DefaultGraphID("tenant-a")
	if active.GraphID != want {
		t.Fatalf("graph = %q, want %q", active.GraphID, want)
	}
	if active.BranchID != knowledge.MainBranch {
		t.Fatalf("branch = %q, want %q", active.BranchID, knowledge.MainBranch)
	}
	if active.Demo {
		t.Fatalf("unexpected demo scope")
	}

	space, _ := spaces.GetSpace(ctx, want)
	if space == nil || space.TenantID != "tenant-a" || space.Name != "Default" {
		t.Fatalf("default space = %+v", space)
	}
	if p, _ := prefs.Get(dbctx.New(ctx, nil), "tenant-a"); p == nil || p.ActiveGraphID != want {
		t.Fatalf("pref not persisted: %+v", p)
	}

	// Second resolve reuses the stored pref.
	again, err := r.ResolveActive(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ResolveActive again: %v", err)
	}
	if again.GraphID != want {
		t.Fatalf("graph after resolve = %q, want %q", again.GraphID, want)
	}
}

func TestDefaultGraphIDIsPerTenant(t *testing.T) {
	a := DefaultGraphID("tenant-a")
	b := DefaultGraphID("tenant-b")
	if a == b {
		t.Fatalf("default ids collide: %q", a)
	}
	if a != DefaultGraphID("tenant-a") {
		t.Fatalf("default id not deterministic")
	}
	for _, id := range []string{"default", a, b} {
		if !IsDefaultGraph(id) {
			t.Fatalf("IsDefaultGraph(%q) = false", id)
		}
	}
	if IsDefaultGraph("G1a2b3c4d") {
		t.Fatalf("minted graph id flagged as default")
	}
}

func TestResolveActiveDemoPinning(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestResolver(t)

	active, err := r.ResolveActive(ctx, "demo-visitor-1")
	if err != nil {
		t.Fatalf("ResolveActive: %v", err)
	}
	if active.GraphID != DemoGraphID || active.BranchID != knowledge.MainBranch || !active.Demo {
		t.Fatalf("demo scope = %+v", active)
	}
	if err := r.RequireWritable(active); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("RequireWritable(demo) = %v, want ErrForbidden", err)
	}
	if _, err := r.SetActiveGraph(ctx, "demo-visitor-1", "G12345678"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("demo SetActiveGraph = %v, want ErrForbidden", err)
	}
	if _, _, err := r.CreateGraph(ctx, "demo-visitor-1", "Mine"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("demo CreateGraph = %v, want ErrForbidden", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestResolver(t)

	activeA, space, err := r.CreateGraph(ctx, "tenant-a", "Research")
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	if activeA.GraphID != space.GraphID {
		t.Fatalf("create did not switch active graph")
	}

	// Reads of a foreign graph look like the graph does not exist.
	if err := r.Authorize(ctx, "tenant-b", space.GraphID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("foreign Authorize = %v, want ErrNotFound", err)
	}
	if _, err := r.SetActiveGraph(ctx, "tenant-b", space.GraphID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("foreign SetActiveGraph = %v, want ErrNotFound", err)
	}

	// Writes fail loudly.
	if err := r.AuthorizeWrite(ctx, "tenant-b", space.GraphID); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("foreign AuthorizeWrite = %v, want ErrForbidden", err)
	}
	if err := r.AuthorizeWrite(ctx, "tenant-a", space.GraphID); err != nil {
		t.Fatalf("owner AuthorizeWrite = %v", err)
	}
}

func TestResolveActiveFallsBackWhenGraphGone(t *testing.T) {
	ctx := context.Background()
	r, spaces, _ := newTestResolver(t)

	_, space, err := r.CreateGraph(ctx, "tenant-a", "Scratch")
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	if err := spaces.DeleteSpace(ctx, space.GraphID); err != nil {
		t.Fatalf("DeleteSpace: %v", err)
	}

	active, err := r.ResolveActive(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ResolveActive: %v", err)
	}
	if active.GraphID != DefaultGraphID("tenant-a") {
		t.Fatalf("graph = %q, want default fallback", active.GraphID)
	}
}

func TestDeleteGraph(t *testing.T) {
	ctx := context.Background()
	r, _, prefs := newTestResolver(t)

	if _, err := r.ResolveActive(ctx, "tenant-a"); err != nil {
		t.Fatalf("ResolveActive: %v", err)
	}
	if err := r.DeleteGraph(ctx, "tenant-a", DefaultGraphID("tenant-a")); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("delete default = %v, want ErrForbidden", err)
	}

	_, space, err := r.CreateGraph(ctx, "tenant-a", "Temp")
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	if err := r.DeleteGraph(ctx, "tenant-a", space.GraphID); err != nil {
		t.Fatalf("DeleteGraph: %v", err)
	}

	// The active pref moved back to the default graph.
	p, _ := prefs.Get(dbctx.New(ctx, nil), "tenant-a")
	if p == nil || p.ActiveGraphID != DefaultGraphID("tenant-a") {
		t.Fatalf("pref after delete = %+v", p)
	}
}

func TestSetActiveBranch(t *testing.T) {
	ctx := context.Background()
	r, spaces, _ := newTestResolver(t)

	active, err := r.SetActiveBranch(ctx, "tenant-a", "exam-prep")
	if err != nil {
		t.Fatalf("SetActiveBranch: %v", err)
	}
	if active.BranchID != "exam-prep" {
		t.Fatalf("branch = %q", active.BranchID)
	}
	ok, _ := spaces.BranchExists(ctx, active.GraphID, "exam-prep")
	if !ok {
		t.Fatalf("branch was not created")
	}

	if _, err := r.SetActiveBranch(ctx, "tenant-a", "  "); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("blank branch = %v, want ErrInvalid", err)
	}
}
