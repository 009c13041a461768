package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/branches"
	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/entities"
	httpH "github.com/quillgraph/quillgraph-backend/internal/http/handlers"
	httpMW "github.com/quillgraph/quillgraph-backend/internal/http/middleware"
	"github.com/quillgraph/quillgraph-backend/internal/ingest"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/retrieval"
	"github.com/quillgraph/quillgraph-backend/internal/review"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
	syncsvc "github.com/quillgraph/quillgraph-backend/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeResolver owns tenant t1 with graphs G1 (active) and G2. Anything
// else reads as missing and writes as forbidden.
type fakeResolver struct{}

func (f *fakeResolver) owned(tenantID, graphID string) bool {
	return tenantID == "t1" && (graphID == "G1" || graphID == "G2")
}

func (f *fakeResolver) ResolveActive(_ context.Context, tenantID string) (scope.Active, error) {
	return scope.Active{TenantID: tenantID, GraphID: "G1", BranchID: knowledge.MainBranch}, nil
}

func (f *fakeResolver) SetActiveGraph(_ context.Context, tenantID, graphID string) (scope.Active, error) {
	if !f.owned(tenantID, graphID) {
		return scope.Active{}, errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	return scope.Active{TenantID: tenantID, GraphID: graphID, BranchID: knowledge.MainBranch}, nil
}

func (f *fakeResolver) SetActiveBranch(_ context.Context, tenantID, branchID string) (scope.Active, error) {
	return scope.Active{TenantID: tenantID, GraphID: "G1", BranchID: branchID}, nil
}

func (f *fakeResolver) CreateGraph(_ context.Context, tenantID, name string) (scope.Active, *knowledge.GraphSpace, error) {
	sp := &knowledge.GraphSpace{GraphID: "G9", Name: name, TenantID: tenantID}
	return scope.Active{TenantID: tenantID, GraphID: sp.GraphID, BranchID: knowledge.MainBranch}, sp, nil
}

func (f *fakeResolver) EnsureGraph(_ context.Context, tenantID, graphID, name string) (*knowledge.GraphSpace, error) {
	return &knowledge.GraphSpace{GraphID: graphID, Name: name, TenantID: tenantID}, nil
}

func (f *fakeResolver) EnsureBranch(context.Context, string, string) error { return nil }

func (f *fakeResolver) ListGraphs(_ context.Context, tenantID string) ([]*knowledge.GraphSpace, scope.Active, error) {
	return []*knowledge.GraphSpace{
		{GraphID: "G1", Name: "first", TenantID: tenantID},
		{GraphID: "G2", Name: "second", TenantID: tenantID},
	}, scope.Active{TenantID: tenantID, GraphID: "G1", BranchID: knowledge.MainBranch}, nil
}

func (f *fakeResolver) ListBranches(context.Context, string) ([]*knowledge.Branch, error) {
	return nil, nil
}

func (f *fakeResolver) RenameGraph(_ context.Context, tenantID, graphID, _ string) error {
	if !f.owned(tenantID, graphID) {
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	return nil
}

func (f *fakeResolver) DeleteGraph(_ context.Context, tenantID, graphID string) error {
	if !f.owned(tenantID, graphID) {
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	return nil
}

func (f *fakeResolver) Authorize(_ context.Context, tenantID, graphID string) error {
	if !f.owned(tenantID, graphID) {
		return errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
	}
	return nil
}

func (f *fakeResolver) AuthorizeWrite(_ context.Context, tenantID, graphID string) error {
	if !f.owned(tenantID, graphID) {
		return errs.Wrap(errs.ErrForbidden, "graph %s is not writable", graphID)
	}
	return nil
}

func (f *fakeResolver) RequireWritable(a scope.Active) error {
	if a.Demo {
		return errs.Wrap(errs.ErrForbidden, "demo scope is read-only")
	}
	return nil
}

type fakeEntities struct {
	concepts map[string]*knowledge.Concept
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{concepts: map[string]*knowledge.Concept{
		"N1": {NodeID: "N1", GraphID: "G1", Name: "Transformer", OnBranches: []string{"main"}},
	}}
}

func (f *fakeEntities) CreateConcept(_ context.Context, active scope.Active, in entities.CreateConceptInput) (*knowledge.Concept, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "concept name required")
	}
	c := &knowledge.Concept{NodeID: "N2", GraphID: active.GraphID, Name: in.Name, OnBranches: []string{active.BranchID}}
	f.concepts[c.NodeID] = c
	return c, nil
}

func (f *fakeEntities) EnsureConcept(_ context.Context, active scope.Active, name, _ string, _ []string) (*knowledge.Concept, bool, error) {
	return &knowledge.Concept{NodeID: "N2", GraphID: active.GraphID, Name: name}, true, nil
}

func (f *fakeEntities) GetConcept(_ context.Context, _ scope.Active, ref string, _ scope.ProposedMode) (*knowledge.Concept, error) {
	if c, ok := f.concepts[ref]; ok {
		return c, nil
	}
	for _, c := range f.concepts {
		if c.Name == ref {
			return c, nil
		}
	}
	return nil, errs.Wrap(errs.ErrNotFound, "concept %s not found", ref)
}

func (f *fakeEntities) UpdateConcept(_ context.Context, _ scope.Active, nodeID string, patch entities.ConceptPatch) (*knowledge.Concept, error) {
	c, ok := f.concepts[nodeID]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "concept %s not found", nodeID)
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	return c, nil
}

func (f *fakeEntities) DeleteConcept(_ context.Context, _ scope.Active, nodeID string) error {
	if _, ok := f.concepts[nodeID]; !ok {
		return errs.Wrap(errs.ErrNotFound, "concept %s not found", nodeID)
	}
	delete(f.concepts, nodeID)
	return nil
}

func (f *fakeEntities) CreateRelationship(_ context.Context, active scope.Active, in entities.CreateRelationshipInput) (*knowledge.Relationship, bool, error) {
	rel := &knowledge.Relationship{
		Predicate: in.Predicate,
		SourceID:  in.Src,
		TargetID:  in.Dst,
		GraphID:   active.GraphID,
		Status:    knowledge.RelationshipAccepted,
	}
	if in.Proposed {
		rel.Status = knowledge.RelationshipProposed
	}
	return rel, true, nil
}

func (f *fakeEntities) ProposeRelationship(context.Context, scope.Active, *knowledge.Relationship) (bool, error) {
	return true, nil
}

func (f *fakeEntities) DeleteRelationship(context.Context, scope.Active, string, string, string) error {
	return nil
}

func (f *fakeEntities) CrossGraphLink(context.Context, scope.Active, entities.CrossGraphLinkInput) error {
	return nil
}

func (f *fakeEntities) Neighbors(_ context.Context, _ scope.Active, ref string, _ scope.ProposedMode, _ int) ([]*knowledge.Neighbor, error) {
	if ref != "N1" {
		return nil, nil
	}
	return []*knowledge.Neighbor{{
		Concept:   knowledge.Concept{NodeID: "N2", GraphID: "G1", Name: "Attention"},
		Predicate: "USES",
		Direction: "out",
		Rel:       knowledge.Relationship{Predicate: "USES", SourceID: "N1", TargetID: "N2"},
	}}, nil
}

func (f *fakeEntities) Overview(_ context.Context, active scope.Active, _, _ int, _ scope.ProposedMode) (*knowledge.GraphOverview, error) {
	return &knowledge.GraphOverview{
		Nodes: []knowledge.Concept{{NodeID: "N1", GraphID: active.GraphID, Name: "Transformer"}},
		Edges: []knowledge.Relationship{},
		Meta:  map[string]any{"total_nodes": 1},
	}, nil
}

func (f *fakeEntities) MergeConcepts(context.Context, scope.Active, string, string, string) (*knowledge.MergeOutcome, error) {
	return &knowledge.MergeOutcome{}, nil
}

func (f *fakeEntities) GenerateMergeCandidates(context.Context, scope.Active) (*entities.MergeCandidateReport, error) {
	return &entities.MergeCandidateReport{}, nil
}

func (f *fakeEntities) RebuildCommunities(context.Context, scope.Active) ([]*knowledge.Community, error) {
	return nil, nil
}

func (f *fakeEntities) SeedTemplate(_ context.Context, _ scope.Active, templateID string) (*entities.SeedReport, error) {
	return &entities.SeedReport{Template: templateID, Concepts: 3}, nil
}

type fakeReview struct {
	lastReviewer string
	lastAction   string
}

func (f *fakeReview) ListRelationships(_ context.Context, active scope.Active, q review.RelationshipQuery) ([]*knowledge.Relationship, error) {
	status := q.Status
	if status == "" {
		status = knowledge.RelationshipProposed
	}
	return []*knowledge.Relationship{{
		Predicate: "USES",
		SourceID:  "N1",
		TargetID:  "N2",
		GraphID:   active.GraphID,
		Status:    status,
	}}, nil
}

func (f *fakeReview) AcceptRelationships(_ context.Context, _ scope.Active, edges []review.EdgeRef, reviewer string) (int, error) {
	f.lastReviewer = reviewer
	f.lastAction = review.ActionRelationshipAccept
	return len(edges), nil
}

func (f *fakeReview) RejectRelationships(_ context.Context, _ scope.Active, edges []review.EdgeRef, reviewer string) (int, error) {
	f.lastReviewer = reviewer
	f.lastAction = review.ActionRelationshipReject
	return len(edges), nil
}

func (f *fakeReview) EditRelationship(_ context.Context, _ scope.Active, _ review.EditRelationshipInput, reviewer string) (int, error) {
	f.lastReviewer = reviewer
	f.lastAction = review.ActionRelationshipEdit
	return 1, nil
}

func (f *fakeReview) ListMergeCandidates(context.Context, scope.Active, knowledge.MergeCandidateStatus, int) ([]*knowledge.MergeCandidate, error) {
	return []*knowledge.MergeCandidate{{CandidateID: "mc1", Status: knowledge.MergeProposed}}, nil
}

func (f *fakeReview) AcceptMerge(_ context.Context, _ scope.Active, candidateID, reviewer string) (*knowledge.MergeCandidate, error) {
	f.lastReviewer = reviewer
	return &knowledge.MergeCandidate{CandidateID: candidateID, Status: knowledge.MergeAccepted}, nil
}

func (f *fakeReview) RejectMerge(_ context.Context, _ scope.Active, candidateID, reviewer string) (*knowledge.MergeCandidate, error) {
	f.lastReviewer = reviewer
	return &knowledge.MergeCandidate{CandidateID: candidateID, Status: knowledge.MergeRejected}, nil
}

func (f *fakeReview) ExecuteMerge(_ context.Context, _ scope.Active, candidateID, keepID, reviewer string) (*review.MergeExecution, error) {
	f.lastReviewer = reviewer
	return &review.MergeExecution{
		Candidate: &knowledge.MergeCandidate{CandidateID: candidateID, Status: knowledge.MergeExecuted},
		Outcome:   &knowledge.MergeOutcome{KeepNodeID: keepID},
	}, nil
}

func (f *fakeReview) ListAudit(context.Context, scope.Active, string, int) ([]*types.ReviewAudit, error) {
	return nil, nil
}

type fakeRetrieval struct {
	err  error
	last retrieval.Query
}

func (f *fakeRetrieval) Retrieve(_ context.Context, _ scope.Active, q retrieval.Query) (*retrieval.Result, error) {
	f.last = q
	if f.err != nil {
		return nil, f.err
	}
	return &retrieval.Result{
		Intent:      retrieval.IntentConceptLookup,
		Confidence:  0.9,
		PlanVersion: "v2",
		Trace:       []retrieval.TraceStep{{Step: "classify_intent"}},
		Context:     retrieval.Bundle{ContextText: "Transformer uses attention."},
	}, nil
}

func (f *fakeRetrieval) ClassifyIntent(context.Context, scope.Active, string) (*retrieval.Classification, error) {
	return &retrieval.Classification{Intent: retrieval.IntentGeneral, Confidence: 0.5}, nil
}

type fakeConnectors struct{}

func (f *fakeConnectors) IngestWeb(_ context.Context, _ scope.Active, in ingest.WebIngestInput) (*ingest.IngestionResult, error) {
	if strings.TrimSpace(in.URL) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "url required")
	}
	return &ingest.IngestionResult{RunID: "run1", Status: types.RunCompleted, SummaryCounts: map[string]int{"chunks_created": 1}}, nil
}

func (f *fakeConnectors) IngestLecture(context.Context, scope.Active, ingest.LectureIngestInput) (*ingest.IngestionResult, error) {
	return &ingest.IngestionResult{RunID: "run2", Status: types.RunCompleted}, nil
}

func (f *fakeConnectors) IngestNotionPages(_ context.Context, _ scope.Active, pages []ingest.NotionPage) (*ingest.BatchResult, error) {
	out := &ingest.BatchResult{RunID: "run3", Status: types.RunCompleted}
	for range pages {
		out.Results = append(out.Results, &ingest.IngestionResult{Status: types.RunCompleted})
	}
	return out, nil
}

func (f *fakeConnectors) IngestFinanceDocs(_ context.Context, _ scope.Active, docs []ingest.FinanceDoc) (*ingest.BatchResult, error) {
	out := &ingest.BatchResult{RunID: "run4", Status: types.RunPartial}
	for _, d := range docs {
		r := &ingest.IngestionResult{Status: types.RunCompleted}
		if strings.TrimSpace(d.Text) == "" {
			r.Status = types.RunFailed
			r.Errors = []string{"empty document"}
		}
		out.Results = append(out.Results, r)
	}
	return out, nil
}

type fakeSync struct{}

func (f *fakeSync) ApplyEvents(_ context.Context, _ scope.Active, events []syncsvc.Event) ([]*syncsvc.EventResult, error) {
	seen := map[string]bool{}
	out := make([]*syncsvc.EventResult, 0, len(events))
	for _, e := range events {
		r := &syncsvc.EventResult{EventID: e.EventID, Status: "applied"}
		switch {
		case e.EventID == "":
			r.Status = "error"
			r.Error = "event_id required"
		case seen[e.EventID]:
			r.Status = "duplicate"
		}
		seen[e.EventID] = true
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeSync) CaptureSelection(context.Context, scope.Active, syncsvc.CaptureSelectionInput) (*ingest.IngestionResult, error) {
	return &ingest.IngestionResult{RunID: "run5", Status: types.RunCompleted}, nil
}

func (f *fakeSync) Bootstrap(_ context.Context, active scope.Active) (*syncsvc.BootstrapPayload, error) {
	return &syncsvc.BootstrapPayload{GraphID: active.GraphID, BranchID: active.BranchID}, nil
}

func (f *fakeSync) Manifest(_ context.Context, active scope.Active) (*syncsvc.Manifest, error) {
	return &syncsvc.Manifest{GraphID: active.GraphID, BranchID: active.BranchID, Counts: map[string]int{"Concept": 1}}, nil
}

func (f *fakeSync) Warm(context.Context, scope.Active, syncsvc.WarmInput) ([]*syncsvc.WarmedArtifact, error) {
	return nil, nil
}

type fakeBranches struct {
	created map[string]*types.ContextualBranch
}

func newFakeBranches() *fakeBranches {
	return &fakeBranches{created: map[string]*types.ContextualBranch{}}
}

func (f *fakeBranches) CreateBranch(_ context.Context, _ scope.Active, in branches.CreateBranchInput) (*types.ContextualBranch, bool, error) {
	key := in.ParentMessageID + "|" + in.Anchor.SelectedText
	if b, ok := f.created[key]; ok {
		return b, false, nil
	}
	b := &types.ContextualBranch{ID: "b" + in.ParentMessageID, ParentMessageID: in.ParentMessageID, SelectedText: in.Anchor.SelectedText}
	f.created[key] = b
	return b, true, nil
}

func (f *fakeBranches) GetBranch(_ context.Context, _ scope.Active, branchID string) (*branches.BranchDetail, error) {
	for _, b := range f.created {
		if b.ID == branchID {
			return &branches.BranchDetail{Branch: b}, nil
		}
	}
	return nil, errs.Wrap(errs.ErrNotFound, "branch %s not found", branchID)
}

func (f *fakeBranches) ListByParent(_ context.Context, _ scope.Active, parentMessageID string, _ bool) ([]*types.ContextualBranch, error) {
	var out []*types.ContextualBranch
	for _, b := range f.created {
		if b.ParentMessageID == parentMessageID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBranches) SendMessage(_ context.Context, _ scope.Active, branchID, content, _ string) (*branches.MessageExchange, error) {
	return &branches.MessageExchange{
		User:      &types.BranchMessage{BranchID: branchID, Role: branches.RoleUser, Content: content},
		Assistant: &types.BranchMessage{BranchID: branchID, Role: branches.RoleAssistant, Content: "reply"},
	}, nil
}

func (f *fakeBranches) SaveHints(_ context.Context, _ scope.Active, branchID string, hints []branches.HintInput) ([]*types.BridgingHint, error) {
	out := make([]*types.BridgingHint, 0, len(hints))
	for _, h := range hints {
		out = append(out, &types.BridgingHint{BranchID: branchID, HintText: h.HintText})
	}
	return out, nil
}

func (f *fakeBranches) Archive(context.Context, scope.Active, string, bool) error { return nil }

func (f *fakeBranches) Delete(context.Context, scope.Active, string) error { return nil }

type routerFixture struct {
	engine    *gin.Engine
	review    *fakeReview
	retrieval *fakeRetrieval
	branches  *fakeBranches
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	resolver := &fakeResolver{}
	fr := &fakeReview{}
	frt := &fakeRetrieval{}
	fb := newFakeBranches()

	engine := NewRouter(RouterConfig{
		Log:             log,
		Scope:           httpMW.NewScopeMiddleware(log, resolver),
		GraphHandler:    httpH.NewGraphHandler(log, resolver, newFakeEntities()),
		ConceptHandler:  httpH.NewConceptHandler(log, newFakeEntities()),
		ReviewHandler:   httpH.NewReviewHandler(log, resolver, fr),
		RetrieveHandler: httpH.NewRetrieveHandler(log, resolver, frt),
		IngestHandler:   httpH.NewIngestHandler(log, &fakeConnectors{}),
		SyncHandler:     httpH.NewSyncHandler(log, resolver, &fakeSync{}),
		BranchHandler:   httpH.NewBranchHandler(log, fb),
		HealthHandler:   httpH.NewHealthHandler(),
	})
	return &routerFixture{engine: engine, review: fr, retrieval: frt, branches: fb}
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:51234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)
	return rr
}

func tenantHeader() map[string]string {
	return map[string]string{"X-Tenant-ID": "t1"}
}

func TestHealthzSkipsScope(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "ok" {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestMissingTenantForbidden(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodGet, "/graphs", "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error.Code != "forbidden" {
		t.Fatalf("unexpected code: %q", out.Error.Code)
	}
}

func TestListGraphs(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodGet, "/graphs", "", tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Graphs []struct {
			GraphID string `json:"graph_id"`
		} `json:"graphs"`
		ActiveGraphID  string `json:"active_graph_id"`
		ActiveBranchID string `json:"active_branch_id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Graphs) != 2 || out.ActiveGraphID != "G1" || out.ActiveBranchID != "main" {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestGraphHeaderOverrideDenied(t *testing.T) {
	fx := newRouterFixture(t)

	h := tenantHeader()
	h["X-Graph-ID"] = "G-other"
	rr := doJSON(t, fx.engine, http.MethodGet, "/graphs", "", h)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestConceptNotFoundMapsTo404(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodGet, "/concepts/N404", "", tenantHeader())
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error.Code != "not_found" {
		t.Fatalf("unexpected code: %q", out.Error.Code)
	}
}

func TestConceptByNameRouteCoexistsWithID(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodGet, "/concepts/by-name/Transformer", "", tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Concept struct {
			NodeID string `json:"node_id"`
		} `json:"concept"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Concept.NodeID != "N1" {
		t.Fatalf("unexpected concept: %+v", out)
	}
}

func TestCreateGraphUnknownTemplate(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodPost, "/graphs", `{"name":"g","template_id":"nope"}`, tenantHeader())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestReviewAcceptDefaultsReviewerToTenant(t *testing.T) {
	fx := newRouterFixture(t)

	body := `{"edges":[{"source_id":"N1","target_id":"N2","predicate":"USES"}]}`
	rr := doJSON(t, fx.engine, http.MethodPost, "/review/relationships/accept", body, tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Updated int `json:"updated"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Updated != 1 {
		t.Fatalf("updated=%d", out.Updated)
	}
	if fx.review.lastReviewer != "t1" {
		t.Fatalf("reviewer=%q", fx.review.lastReviewer)
	}
	if fx.review.lastAction != review.ActionRelationshipAccept {
		t.Fatalf("action=%q", fx.review.lastAction)
	}
}

func TestReviewListRejectsBadStatus(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodGet, "/review/relationships?status=bogus", "", tenantHeader())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRetrievePassesQueryThrough(t *testing.T) {
	fx := newRouterFixture(t)

	body := `{"message":"what is a transformer","intent":"concept_lookup","detail_level":"full","evidence_strictness":"high","include_proposed":"auto","limit_claims":7}`
	rr := doJSON(t, fx.engine, http.MethodPost, "/ai/retrieve", body, tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Intent      string `json:"intent"`
		PlanVersion string `json:"plan_version"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Intent != "concept_lookup" || out.PlanVersion != "v2" {
		t.Fatalf("unexpected result: %+v", out)
	}
	q := fx.retrieval.last
	if q.Intent != retrieval.IntentConceptLookup || q.Strictness != retrieval.StrictnessHigh {
		t.Fatalf("unexpected query: %+v", q)
	}
	if q.Proposed != scope.ProposedAuto || q.LimitClaims != 7 {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestRetrieveUnavailableSetsRetryAfter(t *testing.T) {
	fx := newRouterFixture(t)
	fx.retrieval.err = errs.Wrap(errs.ErrUnavailable, "graph store down")

	rr := doJSON(t, fx.engine, http.MethodPost, "/ai/retrieve", `{"message":"hi"}`, tenantHeader())
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After=%q", got)
	}
}

func TestRetrieveRejectsUnknownIntent(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodPost, "/ai/retrieve", `{"message":"hi","intent":"mystery"}`, tenantHeader())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSyncEventsBatchAlways200(t *testing.T) {
	fx := newRouterFixture(t)

	body := `{"events":[
		{"event_id":"e1","type":"resource.create","payload":{"kind":"link","url":"https://x"}},
		{"event_id":"e1","type":"resource.create","payload":{"kind":"link","url":"https://x"}},
		{"event_id":"","type":"resource.create"}
	]}`
	rr := doJSON(t, fx.engine, http.MethodPost, "/sync/events", body, tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("results=%d", len(out.Results))
	}
	want := []string{"applied", "duplicate", "error"}
	for i, w := range want {
		if out.Results[i].Status != w {
			t.Fatalf("result[%d]=%q want %q", i, out.Results[i].Status, w)
		}
	}
}

func TestWebIngestBlocksRemoteCallers(t *testing.T) {
	fx := newRouterFixture(t)

	body := `{"url":"https://example.com/a","text":"Hello world."}`
	req := httptest.NewRequest(http.MethodPost, "/web/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "t1")
	req.RemoteAddr = "192.0.2.10:44321"
	rr := httptest.NewRecorder()
	fx.engine.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestWebIngestAllowsLoopback(t *testing.T) {
	fx := newRouterFixture(t)

	body := `{"url":"https://example.com/a","text":"Hello world."}`
	rr := doJSON(t, fx.engine, http.MethodPost, "/web/ingest", body, tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "COMPLETED" {
		t.Fatalf("status=%q", out.Status)
	}
}

func TestFinanceBatchReportsPerItemStatus(t *testing.T) {
	fx := newRouterFixture(t)

	body := `{"documents":[{"accession_id":"a1","text":"Revenue grew."},{"accession_id":"a2","text":""}]}`
	rr := doJSON(t, fx.engine, http.MethodPost, "/finance/filings/ingest", body, tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Status  string `json:"status"`
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 2 || out.Results[0].Status != "COMPLETED" || out.Results[1].Status != "FAILED" {
		t.Fatalf("unexpected batch: %+v", out)
	}
}

func TestBranchCreateIdempotentRoute(t *testing.T) {
	fx := newRouterFixture(t)

	body := `{"parent_message_id":"m1","parent_message_content":"A long message about mitochondria.","anchor":{"selected_text":"mitochondria","start_offset":22,"end_offset":34}}`
	rr := doJSON(t, fx.engine, http.MethodPost, "/contextual-branches", body, tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var first struct {
		Branch struct {
			ID string `json:"id"`
		} `json:"branch"`
		Created bool `json:"created"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !first.Created || first.Branch.ID == "" {
		t.Fatalf("unexpected first create: %+v", first)
	}

	rr = doJSON(t, fx.engine, http.MethodPost, "/contextual-branches", body, tenantHeader())
	var second struct {
		Branch struct {
			ID string `json:"id"`
		} `json:"branch"`
		Created bool `json:"created"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Created || second.Branch.ID != first.Branch.ID {
		t.Fatalf("expected dedupe, got %+v", second)
	}
}

func TestBranchListByMessageRouteCoexistsWithGet(t *testing.T) {
	fx := newRouterFixture(t)

	body := `{"parent_message_id":"m9","anchor":{"selected_text":"ATP"}}`
	if rr := doJSON(t, fx.engine, http.MethodPost, "/contextual-branches", body, tenantHeader()); rr.Code != http.StatusOK {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr := doJSON(t, fx.engine, http.MethodGet, "/contextual-branches/messages/m9/branches", "", tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("list status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Branches []struct {
			ParentMessageID string `json:"parent_message_id"`
		} `json:"branches"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Branches) != 1 || out.Branches[0].ParentMessageID != "m9" {
		t.Fatalf("unexpected list: %+v", out)
	}

	rr = doJSON(t, fx.engine, http.MethodGet, "/contextual-branches/bm9", "", tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("get status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestOfflineBootstrapHonorsGraphQueryOverride(t *testing.T) {
	fx := newRouterFixture(t)

	rr := doJSON(t, fx.engine, http.MethodGet, "/offline/bootstrap?graph_id=G2", "", tenantHeader())
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		GraphID  string `json:"graph_id"`
		BranchID string `json:"branch_id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.GraphID != "G2" || out.BranchID != "main" {
		t.Fatalf("unexpected scope: %+v", out)
	}

	rr = doJSON(t, fx.engine, http.MethodGet, "/offline/bootstrap?graph_id=G-foreign", "", tenantHeader())
	if rr.Code != http.StatusNotFound {
		t.Fatalf("foreign graph status=%d body=%s", rr.Code, rr.Body.String())
	}
}
