package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

type memRelationshipGraph struct {
	mu   sync.Mutex
	rels map[string]*knowledge.Relationship
}

func newMemRelationshipGraph() *memRelationshipGraph {
	return &memRelationshipGraph{rels: map[string]*knowledge.Relationship{}}
}

func relKey(graphID, srcID, dstID, predicate string) string {
	return graphID + "|" + srcID + "|" + dstID + "|" + predicate
}

func (m *memRelationshipGraph) put(rel *knowledge.Relationship) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rel
	m.rels[relKey(rel.GraphID, rel.SourceID, rel.TargetID, rel.Predicate)] = &cp
}

func (m *memRelationshipGraph) CreateOrMerge(_ context.Context, rel *knowledge.Relationship) (bool, error) {
	if err := graph.ValidPredicate(rel.Predicate); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := relKey(rel.GraphID, rel.SourceID, rel.TargetID, rel.Predicate)
	if existing, ok := m.rels[key]; ok {
		for _, b := range rel.OnBranches {
			found := false
			for _, x := range existing.OnBranches {
				if x == b {
					found = true
					break
				}
			}
			if !found {
				existing.OnBranches = append(existing.OnBranches, b)
			}
		}
		if rel.Confidence > existing.Confidence {
			existing.Confidence = rel.Confidence
		}
		return false, nil
	}
	cp := *rel
	if cp.Status == "" {
		cp.Status = knowledge.RelationshipAccepted
	}
	m.rels[key] = &cp
	return true, nil
}

func (m *memRelationshipGraph) Get(_ context.Context, graphID, srcID, dstID, predicate string) (*knowledge.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rels[relKey(graphID, srcID, dstID, predicate)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memRelationshipGraph) Delete(_ context.Context, vis scope.Visibility, srcID, dstID, predicate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := relKey(vis.GraphID, srcID, dstID, predicate)
	if _, ok := m.rels[key]; !ok {
		return errs.Wrap(errs.ErrNotFound, "relationship not found")
	}
	delete(m.rels, key)
	return nil
}

func (m *memRelationshipGraph) ListProposed(_ context.Context, f graph.ProposedFilter) ([]*knowledge.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := f.Status
	if status == "" {
		status = knowledge.RelationshipProposed
	}
	var out []*knowledge.Relationship
	for _, r := range m.rels {
		if r.GraphID != f.GraphID || r.Status != status {
			continue
		}
		if f.IngestionRunID != "" && r.IngestionRunID != f.IngestionRunID {
			continue
		}
		if f.MinConfidence > 0 && r.Confidence < f.MinConfidence {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memRelationshipGraph) EdgesAmong(_ context.Context, _ scope.Visibility, _ []string) ([]*knowledge.Relationship, error) {
	return nil, nil
}

func (m *memRelationshipGraph) SetStatus(_ context.Context, graphID, srcID, dstID, predicate string, status knowledge.RelationshipStatus, reviewer string) (*knowledge.Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rels[relKey(graphID, srcID, dstID, predicate)]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, "relationship not found")
	}
	r.Status = status
	r.ReviewedBy = reviewer
	now := time.Now()
	r.ReviewedAt = &now
	cp := *r
	return &cp, nil
}

func (m *memRelationshipGraph) CountByStatus(_ context.Context, graphID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, r := range m.rels {
		if r.GraphID == graphID {
			counts[string(r.Status)]++
		}
	}
	return counts, nil
}

func (m *memRelationshipGraph) CrossGraphLink(_ context.Context, _, _, _, _, _, _, _ string) error {
	return errs.Wrap(errs.ErrInternal, "not expected in these tests")
}

type memMergeGraph struct {
	mu    sync.Mutex
	cands map[string]*knowledge.MergeCandidate
}

func newMemMergeGraph() *memMergeGraph {
	return &memMergeGraph{cands: map[string]*knowledge.MergeCandidate{}}
}

func (m *memMergeGraph) put(c *knowledge.MergeCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	if cp.Status == "" {
		cp.Status = knowledge.MergeProposed
	}
	m.cands[c.CandidateID] = &cp
}

func (m *memMergeGraph) UpsertCandidates(_ context.Context, graphID string, cands []*knowledge.MergeCandidate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, c := range cands {
		if _, ok := m.cands[c.CandidateID]; ok {
			continue
		}
		cp := *c
		cp.GraphID = graphID
		cp.Status = knowledge.MergeProposed
		m.cands[c.CandidateID] = &cp
		created++
	}
	return created, nil
}

func (m *memMergeGraph) List(_ context.Context, graphID string, status knowledge.MergeCandidateStatus, limit int) ([]*knowledge.MergeCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*knowledge.MergeCandidate
	for _, c := range m.cands {
		if c.GraphID != graphID || c.Status != status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMergeGraph) GetByID(_ context.Context, graphID, candidateID string) (*knowledge.MergeCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cands[candidateID]
	if !ok || c.GraphID != graphID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memMergeGraph) UpdateStatus(_ context.Context, graphID, candidateID string, status knowledge.MergeCandidateStatus, reviewer string) (*knowledge.MergeCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cands[candidateID]
	if !ok || c.GraphID != graphID {
		return nil, errs.Wrap(errs.ErrNotFound, "merge candidate %s not found", candidateID)
	}
	c.Status = status
	c.ReviewedBy = reviewer
	now := time.Now()
	c.ReviewedAt = &now
	cp := *c
	return &cp, nil
}

type stubMerger struct {
	mu      sync.Mutex
	calls   []string
	outcome *knowledge.MergeOutcome
	err     error
}

func (s *stubMerger) MergeConcepts(_ context.Context, _ scope.Active, keepID, dropID, _ string) (*knowledge.MergeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, keepID+"<-"+dropID)
	if s.err != nil {
		return nil, s.err
	}
	if s.outcome != nil {
		cp := *s.outcome
		return &cp, nil
	}
	return &knowledge.MergeOutcome{KeepNodeID: keepID, DropNodeID: dropID, Redirected: 2, Skipped: 1, Deleted: 3}, nil
}

type memAuditRepo struct {
	mu        sync.Mutex
	rows      []*types.ReviewAudit
	appendErr error
}

func (m *memAuditRepo) Append(_ dbctx.Context, graphID, actor, action, subjectKind, subjectID string, detail map[string]any) (*types.ReviewAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	if graphID == "" || action == "" || subjectID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "audit row requires graph_id, action, subject_id")
	}
	row := &types.ReviewAudit{
		ID:          fmt.Sprintf("audit-%d", len(m.rows)+1),
		GraphID:     graphID,
		Actor:       actor,
		Action:      action,
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
		CreatedAt:   time.Now().UTC(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return nil, err
		}
		row.Detail = datatypes.JSON(raw)
	}
	m.rows = append(m.rows, row)
	cp := *row
	return &cp, nil
}

func (m *memAuditRepo) ListByGraph(_ dbctx.Context, graphID string, limit int) ([]*types.ReviewAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*types.ReviewAudit
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].GraphID != graphID {
			continue
		}
		cp := *m.rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memAuditRepo) ListBySubject(_ dbctx.Context, graphID, subjectID string) ([]*types.ReviewAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ReviewAudit
	for _, r := range m.rows {
		if r.GraphID != graphID || r.SubjectID != subjectID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memAuditRepo) byAction(action string) []*types.ReviewAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ReviewAudit
	for _, r := range m.rows {
		if r.Action == action {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

type reviewHarness struct {
	svc    Service
	rels   *memRelationshipGraph
	merges *memMergeGraph
	merger *stubMerger
	audit  *memAuditRepo
}

func newReviewHarness(t *testing.T) *reviewHarness {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	h := &reviewHarness{
		rels:   newMemRelationshipGraph(),
		merges: newMemMergeGraph(),
		merger: &stubMerger{},
		audit:  &memAuditRepo{},
	}
	h.svc = NewService(Deps{
		Relationships: h.rels,
		Merges:        h.merges,
		Merger:        h.merger,
		Audit:         h.audit,
	}, log)
	return h
}

func reviewActive() scope.Active {
	return scope.Active{TenantID: "t1", GraphID: "g1", BranchID: "main"}
}

func proposedRel(src, dst, predicate string) *knowledge.Relationship {
	return &knowledge.Relationship{
		Predicate:      predicate,
		SourceID:       src,
		TargetID:       dst,
		GraphID:        "g1",
		OnBranches:     []string{"main"},
		Status:         knowledge.RelationshipProposed,
		Confidence:     0.7,
		Method:         "llm_extraction",
		ChunkID:        "chunk-1",
		IngestionRunID: "run-1",
	}
}

func TestAcceptRelationshipsCountsTransitions(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.rels.put(proposedRel("n1", "n2", "RELATES_TO"))
	h.rels.put(proposedRel("n2", "n3", "DEPENDS_ON"))

	edges := []EdgeRef{
		{SourceID: "n1", TargetID: "n2", Predicate: "RELATES_TO"},
		{SourceID: "n2", TargetID: "n3", Predicate: "DEPENDS_ON"},
	}
	count, err := h.svc.AcceptRelationships(ctx, reviewActive(), edges, "alex")
	if err != nil {
		t.Fatalf("AcceptRelationships: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 transitions, got %d", count)
	}

	rel, _ := h.rels.Get(ctx, "g1", "n1", "n2", "RELATES_TO")
	if rel.Status != knowledge.RelationshipAccepted || rel.ReviewedBy != "alex" {
		t.Fatalf("expected accepted edge with reviewer, got %+v", rel)
	}

	// Re-accepting already accepted edges transitions nothing.
	count, err = h.svc.AcceptRelationships(ctx, reviewActive(), edges, "alex")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 transitions on repeat, got %d", count)
	}
	if rows := h.audit.byAction(ActionRelationshipAccept); len(rows) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(rows))
	}
}

func TestRejectRelationships(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.rels.put(proposedRel("n1", "n2", "RELATES_TO"))

	count, err := h.svc.RejectRelationships(ctx, reviewActive(), []EdgeRef{
		{SourceID: "n1", TargetID: "n2", Predicate: "RELATES_TO"},
	}, "alex")
	if err != nil {
		t.Fatalf("RejectRelationships: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 transition, got %d", count)
	}
	rel, _ := h.rels.Get(ctx, "g1", "n1", "n2", "RELATES_TO")
	if rel.Status != knowledge.RelationshipRejected {
		t.Fatalf("expected rejected, got %s", rel.Status)
	}
	rows := h.audit.byAction(ActionRelationshipReject)
	if len(rows) != 1 || rows[0].SubjectID != "n1-[RELATES_TO]->n2" {
		t.Fatalf("expected audit row for the edge, got %+v", rows)
	}
}

func TestAcceptMissingEdgeCountsZero(t *testing.T) {
	h := newReviewHarness(t)
	count, err := h.svc.AcceptRelationships(context.Background(), reviewActive(), []EdgeRef{
		{SourceID: "ghost", TargetID: "n2", Predicate: "RELATES_TO"},
	}, "alex")
	if err != nil {
		t.Fatalf("AcceptRelationships: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 for missing edge, got %d", count)
	}
	if len(h.audit.rows) != 0 {
		t.Fatalf("missing edge must not be audited")
	}
}

func TestAcceptRelationshipsValidation(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()

	if _, err := h.svc.AcceptRelationships(ctx, reviewActive(), nil, "alex"); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid for empty batch, got %v", err)
	}
	if _, err := h.svc.AcceptRelationships(ctx, reviewActive(), []EdgeRef{{SourceID: "n1"}}, "alex"); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid for partial edge ref, got %v", err)
	}
	demo := scope.Active{TenantID: "t1", GraphID: "g1", BranchID: "main", Demo: true}
	if _, err := h.svc.AcceptRelationships(ctx, demo, []EdgeRef{{SourceID: "a", TargetID: "b", Predicate: "RELATES_TO"}}, "alex"); errs.Kind(err) != errs.ErrForbidden {
		t.Fatalf("expected forbidden for demo scope, got %v", err)
	}
}

func TestEditRelationshipRetypes(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.rels.put(proposedRel("n1", "n2", "RELATES_TO"))

	count, err := h.svc.EditRelationship(ctx, reviewActive(), EditRelationshipInput{
		SourceID: "n1", TargetID: "n2", OldPredicate: "RELATES_TO", NewPredicate: "DEPENDS_ON",
	}, "alex")
	if err != nil {
		t.Fatalf("EditRelationship: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}

	old, _ := h.rels.Get(ctx, "g1", "n1", "n2", "RELATES_TO")
	if old.Status != knowledge.RelationshipRejected {
		t.Fatalf("old triple must be rejected, got %s", old.Status)
	}
	repl, _ := h.rels.Get(ctx, "g1", "n1", "n2", "DEPENDS_ON")
	if repl == nil || repl.Status != knowledge.RelationshipAccepted {
		t.Fatalf("expected accepted replacement, got %+v", repl)
	}
	if repl.ChunkID != "chunk-1" || repl.IngestionRunID != "run-1" || repl.Confidence != 0.7 {
		t.Fatalf("provenance lost on edit: %+v", repl)
	}
	if repl.ReviewedBy != "alex" {
		t.Fatalf("expected reviewer stamp, got %q", repl.ReviewedBy)
	}
	if rows := h.audit.byAction(ActionRelationshipEdit); len(rows) != 1 {
		t.Fatalf("expected 1 edit audit row, got %d", len(rows))
	}
}

func TestEditRelationshipValidation(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()

	count, err := h.svc.EditRelationship(ctx, reviewActive(), EditRelationshipInput{
		SourceID: "ghost", TargetID: "n2", OldPredicate: "RELATES_TO", NewPredicate: "DEPENDS_ON",
	}, "alex")
	if err != nil || count != 0 {
		t.Fatalf("expected 0 without error for missing edge, got %d (%v)", count, err)
	}

	cases := []EditRelationshipInput{
		{SourceID: "n1", TargetID: "n2", OldPredicate: "RELATES_TO", NewPredicate: "RELATES_TO"},
		{SourceID: "n1", TargetID: "n2", OldPredicate: "RELATES_TO", NewPredicate: knowledge.CrossGraphLink},
		{SourceID: "n1", TargetID: "n2", OldPredicate: "RELATES_TO", NewPredicate: "lowercase"},
		{SourceID: "n1", TargetID: "n2", OldPredicate: "RELATES_TO"},
	}
	for i, in := range cases {
		if _, err := h.svc.EditRelationship(ctx, reviewActive(), in, "alex"); errs.Kind(err) != errs.ErrInvalid {
			t.Fatalf("case %d: expected invalid, got %v", i, err)
		}
	}
}

func TestMergeCandidateLifecycle(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.merges.put(&knowledge.MergeCandidate{
		CandidateID: "mc-1", GraphID: "g1", SrcNodeID: "n1", DstNodeID: "n2", Score: 0.9,
	})

	accepted, err := h.svc.AcceptMerge(ctx, reviewActive(), "mc-1", "alex")
	if err != nil {
		t.Fatalf("AcceptMerge: %v", err)
	}
	if accepted.Status != knowledge.MergeAccepted || accepted.ReviewedBy != "alex" {
		t.Fatalf("expected accepted with reviewer, got %+v", accepted)
	}

	// Repeating the verdict is a no-op, not a second audit row.
	again, err := h.svc.AcceptMerge(ctx, reviewActive(), "mc-1", "alex")
	if err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if again.Status != knowledge.MergeAccepted {
		t.Fatalf("expected accepted, got %s", again.Status)
	}
	if rows := h.audit.byAction(ActionMergeAccept); len(rows) != 1 {
		t.Fatalf("expected 1 accept audit row, got %d", len(rows))
	}

	// An accepted candidate cannot flip to rejected.
	if _, err := h.svc.RejectMerge(ctx, reviewActive(), "mc-1", "alex"); errs.Kind(err) != errs.ErrConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	exec, err := h.svc.ExecuteMerge(ctx, reviewActive(), "mc-1", "", "alex")
	if err != nil {
		t.Fatalf("ExecuteMerge: %v", err)
	}
	if exec.Candidate.Status != knowledge.MergeExecuted {
		t.Fatalf("expected executed candidate, got %s", exec.Candidate.Status)
	}
	if exec.Outcome == nil || exec.Outcome.Redirected != 2 {
		t.Fatalf("expected merge outcome carried, got %+v", exec.Outcome)
	}
	if len(h.merger.calls) != 1 || h.merger.calls[0] != "n1<-n2" {
		t.Fatalf("expected merge keep=src by default, got %v", h.merger.calls)
	}

	if _, err := h.svc.ExecuteMerge(ctx, reviewActive(), "mc-1", "", "alex"); errs.Kind(err) != errs.ErrConflict {
		t.Fatalf("expected conflict on re-execute, got %v", err)
	}
	rows := h.audit.byAction(ActionMergeExecute)
	if len(rows) != 1 {
		t.Fatalf("expected 1 execute audit row, got %d", len(rows))
	}
	if !strings.Contains(string(rows[0].Detail), "\"redirected\":2") {
		t.Fatalf("expected outcome counts in audit detail, got %s", rows[0].Detail)
	}
}

func TestExecuteMergeKeepSelection(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.merges.put(&knowledge.MergeCandidate{
		CandidateID: "mc-1", GraphID: "g1", SrcNodeID: "n1", DstNodeID: "n2",
		Status: knowledge.MergeAccepted,
	})

	if _, err := h.svc.ExecuteMerge(ctx, reviewActive(), "mc-1", "n2", "alex"); err != nil {
		t.Fatalf("ExecuteMerge: %v", err)
	}
	if len(h.merger.calls) != 1 || h.merger.calls[0] != "n2<-n1" {
		t.Fatalf("expected keep=n2 drop=n1, got %v", h.merger.calls)
	}

	h.merges.put(&knowledge.MergeCandidate{
		CandidateID: "mc-2", GraphID: "g1", SrcNodeID: "n3", DstNodeID: "n4",
		Status: knowledge.MergeAccepted,
	})
	if _, err := h.svc.ExecuteMerge(ctx, reviewActive(), "mc-2", "stranger", "alex"); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid for foreign keep node, got %v", err)
	}
}

func TestExecuteMergeRequiresAccepted(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.merges.put(&knowledge.MergeCandidate{
		CandidateID: "mc-1", GraphID: "g1", SrcNodeID: "n1", DstNodeID: "n2",
	})

	if _, err := h.svc.ExecuteMerge(ctx, reviewActive(), "mc-1", "", "alex"); errs.Kind(err) != errs.ErrConflict {
		t.Fatalf("expected conflict for proposed candidate, got %v", err)
	}
	if len(h.merger.calls) != 0 {
		t.Fatalf("merge must not run before acceptance")
	}
	if _, err := h.svc.AcceptMerge(ctx, reviewActive(), "mc-missing", "alex"); errs.Kind(err) != errs.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectMergeFromProposed(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.merges.put(&knowledge.MergeCandidate{
		CandidateID: "mc-1", GraphID: "g1", SrcNodeID: "n1", DstNodeID: "n2",
	})

	rejected, err := h.svc.RejectMerge(ctx, reviewActive(), "mc-1", "alex")
	if err != nil {
		t.Fatalf("RejectMerge: %v", err)
	}
	if rejected.Status != knowledge.MergeRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if _, err := h.svc.AcceptMerge(ctx, reviewActive(), "mc-1", "alex"); errs.Kind(err) != errs.ErrConflict {
		t.Fatalf("expected conflict accepting a rejected candidate, got %v", err)
	}
}

func TestListMergeCandidatesStatusFilter(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.merges.put(&knowledge.MergeCandidate{CandidateID: "mc-1", GraphID: "g1", SrcNodeID: "a", DstNodeID: "b"})
	h.merges.put(&knowledge.MergeCandidate{CandidateID: "mc-2", GraphID: "g1", SrcNodeID: "c", DstNodeID: "d"})
	h.merges.put(&knowledge.MergeCandidate{CandidateID: "mc-3", GraphID: "g1", SrcNodeID: "e", DstNodeID: "f", Status: knowledge.MergeRejected})

	proposed, err := h.svc.ListMergeCandidates(ctx, reviewActive(), "", 0)
	if err != nil {
		t.Fatalf("ListMergeCandidates: %v", err)
	}
	if len(proposed) != 2 {
		t.Fatalf("expected 2 proposed, got %d", len(proposed))
	}
	rejected, err := h.svc.ListMergeCandidates(ctx, reviewActive(), knowledge.MergeRejected, 0)
	if err != nil {
		t.Fatalf("ListMergeCandidates rejected: %v", err)
	}
	if len(rejected) != 1 || rejected[0].CandidateID != "mc-3" {
		t.Fatalf("expected mc-3, got %+v", rejected)
	}
	if _, err := h.svc.ListMergeCandidates(ctx, reviewActive(), "LIMBO", 0); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestListRelationshipsQueue(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.rels.put(proposedRel("n1", "n2", "RELATES_TO"))
	accepted := proposedRel("n2", "n3", "DEPENDS_ON")
	accepted.Status = knowledge.RelationshipAccepted
	h.rels.put(accepted)

	queue, err := h.svc.ListRelationships(ctx, reviewActive(), RelationshipQuery{})
	if err != nil {
		t.Fatalf("ListRelationships: %v", err)
	}
	if len(queue) != 1 || queue[0].Predicate != "RELATES_TO" {
		t.Fatalf("expected only the proposed edge, got %+v", queue)
	}

	acceptedList, err := h.svc.ListRelationships(ctx, reviewActive(), RelationshipQuery{Status: knowledge.RelationshipAccepted})
	if err != nil {
		t.Fatalf("ListRelationships accepted: %v", err)
	}
	if len(acceptedList) != 1 || acceptedList[0].Predicate != "DEPENDS_ON" {
		t.Fatalf("expected the accepted edge, got %+v", acceptedList)
	}

	if _, err := h.svc.ListRelationships(ctx, scope.Active{TenantID: "t1"}, RelationshipQuery{}); errs.Kind(err) != errs.ErrInvalid {
		t.Fatalf("expected invalid without graph, got %v", err)
	}

	rejected := proposedRel("n3", "n4", "PART_OF")
	rejected.Status = knowledge.RelationshipRejected
	h.rels.put(rejected)
	widened, err := h.svc.ListRelationships(ctx, reviewActive(), RelationshipQuery{IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListRelationships archived: %v", err)
	}
	if len(widened) != 2 {
		t.Fatalf("include_archived should add the rejected edge, got %+v", widened)
	}
}

func TestListAuditTrail(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.rels.put(proposedRel("n1", "n2", "RELATES_TO"))
	h.merges.put(&knowledge.MergeCandidate{CandidateID: "mc-1", GraphID: "g1", SrcNodeID: "a", DstNodeID: "b"})

	if _, err := h.svc.AcceptRelationships(ctx, reviewActive(), []EdgeRef{{SourceID: "n1", TargetID: "n2", Predicate: "RELATES_TO"}}, "alex"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.svc.RejectMerge(ctx, reviewActive(), "mc-1", "alex"); err != nil {
		t.Fatalf("reject merge: %v", err)
	}

	all, err := h.svc.ListAudit(ctx, reviewActive(), "", 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}
	if all[0].Action != ActionMergeReject {
		t.Fatalf("expected newest first, got %s", all[0].Action)
	}

	subject, err := h.svc.ListAudit(ctx, reviewActive(), "mc-1", 0)
	if err != nil {
		t.Fatalf("ListAudit subject: %v", err)
	}
	if len(subject) != 1 || subject[0].SubjectKind != SubjectMergeCandidate {
		t.Fatalf("expected the candidate row, got %+v", subject)
	}
}

func TestAuditFailureDoesNotBlockReview(t *testing.T) {
	h := newReviewHarness(t)
	ctx := context.Background()
	h.rels.put(proposedRel("n1", "n2", "RELATES_TO"))
	h.audit.appendErr = errs.Wrap(errs.ErrUnavailable, "audit store down")

	count, err := h.svc.AcceptRelationships(ctx, reviewActive(), []EdgeRef{
		{SourceID: "n1", TargetID: "n2", Predicate: "RELATES_TO"},
	}, "alex")
	if err != nil {
		t.Fatalf("AcceptRelationships: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the transition to land, got %d", count)
	}
	rel, _ := h.rels.Get(ctx, "g1", "n1", "n2", "RELATES_TO")
	if rel.Status != knowledge.RelationshipAccepted {
		t.Fatalf("expected accepted, got %s", rel.Status)
	}
}
