package entities

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
)

func TestGenerateMergeCandidatesStringOnly(t *testing.T) {
	h := newEntityHarness(t, nil)
	seedConceptN(h, 1, "Apple")
	seedConceptN(h, 2, "Apple Inc")
	seedConceptN(h, 3, "Banana")

	report, err := h.svc.GenerateMergeCandidates(context.Background(), activeMain())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if report.Evaluated != 1 {
		t.Fatalf("blocking should evaluate only the apple pair, got %d", report.Evaluated)
	}
	if len(report.Candidates) != 1 || report.Created != 1 {
		t.Fatalf("expected one new candidate, got %+v", report)
	}
	cand := report.Candidates[0]
	if cand.CandidateID != knowledge.MergeCandidateID("G1", "N0001", "N0002") {
		t.Fatalf("candidate id not deterministic: %s", cand.CandidateID)
	}
	if cand.Method != "string" {
		t.Fatalf("no embeddings present, want string method, got %s", cand.Method)
	}
	if cand.Score != 1 {
		t.Fatalf("subset names should score 1, got %f", cand.Score)
	}
	if cand.Status != knowledge.MergeProposed {
		t.Fatalf("new candidates start PROPOSED, got %s", cand.Status)
	}

	again, err := h.svc.GenerateMergeCandidates(context.Background(), activeMain())
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if again.Created != 0 {
		t.Fatalf("re-run must upsert onto existing ids, created %d", again.Created)
	}
	if again.Candidates[0].CandidateID != cand.CandidateID {
		t.Fatalf("re-run produced a different id: %s", again.Candidates[0].CandidateID)
	}
}

func TestGenerateMergeCandidatesHybridScore(t *testing.T) {
	h := newEntityHarness(t, nil)
	h.concepts.seed(&knowledge.Concept{
		NodeID: "N0001", GraphID: "G1", Name: "Gradient Descent",
		OnBranches: []string{"main"}, Embedding: []float64{1, 0},
	})
	h.concepts.seed(&knowledge.Concept{
		NodeID: "N0002", GraphID: "G1", Name: "Gradient",
		OnBranches: []string{"main"}, Embedding: []float64{0.8, 0.6},
	})

	report, err := h.svc.GenerateMergeCandidates(context.Background(), activeMain())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(report.Candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(report.Candidates))
	}
	cand := report.Candidates[0]
	if cand.Method != "hybrid" {
		t.Fatalf("stored vectors should switch scoring to hybrid, got %s", cand.Method)
	}
	// string 1.0 weighted 0.4 plus cosine 0.8 weighted 0.6.
	if math.Abs(cand.Score-0.88) > 1e-9 {
		t.Fatalf("hybrid score wrong: %f", cand.Score)
	}
}

func TestGenerateMergeCandidatesTopKPerNode(t *testing.T) {
	h := newEntityHarness(t, nil)
	names := []string{"zeta", "zeta a", "zeta a b", "zeta a b c", "zeta a b c d"}
	angles := []float64{0, 5, 10, 15, 40}
	for i, name := range names {
		rad := angles[i] * math.Pi / 180
		h.concepts.seed(&knowledge.Concept{
			NodeID:     fmt.Sprintf("N%04d", i+1),
			GraphID:    "G1",
			Name:       name,
			OnBranches: []string{"main"},
			Embedding:  []float64{math.Cos(rad), math.Sin(rad)},
		})
	}

	report, err := h.svc.GenerateMergeCandidates(context.Background(), activeMain())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if report.Evaluated != 10 {
		t.Fatalf("five nodes in one block should evaluate 10 pairs, got %d", report.Evaluated)
	}
	// The N0001/N0005 pair is every other candidate's inferior on both
	// ends, so the per-node top 3 drops exactly that one.
	if len(report.Candidates) != 9 {
		t.Fatalf("expected 9 surviving candidates, got %d", len(report.Candidates))
	}
	dropped := knowledge.MergeCandidateID("G1", "N0001", "N0005")
	for _, c := range report.Candidates {
		if c.CandidateID == dropped {
			t.Fatalf("pair outside both top-3 lists must be pruned")
		}
	}
}

func TestGenerateMergeCandidatesPairCap(t *testing.T) {
	h := newEntityHarness(t, nil)
	for i := 0; i < 80; i++ {
		seedConceptN(h, i+1, fmt.Sprintf("cap item %04d", i+1))
	}

	report, err := h.svc.GenerateMergeCandidates(context.Background(), activeMain())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if report.Evaluated != 3000 {
		t.Fatalf("pair scoring must stop at the cap, evaluated %d", report.Evaluated)
	}
	if len(report.Candidates) != 0 {
		t.Fatalf("distinct item names should never clear the threshold, got %d", len(report.Candidates))
	}
}

func TestGenerateMergeCandidatesTooFewNodes(t *testing.T) {
	h := newEntityHarness(t, nil)
	seedConceptN(h, 1, "Solo")

	report, err := h.svc.GenerateMergeCandidates(context.Background(), activeMain())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if report.Evaluated != 0 || len(report.Candidates) != 0 {
		t.Fatalf("single-node graph should short-circuit, got %+v", report)
	}
}
