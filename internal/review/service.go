// Package review owns the operator queues over extraction output:
// proposed relationships and merge candidates. Every mutation appends
// one audit row, so the queue history survives the queue.
package review

import (
	"context"
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	"github.com/quillgraph/quillgraph-backend/internal/data/repos/jobs"
	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// Audit actions.
const (
	ActionRelationshipAccept = "relationship.accept"
	ActionRelationshipReject = "relationship.reject"
	ActionRelationshipEdit   = "relationship.edit"
	ActionMergeAccept        = "merge.accept"
	ActionMergeReject        = "merge.reject"
	ActionMergeExecute       = "merge.execute"
)

// Audit subject kinds.
const (
	SubjectRelationship   = "relationship"
	SubjectMergeCandidate = "merge_candidate"
)

// EdgeRef names one edge by its natural key.
type EdgeRef struct {
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`
	Predicate string `json:"predicate"`
}

// RelationshipQuery narrows the queue listing. Status defaults to
// PROPOSED; IncludeArchived widens the result with REJECTED edges,
// which are kept for audit rather than deleted.
type RelationshipQuery struct {
	Status          knowledge.RelationshipStatus `json:"status,omitempty"`
	IngestionRunID  string                       `json:"ingestion_run_id,omitempty"`
	Method          string                       `json:"method,omitempty"`
	MinConfidence   float64                      `json:"min_confidence,omitempty"`
	Limit           int                          `json:"limit,omitempty"`
	IncludeArchived bool                         `json:"include_archived,omitempty"`
}

// EditRelationshipInput retypes one edge: the old triple is rejected
// and a new one created under NewPredicate with provenance carried
// over.
type EditRelationshipInput struct {
	SourceID     string `json:"source_id"`
	TargetID     string `json:"target_id"`
	OldPredicate string `json:"old_predicate"`
	NewPredicate string `json:"new_predicate"`
}

// MergeExecution is the outcome of executing an accepted candidate.
type MergeExecution struct {
	Candidate *knowledge.MergeCandidate `json:"candidate"`
	Outcome   *knowledge.MergeOutcome   `json:"outcome"`
}

// Merger runs the actual concept merge; the entities service satisfies
// it.
type Merger interface {
	MergeConcepts(ctx context.Context, active scope.Active, keepID, dropID, reviewer string) (*knowledge.MergeOutcome, error)
}

type Service interface {
	ListRelationships(ctx context.Context, active scope.Active, q RelationshipQuery) ([]*knowledge.Relationship, error)

	// AcceptRelationships returns the number of edges that actually
	// transitioned; edges already in the target state or missing count
	// zero.
	AcceptRelationships(ctx context.Context, active scope.Active, edges []EdgeRef, reviewer string) (int, error)
	RejectRelationships(ctx context.Context, active scope.Active, edges []EdgeRef, reviewer string) (int, error)
	EditRelationship(ctx context.Context, active scope.Active, in EditRelationshipInput, reviewer string) (int, error)

	ListMergeCandidates(ctx context.Context, active scope.Active, status knowledge.MergeCandidateStatus, limit int) ([]*knowledge.MergeCandidate, error)
	AcceptMerge(ctx context.Context, active scope.Active, candidateID, reviewer string) (*knowledge.MergeCandidate, error)
	RejectMerge(ctx context.Context, active scope.Active, candidateID, reviewer string) (*knowledge.MergeCandidate, error)

	// ExecuteMerge merges the pair of an ACCEPTED candidate. keepID
	// picks the surviving node and defaults to the candidate's src.
	ExecuteMerge(ctx context.Context, active scope.Active, candidateID, keepID, reviewer string) (*MergeExecution, error)

	// ListAudit returns the trail for one subject (oldest first) or,
	// with an empty subjectID, the graph-wide log (newest first).
	ListAudit(ctx context.Context, active scope.Active, subjectID string, limit int) ([]*types.ReviewAudit, error)
}

type Deps struct {
	Relationships graph.RelationshipGraph
	Merges        graph.MergeCandidateGraph
	Merger        Merger
	Audit         jobs.ReviewAuditRepo
}

type service struct {
	Deps
	log *logger.Logger
}

func NewService(deps Deps, baseLog *logger.Logger) Service {
	return &service{Deps: deps, log: baseLog.With("service", "ReviewService")}
}

func (s *service) ListRelationships(ctx context.Context, active scope.Active, q RelationshipQuery) ([]*knowledge.Relationship, error) {
	if active.GraphID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "listing requires an active graph")
	}
	f := graph.ProposedFilter{
		GraphID:        active.GraphID,
		BranchID:       active.BranchID,
		Status:         q.Status,
		IngestionRunID: q.IngestionRunID,
		Method:         q.Method,
		MinConfidence:  q.MinConfidence,
		Limit:          q.Limit,
	}
	rels, err := s.Relationships.ListProposed(ctx, f)
	if err != nil {
		return nil, err
	}
	if q.IncludeArchived && q.Status != knowledge.RelationshipRejected {
		f.Status = knowledge.RelationshipRejected
		archived, err := s.Relationships.ListProposed(ctx, f)
		if err != nil {
			return nil, err
		}
		rels = append(rels, archived...)
	}
	return rels, nil
}

func (s *service) AcceptRelationships(ctx context.Context, active scope.Active, edges []EdgeRef, reviewer string) (int, error) {
	return s.setStatuses(ctx, active, edges, knowledge.RelationshipAccepted, reviewer, ActionRelationshipAccept)
}

func (s *service) RejectRelationships(ctx context.Context, active scope.Active, edges []EdgeRef, reviewer string) (int, error) {
	return s.setStatuses(ctx, active, edges, knowledge.RelationshipRejected, reviewer, ActionRelationshipReject)
}

func (s *service) setStatuses(ctx context.Context, active scope.Active, edges []EdgeRef, target knowledge.RelationshipStatus, reviewer, action string) (int, error) {
	if err := writable(active); err != nil {
		return 0, err
	}
	if len(edges) == 0 {
		return 0, errs.Wrap(errs.ErrInvalid, "no edges given")
	}
	for _, e := range edges {
		if e.SourceID == "" || e.TargetID == "" || e.Predicate == "" {
			return 0, errs.Wrap(errs.ErrInvalid, "edge requires source_id, target_id and predicate")
		}
	}

	count := 0
	for _, e := range edges {
		rel, err := s.Relationships.Get(ctx, active.GraphID, e.SourceID, e.TargetID, e.Predicate)
		if err != nil {
			return count, err
		}
		if rel == nil || rel.Status == target {
			continue
		}
		prior := rel.Status
		if _, err := s.Relationships.SetStatus(ctx, active.GraphID, e.SourceID, e.TargetID, e.Predicate, target, reviewer); err != nil {
			if errs.Kind(err) == errs.ErrNotFound {
				continue
			}
			return count, err
		}
		count++
		s.audit(ctx, active.GraphID, reviewer, action, SubjectRelationship, edgeSubject(e), map[string]any{
			"source_id":   e.SourceID,
			"target_id":   e.TargetID,
			"predicate":   e.Predicate,
			"from_status": string(prior),
			"to_status":   string(target),
		})
	}
	return count, nil
}

// EditRelationship rejects the old triple and creates the retyped edge
// as ACCEPTED, carrying confidence, provenance and branch exposure
// over. Returns 1 when the old edge existed, 0 when it did not.
func (s *service) EditRelationship(ctx context.Context, active scope.Active, in EditRelationshipInput, reviewer string) (int, error) {
	if err := writable(active); err != nil {
		return 0, err
	}
	if in.SourceID == "" || in.TargetID == "" || in.OldPredicate == "" || in.NewPredicate == "" {
		return 0, errs.Wrap(errs.ErrInvalid, "edit requires source_id, target_id, old_predicate and new_predicate")
	}
	if in.OldPredicate == in.NewPredicate {
		return 0, errs.Wrap(errs.ErrInvalid, "edit requires a different predicate")
	}
	if in.NewPredicate == knowledge.CrossGraphLink {
		return 0, errs.Wrap(errs.ErrInvalid, "%s edges go through the cross-graph surface", knowledge.CrossGraphLink)
	}
	if err := graph.ValidPredicate(in.NewPredicate); err != nil {
		return 0, err
	}

	old, err := s.Relationships.Get(ctx, active.GraphID, in.SourceID, in.TargetID, in.OldPredicate)
	if err != nil {
		return 0, err
	}
	if old == nil {
		return 0, nil
	}

	if _, err := s.Relationships.SetStatus(ctx, active.GraphID, in.SourceID, in.TargetID, in.OldPredicate, knowledge.RelationshipRejected, reviewer); err != nil {
		return 0, err
	}

	branches := old.OnBranches
	if len(branches) == 0 {
		branches = []string{active.BranchID}
	}
	_, err = s.Relationships.CreateOrMerge(ctx, &knowledge.Relationship{
		Predicate:      in.NewPredicate,
		SourceID:       in.SourceID,
		TargetID:       in.TargetID,
		GraphID:        active.GraphID,
		OnBranches:     branches,
		Status:         knowledge.RelationshipAccepted,
		Confidence:     old.Confidence,
		Method:         old.Method,
		Rationale:      old.Rationale,
		ChunkID:        old.ChunkID,
		IngestionRunID: old.IngestionRunID,
	})
	if err != nil {
		return 0, err
	}
	// Stamp the reviewer on the new edge; a pre-existing edge under the
	// new predicate is forced ACCEPTED here too.
	if _, err := s.Relationships.SetStatus(ctx, active.GraphID, in.SourceID, in.TargetID, in.NewPredicate, knowledge.RelationshipAccepted, reviewer); err != nil {
		return 0, err
	}

	s.audit(ctx, active.GraphID, reviewer, ActionRelationshipEdit, SubjectRelationship,
		in.SourceID+"-["+in.OldPredicate+"]->"+in.TargetID, map[string]any{
			"source_id":     in.SourceID,
			"target_id":     in.TargetID,
			"old_predicate": in.OldPredicate,
			"new_predicate": in.NewPredicate,
		})
	return 1, nil
}

func (s *service) ListMergeCandidates(ctx context.Context, active scope.Active, status knowledge.MergeCandidateStatus, limit int) ([]*knowledge.MergeCandidate, error) {
	if active.GraphID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "listing requires an active graph")
	}
	if status == "" {
		status = knowledge.MergeProposed
	}
	switch status {
	case knowledge.MergeProposed, knowledge.MergeAccepted, knowledge.MergeRejected, knowledge.MergeExecuted:
	default:
		return nil, errs.Wrap(errs.ErrInvalid, "unknown merge candidate status %q", status)
	}
	return s.Merges.List(ctx, active.GraphID, status, limit)
}

func (s *service) AcceptMerge(ctx context.Context, active scope.Active, candidateID, reviewer string) (*knowledge.MergeCandidate, error) {
	return s.reviewMerge(ctx, active, candidateID, reviewer, knowledge.MergeAccepted, ActionMergeAccept)
}

func (s *service) RejectMerge(ctx context.Context, active scope.Active, candidateID, reviewer string) (*knowledge.MergeCandidate, error) {
	return s.reviewMerge(ctx, active, candidateID, reviewer, knowledge.MergeRejected, ActionMergeReject)
}

// reviewMerge moves a candidate out of PROPOSED. A repeat of the same
// verdict is a no-op; any other transition is a conflict.
func (s *service) reviewMerge(ctx context.Context, active scope.Active, candidateID, reviewer string, target knowledge.MergeCandidateStatus, action string) (*knowledge.MergeCandidate, error) {
	if err := writable(active); err != nil {
		return nil, err
	}
	if strings.TrimSpace(candidateID) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "candidate_id required")
	}
	cand, err := s.Merges.GetByID(ctx, active.GraphID, candidateID)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, errs.Wrap(errs.ErrNotFound, "merge candidate %s not found", candidateID)
	}
	if cand.Status == target {
		return cand, nil
	}
	if cand.Status != knowledge.MergeProposed {
		return nil, errs.Wrap(errs.ErrConflict, "candidate %s is %s, not PROPOSED", candidateID, cand.Status)
	}
	updated, err := s.Merges.UpdateStatus(ctx, active.GraphID, candidateID, target, reviewer)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, active.GraphID, reviewer, action, SubjectMergeCandidate, candidateID, map[string]any{
		"src_node_id": cand.SrcNodeID,
		"dst_node_id": cand.DstNodeID,
		"score":       cand.Score,
		"to_status":   string(target),
	})
	return updated, nil
}

func (s *service) ExecuteMerge(ctx context.Context, active scope.Active, candidateID, keepID, reviewer string) (*MergeExecution, error) {
	if err := writable(active); err != nil {
		return nil, err
	}
	if strings.TrimSpace(candidateID) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "candidate_id required")
	}
	cand, err := s.Merges.GetByID(ctx, active.GraphID, candidateID)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, errs.Wrap(errs.ErrNotFound, "merge candidate %s not found", candidateID)
	}
	switch cand.Status {
	case knowledge.MergeAccepted:
	case knowledge.MergeExecuted:
		return nil, errs.Wrap(errs.ErrConflict, "candidate %s already executed", candidateID)
	default:
		return nil, errs.Wrap(errs.ErrConflict, "candidate %s is %s; accept it before executing", candidateID, cand.Status)
	}

	keep, drop := cand.SrcNodeID, cand.DstNodeID
	switch keepID {
	case "", cand.SrcNodeID:
	case cand.DstNodeID:
		keep, drop = cand.DstNodeID, cand.SrcNodeID
	default:
		return nil, errs.Wrap(errs.ErrInvalid, "keep node %s is not part of candidate %s", keepID, candidateID)
	}

	outcome, err := s.Merger.MergeConcepts(ctx, active, keep, drop, reviewer)
	if err != nil {
		return nil, err
	}
	updated, err := s.Merges.UpdateStatus(ctx, active.GraphID, candidateID, knowledge.MergeExecuted, reviewer)
	if err != nil {
		// The merge itself landed; the stale status only costs a
		// conflict on the next execute attempt.
		s.log.Warn("candidate status update failed after merge", "candidate_id", candidateID, "error", err)
		updated = cand
	}
	s.audit(ctx, active.GraphID, reviewer, ActionMergeExecute, SubjectMergeCandidate, candidateID, map[string]any{
		"keep_node_id": keep,
		"drop_node_id": drop,
		"redirected":   outcome.Redirected,
		"skipped":      outcome.Skipped,
		"deleted":      outcome.Deleted,
	})
	return &MergeExecution{Candidate: updated, Outcome: outcome}, nil
}

func (s *service) ListAudit(ctx context.Context, active scope.Active, subjectID string, limit int) ([]*types.ReviewAudit, error) {
	if active.GraphID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "listing requires an active graph")
	}
	dbc := dbctx.Context{Ctx: ctx}
	if subjectID != "" {
		return s.Audit.ListBySubject(dbc, active.GraphID, subjectID)
	}
	return s.Audit.ListByGraph(dbc, active.GraphID, limit)
}

// audit appends one trail row. The graph mutation already happened, so
// a failed append degrades to a warning instead of unwinding it.
func (s *service) audit(ctx context.Context, graphID, actor, action, subjectKind, subjectID string, detail map[string]any) {
	if s.Audit == nil {
		return
	}
	if _, err := s.Audit.Append(dbctx.Context{Ctx: ctx}, graphID, actor, action, subjectKind, subjectID, detail); err != nil {
		s.log.Warn("audit append failed", "action", action, "subject_id", subjectID, "error", err)
	}
}

func edgeSubject(e EdgeRef) string {
	return e.SourceID + "-[" + e.Predicate + "]->" + e.TargetID
}

func writable(active scope.Active) error {
	if active.Demo {
		return errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	if active.GraphID == "" || active.BranchID == "" {
		return errs.Wrap(errs.ErrInvalid, "operation requires an active graph and branch")
	}
	return nil
}
