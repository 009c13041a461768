// Package snapshot deduplicates repeated observations of a source by
// normalized content hash, records change events between observations,
// and propagates staleness to claims backed by superseded content.
package snapshot

import (
	"context"
	"fmt"

	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/textnorm"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// minorChangeRatio splits CONTENT_UPDATED into LOW and HIGH severity:
// a length delta under 10% of the larger side is minor.
const minorChangeRatio = 0.1

// ClaimMarker is the slice of the claim store staleness needs.
type ClaimMarker interface {
	ListBySource(ctx context.Context, graphID, sourceID string) ([]*knowledge.Claim, error)
	MarkStale(ctx context.Context, graphID string, claimIDs []string, changeEventID, reason string) (int, error)
}

// Input carries one observation of a source document.
type Input struct {
	GraphID          string
	BranchID         string
	SourceDocumentID string
	SourceType       string
	SourceURL        string
	RawText          string
	RawHTML          string
	Title            string
	CompanyID        string
	Metadata         map[string]any
}

type Service interface {
	// CreateOrGet returns the snapshot for this observation. A nil change
	// event means the content was already known (dedupe hit).
	CreateOrGet(ctx context.Context, in Input) (*knowledge.EvidenceSnapshot, *knowledge.ChangeEvent, error)

	// StaleClaimsForChange lists the claims invalidated by a change event:
	// every claim sourced from the previous snapshot's document.
	StaleClaimsForChange(ctx context.Context, graphID, changeEventID string) ([]string, error)

	// MarkClaimsStale flips the claims to STALE, recording the change
	// event as the reason. Returns the number of claims updated.
	MarkClaimsStale(ctx context.Context, graphID string, claimIDs []string, changeEventID, reason string) (int, error)

	ListChangeEvents(ctx context.Context, graphID, sourceURL string, limit int) ([]*knowledge.ChangeEvent, error)
}

type service struct {
	snaps  graph.SnapshotGraph
	claims ClaimMarker
	log    *logger.Logger
}

func NewService(snaps graph.SnapshotGraph, claims ClaimMarker, baseLog *logger.Logger) Service {
	return &service{
		snaps:  snaps,
		claims: claims,
		log:    baseLog.With("service", "SnapshotService"),
	}
}

func (s *service) CreateOrGet(ctx context.Context, in Input) (*knowledge.EvidenceSnapshot, *knowledge.ChangeEvent, error) {
	if in.GraphID == "" || in.SourceURL == "" {
		return nil, nil, errs.Wrap(errs.ErrInvalid, "snapshot: graph_id and source_url required")
	}

	normalized, contentHash := textnorm.NormalizeAndHash(in.SourceType, in.RawText, in.RawHTML)

	if existing, err := s.snaps.GetByHash(ctx, in.GraphID, in.SourceURL, contentHash); err != nil {
		return nil, nil, err
	} else if existing != nil {
		return existing, nil, nil
	}

	prev, err := s.snaps.LatestForURL(ctx, in.GraphID, in.SourceURL)
	if err != nil {
		return nil, nil, err
	}

	snap, created, err := s.snaps.Create(ctx, &knowledge.EvidenceSnapshot{
		GraphID:          in.GraphID,
		SourceDocumentID: in.SourceDocumentID,
		SourceURL:        in.SourceURL,
		ContentHash:      contentHash,
		NormalizedTitle:  in.Title,
		CompanyID:        in.CompanyID,
		ContentLength:    len(normalized),
	})
	if err != nil {
		return nil, nil, err
	}
	if !created {
		// A concurrent observer won the MERGE; their change event covers it.
		return snap, nil, nil
	}

	ev := s.classify(prev, snap, in)
	ev, err = s.snaps.CreateChangeEvent(ctx, ev, in.SourceURL)
	if err != nil {
		return nil, nil, err
	}

	if ev.ChangeType == knowledge.ChangeAmendment && prev != nil {
		if err := s.staleFromAmendment(ctx, in, prev, ev); err != nil {
			// Staleness is recoverable via StaleClaimsForChange; the
			// snapshot and event already exist.
			s.log.Error("amendment staleness propagation failed",
				"graph_id", in.GraphID,
				"change_event_id", ev.ChangeEventID,
				"error", err.Error(),
			)
		}
	}

	return snap, ev, nil
}

func (s *service) classify(prev, next *knowledge.EvidenceSnapshot, in Input) *knowledge.ChangeEvent {
	ev := &knowledge.ChangeEvent{
		GraphID:        in.GraphID,
		NextSnapshotID: next.SnapshotID,
	}

	if prev == nil {
		ev.ChangeType = knowledge.ChangeNewDocument
		ev.Severity = knowledge.SeverityMedium
		ev.DiffSummary = "New document"
		return ev
	}

	ev.PrevSnapshotID = prev.SnapshotID

	if isAmendment(in.Metadata) {
		ev.ChangeType = knowledge.ChangeAmendment
		ev.Severity = knowledge.SeverityHigh
		ev.DiffSummary = fmt.Sprintf("Amendment supersedes %s", prev.SourceDocumentID)
		return ev
	}

	prevLen, nextLen := prev.ContentLength, next.ContentLength
	delta := prevLen - nextLen
	if delta < 0 {
		delta = -delta
	}
	max := prevLen
	if nextLen > max {
		max = nextLen
	}

	ev.ChangeType = knowledge.ChangeContentUpdated
	if max > 0 && float64(delta) < minorChangeRatio*float64(max) {
		ev.Severity = knowledge.SeverityLow
		ev.DiffSummary = fmt.Sprintf("Minor content update (%d -> %d chars)", prevLen, nextLen)
	} else {
		ev.Severity = knowledge.SeverityHigh
		ev.DiffSummary = fmt.Sprintf("Major content update (%d -> %d chars)", prevLen, nextLen)
	}
	return ev
}

func isAmendment(meta map[string]any) bool {
	if meta == nil {
		return false
	}
	switch v := meta["is_amendment"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

func (s *service) staleFromAmendment(ctx context.Context, in Input, prev *knowledge.EvidenceSnapshot, ev *knowledge.ChangeEvent) error {
	sourceID := prev.SourceDocumentID
	if v, ok := in.Metadata["amended_doc_id"].(string); ok && v != "" {
		sourceID = v
	}
	if sourceID == "" {
		return nil
	}
	claims, err := s.claims.ListBySource(ctx, in.GraphID, sourceID)
	if err != nil {
		return err
	}
	ids := claimIDs(claims)
	if len(ids) == 0 {
		return nil
	}
	n, err := s.claims.MarkStale(ctx, in.GraphID, ids, ev.ChangeEventID, "amendment")
	if err != nil {
		return err
	}
	s.log.Info("claims marked stale by amendment",
		"graph_id", in.GraphID,
		"change_event_id", ev.ChangeEventID,
		"count", n,
	)
	return nil
}

func (s *service) StaleClaimsForChange(ctx context.Context, graphID, changeEventID string) ([]string, error) {
	ev, err := s.snaps.GetChangeEvent(ctx, graphID, changeEventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, errs.Wrap(errs.ErrNotFound, "change event %s not found", changeEventID)
	}
	if ev.PrevSnapshotID == "" {
		return nil, nil
	}
	prev, err := s.snaps.GetByID(ctx, graphID, ev.PrevSnapshotID)
	if err != nil {
		return nil, err
	}
	if prev == nil || prev.SourceDocumentID == "" {
		return nil, nil
	}
	claims, err := s.claims.ListBySource(ctx, graphID, prev.SourceDocumentID)
	if err != nil {
		return nil, err
	}
	return claimIDs(claims), nil
}

func (s *service) MarkClaimsStale(ctx context.Context, graphID string, claimIDs []string, changeEventID, reason string) (int, error) {
	if len(claimIDs) == 0 {
		return 0, nil
	}
	if reason == "" {
		reason = "superseded"
	}
	return s.claims.MarkStale(ctx, graphID, claimIDs, changeEventID, reason)
}

func (s *service) ListChangeEvents(ctx context.Context, graphID, sourceURL string, limit int) ([]*knowledge.ChangeEvent, error) {
	return s.snaps.ListChangeEvents(ctx, graphID, sourceURL, limit)
}

func claimIDs(claims []*knowledge.Claim) []string {
	out := make([]string, 0, len(claims))
	for _, c := range claims {
		out = append(out, c.ClaimID)
	}
	return out
}
