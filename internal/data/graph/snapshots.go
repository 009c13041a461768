package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
)

// SnapshotGraph owns EvidenceSnapshot and ChangeEvent nodes. Snapshot
// identity is (graph_id, source_url, content_hash); concurrent observers
// of the same content converge on a single node via MERGE.
type SnapshotGraph interface {
	Create(ctx context.Context, snap *knowledge.EvidenceSnapshot) (*knowledge.EvidenceSnapshot, bool, error)
	GetByHash(ctx context.Context, graphID, sourceURL, contentHash string) (*knowledge.EvidenceSnapshot, error)
	LatestForURL(ctx context.Context, graphID, sourceURL string) (*knowledge.EvidenceSnapshot, error)
	GetByID(ctx context.Context, graphID, snapshotID string) (*knowledge.EvidenceSnapshot, error)
	CreateChangeEvent(ctx context.Context, ev *knowledge.ChangeEvent, sourceURL string) (*knowledge.ChangeEvent, error)
	GetChangeEvent(ctx context.Context, graphID, changeEventID string) (*knowledge.ChangeEvent, error)
	ListChangeEvents(ctx context.Context, graphID, sourceURL string, limit int) ([]*knowledge.ChangeEvent, error)
}

type snapshotGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewSnapshotGraph(client *neo4jdb.Client, baseLog *logger.Logger) SnapshotGraph {
	return &snapshotGraph{client: client, log: baseLog.With("repo", "SnapshotGraph")}
}

func snapshotFromProps(props map[string]any) *knowledge.EvidenceSnapshot {
	if props == nil {
		return nil
	}
	return &knowledge.EvidenceSnapshot{
		SnapshotID:       asString(props["snapshot_id"]),
		GraphID:          asString(props["graph_id"]),
		SourceDocumentID: asString(props["source_document_id"]),
		SourceURL:        asString(props["source_url"]),
		ContentHash:      asString(props["content_hash"]),
		NormalizedTitle:  asString(props["normalized_title"]),
		CompanyID:        asString(props["company_id"]),
		ContentLength:    asInt(props["content_length"]),
		ObservedAt:       asTime(props["observed_at"]),
	}
}

func changeEventFromProps(props map[string]any) *knowledge.ChangeEvent {
	if props == nil {
		return nil
	}
	return &knowledge.ChangeEvent{
		ChangeEventID:  asString(props["change_event_id"]),
		GraphID:        asString(props["graph_id"]),
		ChangeType:     knowledge.ChangeType(asString(props["change_type"])),
		Severity:       knowledge.ChangeSeverity(asString(props["severity"])),
		DiffSummary:    asString(props["diff_summary"]),
		PrevSnapshotID: asString(props["prev_snapshot_id"]),
		NextSnapshotID: asString(props["next_snapshot_id"]),
		CreatedAt:      asTime(props["created_at"]),
	}
}

// Create materializes a snapshot, or returns the existing one when the
// same (source_url, content_hash) was already observed. Exactly one node
// per identity even under concurrent writers.
func (r *snapshotGraph) Create(ctx context.Context, snap *knowledge.EvidenceSnapshot) (*knowledge.EvidenceSnapshot, bool, error) {
	if snap == nil || snap.GraphID == "" || snap.SourceURL == "" || snap.ContentHash == "" {
		return nil, false, errs.Wrap(errs.ErrInvalid, "snapshot: graph_id, source_url and content_hash required")
	}
	if snap.SnapshotID == "" {
		snap.SnapshotID = knowledge.SnapshotID(snap.GraphID, snap.SourceURL, snap.ContentHash)
	}
	type upserted struct {
		snap    *knowledge.EvidenceSnapshot
		created bool
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MERGE (s:EvidenceSnapshot {graph_id: $graph_id, source_url: $source_url, content_hash: $content_hash})
ON CREATE SET s.snapshot_id = $snapshot_id,
              s.source_document_id = $source_document_id,
              s.normalized_title = $normalized_title,
              s.company_id = $company_id,
              s.content_length = $content_length,
              s.observed_at = $now,
              s.__created = true
MERGE (s)-[:BELONGS_TO]->(g)
WITH s, coalesce(s.__created, false) AS created
REMOVE s.__created
RETURN s, created
`, map[string]any{
			"graph_id":           snap.GraphID,
			"source_url":         snap.SourceURL,
			"content_hash":       snap.ContentHash,
			"snapshot_id":        snap.SnapshotID,
			"source_document_id": snap.SourceDocumentID,
			"normalized_title":   snap.NormalizedTitle,
			"company_id":         snap.CompanyID,
			"content_length":     snap.ContentLength,
			"now":                nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", snap.GraphID)
		}
		v, _ := rec.Get("created")
		return upserted{snap: snapshotFromProps(nodeProps(rec, "s")), created: asBool(v)}, nil
	})
	if err != nil {
		return nil, false, wrapStoreErr(err)
	}
	u := out.(upserted)
	return u.snap, u.created, nil
}

func (r *snapshotGraph) GetByHash(ctx context.Context, graphID, sourceURL, contentHash string) (*knowledge.EvidenceSnapshot, error) {
	return r.readOne(ctx, `
MATCH (s:EvidenceSnapshot {graph_id: $graph_id, source_url: $source_url, content_hash: $content_hash})
RETURN s
`, map[string]any{"graph_id": graphID, "source_url": sourceURL, "content_hash": contentHash})
}

// LatestForURL returns the most recently observed snapshot for a source
// URL, which is the comparison baseline for change detection.
func (r *snapshotGraph) LatestForURL(ctx context.Context, graphID, sourceURL string) (*knowledge.EvidenceSnapshot, error) {
	return r.readOne(ctx, `
MATCH (s:EvidenceSnapshot {graph_id: $graph_id, source_url: $source_url})
RETURN s
ORDER BY s.observed_at DESC
LIMIT 1
`, map[string]any{"graph_id": graphID, "source_url": sourceURL})
}

func (r *snapshotGraph) GetByID(ctx context.Context, graphID, snapshotID string) (*knowledge.EvidenceSnapshot, error) {
	return r.readOne(ctx, `
MATCH (s:EvidenceSnapshot {graph_id: $graph_id, snapshot_id: $snapshot_id})
RETURN s
`, map[string]any{"graph_id": graphID, "snapshot_id": snapshotID})
}

func (r *snapshotGraph) readOne(ctx context.Context, query string, params map[string]any) (*knowledge.EvidenceSnapshot, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return snapshotFromProps(nodeProps(res.Record(), "s")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	s, _ := out.(*knowledge.EvidenceSnapshot)
	return s, nil
}

// CreateChangeEvent records a snapshot transition. The source URL is
// denormalized onto the event so change feeds read without a join.
func (r *snapshotGraph) CreateChangeEvent(ctx context.Context, ev *knowledge.ChangeEvent, sourceURL string) (*knowledge.ChangeEvent, error) {
	if ev == nil || ev.GraphID == "" || ev.NextSnapshotID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "change event: graph_id and next_snapshot_id required")
	}
	if ev.ChangeEventID == "" {
		ev.ChangeEventID = knowledge.NewChangeEventID()
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MATCH (next:EvidenceSnapshot {graph_id: $graph_id, snapshot_id: $next_id})
CREATE (e:ChangeEvent {
  change_event_id: $event_id,
  graph_id: $graph_id,
  change_type: $change_type,
  severity: $severity,
  diff_summary: $diff_summary,
  prev_snapshot_id: $prev_id,
  next_snapshot_id: $next_id,
  source_url: $source_url,
  created_at: $now
})
MERGE (e)-[:BELONGS_TO]->(g)
MERGE (e)-[:NEXT_SNAPSHOT]->(next)
RETURN e
`, map[string]any{
			"graph_id":     ev.GraphID,
			"event_id":     ev.ChangeEventID,
			"change_type":  string(ev.ChangeType),
			"severity":     string(ev.Severity),
			"diff_summary": ev.DiffSummary,
			"prev_id":      ev.PrevSnapshotID,
			"next_id":      ev.NextSnapshotID,
			"source_url":   sourceURL,
			"now":          nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "snapshot %s not found in graph %s", ev.NextSnapshotID, ev.GraphID)
		}
		created := changeEventFromProps(nodeProps(rec, "e"))

		if ev.PrevSnapshotID != "" {
			pres, err := tx.Run(ctx, `
MATCH (e:ChangeEvent {graph_id: $graph_id, change_event_id: $event_id})
MATCH (prev:EvidenceSnapshot {graph_id: $graph_id, snapshot_id: $prev_id})
MERGE (e)-[:PREV_SNAPSHOT]->(prev)
`, map[string]any{"graph_id": ev.GraphID, "event_id": ev.ChangeEventID, "prev_id": ev.PrevSnapshotID})
			if err != nil {
				return nil, err
			}
			if _, err := pres.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return created, nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.ChangeEvent), nil
}

func (r *snapshotGraph) GetChangeEvent(ctx context.Context, graphID, changeEventID string) (*knowledge.ChangeEvent, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:ChangeEvent {graph_id: $graph_id, change_event_id: $event_id})
RETURN e
`, map[string]any{"graph_id": graphID, "event_id": changeEventID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return changeEventFromProps(nodeProps(res.Record(), "e")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	ev, _ := out.(*knowledge.ChangeEvent)
	return ev, nil
}

func (r *snapshotGraph) ListChangeEvents(ctx context.Context, graphID, sourceURL string, limit int) ([]*knowledge.ChangeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	params := map[string]any{"graph_id": graphID, "limit": limit}
	query := `
MATCH (e:ChangeEvent {graph_id: $graph_id})
RETURN e
ORDER BY e.created_at DESC
LIMIT $limit
`
	if sourceURL != "" {
		params["source_url"] = sourceURL
		query = `
MATCH (e:ChangeEvent {graph_id: $graph_id, source_url: $source_url})
RETURN e
ORDER BY e.created_at DESC
LIMIT $limit
`
	}
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var events []*knowledge.ChangeEvent
		for res.Next(ctx) {
			events = append(events, changeEventFromProps(nodeProps(res.Record(), "e")))
		}
		return events, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	events, _ := out.([]*knowledge.ChangeEvent)
	return events, nil
}
