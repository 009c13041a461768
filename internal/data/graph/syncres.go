package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// SyncGraph owns the offline-sync surface: the ClientEvent dedupe gate,
// Resource nodes, trails and their steps.
type SyncGraph interface {
	// GateEvent upserts the dedupe record for (graph_id, event_id).
	// Returns duplicate=true when a record already existed; the event
	// must then be skipped, whatever its previous outcome.
	GateEvent(ctx context.Context, ev *knowledge.ClientEvent) (duplicate bool, err error)
	MarkApplied(ctx context.Context, graphID, eventID, outputJSON string) error
	MarkFailed(ctx context.Context, graphID, eventID, errMsg string) error
	GetEvent(ctx context.Context, graphID, eventID string) (*knowledge.ClientEvent, error)

	UpsertResource(ctx context.Context, res *knowledge.Resource) (*knowledge.Resource, error)
	LinkResource(ctx context.Context, graphID, resourceID, nodeID, branchID string) error
	ListResources(ctx context.Context, vis scope.Visibility, limit int) ([]*knowledge.Resource, error)

	AppendTrailStep(ctx context.Context, trail *knowledge.Trail, step *knowledge.TrailStep, branchID string) error
	ListTrails(ctx context.Context, vis scope.Visibility, limit int) ([]*knowledge.Trail, error)
	StepsFor(ctx context.Context, graphID, trailID string) ([]*knowledge.TrailStep, error)

	Counts(ctx context.Context, graphID string) (map[string]int, error)
}

type syncGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewSyncGraph(client *neo4jdb.Client, baseLog *logger.Logger) SyncGraph {
	return &syncGraph{client: client, log: baseLog.With("repo", "SyncGraph")}
}

func clientEventFromProps(props map[string]any) *knowledge.ClientEvent {
	if props == nil {
		return nil
	}
	return &knowledge.ClientEvent{
		EventID:     asString(props["event_id"]),
		GraphID:     asString(props["graph_id"]),
		BranchID:    asString(props["branch_id"]),
		Type:        asString(props["type"]),
		PayloadJSON: asString(props["payload_json"]),
		Applied:     asBool(props["applied"]),
		Error:       asString(props["error"]),
		OutputJSON:  asString(props["output_json"]),
		ReceivedAt:  asTime(props["received_at"]),
		AppliedAt:   asTimePtr(props["applied_at"]),
	}
}

func resourceFromProps(props map[string]any) *knowledge.Resource {
	if props == nil {
		return nil
	}
	return &knowledge.Resource{
		ResourceID: asString(props["resource_id"]),
		GraphID:    asString(props["graph_id"]),
		Kind:       asString(props["kind"]),
		URL:        asString(props["url"]),
		Title:      asString(props["title"]),
		Metadata:   asMetadata(props["metadata"]),
		OnBranches: asStringSlice(props["on_branches"]),
		CreatedAt:  asTime(props["created_at"]),
		UpdatedAt:  asTime(props["updated_at"]),
	}
}

func trailFromProps(props map[string]any) *knowledge.Trail {
	if props == nil {
		return nil
	}
	return &knowledge.Trail{
		TrailID:    asString(props["trail_id"]),
		GraphID:    asString(props["graph_id"]),
		Title:      asString(props["title"]),
		OnBranches: asStringSlice(props["on_branches"]),
		CreatedAt:  asTime(props["created_at"]),
		UpdatedAt:  asTime(props["updated_at"]),
	}
}

func trailStepFromProps(props map[string]any) *knowledge.TrailStep {
	if props == nil {
		return nil
	}
	return &knowledge.TrailStep{
		StepID:    asString(props["step_id"]),
		TrailID:   asString(props["trail_id"]),
		GraphID:   asString(props["graph_id"]),
		Index:     asInt(props["index"]),
		Kind:      asString(props["kind"]),
		RefID:     asString(props["ref_id"]),
		Note:      asString(props["note"]),
		Metadata:  asMetadata(props["metadata"]),
		CreatedAt: asTime(props["created_at"]),
	}
}

// GateEvent is the at-most-once guard. The MERGE either creates the
// record (first sight) or matches the existing one (duplicate), and the
// __created marker tells the two apart atomically.
func (r *syncGraph) GateEvent(ctx context.Context, ev *knowledge.ClientEvent) (bool, error) {
	if ev == nil || ev.GraphID == "" || ev.EventID == "" {
		return false, errs.Wrap(errs.ErrInvalid, "client event: graph_id and event_id required")
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MERGE (e:ClientEvent {graph_id: $graph_id, event_id: $event_id})
ON CREATE SET e.type = $type,
              e.branch_id = $branch_id,
              e.payload_json = $payload_json,
              e.applied = false,
              e.received_at = $now,
              e.__created = true
MERGE (e)-[:BELONGS_TO]->(g)
WITH e, coalesce(e.__created, false) AS created
REMOVE e.__created
RETURN created
`, map[string]any{
			"graph_id":     ev.GraphID,
			"event_id":     ev.EventID,
			"type":         ev.Type,
			"branch_id":    ev.BranchID,
			"payload_json": ev.PayloadJSON,
			"now":          nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", ev.GraphID)
		}
		v, _ := rec.Get("created")
		return asBool(v), nil
	})
	if err != nil {
		return false, wrapStoreErr(err)
	}
	created := out.(bool)
	return !created, nil
}

func (r *syncGraph) MarkApplied(ctx context.Context, graphID, eventID, outputJSON string) error {
	return r.stampEvent(ctx, graphID, eventID, map[string]any{
		"applied":     true,
		"output_json": outputJSON,
		"error":       "",
		"applied_at":  nowRFC3339(),
	})
}

func (r *syncGraph) MarkFailed(ctx context.Context, graphID, eventID, errMsg string) error {
	return r.stampEvent(ctx, graphID, eventID, map[string]any{
		"applied": false,
		"error":   errMsg,
	})
}

func (r *syncGraph) stampEvent(ctx context.Context, graphID, eventID string, fields map[string]any) error {
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:ClientEvent {graph_id: $graph_id, event_id: $event_id})
SET e += $fields
RETURN count(e) AS n
`, map[string]any{"graph_id": graphID, "event_id": eventID, "fields": fields})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "client event %s not found", eventID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

func (r *syncGraph) GetEvent(ctx context.Context, graphID, eventID string) (*knowledge.ClientEvent, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:ClientEvent {graph_id: $graph_id, event_id: $event_id})
RETURN e
`, map[string]any{"graph_id": graphID, "event_id": eventID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return clientEventFromProps(nodeProps(res.Record(), "e")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	e, _ := out.(*knowledge.ClientEvent)
	return e, nil
}

// UpsertResource merges by (graph_id, resource_id). Existing resources
// keep their fields unless the incoming payload carries a value.
func (r *syncGraph) UpsertResource(ctx context.Context, resource *knowledge.Resource) (*knowledge.Resource, error) {
	if resource == nil || resource.GraphID == "" || resource.ResourceID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "resource: graph_id and resource_id required")
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MERGE (rn:Resource {graph_id: $graph_id, resource_id: $resource_id})
ON CREATE SET rn.kind = $kind,
              rn.url = $url,
              rn.title = $title,
              rn.metadata = $metadata,
              rn.on_branches = $branches,
              rn.created_at = $now,
              rn.updated_at = $now
ON MATCH SET rn.kind = coalesce(nullif($kind, ''), rn.kind),
             rn.url = coalesce(nullif($url, ''), rn.url),
             rn.title = coalesce(nullif($title, ''), rn.title),
             rn.metadata = coalesce(nullif($metadata, ''), rn.metadata),
             rn.on_branches = coalesce(rn.on_branches, []) + [v IN $branches WHERE NOT v IN coalesce(rn.on_branches, [])],
             rn.updated_at = $now
MERGE (rn)-[:BELONGS_TO]->(g)
RETURN rn
`, map[string]any{
			"graph_id":    resource.GraphID,
			"resource_id": resource.ResourceID,
			"kind":        resource.Kind,
			"url":         resource.URL,
			"title":       resource.Title,
			"metadata":    metadataJSON(resource.Metadata),
			"branches":    toAnySlice(resource.OnBranches),
			"now":         nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", resource.GraphID)
		}
		return resourceFromProps(nodeProps(rec, "rn")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.Resource), nil
}

// LinkResource attaches a resource to a concept with a LINKED_TO edge,
// unioning the branch onto an existing edge.
func (r *syncGraph) LinkResource(ctx context.Context, graphID, resourceID, nodeID, branchID string) error {
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (rn:Resource {graph_id: $graph_id, resource_id: $resource_id})
MATCH (c:Concept {graph_id: $graph_id, node_id: $node_id})
WHERE coalesce(c.is_merged, false) = false
MERGE (rn)-[x:LINKED_TO]->(c)
ON CREATE SET x.graph_id = $graph_id, x.on_branches = [$branch_id], x.created_at = $now
ON MATCH SET x.on_branches = CASE
  WHEN $branch_id IN coalesce(x.on_branches, []) THEN x.on_branches
  ELSE coalesce(x.on_branches, []) + $branch_id
END
RETURN count(x) AS n
`, map[string]any{
			"graph_id":    graphID,
			"resource_id": resourceID,
			"node_id":     nodeID,
			"branch_id":   branchID,
			"now":         nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "resource %s or concept %s not found", resourceID, nodeID)
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "resource %s or concept %s not found", resourceID, nodeID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

func (r *syncGraph) ListResources(ctx context.Context, vis scope.Visibility, limit int) ([]*knowledge.Resource, error) {
	if limit <= 0 {
		limit = 50
	}
	clause, params := vis.NodeClause("rn")
	params["limit"] = limit
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (rn:Resource)
WHERE `+clause+`
RETURN rn
ORDER BY rn.updated_at DESC
LIMIT $limit
`, params)
		if err != nil {
			return nil, err
		}
		var resources []*knowledge.Resource
		for res.Next(ctx) {
			resources = append(resources, resourceFromProps(nodeProps(res.Record(), "rn")))
		}
		return resources, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	resources, _ := out.([]*knowledge.Resource)
	return resources, nil
}

// AppendTrailStep merges the trail, the step and the HAS_STEP edge with
// branch union; replaying the same step is a no-op.
func (r *syncGraph) AppendTrailStep(ctx context.Context, trail *knowledge.Trail, step *knowledge.TrailStep, branchID string) error {
	if trail == nil || step == nil || trail.GraphID == "" || trail.TrailID == "" || step.StepID == "" {
		return errs.Wrap(errs.ErrInvalid, "trail step: graph_id, trail_id and step_id required")
	}
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MERGE (t:Trail {graph_id: $graph_id, trail_id: $trail_id})
ON CREATE SET t.title = $title,
              t.on_branches = [$branch_id],
              t.created_at = $now,
              t.updated_at = $now
ON MATCH SET t.title = coalesce(nullif($title, ''), t.title),
             t.on_branches = CASE
               WHEN $branch_id IN coalesce(t.on_branches, []) THEN t.on_branches
               ELSE coalesce(t.on_branches, []) + $branch_id
             END,
             t.updated_at = $now
MERGE (t)-[:BELONGS_TO]->(g)
MERGE (s:TrailStep {step_id: $step_id})
ON CREATE SET s.graph_id = $graph_id,
              s.trail_id = $trail_id,
              s.index = $index,
              s.kind = $kind,
              s.ref_id = $ref_id,
              s.note = $note,
              s.metadata = $metadata,
              s.created_at = $now
MERGE (s)-[:BELONGS_TO]->(g)
MERGE (t)-[hs:HAS_STEP]->(s)
ON CREATE SET hs.on_branches = [$branch_id]
ON MATCH SET hs.on_branches = CASE
  WHEN $branch_id IN coalesce(hs.on_branches, []) THEN hs.on_branches
  ELSE coalesce(hs.on_branches, []) + $branch_id
END
RETURN count(s) AS n
`, map[string]any{
			"graph_id":  trail.GraphID,
			"trail_id":  trail.TrailID,
			"title":     trail.Title,
			"branch_id": branchID,
			"step_id":   step.StepID,
			"index":     step.Index,
			"kind":      step.Kind,
			"ref_id":    step.RefID,
			"note":      step.Note,
			"metadata":  metadataJSON(step.Metadata),
			"now":       nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", trail.GraphID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

func (r *syncGraph) ListTrails(ctx context.Context, vis scope.Visibility, limit int) ([]*knowledge.Trail, error) {
	if limit <= 0 {
		limit = 50
	}
	clause, params := vis.NodeClause("t")
	params["limit"] = limit
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (t:Trail)
WHERE `+clause+`
RETURN t
ORDER BY t.updated_at DESC
LIMIT $limit
`, params)
		if err != nil {
			return nil, err
		}
		var trails []*knowledge.Trail
		for res.Next(ctx) {
			trails = append(trails, trailFromProps(nodeProps(res.Record(), "t")))
		}
		return trails, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	trails, _ := out.([]*knowledge.Trail)
	return trails, nil
}

func (r *syncGraph) StepsFor(ctx context.Context, graphID, trailID string) ([]*knowledge.TrailStep, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (:Trail {graph_id: $graph_id, trail_id: $trail_id})-[:HAS_STEP]->(s:TrailStep)
RETURN s
ORDER BY s.index ASC, s.created_at ASC
`, map[string]any{"graph_id": graphID, "trail_id": trailID})
		if err != nil {
			return nil, err
		}
		var steps []*knowledge.TrailStep
		for res.Next(ctx) {
			steps = append(steps, trailStepFromProps(nodeProps(res.Record(), "s")))
		}
		return steps, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	steps, _ := out.([]*knowledge.TrailStep)
	return steps, nil
}

// Counts backs the offline manifest: per-label totals for one graph.
func (r *syncGraph) Counts(ctx context.Context, graphID string) (map[string]int, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (n)
WHERE n.graph_id = $graph_id
RETURN labels(n)[0] AS label, count(n) AS n
`, map[string]any{"graph_id": graphID})
		if err != nil {
			return nil, err
		}
		counts := map[string]int{}
		for res.Next(ctx) {
			rec := res.Record()
			counts[recString(rec, "label")] = recInt(rec, "n")
		}
		return counts, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(map[string]int), nil
}
