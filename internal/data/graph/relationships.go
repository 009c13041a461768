package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// ProposedFilter narrows the review queue listing. Status defaults to
// PROPOSED, the queue the reviewer actually works.
type ProposedFilter struct {
	GraphID        string
	BranchID       string
	Status         knowledge.RelationshipStatus
	IngestionRunID string
	Method         string
	MinConfidence  float64
	Limit          int
}

// RelationshipGraph owns typed edges between concepts.
type RelationshipGraph interface {
	CreateOrMerge(ctx context.Context, rel *knowledge.Relationship) (created bool, err error)
	Get(ctx context.Context, graphID, srcID, dstID, predicate string) (*knowledge.Relationship, error)
	Delete(ctx context.Context, vis scope.Visibility, srcID, dstID, predicate string) error
	ListProposed(ctx context.Context, f ProposedFilter) ([]*knowledge.Relationship, error)
	EdgesAmong(ctx context.Context, vis scope.Visibility, nodeIDs []string) ([]*knowledge.Relationship, error)
	SetStatus(ctx context.Context, graphID, srcID, dstID, predicate string, status knowledge.RelationshipStatus, reviewer string) (*knowledge.Relationship, error)
	CountByStatus(ctx context.Context, graphID string) (map[string]int, error)
	CrossGraphLink(ctx context.Context, srcGraphID, srcID, dstGraphID, dstID, branchID, linkType, rationale string) error
}

type relationshipGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewRelationshipGraph(client *neo4jdb.Client, baseLog *logger.Logger) RelationshipGraph {
	return &relationshipGraph{client: client, log: baseLog.With("repo", "RelationshipGraph")}
}

// CreateOrMerge is keyed on (source, target, predicate). A second write
// with the same key unions on_branches, keeps the max confidence and
// leaves status untouched.
func (r *relationshipGraph) CreateOrMerge(ctx context.Context, rel *knowledge.Relationship) (bool, error) {
	if rel == nil || rel.SourceID == "" || rel.TargetID == "" {
		return false, errs.Wrap(errs.ErrInvalid, "relationship: source and target required")
	}
	if err := ValidPredicate(rel.Predicate); err != nil {
		return false, err
	}
	if rel.SourceID == rel.TargetID {
		return false, errs.Wrap(errs.ErrInvalid, "relationship: self-loop %s not allowed", rel.SourceID)
	}
	status := rel.Status
	if status == "" {
		status = knowledge.RelationshipAccepted
	}
	props := map[string]any{
		"graph_id":         rel.GraphID,
		"on_branches":      toAnySlice(rel.OnBranches),
		"status":           string(status),
		"confidence":       rel.Confidence,
		"method":           rel.Method,
		"rationale":        rel.Rationale,
		"chunk_id":         rel.ChunkID,
		"ingestion_run_id": rel.IngestionRunID,
		"created_at":       nowRFC3339(),
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Concept {graph_id: $graph_id, node_id: $src_id})
MATCH (b:Concept {graph_id: $graph_id, node_id: $dst_id})
WHERE coalesce(a.is_merged, false) = false AND coalesce(b.is_merged, false) = false
MERGE (a)-[x:%s]->(b)
ON CREATE SET x = $props, x.__created = true
ON MATCH SET
  x.on_branches = coalesce(x.on_branches, []) + [v IN $branches WHERE NOT v IN coalesce(x.on_branches, [])],
  x.confidence = CASE WHEN $confidence > coalesce(x.confidence, 0.0) THEN $confidence ELSE x.confidence END
WITH x, coalesce(x.__created, false) AS created
REMOVE x.__created
RETURN created
`, rel.Predicate), map[string]any{
			"graph_id":   rel.GraphID,
			"src_id":     rel.SourceID,
			"dst_id":     rel.TargetID,
			"props":      props,
			"branches":   toAnySlice(rel.OnBranches),
			"confidence": rel.Confidence,
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "relationship endpoints %s -> %s not found in graph %s", rel.SourceID, rel.TargetID, rel.GraphID)
		}
		v, _ := rec.Get("created")
		return asBool(v), nil
	})
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return out.(bool), nil
}

func (r *relationshipGraph) Get(ctx context.Context, graphID, srcID, dstID, predicate string) (*knowledge.Relationship, error) {
	if err := ValidPredicate(predicate); err != nil {
		return nil, err
	}
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Concept {graph_id: $graph_id, node_id: $src_id})-[x:%s]->(b:Concept {node_id: $dst_id})
RETURN x, a.node_id AS src_id, b.node_id AS dst_id
`, predicate), map[string]any{"graph_id": graphID, "src_id": srcID, "dst_id": dstID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		rec := res.Record()
		props, _ := relProps(rec, "x")
		return relationshipFromProps(props, predicate, recString(rec, "src_id"), recString(rec, "dst_id")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	rel, _ := out.(*knowledge.Relationship)
	return rel, nil
}

func (r *relationshipGraph) Delete(ctx context.Context, vis scope.Visibility, srcID, dstID, predicate string) error {
	if err := ValidPredicate(predicate); err != nil {
		return err
	}
	clause, params := vis.RelClause("x")
	params["graph_id"] = vis.GraphID
	params["src_id"] = srcID
	params["dst_id"] = dstID
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Concept {graph_id: $graph_id, node_id: $src_id})-[x:%s]->(b:Concept {node_id: $dst_id})
WHERE %s
DELETE x
RETURN count(x) AS n
`, predicate, clause), params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "relationship %s -[%s]-> %s not found", srcID, predicate, dstID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

// ListProposed feeds the relationship review queue, highest confidence
// first.
func (r *relationshipGraph) ListProposed(ctx context.Context, f ProposedFilter) ([]*knowledge.Relationship, error) {
	if f.GraphID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "list proposed: graph_id required")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	status := f.Status
	if status == "" {
		status = knowledge.RelationshipProposed
	}
	var conds []string
	params := map[string]any{"graph_id": f.GraphID, "limit": limit, "status": string(status)}
	conds = append(conds, "x.graph_id = $graph_id", "coalesce(x.status, 'ACCEPTED') = $status")
	if f.BranchID != "" {
		conds = append(conds, "$branch_id IN coalesce(x.on_branches, [])")
		params["branch_id"] = f.BranchID
	}
	if f.IngestionRunID != "" {
		conds = append(conds, "x.ingestion_run_id = $run_id")
		params["run_id"] = f.IngestionRunID
	}
	if f.Method != "" {
		conds = append(conds, "x.method = $method")
		params["method"] = f.Method
	}
	if f.MinConfidence > 0 {
		conds = append(conds, "coalesce(x.confidence, 0.0) >= $min_confidence")
		params["min_confidence"] = f.MinConfidence
	}

	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Concept)-[x]->(b:Concept)
WHERE %s
RETURN x, type(x) AS predicate, a.node_id AS src_id, b.node_id AS dst_id
ORDER BY coalesce(x.confidence, 0.0) DESC, x.created_at ASC
LIMIT $limit
`, strings.Join(conds, " AND ")), params)
		if err != nil {
			return nil, err
		}
		var rels []*knowledge.Relationship
		for res.Next(ctx) {
			rec := res.Record()
			props, _ := relProps(rec, "x")
			rels = append(rels, relationshipFromProps(props, recString(rec, "predicate"), recString(rec, "src_id"), recString(rec, "dst_id")))
		}
		return rels, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	rels, _ := out.([]*knowledge.Relationship)
	return rels, nil
}

// EdgesAmong returns edges whose endpoints both fall inside the node
// set and whose properties pass the visibility policy. Cross-graph
// links never surface here; evidence subgraphs stay inside one graph.
func (r *relationshipGraph) EdgesAmong(ctx context.Context, vis scope.Visibility, nodeIDs []string) ([]*knowledge.Relationship, error) {
	if len(nodeIDs) < 2 {
		return nil, nil
	}
	clause, params := vis.RelClause("x")
	params["node_ids"] = toAnySlice(nodeIDs)

	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Concept)-[x]->(b:Concept)
WHERE a.node_id IN $node_ids AND b.node_id IN $node_ids
  AND type(x) <> 'CROSS_GRAPH_LINK' AND %s
RETURN x, type(x) AS predicate, a.node_id AS src_id, b.node_id AS dst_id
ORDER BY coalesce(x.confidence, 0.0) DESC, x.created_at ASC
`, clause), params)
		if err != nil {
			return nil, err
		}
		var rels []*knowledge.Relationship
		for res.Next(ctx) {
			rec := res.Record()
			props, _ := relProps(rec, "x")
			rels = append(rels, relationshipFromProps(props, recString(rec, "predicate"), recString(rec, "src_id"), recString(rec, "dst_id")))
		}
		return rels, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	rels, _ := out.([]*knowledge.Relationship)
	return rels, nil
}

func (r *relationshipGraph) SetStatus(ctx context.Context, graphID, srcID, dstID, predicate string, status knowledge.RelationshipStatus, reviewer string) (*knowledge.Relationship, error) {
	if err := ValidPredicate(predicate); err != nil {
		return nil, err
	}
	switch status {
	case knowledge.RelationshipAccepted, knowledge.RelationshipRejected, knowledge.RelationshipProposed:
	default:
		return nil, errs.Wrap(errs.ErrInvalid, "invalid relationship status %q", status)
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Concept {graph_id: $graph_id, node_id: $src_id})-[x:%s]->(b:Concept {node_id: $dst_id})
SET x.status = $status, x.reviewed_by = $reviewer, x.reviewed_at = $now
RETURN x, a.node_id AS src_id, b.node_id AS dst_id
`, predicate), map[string]any{
			"graph_id": graphID,
			"src_id":   srcID,
			"dst_id":   dstID,
			"status":   string(status),
			"reviewer": reviewer,
			"now":      nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, errs.Wrap(errs.ErrNotFound, "relationship %s -[%s]-> %s not found", srcID, predicate, dstID)
		}
		rec := res.Record()
		props, _ := relProps(rec, "x")
		return relationshipFromProps(props, predicate, recString(rec, "src_id"), recString(rec, "dst_id")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.Relationship), nil
}

func (r *relationshipGraph) CountByStatus(ctx context.Context, graphID string) (map[string]int, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (:Concept)-[x]->(:Concept)
WHERE x.graph_id = $graph_id
RETURN coalesce(x.status, 'ACCEPTED') AS status, count(x) AS n
`, map[string]any{"graph_id": graphID})
		if err != nil {
			return nil, err
		}
		counts := map[string]int{}
		for res.Next(ctx) {
			rec := res.Record()
			counts[recString(rec, "status")] = recInt(rec, "n")
		}
		return counts, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(map[string]int), nil
}

// CrossGraphLink bridges two graphs owned by the same tenant. The edge
// carries the source graph's id and branch; both endpoints must be live.
func (r *relationshipGraph) CrossGraphLink(ctx context.Context, srcGraphID, srcID, dstGraphID, dstID, branchID, linkType, rationale string) error {
	if srcGraphID == dstGraphID {
		return errs.Wrap(errs.ErrInvalid, "cross-graph link requires two distinct graphs")
	}
	if linkType == "" {
		linkType = "related"
	}
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Concept {graph_id: $src_graph, node_id: $src_id})
MATCH (b:Concept {graph_id: $dst_graph, node_id: $dst_id})
WHERE coalesce(a.is_merged, false) = false AND coalesce(b.is_merged, false) = false
MERGE (a)-[x:%s]->(b)
ON CREATE SET x.graph_id = $src_graph,
              x.on_branches = [$branch_id],
              x.status = 'ACCEPTED',
              x.method = 'HUMAN',
              x.link_type = $link_type,
              x.rationale = $rationale,
              x.created_at = $now
ON MATCH SET x.link_type = $link_type,
             x.on_branches = CASE
  WHEN $branch_id IN coalesce(x.on_branches, []) THEN x.on_branches
  ELSE coalesce(x.on_branches, []) + $branch_id
END
RETURN count(x) AS n
`, knowledge.CrossGraphLink), map[string]any{
			"src_graph": srcGraphID,
			"src_id":    srcID,
			"dst_graph": dstGraphID,
			"dst_id":    dstID,
			"branch_id": branchID,
			"link_type": linkType,
			"rationale": rationale,
			"now":       nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "cross-graph link endpoints not found or not live")
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "cross-graph link endpoints not found or not live")
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}
