package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// ClaimBatchCounts reports how much of a claim batch landed. Mentions can
// fall short of the request when a referenced concept is gone; callers
// downgrade the run to PARTIAL instead of failing.
type ClaimBatchCounts struct {
	Claims    int
	Supported int
	Mentions  int
}

// ClaimFilter narrows retrieval reads.
type ClaimFilter struct {
	MinConfidence float64
	IncludeStale  bool
	Since         time.Time
	Limit         int
}

// ClaimEvidence bundles a claim with its supporting chunk and document.
type ClaimEvidence struct {
	Claim    *knowledge.Claim
	Chunk    *knowledge.SourceChunk
	Document *knowledge.SourceDocument
}

// ClaimGraph owns Claim nodes, their SUPPORTED_BY and MENTIONS edges,
// and staleness bookkeeping.
type ClaimGraph interface {
	CreateBatch(ctx context.Context, graphID string, claims []*knowledge.Claim, mentions map[string][]string) (*ClaimBatchCounts, error)
	GetByID(ctx context.Context, graphID, claimID string) (*knowledge.Claim, error)
	ListForConcepts(ctx context.Context, vis scope.Visibility, conceptIDs []string, f ClaimFilter) ([]*knowledge.Claim, error)
	ListBySource(ctx context.Context, graphID, sourceID string) ([]*knowledge.Claim, error)
	ListWithEmbeddings(ctx context.Context, vis scope.Visibility, f ClaimFilter, cap int) ([]*knowledge.Claim, error)
	MentionedConcepts(ctx context.Context, vis scope.Visibility, claimIDs []string, limit int) ([]*knowledge.Concept, error)
	MarkStale(ctx context.Context, graphID string, claimIDs []string, changeEventID, reason string) (int, error)
	EvidenceFor(ctx context.Context, graphID, claimID string) (*ClaimEvidence, error)
	CountByStatus(ctx context.Context, graphID string) (map[string]int, error)
}

type claimGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewClaimGraph(client *neo4jdb.Client, baseLog *logger.Logger) ClaimGraph {
	return &claimGraph{client: client, log: baseLog.With("repo", "ClaimGraph")}
}

func claimFromProps(props map[string]any) *knowledge.Claim {
	if props == nil {
		return nil
	}
	status := knowledge.ClaimStatus(asString(props["status"]))
	if status == "" {
		status = knowledge.ClaimProposed
	}
	return &knowledge.Claim{
		ClaimID:       asString(props["claim_id"]),
		GraphID:       asString(props["graph_id"]),
		Text:          asString(props["text"]),
		Confidence:    asFloat(props["confidence"]),
		Method:        asString(props["method"]),
		SourceID:      asString(props["source_id"]),
		SourceSpan:    asString(props["source_span"]),
		ChunkID:       asString(props["chunk_id"]),
		Status:        status,
		StaleReason:   asString(props["stale_reason"]),
		ChangeEventID: asString(props["change_event_id"]),
		Embedding:     asFloatSlice(props["embedding"]),
		OnBranches:    asStringSlice(props["on_branches"]),
		CreatedAt:     asTime(props["created_at"]),
	}
}

func claimRow(c *knowledge.Claim, now string) map[string]any {
	props := map[string]any{
		"claim_id":    c.ClaimID,
		"graph_id":    c.GraphID,
		"text":        c.Text,
		"confidence":  c.Confidence,
		"method":      c.Method,
		"source_id":   c.SourceID,
		"source_span": c.SourceSpan,
		"chunk_id":    c.ChunkID,
		"status":      string(c.Status),
		"on_branches": toAnySlice(c.OnBranches),
		"created_at":  now,
	}
	if len(c.Embedding) > 0 {
		props["embedding"] = c.Embedding
	}
	return map[string]any{"claim_id": c.ClaimID, "chunk_id": c.ChunkID, "props": props}
}

// CreateBatch lands claims, their SUPPORTED_BY edge and MENTIONS edges in
// one transaction. Mention targets that no longer exist are dropped
// silently; the returned counts expose the shortfall.
func (r *claimGraph) CreateBatch(ctx context.Context, graphID string, claims []*knowledge.Claim, mentions map[string][]string) (*ClaimBatchCounts, error) {
	if len(claims) == 0 {
		return &ClaimBatchCounts{}, nil
	}
	now := nowRFC3339()
	rows := make([]any, 0, len(claims))
	for _, c := range claims {
		if c.Status == "" {
			c.Status = knowledge.ClaimProposed
		}
		rows = append(rows, claimRow(c, now))
	}
	var pairs []any
	for claimID, nodeIDs := range mentions {
		for _, nid := range nodeIDs {
			pairs = append(pairs, map[string]any{"claim_id": claimID, "node_id": nid})
		}
	}

	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		counts := &ClaimBatchCounts{}

		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
UNWIND $rows AS row
MERGE (cl:Claim {claim_id: row.claim_id})
ON CREATE SET cl += row.props
MERGE (cl)-[:BELONGS_TO]->(g)
RETURN count(cl) AS n
`, map[string]any{"graph_id": graphID, "rows": rows})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
		}
		counts.Claims = recInt(rec, "n")

		res, err = tx.Run(ctx, `
UNWIND $rows AS row
MATCH (cl:Claim {claim_id: row.claim_id})
MATCH (ch:SourceChunk {chunk_id: row.chunk_id})
MERGE (cl)-[:SUPPORTED_BY]->(ch)
RETURN count(*) AS n
`, map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		rec, err = res.Single(ctx)
		if err != nil {
			return nil, err
		}
		counts.Supported = recInt(rec, "n")

		if len(pairs) > 0 {
			res, err = tx.Run(ctx, `
UNWIND $pairs AS p
MATCH (cl:Claim {claim_id: p.claim_id})
MATCH (m:Concept {graph_id: $graph_id, node_id: p.node_id})
WHERE coalesce(m.is_merged, false) = false
MERGE (cl)-[:MENTIONS]->(m)
RETURN count(*) AS n
`, map[string]any{"graph_id": graphID, "pairs": pairs})
			if err != nil {
				return nil, err
			}
			rec, err = res.Single(ctx)
			if err != nil {
				return nil, err
			}
			counts.Mentions = recInt(rec, "n")
		}
		return counts, nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*ClaimBatchCounts), nil
}

func (r *claimGraph) GetByID(ctx context.Context, graphID, claimID string) (*knowledge.Claim, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (cl:Claim {graph_id: $graph_id, claim_id: $claim_id})
RETURN cl
`, map[string]any{"graph_id": graphID, "claim_id": claimID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return claimFromProps(nodeProps(res.Record(), "cl")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	c, _ := out.(*knowledge.Claim)
	return c, nil
}

func claimFilterConds(f ClaimFilter, params map[string]any) []string {
	var conds []string
	if !f.IncludeStale {
		conds = append(conds, "cl.status <> 'STALE'")
	}
	if f.MinConfidence > 0 {
		conds = append(conds, "coalesce(cl.confidence, 0.0) >= $min_confidence")
		params["min_confidence"] = f.MinConfidence
	}
	if !f.Since.IsZero() {
		conds = append(conds, "cl.created_at >= $since")
		params["since"] = f.Since.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return conds
}

// ListForConcepts walks MENTIONS backwards from the given concepts,
// applying branch visibility and the retrieval filter.
func (r *claimGraph) ListForConcepts(ctx context.Context, vis scope.Visibility, conceptIDs []string, f ClaimFilter) ([]*knowledge.Claim, error) {
	if len(conceptIDs) == 0 {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 24
	}
	clause, params := vis.NodeClause("cl")
	params["concept_ids"] = toAnySlice(conceptIDs)
	params["limit"] = limit
	conds := append([]string{clause}, claimFilterConds(f, params)...)

	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (cl:Claim)-[:MENTIONS]->(m:Concept)
WHERE m.node_id IN $concept_ids AND %s
WITH DISTINCT cl
RETURN cl
ORDER BY coalesce(cl.confidence, 0.0) DESC, cl.created_at DESC
LIMIT $limit
`, strings.Join(conds, " AND ")), params)
		if err != nil {
			return nil, err
		}
		var claims []*knowledge.Claim
		for res.Next(ctx) {
			claims = append(claims, claimFromProps(nodeProps(res.Record(), "cl")))
		}
		return claims, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	claims, _ := out.([]*knowledge.Claim)
	return claims, nil
}

// ListBySource returns every claim extracted from a source document,
// stale or not. Staleness propagation reads through this.
func (r *claimGraph) ListBySource(ctx context.Context, graphID, sourceID string) ([]*knowledge.Claim, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (cl:Claim {graph_id: $graph_id, source_id: $source_id})
RETURN cl
ORDER BY cl.created_at ASC
`, map[string]any{"graph_id": graphID, "source_id": sourceID})
		if err != nil {
			return nil, err
		}
		var claims []*knowledge.Claim
		for res.Next(ctx) {
			claims = append(claims, claimFromProps(nodeProps(res.Record(), "cl")))
		}
		return claims, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	claims, _ := out.([]*knowledge.Claim)
	return claims, nil
}

func (r *claimGraph) ListWithEmbeddings(ctx context.Context, vis scope.Visibility, f ClaimFilter, cap int) ([]*knowledge.Claim, error) {
	if cap <= 0 {
		cap = 2000
	}
	clause, params := vis.NodeClause("cl")
	params["cap"] = cap
	conds := append([]string{clause, "cl.embedding IS NOT NULL"}, claimFilterConds(f, params)...)

	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (cl:Claim)
WHERE %s
RETURN cl
LIMIT $cap
`, strings.Join(conds, " AND ")), params)
		if err != nil {
			return nil, err
		}
		var claims []*knowledge.Claim
		for res.Next(ctx) {
			claims = append(claims, claimFromProps(nodeProps(res.Record(), "cl")))
		}
		return claims, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	claims, _ := out.([]*knowledge.Claim)
	return claims, nil
}

// MentionedConcepts resolves the live concepts a set of claims points
// at, most-mentioned first. Evidence subgraphs start here.
func (r *claimGraph) MentionedConcepts(ctx context.Context, vis scope.Visibility, claimIDs []string, limit int) ([]*knowledge.Concept, error) {
	if len(claimIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	clause, params := vis.ConceptClause("m")
	params["claim_ids"] = toAnySlice(claimIDs)
	params["limit"] = limit

	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (cl:Claim {graph_id: $graph_id})-[:MENTIONS]->(m:Concept)
WHERE cl.claim_id IN $claim_ids AND %s
WITH m, count(DISTINCT cl) AS hits
RETURN m
ORDER BY hits DESC, m.name ASC
LIMIT $limit
`, clause), params)
		if err != nil {
			return nil, err
		}
		var concepts []*knowledge.Concept
		for res.Next(ctx) {
			concepts = append(concepts, conceptFromProps(nodeProps(res.Record(), "m")))
		}
		return concepts, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	concepts, _ := out.([]*knowledge.Concept)
	return concepts, nil
}

// MarkStale flips claims to STALE and records the change event that
// superseded their evidence. Already-stale claims keep their original
// change_event_id.
func (r *claimGraph) MarkStale(ctx context.Context, graphID string, claimIDs []string, changeEventID, reason string) (int, error) {
	if len(claimIDs) == 0 {
		return 0, nil
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (cl:Claim {graph_id: $graph_id})
WHERE cl.claim_id IN $ids AND cl.status <> 'STALE'
SET cl.status = 'STALE',
    cl.change_event_id = $change_event_id,
    cl.stale_reason = $reason,
    cl.updated_at = $now
RETURN count(cl) AS n
`, map[string]any{
			"graph_id":        graphID,
			"ids":             toAnySlice(claimIDs),
			"change_event_id": changeEventID,
			"reason":          reason,
			"now":             nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recInt(rec, "n"), nil
	})
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return out.(int), nil
}

// EvidenceFor resolves the supporting chunk and document of a claim.
func (r *claimGraph) EvidenceFor(ctx context.Context, graphID, claimID string) (*ClaimEvidence, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (cl:Claim {graph_id: $graph_id, claim_id: $claim_id})
OPTIONAL MATCH (cl)-[:SUPPORTED_BY]->(ch:SourceChunk)
OPTIONAL MATCH (ch)-[:FROM_DOCUMENT]->(d:SourceDocument)
RETURN cl, ch, d
`, map[string]any{"graph_id": graphID, "claim_id": claimID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, errs.Wrap(errs.ErrNotFound, "claim %s not found", claimID)
		}
		rec := res.Record()
		ev := &ClaimEvidence{Claim: claimFromProps(nodeProps(rec, "cl"))}
		if props := nodeProps(rec, "ch"); props != nil {
			ev.Chunk = chunkFromProps(props)
		}
		if props := nodeProps(rec, "d"); props != nil {
			ev.Document = documentFromProps(props)
		}
		return ev, nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*ClaimEvidence), nil
}

func (r *claimGraph) CountByStatus(ctx context.Context, graphID string) (map[string]int, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (cl:Claim {graph_id: $graph_id})
RETURN coalesce(cl.status, 'PROPOSED') AS status, count(cl) AS n
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
