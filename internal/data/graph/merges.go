package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
)

// MergeCandidateGraph owns MergeCandidate nodes. Candidate ids are
// deterministic over the unordered pair, so a rescan re-upserts instead
// of duplicating, and reviewed candidates keep their verdict.
type MergeCandidateGraph interface {
	UpsertCandidates(ctx context.Context, graphID string, cands []*knowledge.MergeCandidate) (created int, err error)
	List(ctx context.Context, graphID string, status knowledge.MergeCandidateStatus, limit int) ([]*knowledge.MergeCandidate, error)
	GetByID(ctx context.Context, graphID, candidateID string) (*knowledge.MergeCandidate, error)
	UpdateStatus(ctx context.Context, graphID, candidateID string, status knowledge.MergeCandidateStatus, reviewer string) (*knowledge.MergeCandidate, error)
}

type mergeCandidateGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewMergeCandidateGraph(client *neo4jdb.Client, baseLog *logger.Logger) MergeCandidateGraph {
	return &mergeCandidateGraph{client: client, log: baseLog.With("repo", "MergeCandidateGraph")}
}

func mergeCandidateFromProps(props map[string]any) *knowledge.MergeCandidate {
	if props == nil {
		return nil
	}
	status := knowledge.MergeCandidateStatus(asString(props["status"]))
	if status == "" {
		status = knowledge.MergeProposed
	}
	return &knowledge.MergeCandidate{
		CandidateID: asString(props["candidate_id"]),
		GraphID:     asString(props["graph_id"]),
		SrcNodeID:   asString(props["src_node_id"]),
		DstNodeID:   asString(props["dst_node_id"]),
		Score:       asFloat(props["score"]),
		Method:      asString(props["method"]),
		Rationale:   asString(props["rationale"]),
		Status:      status,
		ReviewedBy:  asString(props["reviewed_by"]),
		ReviewedAt:  asTimePtr(props["reviewed_at"]),
		CreatedAt:   asTime(props["created_at"]),
	}
}

// UpsertCandidates merges by candidate_id. A fresh scan refreshes score
// and rationale on PROPOSED candidates but never reopens reviewed ones.
func (r *mergeCandidateGraph) UpsertCandidates(ctx context.Context, graphID string, cands []*knowledge.MergeCandidate) (int, error) {
	if len(cands) == 0 {
		return 0, nil
	}
	rows := make([]any, 0, len(cands))
	for _, c := range cands {
		rows = append(rows, map[string]any{
			"candidate_id": c.CandidateID,
			"src_node_id":  c.SrcNodeID,
			"dst_node_id":  c.DstNodeID,
			"score":        c.Score,
			"method":       c.Method,
			"rationale":    c.Rationale,
		})
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
UNWIND $rows AS row
MERGE (mc:MergeCandidate {graph_id: $graph_id, candidate_id: row.candidate_id})
ON CREATE SET mc.src_node_id = row.src_node_id,
              mc.dst_node_id = row.dst_node_id,
              mc.score = row.score,
              mc.method = row.method,
              mc.rationale = row.rationale,
              mc.status = 'PROPOSED',
              mc.created_at = $now,
              mc.__created = true
ON MATCH SET mc.score = CASE WHEN mc.status = 'PROPOSED' THEN row.score ELSE mc.score END,
             mc.rationale = CASE WHEN mc.status = 'PROPOSED' THEN row.rationale ELSE mc.rationale END,
             mc.method = CASE WHEN mc.status = 'PROPOSED' THEN row.method ELSE mc.method END
MERGE (mc)-[:BELONGS_TO]->(g)
WITH mc, row, coalesce(mc.__created, false) AS created
REMOVE mc.__created
WITH mc, row, created
MATCH (src:Concept {graph_id: $graph_id, node_id: row.src_node_id})
MATCH (dst:Concept {graph_id: $graph_id, node_id: row.dst_node_id})
MERGE (mc)-[:MERGE_SRC]->(src)
MERGE (mc)-[:MERGE_DST]->(dst)
RETURN sum(CASE WHEN created THEN 1 ELSE 0 END) AS created_count
`, map[string]any{"graph_id": graphID, "rows": rows, "now": nowRFC3339()})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
		}
		return recInt(rec, "created_count"), nil
	})
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return out.(int), nil
}

func (r *mergeCandidateGraph) List(ctx context.Context, graphID string, status knowledge.MergeCandidateStatus, limit int) ([]*knowledge.MergeCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	params := map[string]any{"graph_id": graphID, "limit": limit}
	query := `
MATCH (mc:MergeCandidate {graph_id: $graph_id})
RETURN mc
ORDER BY mc.score DESC, mc.candidate_id ASC
LIMIT $limit
`
	if status != "" {
		params["status"] = string(status)
		query = `
MATCH (mc:MergeCandidate {graph_id: $graph_id, status: $status})
RETURN mc
ORDER BY mc.score DESC, mc.candidate_id ASC
LIMIT $limit
`
	}
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var cands []*knowledge.MergeCandidate
		for res.Next(ctx) {
			cands = append(cands, mergeCandidateFromProps(nodeProps(res.Record(), "mc")))
		}
		return cands, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	cands, _ := out.([]*knowledge.MergeCandidate)
	return cands, nil
}

func (r *mergeCandidateGraph) GetByID(ctx context.Context, graphID, candidateID string) (*knowledge.MergeCandidate, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (mc:MergeCandidate {graph_id: $graph_id, candidate_id: $candidate_id})
RETURN mc
`, map[string]any{"graph_id": graphID, "candidate_id": candidateID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return mergeCandidateFromProps(nodeProps(res.Record(), "mc")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	mc, _ := out.(*knowledge.MergeCandidate)
	return mc, nil
}

func (r *mergeCandidateGraph) UpdateStatus(ctx context.Context, graphID, candidateID string, status knowledge.MergeCandidateStatus, reviewer string) (*knowledge.MergeCandidate, error) {
	switch status {
	case knowledge.MergeProposed, knowledge.MergeAccepted, knowledge.MergeRejected, knowledge.MergeExecuted:
	default:
		return nil, errs.Wrap(errs.ErrInvalid, "invalid merge candidate status %q", status)
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (mc:MergeCandidate {graph_id: $graph_id, candidate_id: $candidate_id})
SET mc.status = $status, mc.reviewed_by = $reviewer, mc.reviewed_at = $now
RETURN mc
`, map[string]any{
			"graph_id":     graphID,
			"candidate_id": candidateID,
			"status":       string(status),
			"reviewer":     reviewer,
			"now":          nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, errs.Wrap(errs.ErrNotFound, "merge candidate %s not found", candidateID)
		}
		return mergeCandidateFromProps(nodeProps(res.Record(), "mc")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.MergeCandidate), nil
}
