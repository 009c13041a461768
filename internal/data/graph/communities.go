package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
)

// AdjacencyEdge is one accepted concept-to-concept edge, the input to
// community detection.
type AdjacencyEdge struct {
	SrcNodeID string
	DstNodeID string
}

// CommunityGraph owns Community nodes and IN_COMMUNITY membership edges.
// Communities are rebuilt wholesale; a rebuild replaces the previous set
// for the graph.
type CommunityGraph interface {
	ReplaceForGraph(ctx context.Context, graphID string, comms []*knowledge.Community) error
	ListByGraph(ctx context.Context, graphID string, limit int) ([]*knowledge.Community, error)
	GetByID(ctx context.Context, graphID, communityID string) (*knowledge.Community, error)
	MembershipFor(ctx context.Context, graphID string, nodeIDs []string) (map[string]string, error)
	AcceptedAdjacency(ctx context.Context, graphID string) ([]AdjacencyEdge, error)
}

type communityGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewCommunityGraph(client *neo4jdb.Client, baseLog *logger.Logger) CommunityGraph {
	return &communityGraph{client: client, log: baseLog.With("repo", "CommunityGraph")}
}

func communityFromProps(props map[string]any) *knowledge.Community {
	if props == nil {
		return nil
	}
	return &knowledge.Community{
		CommunityID: asString(props["community_id"]),
		GraphID:     asString(props["graph_id"]),
		Name:        asString(props["name"]),
		Summary:     asString(props["summary"]),
		MemberIDs:   asStringSlice(props["member_ids"]),
		Size:        asInt(props["size"]),
		BuiltAt:     asTime(props["built_at"]),
	}
}

// ReplaceForGraph swaps the community set atomically: old nodes go,
// new ones land with membership edges, in one transaction.
func (r *communityGraph) ReplaceForGraph(ctx context.Context, graphID string, comms []*knowledge.Community) error {
	if graphID == "" {
		return errs.Wrap(errs.ErrInvalid, "replace communities: graph_id required")
	}
	now := nowRFC3339()
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:Community {graph_id: $graph_id})
DETACH DELETE c
`, map[string]any{"graph_id": graphID})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}

		for _, comm := range comms {
			res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
CREATE (c:Community {
  community_id: $community_id,
  graph_id: $graph_id,
  name: $name,
  summary: $summary,
  member_ids: $member_ids,
  size: $size,
  built_at: $now
})
MERGE (c)-[:BELONGS_TO]->(g)
WITH c
UNWIND $member_ids AS mid
MATCH (m:Concept {graph_id: $graph_id, node_id: mid})
MERGE (m)-[:IN_COMMUNITY]->(c)
RETURN count(m) AS n
`, map[string]any{
				"graph_id":     graphID,
				"community_id": comm.CommunityID,
				"name":         comm.Name,
				"summary":      comm.Summary,
				"member_ids":   toAnySlice(comm.MemberIDs),
				"size":         comm.Size,
				"now":          now,
			})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

func (r *communityGraph) ListByGraph(ctx context.Context, graphID string, limit int) ([]*knowledge.Community, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:Community {graph_id: $graph_id})
RETURN c
ORDER BY c.size DESC, c.community_id ASC
LIMIT $limit
`, map[string]any{"graph_id": graphID, "limit": limit})
		if err != nil {
			return nil, err
		}
		var comms []*knowledge.Community
		for res.Next(ctx) {
			comms = append(comms, communityFromProps(nodeProps(res.Record(), "c")))
		}
		return comms, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	comms, _ := out.([]*knowledge.Community)
	return comms, nil
}

func (r *communityGraph) GetByID(ctx context.Context, graphID, communityID string) (*knowledge.Community, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:Community {graph_id: $graph_id, community_id: $community_id})
RETURN c
`, map[string]any{"graph_id": graphID, "community_id": communityID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return communityFromProps(nodeProps(res.Record(), "c")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	c, _ := out.(*knowledge.Community)
	return c, nil
}

// MembershipFor maps node ids to their community id. Nodes outside any
// community are absent from the result.
func (r *communityGraph) MembershipFor(ctx context.Context, graphID string, nodeIDs []string) (map[string]string, error) {
	if len(nodeIDs) == 0 {
		return map[string]string{}, nil
	}
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (m:Concept {graph_id: $graph_id})-[:IN_COMMUNITY]->(c:Community)
WHERE m.node_id IN $node_ids
RETURN m.node_id AS node_id, c.community_id AS community_id
`, map[string]any{"graph_id": graphID, "node_ids": toAnySlice(nodeIDs)})
		if err != nil {
			return nil, err
		}
		membership := map[string]string{}
		for res.Next(ctx) {
			rec := res.Record()
			membership[recString(rec, "node_id")] = recString(rec, "community_id")
		}
		return membership, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(map[string]string), nil
}

// AcceptedAdjacency returns every ACCEPTED edge between live concepts in
// a graph, branch-agnostic. Community detection clusters over this.
func (r *communityGraph) AcceptedAdjacency(ctx context.Context, graphID string) ([]AdjacencyEdge, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Concept {graph_id: $graph_id})-[x]->(b:Concept {graph_id: $graph_id})
WHERE coalesce(x.status, 'ACCEPTED') = 'ACCEPTED'
  AND coalesce(a.is_merged, false) = false
  AND coalesce(b.is_merged, false) = false
RETURN a.node_id AS src, b.node_id AS dst
`, map[string]any{"graph_id": graphID})
		if err != nil {
			return nil, err
		}
		var edges []AdjacencyEdge
		for res.Next(ctx) {
			rec := res.Record()
			edges = append(edges, AdjacencyEdge{
				SrcNodeID: recString(rec, "src"),
				DstNodeID: recString(rec, "dst"),
			})
		}
		return edges, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	edges, _ := out.([]AdjacencyEdge)
	return edges, nil
}
