package graph

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// predicateRe is the only shape an edge type may take. Cypher cannot
// parameterize relationship types, so predicates are validated against
// this charset before being spliced into query text.
var predicateRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func ValidPredicate(p string) error {
	if !predicateRe.MatchString(p) {
		return errs.Wrap(errs.ErrInvalid, "invalid predicate %q: must be uppercase identifier", p)
	}
	if strings.Contains(p, "-") {
		return errs.Wrap(errs.ErrInvalid, "invalid predicate %q: hyphens not allowed", p)
	}
	return nil
}

// ConceptGraph owns Concept nodes and the merge machinery.
type ConceptGraph interface {
	Create(ctx context.Context, c *knowledge.Concept) (*knowledge.Concept, error)
	GetByID(ctx context.Context, vis scope.Visibility, nodeID string) (*knowledge.Concept, error)
	GetByName(ctx context.Context, vis scope.Visibility, name string) (*knowledge.Concept, error)
	ResolveNames(ctx context.Context, vis scope.Visibility, names []string) (map[string]*knowledge.Concept, error)
	UpdateFields(ctx context.Context, vis scope.Visibility, nodeID string, fields map[string]any) (*knowledge.Concept, error)
	AddToBranch(ctx context.Context, graphID, nodeID, branchID string) error
	DetachDelete(ctx context.Context, vis scope.Visibility, nodeID string) error
	Neighbors(ctx context.Context, vis scope.Visibility, nodeID string, limit int) ([]*knowledge.Neighbor, error)
	Overview(ctx context.Context, vis scope.Visibility, limitNodes, limitEdges int) (*knowledge.GraphOverview, error)
	ListWithEmbeddings(ctx context.Context, vis scope.Visibility, cap int) ([]*knowledge.Concept, error)
	ListLive(ctx context.Context, graphID string) ([]*knowledge.Concept, error)
	Merge(ctx context.Context, vis scope.Visibility, keepID, dropID, reviewer string) (*knowledge.MergeOutcome, error)
}

type conceptGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewConceptGraph(client *neo4jdb.Client, baseLog *logger.Logger) ConceptGraph {
	return &conceptGraph{client: client, log: baseLog.With("repo", "ConceptGraph")}
}

func conceptFromProps(props map[string]any) *knowledge.Concept {
	if props == nil {
		return nil
	}
	return &knowledge.Concept{
		NodeID:        asString(props["node_id"]),
		GraphID:       asString(props["graph_id"]),
		Name:          asString(props["name"]),
		Domain:        asString(props["domain"]),
		Type:          asString(props["type"]),
		Description:   asString(props["description"]),
		Tags:          asStringSlice(props["tags"]),
		AliasNames:    asStringSlice(props["alias_names"]),
		OnBranches:    asStringSlice(props["on_branches"]),
		MergedNodeIDs: asStringSlice(props["merged_node_ids"]),
		IsMerged:      asBool(props["is_merged"]),
		MergedInto:    asString(props["merged_into"]),
		Embedding:     asFloatSlice(props["embedding"]),
		CreatedAt:     asTime(props["created_at"]),
		UpdatedAt:     asTime(props["updated_at"]),
		MergedAt:      asTimePtr(props["merged_at"]),
	}
}

func conceptProps(c *knowledge.Concept, now string) map[string]any {
	props := map[string]any{
		"node_id":     c.NodeID,
		"graph_id":    c.GraphID,
		"name":        c.Name,
		"domain":      c.Domain,
		"type":        c.Type,
		"description": c.Description,
		"tags":        toAnySlice(c.Tags),
		"alias_names": toAnySlice(c.AliasNames),
		"on_branches": toAnySlice(c.OnBranches),
		"is_merged":   false,
		"created_at":  now,
		"updated_at":  now,
	}
	if len(c.Embedding) > 0 {
		props["embedding"] = c.Embedding
	}
	return props
}

func toAnySlice(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func relationshipFromProps(props map[string]any, predicate, srcID, dstID string) *knowledge.Relationship {
	rel := &knowledge.Relationship{
		Predicate:      predicate,
		SourceID:       srcID,
		TargetID:       dstID,
		GraphID:        asString(props["graph_id"]),
		OnBranches:     asStringSlice(props["on_branches"]),
		Status:         knowledge.RelationshipStatus(asString(props["status"])),
		Confidence:     asFloat(props["confidence"]),
		Method:         asString(props["method"]),
		Rationale:      asString(props["rationale"]),
		ChunkID:        asString(props["chunk_id"]),
		IngestionRunID: asString(props["ingestion_run_id"]),
		ReviewedBy:     asString(props["reviewed_by"]),
		ReviewedAt:     asTimePtr(props["reviewed_at"]),
		CreatedAt:      asTime(props["created_at"]),
	}
	if rel.Status == "" {
		rel.Status = knowledge.RelationshipAccepted
	}
	return rel
}

func (r *conceptGraph) Create(ctx context.Context, c *knowledge.Concept) (*knowledge.Concept, error) {
	if c == nil || c.GraphID == "" || strings.TrimSpace(c.Name) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "create concept: graph_id and name required")
	}
	now := nowRFC3339()
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (dup:Concept {graph_id: $graph_id, name: $name})
RETURN count(dup) AS n
`, map[string]any{"graph_id": c.GraphID, "name": c.Name})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recInt(rec, "n") > 0 {
			return nil, errs.Wrap(errs.ErrConflict, "concept name %q already exists in graph %s", c.Name, c.GraphID)
		}

		res, err = tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
CREATE (c:Concept)
SET c = $props
MERGE (c)-[:BELONGS_TO]->(g)
RETURN c
`, map[string]any{"graph_id": c.GraphID, "props": conceptProps(c, now)})
		if err != nil {
			return nil, err
		}
		rec, err = res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", c.GraphID)
		}
		return conceptFromProps(nodeProps(rec, "c")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.Concept), nil
}

func (r *conceptGraph) GetByID(ctx context.Context, vis scope.Visibility, nodeID string) (*knowledge.Concept, error) {
	clause, params := vis.ConceptClause("c")
	params["node_id"] = nodeID
	return r.getOne(ctx, fmt.Sprintf(`
MATCH (c:Concept {node_id: $node_id})
WHERE %s
RETURN c
`, clause), params)
}

func (r *conceptGraph) GetByName(ctx context.Context, vis scope.Visibility, name string) (*knowledge.Concept, error) {
	clause, params := vis.ConceptClause("c")
	params["name"] = name
	return r.getOne(ctx, fmt.Sprintf(`
MATCH (c:Concept {graph_id: $graph_id, name: $name})
WHERE %s
RETURN c
`, clause), params)
}

func (r *conceptGraph) getOne(ctx context.Context, query string, params map[string]any) (*knowledge.Concept, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return conceptFromProps(nodeProps(res.Record(), "c")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	c, _ := out.(*knowledge.Concept)
	return c, nil
}

// ResolveNames maps each requested name to its live concept; names with
// no live concept are absent from the result.
func (r *conceptGraph) ResolveNames(ctx context.Context, vis scope.Visibility, names []string) (map[string]*knowledge.Concept, error) {
	if len(names) == 0 {
		return map[string]*knowledge.Concept{}, nil
	}
	clause, params := vis.ConceptClause("c")
	params["names"] = toAnySlice(names)
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (c:Concept)
WHERE c.name IN $names AND %s
RETURN c
`, clause), params)
		if err != nil {
			return nil, err
		}
		found := map[string]*knowledge.Concept{}
		for res.Next(ctx) {
			c := conceptFromProps(nodeProps(res.Record(), "c"))
			if c != nil {
				found[c.Name] = c
			}
		}
		return found, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(map[string]*knowledge.Concept), nil
}

func (r *conceptGraph) UpdateFields(ctx context.Context, vis scope.Visibility, nodeID string, fields map[string]any) (*knowledge.Concept, error) {
	if len(fields) == 0 {
		return r.GetByID(ctx, vis, nodeID)
	}
	clause, params := vis.ConceptClause("c")
	params["node_id"] = nodeID
	params["fields"] = fields
	params["now"] = nowRFC3339()
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (c:Concept {node_id: $node_id})
WHERE %s
SET c += $fields, c.updated_at = $now
RETURN c
`, clause), params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, errs.Wrap(errs.ErrNotFound, "concept %s not found", nodeID)
		}
		return conceptFromProps(nodeProps(res.Record(), "c")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.Concept), nil
}

// AddToBranch unions branchID into the concept's on_branches. Used when
// ingestion re-touches an existing concept from a different branch.
func (r *conceptGraph) AddToBranch(ctx context.Context, graphID, nodeID, branchID string) error {
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:Concept {graph_id: $graph_id, node_id: $node_id})
SET c.on_branches = CASE
  WHEN $branch_id IN coalesce(c.on_branches, []) THEN c.on_branches
  ELSE coalesce(c.on_branches, []) + $branch_id
END
RETURN count(c) AS n
`, map[string]any{"graph_id": graphID, "node_id": nodeID, "branch_id": branchID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "concept %s not found", nodeID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

func (r *conceptGraph) DetachDelete(ctx context.Context, vis scope.Visibility, nodeID string) error {
	clause, params := vis.ConceptClause("c")
	params["node_id"] = nodeID
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (c:Concept {node_id: $node_id})
WHERE %s
DETACH DELETE c
RETURN count(c) AS n
`, clause), params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "concept %s not found", nodeID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

// Neighbors returns the direct neighborhood of a concept. Multi-hop
// expansion is composed by the caller from repeated one-hop reads.
func (r *conceptGraph) Neighbors(ctx context.Context, vis scope.Visibility, nodeID string, limit int) ([]*knowledge.Neighbor, error) {
	if limit <= 0 {
		limit = 80
	}
	centerClause, params := vis.ConceptClause("c")
	nbClause, _ := vis.ConceptClause("nb")
	relClause, relParams := vis.RelClause("r")
	for k, v := range relParams {
		params[k] = v
	}
	params["node_id"] = nodeID
	params["limit"] = limit

	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (c:Concept {node_id: $node_id})
WHERE %s
MATCH (c)-[r]-(nb:Concept)
WHERE %s AND %s
RETURN nb, r, type(r) AS predicate,
       CASE WHEN startNode(r) = c THEN 'out' ELSE 'in' END AS direction,
       startNode(r).node_id AS src_id, endNode(r).node_id AS dst_id
LIMIT $limit
`, centerClause, relClause, nbClause), params)
		if err != nil {
			return nil, err
		}
		var neighbors []*knowledge.Neighbor
		for res.Next(ctx) {
			rec := res.Record()
			props, _ := relProps(rec, "r")
			predicate := recString(rec, "predicate")
			nb := conceptFromProps(nodeProps(rec, "nb"))
			if nb == nil {
				continue
			}
			rel := relationshipFromProps(props, predicate, recString(rec, "src_id"), recString(rec, "dst_id"))
			neighbors = append(neighbors, &knowledge.Neighbor{
				Concept:   *nb,
				Predicate: predicate,
				Direction: recString(rec, "direction"),
				Rel:       *rel,
			})
		}
		return neighbors, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	neighbors, _ := out.([]*knowledge.Neighbor)
	return neighbors, nil
}

// Overview returns the top nodes by degree plus the edges whose both
// endpoints made the cut.
func (r *conceptGraph) Overview(ctx context.Context, vis scope.Visibility, limitNodes, limitEdges int) (*knowledge.GraphOverview, error) {
	if limitNodes <= 0 {
		limitNodes = 50
	}
	if limitEdges <= 0 {
		limitEdges = 100
	}
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		nodeClause, nodeParams := vis.ConceptClause("c")
		relClause, relParams := vis.RelClause("r")
		for k, v := range relParams {
			nodeParams[k] = v
		}
		nodeParams["limit_nodes"] = limitNodes

		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (c:Concept)
WHERE %s
OPTIONAL MATCH (c)-[r]-(:Concept)
WHERE %s
WITH c, count(r) AS degree
ORDER BY degree DESC, c.name ASC
LIMIT $limit_nodes
RETURN c, degree
`, nodeClause, relClause), nodeParams)
		if err != nil {
			return nil, err
		}
		var nodes []knowledge.Concept
		ids := make([]any, 0, limitNodes)
		for res.Next(ctx) {
			c := conceptFromProps(nodeProps(res.Record(), "c"))
			if c == nil {
				continue
			}
			nodes = append(nodes, *c)
			ids = append(ids, c.NodeID)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}

		overview := &knowledge.GraphOverview{
			Nodes: nodes,
			Edges: []knowledge.Relationship{},
			Meta: map[string]any{
				"node_count": len(nodes),
				"graph_id":   vis.GraphID,
				"branch_id":  vis.BranchID,
			},
		}
		if len(ids) == 0 {
			return overview, nil
		}

		edgeClause, edgeParams := vis.RelClause("r")
		edgeParams["ids"] = ids
		edgeParams["limit_edges"] = limitEdges
		res, err = tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Concept)-[r]->(b:Concept)
WHERE a.node_id IN $ids AND b.node_id IN $ids AND %s
RETURN r, type(r) AS predicate, a.node_id AS src_id, b.node_id AS dst_id
LIMIT $limit_edges
`, edgeClause), edgeParams)
		if err != nil {
			return nil, err
		}
		for res.Next(ctx) {
			rec := res.Record()
			props, _ := relProps(rec, "r")
			rel := relationshipFromProps(props, recString(rec, "predicate"), recString(rec, "src_id"), recString(rec, "dst_id"))
			overview.Edges = append(overview.Edges, *rel)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		overview.Meta["edge_count"] = len(overview.Edges)
		return overview, nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.GraphOverview), nil
}

// ListWithEmbeddings returns visible concepts carrying embedding vectors,
// capped for in-process similarity scans.
func (r *conceptGraph) ListWithEmbeddings(ctx context.Context, vis scope.Visibility, cap int) ([]*knowledge.Concept, error) {
	if cap <= 0 {
		cap = 2000
	}
	clause, params := vis.ConceptClause("c")
	params["cap"] = cap
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (c:Concept)
WHERE %s AND c.embedding IS NOT NULL
RETURN c
LIMIT $cap
`, clause), params)
		if err != nil {
			return nil, err
		}
		var concepts []*knowledge.Concept
		for res.Next(ctx) {
			concepts = append(concepts, conceptFromProps(nodeProps(res.Record(), "c")))
		}
		return concepts, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	concepts, _ := out.([]*knowledge.Concept)
	return concepts, nil
}

// ListLive returns every live concept in a graph regardless of branch.
// Merge-candidate generation scans at graph level.
func (r *conceptGraph) ListLive(ctx context.Context, graphID string) ([]*knowledge.Concept, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:Concept {graph_id: $graph_id})
WHERE coalesce(c.is_merged, false) = false
RETURN c
ORDER BY c.name ASC
`, map[string]any{"graph_id": graphID})
		if err != nil {
			return nil, err
		}
		var concepts []*knowledge.Concept
		for res.Next(ctx) {
			concepts = append(concepts, conceptFromProps(nodeProps(res.Record(), "c")))
		}
		return concepts, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	concepts, _ := out.([]*knowledge.Concept)
	return concepts, nil
}

type incidentEdge struct {
	Predicate string
	OtherID   string
	Outgoing  bool
	Props     map[string]any
}

// Merge folds drop into keep in one transaction: re-home or skip every
// incident edge, combine descriptive fields, tombstone drop.
func (r *conceptGraph) Merge(ctx context.Context, vis scope.Visibility, keepID, dropID, reviewer string) (*knowledge.MergeOutcome, error) {
	if keepID == dropID {
		return nil, errs.Wrap(errs.ErrInvalid, "merge: keep and drop are the same concept")
	}
	now := nowRFC3339()
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		keep, err := r.loadForMerge(ctx, tx, vis, keepID)
		if err != nil {
			return nil, err
		}
		drop, err := r.loadForMerge(ctx, tx, vis, dropID)
		if err != nil {
			return nil, err
		}

		edges, err := r.incidentEdges(ctx, tx, dropID)
		if err != nil {
			return nil, err
		}

		outcome := &knowledge.MergeOutcome{KeepNodeID: keepID, DropNodeID: dropID}
		for _, e := range edges {
			if e.OtherID == keepID {
				// Edge between the pair collapses; the delete below removes it.
				outcome.Deleted++
				continue
			}
			moved, err := r.rehomeEdge(ctx, tx, keepID, e)
			if err != nil {
				return nil, err
			}
			if moved {
				outcome.Redirected++
			} else {
				outcome.Skipped++
			}
		}

		if err := r.applyMergeMetadata(ctx, tx, keep, drop, reviewer, now); err != nil {
			return nil, err
		}

		res, err := tx.Run(ctx, `
MATCH (d:Concept {node_id: $drop_id})-[r]-()
WHERE type(r) <> 'BELONGS_TO'
DELETE r
`, map[string]any{"drop_id": dropID})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		outcome.Deleted += len(edges) - outcome.Redirected - outcome.Skipped
		return outcome, nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.MergeOutcome), nil
}

func (r *conceptGraph) loadForMerge(ctx context.Context, tx neo4j.ManagedTransaction, vis scope.Visibility, nodeID string) (*knowledge.Concept, error) {
	clause, params := vis.ConceptClause("c")
	params["node_id"] = nodeID
	res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (c:Concept {node_id: $node_id})
WHERE %s
RETURN c
`, clause), params)
	if err != nil {
		return nil, err
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return nil, err
		}
		return nil, errs.Wrap(errs.ErrNotFound, "concept %s not live on branch %s", nodeID, vis.BranchID)
	}
	return conceptFromProps(nodeProps(res.Record(), "c")), nil
}

func (r *conceptGraph) incidentEdges(ctx context.Context, tx neo4j.ManagedTransaction, nodeID string) ([]incidentEdge, error) {
	res, err := tx.Run(ctx, `
MATCH (d:Concept {node_id: $node_id})-[r]-(other)
WHERE type(r) <> 'BELONGS_TO' AND (other.node_id IS NOT NULL OR other.claim_id IS NOT NULL OR other.resource_id IS NOT NULL OR other.community_id IS NOT NULL)
RETURN r, type(r) AS predicate,
       startNode(r) = d AS outgoing,
       coalesce(other.node_id, other.claim_id, other.resource_id, other.community_id) AS other_id
`, map[string]any{"node_id": nodeID})
	if err != nil {
		return nil, err
	}
	var edges []incidentEdge
	for res.Next(ctx) {
		rec := res.Record()
		props, _ := relProps(rec, "r")
		v, _ := rec.Get("outgoing")
		edges = append(edges, incidentEdge{
			Predicate: recString(rec, "predicate"),
			OtherID:   recString(rec, "other_id"),
			Outgoing:  asBool(v),
			Props:     props,
		})
	}
	return edges, res.Err()
}

// rehomeEdge recreates one of drop's edges on keep, or unions branches
// onto an equivalent edge that already exists. Returns true when a new
// edge was created.
func (r *conceptGraph) rehomeEdge(ctx context.Context, tx neo4j.ManagedTransaction, keepID string, e incidentEdge) (bool, error) {
	if err := ValidPredicate(e.Predicate); err != nil {
		return false, err
	}
	pattern := fmt.Sprintf(`(k)-[x:%s]->(o)`, e.Predicate)
	if !e.Outgoing {
		pattern = fmt.Sprintf(`(k)<-[x:%s]-(o)`, e.Predicate)
	}
	branches := e.Props["on_branches"]
	if branches == nil {
		branches = []any{}
	}
	res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (k:Concept {node_id: $keep_id})
MATCH (o) WHERE coalesce(o.node_id, o.claim_id, o.resource_id, o.community_id) = $other_id
OPTIONAL MATCH %s
RETURN count(x) AS n
`, pattern), map[string]any{"keep_id": keepID, "other_id": e.OtherID})
	if err != nil {
		return false, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return false, err
	}
	exists := recInt(rec, "n") > 0

	if exists {
		res, err = tx.Run(ctx, fmt.Sprintf(`
MATCH (k:Concept {node_id: $keep_id})
MATCH (o) WHERE coalesce(o.node_id, o.claim_id, o.resource_id, o.community_id) = $other_id
MATCH %s
SET x.on_branches = coalesce(x.on_branches, []) + [b IN $branches WHERE NOT b IN coalesce(x.on_branches, [])]
`, pattern), map[string]any{"keep_id": keepID, "other_id": e.OtherID, "branches": branches})
		if err != nil {
			return false, err
		}
		_, err = res.Consume(ctx)
		return false, err
	}

	createPattern := fmt.Sprintf(`(k)-[x:%s]->(o)`, e.Predicate)
	if !e.Outgoing {
		createPattern = fmt.Sprintf(`(k)<-[x:%s]-(o)`, e.Predicate)
	}
	res, err = tx.Run(ctx, fmt.Sprintf(`
MATCH (k:Concept {node_id: $keep_id})
MATCH (o) WHERE coalesce(o.node_id, o.claim_id, o.resource_id, o.community_id) = $other_id
CREATE %s
SET x = $props
`, createPattern), map[string]any{"keep_id": keepID, "other_id": e.OtherID, "props": e.Props})
	if err != nil {
		return false, err
	}
	if _, err := res.Consume(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *conceptGraph) applyMergeMetadata(ctx context.Context, tx neo4j.ManagedTransaction, keep, drop *knowledge.Concept, reviewer, now string) error {
	desc := keep.Description
	if drop.Description != "" && !strings.Contains(desc, drop.Description) {
		if desc != "" {
			desc += "\n\n"
		}
		desc += drop.Description
	}
	tags := unionStrings(keep.Tags, drop.Tags)
	aliases := unionStrings(keep.AliasNames, append([]string{drop.Name}, drop.AliasNames...))
	mergedIDs := unionStrings(keep.MergedNodeIDs, append([]string{drop.NodeID}, drop.MergedNodeIDs...))
	branches := unionStrings(keep.OnBranches, drop.OnBranches)

	res, err := tx.Run(ctx, `
MATCH (k:Concept {node_id: $keep_id})
SET k.description = $description,
    k.tags = $tags,
    k.alias_names = $aliases,
    k.merged_node_ids = $merged_ids,
    k.on_branches = $branches,
    k.updated_at = $now
WITH k
MATCH (d:Concept {node_id: $drop_id})
SET d.is_merged = true,
    d.merged_into = $keep_id,
    d.merged_at = $now,
    d.merged_by = $reviewer,
    d.updated_at = $now
`, map[string]any{
		"keep_id":     keep.NodeID,
		"drop_id":     drop.NodeID,
		"description": desc,
		"tags":        toAnySlice(tags),
		"aliases":     toAnySlice(aliases),
		"merged_ids":  toAnySlice(mergedIDs),
		"branches":    toAnySlice(branches),
		"reviewer":    reviewer,
		"now":         now,
	})
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
