package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
)

// SpaceGraph owns GraphSpace and Branch nodes: the partition layer every
// scoped entity hangs off.
type SpaceGraph interface {
	EnsureSpace(ctx context.Context, space *knowledge.GraphSpace) (*knowledge.GraphSpace, error)
	GetSpace(ctx context.Context, graphID string) (*knowledge.GraphSpace, error)
	ListSpaces(ctx context.Context, tenantID string) ([]*knowledge.GraphSpace, error)
	RenameSpace(ctx context.Context, graphID, name string) error
	DeleteSpace(ctx context.Context, graphID string) error
	EnsureBranch(ctx context.Context, graphID, branchID string) error
	ListBranches(ctx context.Context, graphID string) ([]*knowledge.Branch, error)
	BranchExists(ctx context.Context, graphID, branchID string) (bool, error)
}

type spaceGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewSpaceGraph(client *neo4jdb.Client, baseLog *logger.Logger) SpaceGraph {
	return &spaceGraph{client: client, log: baseLog.With("repo", "SpaceGraph")}
}

func spaceFromProps(props map[string]any) *knowledge.GraphSpace {
	if props == nil {
		return nil
	}
	return &knowledge.GraphSpace{
		GraphID:   asString(props["graph_id"]),
		Name:      asString(props["name"]),
		TenantID:  asString(props["tenant_id"]),
		CreatedAt: asTime(props["created_at"]),
		UpdatedAt: asTime(props["updated_at"]),
	}
}

func (r *spaceGraph) EnsureSpace(ctx context.Context, space *knowledge.GraphSpace) (*knowledge.GraphSpace, error) {
	if space == nil || space.GraphID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "ensure space: missing graph_id")
	}
	now := nowRFC3339()
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (g:GraphSpace {graph_id: $graph_id})
ON CREATE SET g.name = $name,
              g.tenant_id = $tenant_id,
              g.created_at = $now,
              g.updated_at = $now
ON MATCH SET g.updated_at = $now
WITH g
MERGE (b:Branch {graph_id: $graph_id, branch_id: $main})
ON CREATE SET b.name = $main, b.created_at = $now
MERGE (g)-[:HAS_BRANCH]->(b)
RETURN g
`, map[string]any{
			"graph_id":  space.GraphID,
			"name":      space.Name,
			"tenant_id": space.TenantID,
			"main":      knowledge.MainBranch,
			"now":       now,
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return spaceFromProps(nodeProps(rec, "g")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.GraphSpace), nil
}

func (r *spaceGraph) GetSpace(ctx context.Context, graphID string) (*knowledge.GraphSpace, error) {
	if graphID == "" {
		return nil, nil
	}
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
RETURN g
`, map[string]any{"graph_id": graphID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return spaceFromProps(nodeProps(res.Record(), "g")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	space, _ := out.(*knowledge.GraphSpace)
	return space, nil
}

func (r *spaceGraph) ListSpaces(ctx context.Context, tenantID string) ([]*knowledge.GraphSpace, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {tenant_id: $tenant_id})
RETURN g
ORDER BY g.created_at ASC
`, map[string]any{"tenant_id": tenantID})
		if err != nil {
			return nil, err
		}
		var spaces []*knowledge.GraphSpace
		for res.Next(ctx) {
			spaces = append(spaces, spaceFromProps(nodeProps(res.Record(), "g")))
		}
		return spaces, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	spaces, _ := out.([]*knowledge.GraphSpace)
	return spaces, nil
}

func (r *spaceGraph) RenameSpace(ctx context.Context, graphID, name string) error {
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
SET g.name = $name, g.updated_at = $now
RETURN count(g) AS n
`, map[string]any{"graph_id": graphID, "name": name, "now": nowRFC3339()})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

// DeleteSpace removes the space and every node scoped to it.
func (r *spaceGraph) DeleteSpace(ctx context.Context, graphID string) error {
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (n {graph_id: $graph_id})
DETACH DELETE n
`, map[string]any{"graph_id": graphID})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return wrapStoreErr(err)
}

func (r *spaceGraph) EnsureBranch(ctx context.Context, graphID, branchID string) error {
	if graphID == "" || branchID == "" {
		return errs.Wrap(errs.ErrInvalid, "ensure branch: missing graph_id or branch_id")
	}
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MERGE (b:Branch {graph_id: $graph_id, branch_id: $branch_id})
ON CREATE SET b.name = $branch_id, b.created_at = $now
MERGE (g)-[:HAS_BRANCH]->(b)
RETURN count(b) AS n
`, map[string]any{"graph_id": graphID, "branch_id": branchID, "now": nowRFC3339()})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", graphID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

func (r *spaceGraph) ListBranches(ctx context.Context, graphID string) ([]*knowledge.Branch, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (b:Branch {graph_id: $graph_id})
RETURN b
ORDER BY b.created_at ASC
`, map[string]any{"graph_id": graphID})
		if err != nil {
			return nil, err
		}
		var branches []*knowledge.Branch
		for res.Next(ctx) {
			props := nodeProps(res.Record(), "b")
			branches = append(branches, &knowledge.Branch{
				BranchID:  asString(props["branch_id"]),
				GraphID:   asString(props["graph_id"]),
				Name:      asString(props["name"]),
				CreatedAt: asTime(props["created_at"]),
			})
		}
		return branches, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	branches, _ := out.([]*knowledge.Branch)
	return branches, nil
}

func (r *spaceGraph) BranchExists(ctx context.Context, graphID, branchID string) (bool, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (b:Branch {graph_id: $graph_id, branch_id: $branch_id})
RETURN count(b) AS n
`, map[string]any{"graph_id": graphID, "branch_id": branchID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recInt(rec, "n") > 0, nil
	})
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return out.(bool), nil
}
