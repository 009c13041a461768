package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// LectureGraph stores lecture envelope nodes. A lecture wraps one
// ingested document for consumers that navigate by document rather than
// by concept; DERIVED_FROM points at the artifact it came from.
type LectureGraph interface {
	Create(ctx context.Context, lec *knowledge.Lecture) (*knowledge.Lecture, error)
	GetByID(ctx context.Context, vis scope.Visibility, lectureID string) (*knowledge.Lecture, error)
	Recent(ctx context.Context, vis scope.Visibility, limit int) ([]*knowledge.Lecture, error)
}

type lectureGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewLectureGraph(client *neo4jdb.Client, baseLog *logger.Logger) LectureGraph {
	return &lectureGraph{client: client, log: baseLog.With("repo", "LectureGraph")}
}

func lectureFromProps(props map[string]any) *knowledge.Lecture {
	if props == nil {
		return nil
	}
	return &knowledge.Lecture{
		LectureID:  asString(props["lecture_id"]),
		GraphID:    asString(props["graph_id"]),
		Title:      asString(props["title"]),
		ArtifactID: asString(props["artifact_id"]),
		OnBranches: asStringSlice(props["on_branches"]),
		CreatedAt:  asTime(props["created_at"]),
	}
}

func (r *lectureGraph) Create(ctx context.Context, lec *knowledge.Lecture) (*knowledge.Lecture, error) {
	if lec == nil || lec.GraphID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "lecture: graph_id required")
	}
	if lec.LectureID == "" {
		lec.LectureID = knowledge.NewLectureID()
	}
	now := nowRFC3339()
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MERGE (l:Lecture {lecture_id: $lecture_id})
ON CREATE SET l.graph_id = $graph_id,
              l.title = $title,
              l.artifact_id = $artifact_id,
              l.on_branches = $branches,
              l.created_at = $now
MERGE (l)-[:BELONGS_TO]->(g)
RETURN l
`, map[string]any{
			"graph_id":    lec.GraphID,
			"lecture_id":  lec.LectureID,
			"title":       lec.Title,
			"artifact_id": lec.ArtifactID,
			"branches":    toAnySlice(lec.OnBranches),
			"now":         now,
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", lec.GraphID)
		}
		stored := lectureFromProps(nodeProps(rec, "l"))

		if lec.ArtifactID != "" {
			ares, err := tx.Run(ctx, `
MATCH (l:Lecture {lecture_id: $lecture_id})
MATCH (a:Artifact {graph_id: $graph_id, artifact_id: $artifact_id})
MERGE (l)-[:DERIVED_FROM]->(a)
`, map[string]any{
				"lecture_id":  lec.LectureID,
				"graph_id":    lec.GraphID,
				"artifact_id": lec.ArtifactID,
			})
			if err != nil {
				return nil, err
			}
			if _, err := ares.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return stored, nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return out.(*knowledge.Lecture), nil
}

func (r *lectureGraph) GetByID(ctx context.Context, vis scope.Visibility, lectureID string) (*knowledge.Lecture, error) {
	clause, params := vis.NodeClause("l")
	params["lecture_id"] = lectureID
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (l:Lecture {lecture_id: $lecture_id})
WHERE %s
RETURN l
`, clause), params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return lectureFromProps(nodeProps(res.Record(), "l")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	l, _ := out.(*knowledge.Lecture)
	return l, nil
}

func (r *lectureGraph) Recent(ctx context.Context, vis scope.Visibility, limit int) ([]*knowledge.Lecture, error) {
	if limit <= 0 {
		limit = 20
	}
	clause, params := vis.NodeClause("l")
	params["limit"] = limit
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (l:Lecture)
WHERE %s
RETURN l
ORDER BY l.created_at DESC
LIMIT $limit
`, clause), params)
		if err != nil {
			return nil, err
		}
		var lectures []*knowledge.Lecture
		for res.Next(ctx) {
			lectures = append(lectures, lectureFromProps(nodeProps(res.Record(), "l")))
		}
		return lectures, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	lectures, _ := out.([]*knowledge.Lecture)
	return lectures, nil
}
