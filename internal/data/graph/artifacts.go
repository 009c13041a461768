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

// ArtifactGraph stores captured web artifacts and their quotes.
type ArtifactGraph interface {
	Upsert(ctx context.Context, a *knowledge.Artifact, quotes []*knowledge.Quote) (*knowledge.Artifact, bool, error)
	GetByID(ctx context.Context, vis scope.Visibility, artifactID string) (*knowledge.Artifact, error)
	Recent(ctx context.Context, vis scope.Visibility, limit int) ([]*knowledge.Artifact, error)
	QuotesFor(ctx context.Context, vis scope.Visibility, artifactID string) ([]*knowledge.Quote, error)
	Resolve(ctx context.Context, graphID string, ids, urls []string) ([]*knowledge.Artifact, error)
}

type artifactGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewArtifactGraph(client *neo4jdb.Client, baseLog *logger.Logger) ArtifactGraph {
	return &artifactGraph{client: client, log: baseLog.With("repo", "ArtifactGraph")}
}

func artifactFromProps(props map[string]any) *knowledge.Artifact {
	if props == nil {
		return nil
	}
	return &knowledge.Artifact{
		ArtifactID:   asString(props["artifact_id"]),
		GraphID:      asString(props["graph_id"]),
		URL:          asString(props["url"]),
		ContentHash:  asString(props["content_hash"]),
		ArtifactType: asString(props["artifact_type"]),
		Title:        asString(props["title"]),
		Text:         asString(props["text"]),
		Metadata:     asMetadata(props["metadata"]),
		OnBranches:   asStringSlice(props["on_branches"]),
		CapturedAt:   asTime(props["captured_at"]),
	}
}

func quoteFromProps(props map[string]any) *knowledge.Quote {
	if props == nil {
		return nil
	}
	return &knowledge.Quote{
		QuoteID:    asString(props["quote_id"]),
		GraphID:    asString(props["graph_id"]),
		ArtifactID: asString(props["artifact_id"]),
		Text:       asString(props["text"]),
		AnchorJSON: asString(props["anchor_json"]),
		Confidence: asFloat(props["confidence"]),
	}
}

// Upsert is keyed on (graph_id, url, content_hash). Re-capturing the
// same content unions branches and re-attaches quotes idempotently;
// changed content produces a new artifact.
func (r *artifactGraph) Upsert(ctx context.Context, a *knowledge.Artifact, quotes []*knowledge.Quote) (*knowledge.Artifact, bool, error) {
	if a == nil || a.GraphID == "" || a.URL == "" || a.ContentHash == "" {
		return nil, false, errs.Wrap(errs.ErrInvalid, "artifact: graph_id, url and content_hash required")
	}
	now := nowRFC3339()
	type upserted struct {
		artifact *knowledge.Artifact
		created  bool
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MERGE (a:Artifact {graph_id: $graph_id, url: $url, content_hash: $content_hash})
ON CREATE SET a.artifact_id = $artifact_id,
              a.artifact_type = $artifact_type,
              a.title = $title,
              a.text = $text,
              a.metadata = $metadata,
              a.on_branches = $branches,
              a.captured_at = $now,
              a.__created = true
ON MATCH SET a.on_branches = coalesce(a.on_branches, []) + [v IN $branches WHERE NOT v IN coalesce(a.on_branches, [])]
MERGE (a)-[:BELONGS_TO]->(g)
WITH a, coalesce(a.__created, false) AS created
REMOVE a.__created
RETURN a, created
`, map[string]any{
			"graph_id":      a.GraphID,
			"url":           a.URL,
			"content_hash":  a.ContentHash,
			"artifact_id":   a.ArtifactID,
			"artifact_type": a.ArtifactType,
			"title":         a.Title,
			"text":          a.Text,
			"metadata":      metadataJSON(a.Metadata),
			"branches":      toAnySlice(a.OnBranches),
			"now":           now,
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", a.GraphID)
		}
		stored := artifactFromProps(nodeProps(rec, "a"))
		v, _ := rec.Get("created")
		created := asBool(v)

		for _, q := range quotes {
			qres, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MATCH (a:Artifact {graph_id: $graph_id, artifact_id: $artifact_id})
MERGE (q:Quote {quote_id: $quote_id})
ON CREATE SET q.graph_id = $graph_id,
              q.artifact_id = $artifact_id,
              q.text = $text,
              q.anchor_json = $anchor_json,
              q.confidence = $confidence,
              q.created_at = $now
MERGE (q)-[:FROM_ARTIFACT]->(a)
MERGE (q)-[:BELONGS_TO]->(g)
`, map[string]any{
				"graph_id":    a.GraphID,
				"artifact_id": stored.ArtifactID,
				"quote_id":    q.QuoteID,
				"text":        q.Text,
				"anchor_json": q.AnchorJSON,
				"confidence":  q.Confidence,
				"now":         now,
			})
			if err != nil {
				return nil, err
			}
			if _, err := qres.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return upserted{artifact: stored, created: created}, nil
	})
	if err != nil {
		return nil, false, wrapStoreErr(err)
	}
	u := out.(upserted)
	return u.artifact, u.created, nil
}

func (r *artifactGraph) GetByID(ctx context.Context, vis scope.Visibility, artifactID string) (*knowledge.Artifact, error) {
	clause, params := vis.NodeClause("a")
	params["artifact_id"] = artifactID
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Artifact {artifact_id: $artifact_id})
WHERE %s
RETURN a
`, clause), params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return artifactFromProps(nodeProps(res.Record(), "a")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	a, _ := out.(*knowledge.Artifact)
	return a, nil
}

func (r *artifactGraph) Recent(ctx context.Context, vis scope.Visibility, limit int) ([]*knowledge.Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	clause, params := vis.NodeClause("a")
	params["limit"] = limit
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (a:Artifact)
WHERE %s
RETURN a
ORDER BY a.captured_at DESC
LIMIT $limit
`, clause), params)
		if err != nil {
			return nil, err
		}
		var artifacts []*knowledge.Artifact
		for res.Next(ctx) {
			artifacts = append(artifacts, artifactFromProps(nodeProps(res.Record(), "a")))
		}
		return artifacts, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	artifacts, _ := out.([]*knowledge.Artifact)
	return artifacts, nil
}

// QuotesFor inherits scope from the owning artifact; quote nodes are
// not branch-scoped themselves.
func (r *artifactGraph) QuotesFor(ctx context.Context, vis scope.Visibility, artifactID string) ([]*knowledge.Quote, error) {
	params := map[string]any{"graph_id": vis.GraphID, "artifact_id": artifactID}
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (q:Quote {graph_id: $graph_id})-[:FROM_ARTIFACT]->(:Artifact {artifact_id: $artifact_id})
RETURN q
ORDER BY q.created_at ASC
`, params)
		if err != nil {
			return nil, err
		}
		var quotes []*knowledge.Quote
		for res.Next(ctx) {
			quotes = append(quotes, quoteFromProps(nodeProps(res.Record(), "q")))
		}
		return quotes, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	quotes, _ := out.([]*knowledge.Quote)
	return quotes, nil
}

// Resolve looks up artifacts by id or by url for offline warm requests.
// Unknown ids and urls are silently skipped.
func (r *artifactGraph) Resolve(ctx context.Context, graphID string, ids, urls []string) ([]*knowledge.Artifact, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Artifact {graph_id: $graph_id})
WHERE a.artifact_id IN $ids OR a.url IN $urls
RETURN a
ORDER BY a.captured_at DESC
`, map[string]any{
			"graph_id": graphID,
			"ids":      toAnySlice(ids),
			"urls":     toAnySlice(urls),
		})
		if err != nil {
			return nil, err
		}
		var artifacts []*knowledge.Artifact
		for res.Next(ctx) {
			artifacts = append(artifacts, artifactFromProps(nodeProps(res.Record(), "a")))
		}
		return artifacts, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	artifacts, _ := out.([]*knowledge.Artifact)
	return artifacts, nil
}
