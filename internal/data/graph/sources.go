package graph

import (
	"context"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
)

// SourceGraph owns SourceDocument and SourceChunk nodes. Documents are
// keyed on (graph_id, source, external_id); chunks on their derived
// chunk_id, so re-ingesting identical content re-merges the same nodes.
type SourceGraph interface {
	UpsertDocument(ctx context.Context, doc *knowledge.SourceDocument) (*knowledge.SourceDocument, bool, error)
	SetStatus(ctx context.Context, graphID, docID string, status knowledge.SourceStatus, note string) error
	GetDocument(ctx context.Context, graphID, docID string) (*knowledge.SourceDocument, error)
	ListDocuments(ctx context.Context, graphID, source string, status knowledge.SourceStatus, limit int) ([]*knowledge.SourceDocument, error)
	UpsertChunks(ctx context.Context, graphID, docID string, chunks []*knowledge.SourceChunk) (int, error)
	ChunksFor(ctx context.Context, graphID, docID string) ([]*knowledge.SourceChunk, error)
}

type sourceGraph struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewSourceGraph(client *neo4jdb.Client, baseLog *logger.Logger) SourceGraph {
	return &sourceGraph{client: client, log: baseLog.With("repo", "SourceGraph")}
}

func documentFromProps(props map[string]any) *knowledge.SourceDocument {
	if props == nil {
		return nil
	}
	return &knowledge.SourceDocument{
		DocID:       asString(props["doc_id"]),
		GraphID:     asString(props["graph_id"]),
		Source:      asString(props["source"]),
		ExternalID:  asString(props["external_id"]),
		URL:         asString(props["url"]),
		Title:       asString(props["title"]),
		Status:      knowledge.SourceStatus(asString(props["status"])),
		Checksum:    asString(props["checksum"]),
		Metadata:    asMetadata(props["metadata"]),
		PublishedAt: asTimePtr(props["published_at"]),
		CreatedAt:   asTime(props["created_at"]),
		UpdatedAt:   asTime(props["updated_at"]),
	}
}

func chunkFromProps(props map[string]any) *knowledge.SourceChunk {
	if props == nil {
		return nil
	}
	return &knowledge.SourceChunk{
		ChunkID:    asString(props["chunk_id"]),
		GraphID:    asString(props["graph_id"]),
		SourceID:   asString(props["source_id"]),
		ChunkIndex: asInt(props["chunk_index"]),
		Text:       asString(props["text"]),
		Metadata:   asMetadata(props["metadata"]),
	}
}

// UpsertDocument merges on the document key; a re-observed document keeps
// its doc_id and refreshes url, title, checksum and metadata.
func (r *sourceGraph) UpsertDocument(ctx context.Context, doc *knowledge.SourceDocument) (*knowledge.SourceDocument, bool, error) {
	if doc == nil || doc.GraphID == "" || doc.Source == "" || doc.ExternalID == "" {
		return nil, false, errs.Wrap(errs.ErrInvalid, "source document: graph_id, source and external_id required")
	}
	if doc.DocID == "" {
		doc.DocID = knowledge.DocID(doc.GraphID, doc.Source, doc.ExternalID)
	}
	status := doc.Status
	if status == "" {
		status = knowledge.SourceDiscovered
	}
	now := nowRFC3339()
	params := map[string]any{
		"graph_id":    doc.GraphID,
		"source":      doc.Source,
		"external_id": doc.ExternalID,
		"doc_id":      doc.DocID,
		"url":         doc.URL,
		"title":       doc.Title,
		"status":      string(status),
		"checksum":    doc.Checksum,
		"metadata":    metadataJSON(doc.Metadata),
		"now":         now,
	}
	if doc.PublishedAt != nil {
		params["published_at"] = doc.PublishedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	} else {
		params["published_at"] = nil
	}
	type upserted struct {
		doc     *knowledge.SourceDocument
		created bool
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MERGE (d:SourceDocument {graph_id: $graph_id, source: $source, external_id: $external_id})
ON CREATE SET d.doc_id = $doc_id,
              d.status = $status,
              d.created_at = $now,
              d.__created = true
SET d.url = $url,
    d.title = CASE WHEN $title <> '' THEN $title ELSE d.title END,
    d.checksum = CASE WHEN $checksum <> '' THEN $checksum ELSE d.checksum END,
    d.metadata = CASE WHEN $metadata <> '' THEN $metadata ELSE d.metadata END,
    d.published_at = coalesce($published_at, d.published_at),
    d.updated_at = $now
MERGE (d)-[:BELONGS_TO]->(g)
WITH d, coalesce(d.__created, false) AS created
REMOVE d.__created
RETURN d, created
`, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "graph %s not found", doc.GraphID)
		}
		v, _ := rec.Get("created")
		return upserted{doc: documentFromProps(nodeProps(rec, "d")), created: asBool(v)}, nil
	})
	if err != nil {
		return nil, false, wrapStoreErr(err)
	}
	u := out.(upserted)
	return u.doc, u.created, nil
}

func (r *sourceGraph) SetStatus(ctx context.Context, graphID, docID string, status knowledge.SourceStatus, note string) error {
	switch status {
	case knowledge.SourceDiscovered, knowledge.SourceIngested, knowledge.SourceFailed:
	default:
		return errs.Wrap(errs.ErrInvalid, "invalid source status %q", status)
	}
	_, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (d:SourceDocument {graph_id: $graph_id, doc_id: $doc_id})
SET d.status = $status, d.status_note = $note, d.updated_at = $now
RETURN count(d) AS n
`, map[string]any{
			"graph_id": graphID,
			"doc_id":   docID,
			"status":   string(status),
			"note":     note,
			"now":      nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if recInt(rec, "n") == 0 {
			return nil, errs.Wrap(errs.ErrNotFound, "source document %s not found", docID)
		}
		return nil, nil
	})
	return wrapStoreErr(err)
}

func (r *sourceGraph) GetDocument(ctx context.Context, graphID, docID string) (*knowledge.SourceDocument, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (d:SourceDocument {graph_id: $graph_id, doc_id: $doc_id})
RETURN d
`, map[string]any{"graph_id": graphID, "doc_id": docID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return documentFromProps(nodeProps(res.Record(), "d")), nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		return nil, nil
	}
	d, _ := out.(*knowledge.SourceDocument)
	return d, nil
}

func (r *sourceGraph) ListDocuments(ctx context.Context, graphID, source string, status knowledge.SourceStatus, limit int) ([]*knowledge.SourceDocument, error) {
	if limit <= 0 {
		limit = 50
	}
	conds := []string{"d.graph_id = $graph_id"}
	params := map[string]any{"graph_id": graphID, "limit": limit}
	if source != "" {
		conds = append(conds, "d.source = $source")
		params["source"] = source
	}
	if status != "" {
		conds = append(conds, "d.status = $status")
		params["status"] = string(status)
	}
	query := `
MATCH (d:SourceDocument)
WHERE ` + strings.Join(conds, " AND ") + `
RETURN d
ORDER BY d.updated_at DESC
LIMIT $limit
`
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var docs []*knowledge.SourceDocument
		for res.Next(ctx) {
			docs = append(docs, documentFromProps(nodeProps(res.Record(), "d")))
		}
		return docs, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	docs, _ := out.([]*knowledge.SourceDocument)
	return docs, nil
}

// UpsertChunks batch-merges chunks and their FROM_DOCUMENT edges. Chunk
// ids embed the content checksum, so superseded chunks stay untouched.
func (r *sourceGraph) UpsertChunks(ctx context.Context, graphID, docID string, chunks []*knowledge.SourceChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	rows := make([]any, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, map[string]any{
			"chunk_id":    c.ChunkID,
			"chunk_index": c.ChunkIndex,
			"text":        c.Text,
			"metadata":    metadataJSON(c.Metadata),
		})
	}
	out, err := r.client.Write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (g:GraphSpace {graph_id: $graph_id})
MATCH (d:SourceDocument {graph_id: $graph_id, doc_id: $doc_id})
UNWIND $rows AS row
MERGE (c:SourceChunk {chunk_id: row.chunk_id})
ON CREATE SET c.graph_id = $graph_id,
              c.source_id = $doc_id,
              c.chunk_index = row.chunk_index,
              c.text = row.text,
              c.metadata = row.metadata,
              c.created_at = $now
MERGE (c)-[:FROM_DOCUMENT]->(d)
MERGE (c)-[:BELONGS_TO]->(g)
RETURN count(c) AS n
`, map[string]any{
			"graph_id": graphID,
			"doc_id":   docID,
			"rows":     rows,
			"now":      nowRFC3339(),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNotFound, "source document %s not found", docID)
		}
		return recInt(rec, "n"), nil
	})
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return out.(int), nil
}

func (r *sourceGraph) ChunksFor(ctx context.Context, graphID, docID string) ([]*knowledge.SourceChunk, error) {
	out, err := r.client.Read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:SourceChunk {graph_id: $graph_id})-[:FROM_DOCUMENT]->(:SourceDocument {doc_id: $doc_id})
RETURN c
ORDER BY c.chunk_index ASC
`, map[string]any{"graph_id": graphID, "doc_id": docID})
		if err != nil {
			return nil, err
		}
		var chunks []*knowledge.SourceChunk
		for res.Next(ctx) {
			chunks = append(chunks, chunkFromProps(nodeProps(res.Record(), "c")))
		}
		return chunks, res.Err()
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	chunks, _ := out.([]*knowledge.SourceChunk)
	return chunks, nil
}
