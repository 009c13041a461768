package neo4jdb

import (
	"context"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var schemaOnce sync.Once

// EnsureSchema applies uniqueness and node-key constraints once per process.
// Statements are best-effort: a failure is logged and the rest still run, so
// a store without node-key support degrades instead of blocking startup.
func (c *Client) EnsureSchema(ctx context.Context) {
	if c == nil || c.Driver == nil {
		return
	}
	schemaOnce.Do(func() {
		session := c.Driver.NewSession(ctx, neo4j.SessionConfig{
			AccessMode:   neo4j.AccessModeWrite,
			DatabaseName: c.Database,
		})
		defer session.Close(ctx)

		stmts := []string{
			// The old global unique name constraint predates graph scoping.
			`DROP CONSTRAINT concept_name_unique IF EXISTS`,
			`CREATE CONSTRAINT graph_space_id_unique IF NOT EXISTS FOR (g:GraphSpace) REQUIRE g.graph_id IS UNIQUE`,
			`CREATE CONSTRAINT concept_node_id_unique IF NOT EXISTS FOR (c:Concept) REQUIRE c.node_id IS UNIQUE`,
			`CREATE CONSTRAINT concept_graph_name_key IF NOT EXISTS FOR (c:Concept) REQUIRE (c.graph_id, c.name) IS NODE KEY`,
			`CREATE CONSTRAINT artifact_identity_key IF NOT EXISTS FOR (a:Artifact) REQUIRE (a.graph_id, a.url, a.content_hash) IS NODE KEY`,
			`CREATE CONSTRAINT merge_candidate_key IF NOT EXISTS FOR (m:MergeCandidate) REQUIRE (m.graph_id, m.candidate_id) IS NODE KEY`,
			`CREATE CONSTRAINT snapshot_identity_key IF NOT EXISTS FOR (s:EvidenceSnapshot) REQUIRE (s.graph_id, s.source_url, s.content_hash) IS NODE KEY`,
			`CREATE CONSTRAINT client_event_key IF NOT EXISTS FOR (e:ClientEvent) REQUIRE (e.graph_id, e.event_id) IS NODE KEY`,
		}
		for _, q := range stmts {
			if res, err := session.Run(ctx, q, nil); err != nil {
				if c.log != nil {
					c.log.Warn("neo4j schema init failed (continuing)", "statement", q, "error", err)
				}
			} else {
				_, _ = res.Consume(ctx)
			}
		}
	})
}
