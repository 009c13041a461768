package app

import (
	"gorm.io/gorm"

	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	"github.com/quillgraph/quillgraph-backend/internal/data/repos/branching"
	"github.com/quillgraph/quillgraph-backend/internal/data/repos/jobs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
)

// Repos are the store surfaces: graph stores on Neo4j, row stores on
// Postgres.
type Repos struct {
	// Neo4j
	Spaces        graph.SpaceGraph
	Concepts      graph.ConceptGraph
	Relationships graph.RelationshipGraph
	Artifacts     graph.ArtifactGraph
	Claims        graph.ClaimGraph
	Communities   graph.CommunityGraph
	Lectures      graph.LectureGraph
	Merges        graph.MergeCandidateGraph
	Snapshots     graph.SnapshotGraph
	Sources       graph.SourceGraph
	Sync          graph.SyncGraph

	// Postgres
	Branches   branching.ContextualBranchRepo
	Messages   branching.BranchMessageRepo
	Hints      branching.BridgingHintRepo
	Versions   branching.ParentMessageVersionRepo
	Runs       jobs.IngestionRunRepo
	Audit      jobs.ReviewAuditRepo
	ScopePrefs jobs.UserScopePrefRepo
}

func wireRepos(neo *neo4jdb.Client, pg *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Spaces:        graph.NewSpaceGraph(neo, log),
		Concepts:      graph.NewConceptGraph(neo, log),
		Relationships: graph.NewRelationshipGraph(neo, log),
		Artifacts:     graph.NewArtifactGraph(neo, log),
		Claims:        graph.NewClaimGraph(neo, log),
		Communities:   graph.NewCommunityGraph(neo, log),
		Lectures:      graph.NewLectureGraph(neo, log),
		Merges:        graph.NewMergeCandidateGraph(neo, log),
		Snapshots:     graph.NewSnapshotGraph(neo, log),
		Sources:       graph.NewSourceGraph(neo, log),
		Sync:          graph.NewSyncGraph(neo, log),

		Branches:   branching.NewContextualBranchRepo(pg, log),
		Messages:   branching.NewBranchMessageRepo(pg, log),
		Hints:      branching.NewBridgingHintRepo(pg, log),
		Versions:   branching.NewParentMessageVersionRepo(pg, log),
		Runs:       jobs.NewIngestionRunRepo(pg, log),
		Audit:      jobs.NewReviewAuditRepo(pg, log),
		ScopePrefs: jobs.NewUserScopePrefRepo(pg, log),
	}
}
