package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/quillgraph/quillgraph-backend/internal/branches"
	"github.com/quillgraph/quillgraph-backend/internal/embedcache"
	"github.com/quillgraph/quillgraph-backend/internal/entities"
	"github.com/quillgraph/quillgraph-backend/internal/ingest"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/ratelimit"
	"github.com/quillgraph/quillgraph-backend/internal/retrieval"
	"github.com/quillgraph/quillgraph-backend/internal/review"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
	"github.com/quillgraph/quillgraph-backend/internal/snapshot"
	syncsvc "github.com/quillgraph/quillgraph-backend/internal/sync"
)

type Services struct {
	Scope scope.Resolver

	Entities  entities.Service
	Snapshots snapshot.Service

	Ingest     ingest.Service
	Connectors ingest.Connectors

	Retrieval retrieval.Service
	Sync      syncsvc.Service
	Review    review.Service
	Branches  branches.Service
}

func wireServices(pg *gorm.DB, log *logger.Logger, cfg Config, repos Repos, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	embedCache, err := embedcache.New(cfg.EmbedCacheMaxBytes)
	if err != nil {
		return Services{}, fmt.Errorf("init embed cache: %w", err)
	}
	limiter := ratelimit.NewPerMinute(cfg.OpenAIPerMinute, cfg.OpenAIBurst)

	scopeResolver := scope.NewResolver(repos.Spaces, repos.ScopePrefs, log, cfg.DemoTenantPrefix)

	entityService := entities.NewService(entities.Deps{
		Spaces:      repos.Spaces,
		Concepts:    repos.Concepts,
		Relations:   repos.Relationships,
		Merges:      repos.Merges,
		Communities: repos.Communities,
		AI:          clients.AI,
		Cache:       embedCache,
		Limiter:     limiter,
	}, log)

	snapshotService := snapshot.NewService(repos.Snapshots, repos.Claims, log)

	ingestService := ingest.NewService(ingest.Deps{
		Sources:      repos.Sources,
		Artifacts:    repos.Artifacts,
		Claims:       repos.Claims,
		Concepts:     repos.Concepts,
		Lectures:     repos.Lectures,
		Snapshots:    snapshotService,
		Runs:         repos.Runs,
		Entities:     entityService,
		Extract:      ingest.NewLLMExtractor(clients.AI, log),
		Embed:        clients.AI,
		Cache:        embedCache,
		Limiter:      limiter,
		BatchWorkers: cfg.BatchWorkers,
	}, log)

	connectors := ingest.NewConnectors(ingest.ConnectorDeps{
		Kernel: ingestService,
		OCR:    clients.Vision,
	}, log)

	retrievalService := retrieval.NewService(retrieval.Deps{
		Concepts:    repos.Concepts,
		Claims:      repos.Claims,
		Relations:   repos.Relationships,
		Communities: repos.Communities,
		Sources:     repos.Sources,
		Artifacts:   repos.Artifacts,
		AI:          clients.AI,
		Cache:       embedCache,
		Limiter:     limiter,
		Limits:      cfg.Retrieval,
	}, log)

	syncService := syncsvc.NewService(syncsvc.Deps{
		Sync:      repos.Sync,
		Artifacts: repos.Artifacts,
		Concepts:  repos.Concepts,
		Kernel:    ingestService,
		Auth:      scopeResolver,
		Cache:     clients.Redis,
	}, log)

	reviewService := review.NewService(review.Deps{
		Relationships: repos.Relationships,
		Merges:        repos.Merges,
		Merger:        entityService,
		Audit:         repos.Audit,
	}, log)

	branchService := branches.NewService(branches.Deps{
		Branches: repos.Branches,
		Messages: repos.Messages,
		Hints:    repos.Hints,
		Versions: repos.Versions,
		DB:       pg,
		AI:       clients.AI,
		Cache:    clients.Redis,
		Limiter:  limiter,
	}, log)

	return Services{
		Scope:      scopeResolver,
		Entities:   entityService,
		Snapshots:  snapshotService,
		Ingest:     ingestService,
		Connectors: connectors,
		Retrieval:  retrievalService,
		Sync:       syncService,
		Review:     reviewService,
		Branches:   branchService,
	}, nil
}
