package app

import (
	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/http"
	httpH "github.com/quillgraph/quillgraph-backend/internal/http/handlers"
	httpMW "github.com/quillgraph/quillgraph-backend/internal/http/middleware"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

type Middleware struct {
	Scope *httpMW.ScopeMiddleware
}

type Handlers struct {
	Health   *httpH.HealthHandler
	Graph    *httpH.GraphHandler
	Concept  *httpH.ConceptHandler
	Review   *httpH.ReviewHandler
	Retrieve *httpH.RetrieveHandler
	Ingest   *httpH.IngestHandler
	Sync     *httpH.SyncHandler
	Branch   *httpH.BranchHandler
}

func wireHandlers(log *logger.Logger, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:   httpH.NewHealthHandler(),
		Graph:    httpH.NewGraphHandler(log, services.Scope, services.Entities),
		Concept:  httpH.NewConceptHandler(log, services.Entities),
		Review:   httpH.NewReviewHandler(log, services.Scope, services.Review),
		Retrieve: httpH.NewRetrieveHandler(log, services.Scope, services.Retrieval),
		Ingest:   httpH.NewIngestHandler(log, services.Connectors),
		Sync:     httpH.NewSyncHandler(log, services.Scope, services.Sync),
		Branch:   httpH.NewBranchHandler(log, services.Branches),
	}
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Scope: httpMW.NewScopeMiddleware(log, services.Scope),
	}
}

func wireRouter(log *logger.Logger, cfg Config, handlers Handlers, middleware Middleware) *gin.Engine {
	return http.NewRouter(http.RouterConfig{
		Log:         log,
		CORSOrigins: cfg.CORSOrigins,
		Scope:       middleware.Scope,

		GraphHandler:    handlers.Graph,
		ConceptHandler:  handlers.Concept,
		ReviewHandler:   handlers.Review,
		RetrieveHandler: handlers.Retrieve,
		IngestHandler:   handlers.Ingest,
		SyncHandler:     handlers.Sync,
		BranchHandler:   handlers.Branch,

		HealthHandler: handlers.Health,
	})
}
