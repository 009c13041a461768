package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/quillgraph/quillgraph-backend/internal/http/handlers"
	httpMW "github.com/quillgraph/quillgraph-backend/internal/http/middleware"
	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	CORSOrigins []string

	Scope *httpMW.ScopeMiddleware

	GraphHandler    *httpH.GraphHandler
	ConceptHandler  *httpH.ConceptHandler
	ReviewHandler   *httpH.ReviewHandler
	RetrieveHandler *httpH.RetrieveHandler
	IngestHandler   *httpH.IngestHandler
	SyncHandler     *httpH.SyncHandler
	BranchHandler   *httpH.BranchHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware("quillgraph"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS(cfg.CORSOrigins))
	r.Use(httpMW.RequestLogger(cfg.Log))
	if observability.Enabled() {
		r.Use(httpMW.Metrics(observability.Current()))
	}

	// Health and metrics stay outside the scoped surface.
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	r.GET("/metrics", func(c *gin.Context) {
		observability.Current().WriteHTTP(c.Writer, c.Request)
	})

	scoped := r.Group("/")
	{
		if cfg.Scope != nil {
			scoped.Use(cfg.Scope.RequireScope())
		}

		// Graph spaces
		if cfg.GraphHandler != nil {
			scoped.GET("/graphs", cfg.GraphHandler.ListGraphs)
			scoped.POST("/graphs", cfg.GraphHandler.CreateGraph)
			scoped.POST("/graphs/:graph_id/select", cfg.GraphHandler.SelectGraph)
			scoped.PATCH("/graphs/:graph_id", cfg.GraphHandler.RenameGraph)
			scoped.DELETE("/graphs/:graph_id", cfg.GraphHandler.DeleteGraph)
			scoped.GET("/graphs/:graph_id/overview", cfg.GraphHandler.Overview)
			scoped.GET("/graphs/:graph_id/neighbors", cfg.GraphHandler.Neighbors)
		}

		// Concepts and relationships
		if cfg.ConceptHandler != nil {
			scoped.POST("/concepts", cfg.ConceptHandler.Create)
			scoped.GET("/concepts/by-name/:name", cfg.ConceptHandler.GetByName)
			scoped.GET("/concepts/:id", cfg.ConceptHandler.Get)
			scoped.PUT("/concepts/:id", cfg.ConceptHandler.Update)
			scoped.DELETE("/concepts/:id", cfg.ConceptHandler.Delete)
			scoped.POST("/concepts/relationship", cfg.ConceptHandler.CreateRelationship)
			scoped.POST("/concepts/relationship-by-ids", cfg.ConceptHandler.CreateRelationshipByIDs)
			scoped.POST("/concepts/relationship/propose", cfg.ConceptHandler.ProposeRelationship)
			scoped.DELETE("/concepts/relationship", cfg.ConceptHandler.DeleteRelationship)
			scoped.POST("/concepts/:id/link-cross-graph", cfg.ConceptHandler.LinkCrossGraph)
		}

		// Review queue
		if cfg.ReviewHandler != nil {
			scoped.GET("/review/relationships", cfg.ReviewHandler.ListRelationships)
			scoped.POST("/review/relationships/accept", cfg.ReviewHandler.AcceptRelationships)
			scoped.POST("/review/relationships/reject", cfg.ReviewHandler.RejectRelationships)
			scoped.POST("/review/relationships/edit", cfg.ReviewHandler.EditRelationship)
			scoped.GET("/review/merges", cfg.ReviewHandler.ListMerges)
			scoped.POST("/review/merges/accept", cfg.ReviewHandler.AcceptMerge)
			scoped.POST("/review/merges/reject", cfg.ReviewHandler.RejectMerge)
			scoped.POST("/review/merges/execute", cfg.ReviewHandler.ExecuteMerge)
			scoped.GET("/review/audit", cfg.ReviewHandler.ListAudit)
		}

		// Retrieval
		if cfg.RetrieveHandler != nil {
			scoped.POST("/ai/retrieve", cfg.RetrieveHandler.Retrieve)
			scoped.POST("/ai/classify-intent", cfg.RetrieveHandler.ClassifyIntent)
		}

		// Ingestion connectors
		if cfg.IngestHandler != nil {
			scoped.POST("/web/ingest", httpMW.LocalOnly(), cfg.IngestHandler.IngestWeb)
			scoped.POST("/lectures/ingest", cfg.IngestHandler.IngestLecture)
			scoped.POST("/notion/pages/ingest", cfg.IngestHandler.IngestNotionPages)
			scoped.POST("/finance/filings/ingest", cfg.IngestHandler.IngestFinanceDocs)
		}

		// Sync and offline
		if cfg.SyncHandler != nil {
			scoped.POST("/sync/events", cfg.SyncHandler.ApplyEvents)
			scoped.POST("/sync/capture-selection", cfg.SyncHandler.CaptureSelection)
			scoped.GET("/offline/bootstrap", cfg.SyncHandler.Bootstrap)
			scoped.GET("/offline/manifest", cfg.SyncHandler.Manifest)
			scoped.POST("/offline/warm", cfg.SyncHandler.Warm)
		}

		// Contextual branches
		if cfg.BranchHandler != nil {
			scoped.POST("/contextual-branches", cfg.BranchHandler.Create)
			scoped.GET("/contextual-branches/messages/:message_id/branches", cfg.BranchHandler.ListByMessage)
			scoped.GET("/contextual-branches/:id", cfg.BranchHandler.Get)
			scoped.POST("/contextual-branches/:id/messages", cfg.BranchHandler.SendMessage)
			scoped.POST("/contextual-branches/:id/hints", cfg.BranchHandler.SaveHints)
			scoped.POST("/contextual-branches/:id/archive", cfg.BranchHandler.Archive)
			scoped.DELETE("/contextual-branches/:id", cfg.BranchHandler.Delete)
		}
	}

	return r
}
