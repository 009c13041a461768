package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Clients  Clients
	Repos    Repos
	Services Services
	Router   *gin.Engine

	cancel       context.CancelFunc
	otelShutdown func(context.Context) error
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	// Metrics registration precedes router wiring so the HTTP middleware
	// binds a live registry.
	observability.Init(log)

	clients, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	pg := clients.PG.DB()

	reposet := wireRepos(clients.Neo4j, pg, log)

	serviceset, err := wireServices(pg, log, cfg, reposet, clients)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, serviceset)
	middleware := wireMiddleware(log, serviceset)
	router := wireRouter(log, cfg, handlerset, middleware)

	return &App{
		Log:      log,
		Cfg:      cfg,
		DB:       pg,
		Clients:  clients,
		Repos:    reposet,
		Services: serviceset,
		Router:   router,
	}, nil
}

// Start launches the background side: health collectors, SLO evaluation
// and trace export. Safe to call once; the HTTP surface works without it.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if m := observability.Current(); m != nil {
		m.StartPostgresCollector(ctx, a.Log, a.DB)
		m.StartRedisCollector(ctx, a.Log, os.Getenv("REDIS_ADDR"))
		m.StartNeo4jCollector(ctx, a.Log, a.Clients.Neo4j.Driver)
		m.StartIngestQueueCollector(ctx, a.Log, a.DB)
		m.StartSLOEvaluator(ctx, a.Log)
	}

	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: "quillgraph",
		Environment: os.Getenv("APP_ENV"),
		Version:     os.Getenv("APP_VERSION"),
	})
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
		a.otelShutdown = nil
	}
	a.Clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
