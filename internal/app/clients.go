package app

import (
	"context"
	"fmt"

	"github.com/quillgraph/quillgraph-backend/internal/clients/gcp"
	"github.com/quillgraph/quillgraph-backend/internal/clients/openai"
	"github.com/quillgraph/quillgraph-backend/internal/clients/redis"
	"github.com/quillgraph/quillgraph-backend/internal/data/db"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/platform/neo4jdb"
)

// Clients are the external systems. Neo4j and Postgres are required;
// Redis, OpenAI and Vision are optional and the services that use them
// degrade when absent.
type Clients struct {
	Neo4j  *neo4jdb.Client
	PG     *db.PostgresService
	Redis  redis.Cache
	AI     openai.Client
	Vision gcp.Vision
}

func wireClients(log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	neo, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init neo4j: %w", err)
	}
	if neo == nil {
		return Clients{}, fmt.Errorf("NEO4J_URI is required")
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		_ = neo.Close(context.Background())
		return Clients{}, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		_ = neo.Close(context.Background())
		return Clients{}, fmt.Errorf("postgres automigrate: %w", err)
	}

	cache, err := redis.NewFromEnv(log)
	if err != nil {
		log.Warn("Redis unavailable, running uncached", "error", err)
		cache = nil
	}

	ai, err := openai.NewFromEnv(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init openai client: %w", err)
	}
	if ai == nil {
		log.Info("OPENAI_API_KEY not set; extraction and semantic search degrade")
	}

	vision, err := gcp.NewVisionFromEnv(log)
	if err != nil {
		log.Warn("Vision unavailable, note-image OCR disabled", "error", err)
		vision = nil
	}

	return Clients{
		Neo4j:  neo,
		PG:     pg,
		Redis:  cache,
		AI:     ai,
		Vision: vision,
	}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Vision != nil {
		_ = c.Vision.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.PG != nil {
		_ = c.PG.Close()
	}
	if c.Neo4j != nil {
		_ = c.Neo4j.Close(context.Background())
	}
}
