package retrieval

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

const retrievalPlansEnv = "RETRIEVAL_PLANS_YAML"

//go:embed plans.yaml
var plansFS embed.FS

// fallback plans used when YAML is missing or invalid
var fallbackPlans = map[Intent][]string{
	IntentConceptLookup:    {"resolve_concept", "expand_neighbors", "claims_for_focus", "collect_sources", "assemble_context"},
	IntentSemanticSearch:   {"embed_query", "vector_match", "expand_neighbors", "claims_for_focus", "collect_sources", "assemble_context"},
	IntentTickerQuery:      {"detect_ticker", "resolve_anchor", "match_communities", "claims_for_focus", "evidence_subgraph", "collect_sources", "assemble_context"},
	IntentCommunitySummary: {"resolve_community", "community_members", "assemble_context"},
	IntentEvidenceForClaim: {"fetch_claim", "evidence_chain", "mentioned_concepts", "expand_neighbors", "assemble_context"},
	IntentCrossGraph:       {"embed_query", "vector_match", "expand_neighbors", "claims_for_focus", "collect_sources", "assemble_context"},
	IntentGeneral:          {"embed_query", "vector_match", "claims_for_focus", "collect_sources", "assemble_context"},
}

const fallbackPlanVersion = "v1-builtin"

type yamlPlanFile struct {
	Registry string              `yaml:"registry"`
	Version  string              `yaml:"version"`
	Plans    map[string]yamlPlan `yaml:"plans"`
}

type yamlPlan struct {
	Description string   `yaml:"description"`
	Steps       []string `yaml:"steps"`
}

type planRegistry struct {
	Version string
	Plans   map[Intent][]string
}

var registryOnce sync.Once
var registryCache *planRegistry
var registryErr error

func currentRegistry(log *logger.Logger) *planRegistry {
	registryOnce.Do(func() {
		registryCache, registryErr = loadRegistry()
	})
	if registryErr != nil {
		if log != nil {
			log.Warn("retrieval: plan registry load failed; using builtin plans", "error", registryErr)
		}
		return nil
	}
	return registryCache
}

// planFor returns the step sequence and plan version for an intent.
// Unknown intents run the semantic search plan.
func planFor(log *logger.Logger, intent Intent) ([]string, string) {
	if reg := currentRegistry(log); reg != nil {
		if steps, ok := reg.Plans[intent]; ok && len(steps) > 0 {
			return steps, reg.Version
		}
	}
	if steps, ok := fallbackPlans[intent]; ok {
		return steps, fallbackPlanVersion
	}
	return fallbackPlans[IntentSemanticSearch], fallbackPlanVersion
}

func loadRegistry() (*planRegistry, error) {
	data, err := readPlansFile()
	if err != nil {
		return nil, err
	}
	var f yamlPlanFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if err := validatePlanFile(&f); err != nil {
		return nil, err
	}
	plans := make(map[Intent][]string, len(f.Plans))
	for name, p := range f.Plans {
		steps := make([]string, 0, len(p.Steps))
		for _, s := range p.Steps {
			if s = strings.TrimSpace(s); s != "" {
				steps = append(steps, s)
			}
		}
		plans[Intent(name)] = steps
	}
	return &planRegistry{Version: f.Version, Plans: plans}, nil
}

func readPlansFile() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(retrievalPlansEnv)); path != "" {
		return os.ReadFile(path)
	}
	return plansFS.ReadFile("plans.yaml")
}

func validatePlanFile(f *yamlPlanFile) error {
	if f == nil {
		return errors.New("missing plan file")
	}
	if strings.TrimSpace(f.Registry) != "retrieval_plans" {
		return fmt.Errorf("unexpected registry: %s", f.Registry)
	}
	if strings.TrimSpace(f.Version) == "" {
		return errors.New("plan version is required")
	}
	if len(f.Plans) == 0 {
		return errors.New("no plans defined")
	}
	for name, p := range f.Plans {
		if !KnownIntent(name) {
			return fmt.Errorf("plan for unknown intent: %s", name)
		}
		if len(p.Steps) == 0 {
			return fmt.Errorf("plan %s has no steps", name)
		}
	}
	for _, intent := range AllIntents() {
		if _, ok := f.Plans[string(intent)]; !ok {
			return fmt.Errorf("missing plan for intent: %s", intent)
		}
	}
	return nil
}
