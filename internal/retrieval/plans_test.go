package retrieval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

func fullPlanFile() *yamlPlanFile {
	plans := map[string]yamlPlan{}
	for intent, steps := range fallbackPlans {
		plans[string(intent)] = yamlPlan{Steps: append([]string{}, steps...)}
	}
	return &yamlPlanFile{Registry: "retrieval_plans", Version: "v9", Plans: plans}
}

func TestBuiltinPlansCoverAllIntents(t *testing.T) {
	for _, intent := range AllIntents() {
		steps, ok := fallbackPlans[intent]
		if !ok || len(steps) == 0 {
			t.Fatalf("no builtin plan for %s", intent)
		}
		if steps[len(steps)-1] != "assemble_context" {
			t.Fatalf("plan %s must end with assemble_context, got %v", intent, steps)
		}
	}
}

func TestPlanForUnknownIntentRunsSemanticSearch(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	steps, version := planFor(log, Intent("made_up"))
	if version == "" {
		t.Fatalf("version must never be empty")
	}
	want := fallbackPlans[IntentSemanticSearch]
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, want semantic search plan", steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("steps[%d] = %s, want %s", i, steps[i], want[i])
		}
	}
}

func TestPlanForEmbeddedRegistry(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	steps, version := planFor(log, IntentTickerQuery)
	if version != "v1" && version != fallbackPlanVersion {
		t.Fatalf("version = %q", version)
	}
	found := false
	for _, s := range steps {
		if s == "detect_ticker" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ticker plan missing detect_ticker: %v", steps)
	}
}

func TestValidatePlanFile(t *testing.T) {
	if err := validatePlanFile(fullPlanFile()); err != nil {
		t.Fatalf("full plan file should validate: %v", err)
	}

	f := fullPlanFile()
	f.Registry = "other_registry"
	if err := validatePlanFile(f); err == nil {
		t.Fatalf("wrong registry must fail")
	}

	f = fullPlanFile()
	f.Version = " "
	if err := validatePlanFile(f); err == nil {
		t.Fatalf("blank version must fail")
	}

	f = fullPlanFile()
	delete(f.Plans, string(IntentGeneral))
	if err := validatePlanFile(f); err == nil {
		t.Fatalf("missing intent must fail")
	}

	f = fullPlanFile()
	f.Plans["teleport"] = yamlPlan{Steps: []string{"assemble_context"}}
	if err := validatePlanFile(f); err == nil {
		t.Fatalf("unknown plan name must fail")
	}

	f = fullPlanFile()
	f.Plans[string(IntentGeneral)] = yamlPlan{}
	if err := validatePlanFile(f); err == nil {
		t.Fatalf("empty steps must fail")
	}
}

func TestReadPlansFileEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")
	body := "registry: retrieval_plans\nversion: custom\nplans: {}\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(retrievalPlansEnv, path)

	data, err := readPlansFile()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != body {
		t.Fatalf("env override not honored: %q", data)
	}

	t.Setenv(retrievalPlansEnv, "")
	data, err = readPlansFile()
	if err != nil {
		t.Fatalf("embedded read: %v", err)
	}
	if !strings.Contains(string(data), "registry: retrieval_plans") {
		t.Fatalf("embedded plans missing header")
	}
}
