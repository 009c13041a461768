package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
)

func TestClassifyIntentRules(t *testing.T) {
	h := newRetrievalHarness(t, nil, Limits{})
	ctx := context.Background()
	seedConcept(h, 1, "Gradient Descent", nil)

	cases := []struct {
		name       string
		msg        string
		wantIntent Intent
		wantReason string
		wantConf   float64
	}{
		{"empty", "", IntentGeneral, "empty_message", 1},
		{"whitespace", "   ", IntentGeneral, "empty_message", 1},
		{"ticker prefix", "NVDA: what changed this week", IntentTickerQuery, "ticker_prefix", 0.95},
		{"lowercase is not a ticker", "nvda: what changed", IntentSemanticSearch, "rules_inconclusive", 0.4},
		{"six letters is not a ticker", "TOOLONG: see this", IntentSemanticSearch, "rules_inconclusive", 0.4},
		{"claim reference", "why do we believe CLAIM_0a1b2c3d", IntentEvidenceForClaim, "claim_reference", 0.9},
		{"malformed claim reference", "CLAIM_xyz is junk", IntentSemanticSearch, "rules_inconclusive", 0.4},
		{"community reference", "what is in COMM_0a1b2c3d4e5f", IntentCommunitySummary, "community_reference", 0.9},
		{"exact concept name", "Gradient Descent", IntentConceptLookup, "known_concept_name", 0.9},
		{"concept name with question mark", "Gradient Descent?", IntentConceptLookup, "known_concept_name", 0.9},
		{"url gets no special routing", "https://example.com/article", IntentSemanticSearch, "rules_inconclusive", 0.4},
		{"free text", "tell me about transformers", IntentSemanticSearch, "rules_inconclusive", 0.4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cls, err := h.svc.ClassifyIntent(ctx, activeMain(), tc.msg)
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if cls.Intent != tc.wantIntent {
				t.Fatalf("intent = %s, want %s", cls.Intent, tc.wantIntent)
			}
			if cls.Reasoning != tc.wantReason {
				t.Fatalf("reasoning = %q, want %q", cls.Reasoning, tc.wantReason)
			}
			if cls.Confidence != tc.wantConf {
				t.Fatalf("confidence = %v, want %v", cls.Confidence, tc.wantConf)
			}
		})
	}
}

func TestClassifyIntentTickerWinsOverClaimRef(t *testing.T) {
	h := newRetrievalHarness(t, nil, Limits{})
	cls, err := h.svc.ClassifyIntent(context.Background(), activeMain(), "AAPL: confirm CLAIM_0a1b2c3d")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cls.Intent != IntentTickerQuery {
		t.Fatalf("intent = %s, want ticker_query first", cls.Intent)
	}
}

func TestClassifyIntentModelFallback(t *testing.T) {
	ai := &fakeAI{
		jsonFn: func(schemaName string) (map[string]any, error) {
			if schemaName != "intent_classification" {
				return nil, errs.Wrap(errs.ErrInvalid, "unexpected schema %s", schemaName)
			}
			return map[string]any{
				"intent":     "cross_graph",
				"confidence": 0.7,
				"reasoning":  "mentions two graphs",
			}, nil
		},
	}
	h := newRetrievalHarness(t, ai, Limits{})
	cls, err := h.svc.ClassifyIntent(context.Background(), activeMain(), "compare my health graph with my finance graph")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cls.Intent != IntentCrossGraph || cls.Confidence != 0.7 {
		t.Fatalf("model verdict not used: %+v", cls)
	}
	if cls.Reasoning != "mentions two graphs" {
		t.Fatalf("reasoning = %q", cls.Reasoning)
	}
}

func TestClassifyIntentModelAnswerClamped(t *testing.T) {
	ai := &fakeAI{
		jsonFn: func(string) (map[string]any, error) {
			return map[string]any{"intent": "general", "confidence": 3.5, "reasoning": "chit chat"}, nil
		},
	}
	h := newRetrievalHarness(t, ai, Limits{})
	cls, err := h.svc.ClassifyIntent(context.Background(), activeMain(), "hello there")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cls.Confidence != 1 {
		t.Fatalf("confidence not clamped: %v", cls.Confidence)
	}
}

func TestClassifyIntentModelGarbageFallsBack(t *testing.T) {
	ai := &fakeAI{
		jsonFn: func(string) (map[string]any, error) {
			return map[string]any{"intent": "teleport", "confidence": 0.9, "reasoning": "??"}, nil
		},
	}
	h := newRetrievalHarness(t, ai, Limits{})
	cls, err := h.svc.ClassifyIntent(context.Background(), activeMain(), "something ambiguous")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cls.Intent != IntentSemanticSearch || cls.Reasoning != "rules_inconclusive" {
		t.Fatalf("unusable model answer must fall back: %+v", cls)
	}
}

func TestClassifyIntentModelErrorFallsBack(t *testing.T) {
	ai := &fakeAI{
		jsonFn: func(string) (map[string]any, error) {
			return nil, errs.Wrap(errs.ErrUnavailable, "model down")
		},
	}
	h := newRetrievalHarness(t, ai, Limits{})
	cls, err := h.svc.ClassifyIntent(context.Background(), activeMain(), "something ambiguous")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cls.Intent != IntentSemanticSearch {
		t.Fatalf("model error must fall back: %+v", cls)
	}
}

func TestParseIntent(t *testing.T) {
	if got, err := ParseIntent(""); err != nil || got != "" {
		t.Fatalf("empty = %q %v", got, err)
	}
	if got, err := ParseIntent(" Ticker_Query "); err != nil || got != IntentTickerQuery {
		t.Fatalf("mixed case = %q %v", got, err)
	}
	if _, err := ParseIntent("bogus"); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("bogus = %v", err)
	}
}

func TestParseStrictness(t *testing.T) {
	cases := []struct {
		in   string
		want Strictness
		conf float64
	}{
		{"", StrictnessLow, 0},
		{"low", StrictnessLow, 0},
		{"MEDIUM", StrictnessMedium, 0.55},
		{"high", StrictnessHigh, 0.75},
	}
	for _, tc := range cases {
		got, err := ParseStrictness(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("parse %q = %q %v", tc.in, got, err)
		}
		if got.MinConfidence() != tc.conf {
			t.Fatalf("floor for %q = %v", tc.in, got.MinConfidence())
		}
	}
	if _, err := ParseStrictness("extreme"); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("unknown strictness = %v", err)
	}
}
