package retrieval

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// Intent selects the retrieval plan for a query.
type Intent string

const (
	IntentConceptLookup    Intent = "concept_lookup"
	IntentSemanticSearch   Intent = "semantic_search"
	IntentTickerQuery      Intent = "ticker_query"
	IntentCommunitySummary Intent = "community_summary"
	IntentEvidenceForClaim Intent = "evidence_for_claim"
	IntentCrossGraph       Intent = "cross_graph"
	IntentGeneral          Intent = "general"
)

func AllIntents() []Intent {
	return []Intent{
		IntentConceptLookup,
		IntentSemanticSearch,
		IntentTickerQuery,
		IntentCommunitySummary,
		IntentEvidenceForClaim,
		IntentCrossGraph,
		IntentGeneral,
	}
}

func KnownIntent(s string) bool {
	for _, i := range AllIntents() {
		if string(i) == s {
			return true
		}
	}
	return false
}

// ParseIntent validates a caller-supplied intent override.
func ParseIntent(s string) (Intent, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	if !KnownIntent(s) {
		return "", errs.Wrap(errs.ErrInvalid, "unknown intent %q", s)
	}
	return Intent(s), nil
}

// Classification is the router verdict for a message.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

var (
	tickerPrefixRe  = regexp.MustCompile(`^[A-Z]{1,5}:\s`)
	claimRefRe      = regexp.MustCompile(`\bCLAIM_[0-9a-fA-F]{8}\b`)
	communityRefRe  = regexp.MustCompile(`\bCOMM_[0-9a-fA-F]{12}\b`)
	tickerCaptureRe = regexp.MustCompile(`^([A-Z]{1,5}):\s*(.*)$`)
)

// ClassifyIntent routes a message: cheap rules first, the model only
// when rules are inconclusive and one is configured, semantic search
// otherwise. URLs get no special routing; a URL message only matches
// through the concept-name rule like any other text.
func (s *service) ClassifyIntent(ctx context.Context, active scope.Active, message string) (*Classification, error) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return &Classification{Intent: IntentGeneral, Confidence: 1, Reasoning: "empty_message"}, nil
	}
	if tickerPrefixRe.MatchString(msg) {
		return &Classification{Intent: IntentTickerQuery, Confidence: 0.95, Reasoning: "ticker_prefix"}, nil
	}
	if claimRefRe.MatchString(msg) {
		return &Classification{Intent: IntentEvidenceForClaim, Confidence: 0.9, Reasoning: "claim_reference"}, nil
	}
	if communityRefRe.MatchString(msg) {
		return &Classification{Intent: IntentCommunitySummary, Confidence: 0.9, Reasoning: "community_reference"}, nil
	}
	name := trimQueryPunct(msg)
	if name != "" {
		c, err := s.Concepts.GetByName(ctx, active.Visibility(scope.ProposedExclude), name)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return &Classification{Intent: IntentConceptLookup, Confidence: 0.9, Reasoning: "known_concept_name"}, nil
		}
	}
	if cls := s.llmClassify(ctx, active, msg); cls != nil {
		return cls, nil
	}
	return &Classification{Intent: IntentSemanticSearch, Confidence: 0.4, Reasoning: "rules_inconclusive"}, nil
}

// llmClassify returns nil when no model is configured or the model's
// answer is unusable; the caller falls back to semantic search.
func (s *service) llmClassify(ctx context.Context, active scope.Active, msg string) *Classification {
	if s.AI == nil {
		return nil
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
			return nil
		}
	}
	names := make([]string, 0, len(AllIntents()))
	for _, i := range AllIntents() {
		names = append(names, string(i))
	}
	system := `ROLE: You route questions to a knowledge-graph retrieval plan.
TASK: Pick the single best intent for the user message.
OUTPUT: JSON matching the provided schema.
RULES:
- concept_lookup only when the message names one specific concept.
- ticker_query only for stock-ticker style finance questions.
- evidence_for_claim only when the message asks for sources or proof.
- Otherwise prefer semantic_search; use general for chit-chat.`
	obj, err := s.AI.GenerateJSON(ctx, system, msg, "intent_classification", map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"intent":     map[string]any{"type": "string", "enum": names},
			"confidence": map[string]any{"type": "number"},
			"reasoning":  map[string]any{"type": "string"},
		},
		"required": []string{"intent", "confidence", "reasoning"},
	})
	if err != nil {
		s.log.Warn("intent classification failed", "error", err)
		return nil
	}
	var out Classification
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	if !KnownIntent(string(out.Intent)) {
		return nil
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return &out
}

// trimQueryPunct strips trailing question punctuation so "What is X?"
// style lookups still match the stored name "X" when the message is
// just the name.
func trimQueryPunct(s string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), "?!."))
}
