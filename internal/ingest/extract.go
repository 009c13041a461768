package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/clients/openai"
	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// Lecture extraction reads the head of the document only. Claims cover
// the full text chunk by chunk; the outline does not need all of it.
const lectureInputCap = 16000

// ClaimDraft is one claim as the extraction collaborator returns it,
// before mention resolution and persistence.
type ClaimDraft struct {
	Text                  string   `json:"text"`
	Confidence            float64  `json:"confidence"`
	SourceSpan            string   `json:"source_span"`
	MentionedConceptNames []string `json:"mentioned_concept_names"`
}

type ConceptDraft struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type RelationshipDraft struct {
	SourceName string  `json:"source_name"`
	TargetName string  `json:"target_name"`
	Predicate  string  `json:"predicate"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// LectureDraft is the outline extracted from a whole document: the
// concepts it teaches and the relationships between them.
type LectureDraft struct {
	Title         string              `json:"title"`
	Concepts      []ConceptDraft      `json:"concepts"`
	Relationships []RelationshipDraft `json:"relationships"`
}

// Extractor is the LLM collaborator port. The kernel treats a nil
// Extractor as "extraction unavailable" and degrades the affected steps.
type Extractor interface {
	ExtractClaims(ctx context.Context, chunkText string) ([]ClaimDraft, error)
	ExtractLecture(ctx context.Context, title, text string) (*LectureDraft, error)
}

type llmExtractor struct {
	ai  openai.Client
	log *logger.Logger
}

// NewLLMExtractor wraps the OpenAI client as an Extractor. A nil client
// returns a nil Extractor so wiring can pass the degraded state through.
func NewLLMExtractor(ai openai.Client, baseLog *logger.Logger) Extractor {
	if ai == nil {
		return nil
	}
	return &llmExtractor{ai: ai, log: baseLog.With("service", "IngestExtractor")}
}

func (e *llmExtractor) ExtractClaims(ctx context.Context, chunkText string) ([]ClaimDraft, error) {
	chunkText = strings.TrimSpace(chunkText)
	if chunkText == "" {
		return nil, nil
	}

	sys := `ROLE: Claim extractor for a personal knowledge graph.
TASK: Extract atomic factual claims from the provided text chunk.
OUTPUT: Return ONLY JSON matching the schema (no extra keys).
RULES: Each claim is one standalone verifiable statement in the source's own terms. confidence reflects how directly the text supports the claim. source_span quotes the supporting phrase (max 25 words). mentioned_concept_names lists concept names the claim is about, as written in the text. At most 10 claims; fewer is fine. No opinions, no meta-commentary about the document.`

	obj, err := e.ai.GenerateJSON(ctx, sys, "Text chunk:\n"+chunkText, "claim_extraction_v1", schemaClaimExtraction())
	if err != nil {
		return nil, err
	}
	payload := struct {
		Claims []ClaimDraft `json:"claims"`
	}{}
	decodeExtraction(obj, &payload)

	out := make([]ClaimDraft, 0, len(payload.Claims))
	var dropped []string
	for _, c := range payload.Claims {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			dropped = append(dropped, "claim dropped: empty text")
			continue
		}
		c.Confidence = clamp01(c.Confidence)
		c.SourceSpan = strings.TrimSpace(c.SourceSpan)
		out = append(out, c)
	}
	if len(dropped) > 0 {
		observability.ReportDataQualityErrors(ctx, e.log, "claim_extraction", dropped, nil)
	}
	return out, nil
}

func (e *llmExtractor) ExtractLecture(ctx context.Context, title, text string) (*LectureDraft, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if len(text) > lectureInputCap {
		text = text[:lectureInputCap]
	}

	sys := `ROLE: Knowledge-graph outline extractor.
TASK: Extract the concepts a document teaches and the relationships between them.
OUTPUT: Return ONLY JSON matching the schema (no extra keys).
RULES: Concept names are short noun phrases as the document uses them. Descriptions are one sentence. Relationship predicates are UPPERCASE_WITH_UNDERSCORES verbs (e.g. DEPENDS_ON, PART_OF, CONTRASTS_WITH); never invent ids. At most 15 concepts and 20 relationships. Only relate concepts you also listed.`

	var b strings.Builder
	if t := strings.TrimSpace(title); t != "" {
		fmt.Fprintf(&b, "Title: %s\n\n", t)
	}
	b.WriteString("Document:\n")
	b.WriteString(text)

	obj, err := e.ai.GenerateJSON(ctx, sys, b.String(), "lecture_extraction_v1", schemaLectureExtraction())
	if err != nil {
		return nil, err
	}
	draft := &LectureDraft{}
	decodeExtraction(obj, draft)

	var dropped []string
	concepts := make([]ConceptDraft, 0, len(draft.Concepts))
	listed := map[string]bool{}
	for _, c := range draft.Concepts {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			dropped = append(dropped, "concept dropped: empty name")
			continue
		}
		key := strings.ToLower(c.Name)
		if listed[key] {
			continue
		}
		listed[key] = true
		concepts = append(concepts, c)
	}
	draft.Concepts = concepts

	rels := make([]RelationshipDraft, 0, len(draft.Relationships))
	for _, r := range draft.Relationships {
		r.SourceName = strings.TrimSpace(r.SourceName)
		r.TargetName = strings.TrimSpace(r.TargetName)
		rawPredicate := r.Predicate
		r.Predicate = normalizePredicate(r.Predicate)
		if r.SourceName == "" || r.TargetName == "" {
			dropped = append(dropped, "relationship dropped: empty endpoint name")
			continue
		}
		if r.Predicate == "" {
			dropped = append(dropped, fmt.Sprintf("relationship dropped: invalid predicate %q", rawPredicate))
			continue
		}
		if strings.EqualFold(r.SourceName, r.TargetName) {
			dropped = append(dropped, fmt.Sprintf("relationship dropped: self relation on %q", r.SourceName))
			continue
		}
		if !listed[strings.ToLower(r.SourceName)] || !listed[strings.ToLower(r.TargetName)] {
			dropped = append(dropped, fmt.Sprintf("relationship %s->%s dropped: endpoint not in concept list", r.SourceName, r.TargetName))
			continue
		}
		r.Confidence = clamp01(r.Confidence)
		rels = append(rels, r)
	}
	draft.Relationships = rels
	if len(dropped) > 0 {
		observability.ReportDataQualityErrors(ctx, e.log, "lecture_extraction", dropped, map[string]any{"title": draft.Title})
	}

	if draft.Title == "" {
		draft.Title = strings.TrimSpace(title)
	}
	return draft, nil
}

// normalizePredicate folds model output into the edge-type alphabet:
// uppercase identifiers with underscores. CROSS_GRAPH_LINK is reserved
// for the explicit cross-graph operation and never extracted.
func normalizePredicate(p string) string {
	p = strings.ToUpper(strings.TrimSpace(p))
	var b strings.Builder
	lastUnderscore := true
	for _, r := range p {
		switch {
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" || out == "CROSS_GRAPH_LINK" {
		return ""
	}
	return out
}

func decodeExtraction(obj map[string]any, out any) {
	if obj == nil {
		return
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, out)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func schemaClaimExtraction() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"claims": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text":       map[string]any{"type": "string"},
						"confidence": map[string]any{"type": "number"},
						"source_span": map[string]any{
							"type": "string",
						},
						"mentioned_concept_names": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
					},
					"required": []string{"text", "confidence", "source_span", "mentioned_concept_names"},
				},
			},
		},
		"required": []string{"claims"},
	}
}

func schemaLectureExtraction() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"concepts": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"tags": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
					},
					"required": []string{"name", "description", "tags"},
				},
			},
			"relationships": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"source_name": map[string]any{"type": "string"},
						"target_name": map[string]any{"type": "string"},
						"predicate":   map[string]any{"type": "string"},
						"confidence":  map[string]any{"type": "number"},
						"rationale":   map[string]any{"type": "string"},
					},
					"required": []string{"source_name", "target_name", "predicate", "confidence", "rationale"},
				},
			},
		},
		"required": []string{"title", "concepts", "relationships"},
	}
}
