// Package retrieval turns a user query into an executed retrieval plan:
// intent classification, plan steps against the graph store, strictness
// and recency filtering, and a generator-ready context bundle with a
// full step trace.
package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/quillgraph/quillgraph-backend/internal/clients/openai"
	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/embedcache"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/ratelimit"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// Strictness maps evidence strictness to a claim confidence floor.
type Strictness string

const (
	StrictnessLow    Strictness = "low"
	StrictnessMedium Strictness = "medium"
	StrictnessHigh   Strictness = "high"
)

func ParseStrictness(s string) (Strictness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return StrictnessLow, nil
	case "medium":
		return StrictnessMedium, nil
	case "high":
		return StrictnessHigh, nil
	default:
		return StrictnessLow, errs.Wrap(errs.ErrInvalid, "unknown evidence_strictness %q", s)
	}
}

func (s Strictness) MinConfidence() float64 {
	switch s {
	case StrictnessMedium:
		return 0.55
	case StrictnessHigh:
		return 0.75
	default:
		return 0
	}
}

const (
	DetailSummary = "summary"
	DetailFull    = "full"
)

// Query is one retrieval request. Zero limits fall back to defaults;
// summary mode additionally clamps them.
type Query struct {
	Message       string
	Intent        Intent
	DetailLevel   string
	Strictness    Strictness
	RecencyDays   int
	Proposed      scope.ProposedMode
	LimitEntities int
	LimitClaims   int
	LimitSources  int
	MaxConcepts   int
}

// TraceStep records one executed plan step.
type TraceStep struct {
	Step   string         `json:"step"`
	Params map[string]any `json:"params,omitempty"`
	Counts map[string]int `json:"counts,omitempty"`
}

// SourceRef is the citable document behind surfaced claims.
type SourceRef struct {
	DocID       string     `json:"doc_id"`
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	Source      string     `json:"source,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Bundle is the assembled context handed to a downstream generator.
type Bundle struct {
	Entities    []*knowledge.Concept      `json:"entities"`
	Edges       []*knowledge.Relationship `json:"edges"`
	Claims      []*knowledge.Claim        `json:"claims"`
	Sources     []*SourceRef              `json:"sources"`
	Communities []*knowledge.Community    `json:"communities"`
	ContextText string                    `json:"context_text"`
}

// Result is the full retrieval response.
type Result struct {
	Intent      Intent      `json:"intent"`
	Confidence  float64     `json:"confidence"`
	Reasoning   string      `json:"reasoning,omitempty"`
	PlanVersion string      `json:"plan_version"`
	Trace       []TraceStep `json:"trace"`
	Context     Bundle      `json:"context"`
}

// Limits are process-wide retrieval bounds, config-injected.
type Limits struct {
	NeighborLimit int
	VectorCap     int
	MaxConcepts   int
	TraceMax      int
	ClaimTrim     int
}

func (l Limits) withDefaults() Limits {
	if l.NeighborLimit <= 0 {
		l.NeighborLimit = 80
	}
	if l.VectorCap <= 0 {
		l.VectorCap = 2000
	}
	if l.MaxConcepts <= 0 {
		l.MaxConcepts = 20
	}
	if l.TraceMax <= 0 {
		l.TraceMax = 10
	}
	if l.ClaimTrim <= 0 {
		l.ClaimTrim = 200
	}
	return l
}

type Service interface {
	Retrieve(ctx context.Context, active scope.Active, q Query) (*Result, error)
	ClassifyIntent(ctx context.Context, active scope.Active, message string) (*Classification, error)
}

// Deps carries the store surfaces a plan can touch. AI, Cache and
// Limiter may be nil; semantic steps degrade to explanatory output.
type Deps struct {
	Concepts    graph.ConceptGraph
	Claims      graph.ClaimGraph
	Relations   graph.RelationshipGraph
	Communities graph.CommunityGraph
	Sources     graph.SourceGraph
	Artifacts   graph.ArtifactGraph

	AI      openai.Client
	Cache   *embedcache.Cache
	Limiter *ratelimit.Limiter

	Limits Limits
}

type service struct {
	Deps
	limits Limits
	log    *logger.Logger
}

func NewService(deps Deps, baseLog *logger.Logger) Service {
	return &service{
		Deps:   deps,
		limits: deps.Limits.withDefaults(),
		log:    baseLog.With("service", "RetrievalService"),
	}
}

func (s *service) Retrieve(ctx context.Context, active scope.Active, q Query) (*Result, error) {
	if active.GraphID == "" || active.BranchID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "retrieval requires an active graph and branch")
	}
	msg := strings.TrimSpace(q.Message)

	res := &Result{}
	cls := &Classification{Intent: q.Intent, Confidence: 1, Reasoning: "explicit_intent"}
	if q.Intent == "" {
		var err error
		cls, err = s.ClassifyIntent(ctx, active, msg)
		if err != nil {
			return nil, err
		}
		res.Trace = append(res.Trace, TraceStep{
			Step:   "classify_intent",
			Params: map[string]any{"intent": string(cls.Intent), "reasoning": cls.Reasoning},
		})
	}
	res.Intent = cls.Intent
	res.Confidence = cls.Confidence
	res.Reasoning = cls.Reasoning

	steps, version := planFor(s.log, cls.Intent)
	res.PlanVersion = version

	vis := active.Visibility(q.Proposed)
	st := newExecState(q, msg)
	for _, step := range steps {
		params, counts, err := s.runStep(ctx, active, vis, st, step)
		if err != nil {
			kind := errs.Kind(err)
			if kind == errs.ErrCanceled || kind == errs.ErrUnavailable {
				return nil, err
			}
			s.log.Warn("retrieval step failed", "step", step, "error", err, "graph_id", active.GraphID)
			st.note("step " + step + " failed")
			res.Trace = append(res.Trace, TraceStep{Step: step, Counts: map[string]int{"errors": 1}})
			continue
		}
		res.Trace = append(res.Trace, TraceStep{Step: step, Params: params, Counts: counts})
	}

	res.Context = st.out
	if q.DetailLevel != DetailFull && len(res.Trace) > s.limits.TraceMax {
		omitted := len(res.Trace) - s.limits.TraceMax
		res.Trace = append(res.Trace[:s.limits.TraceMax], TraceStep{
			Step:   "trace_truncated",
			Counts: map[string]int{"omitted": omitted},
		})
	}
	s.log.Info("retrieval complete",
		"graph_id", active.GraphID,
		"intent", string(res.Intent),
		"entities", len(res.Context.Entities),
		"claims", len(res.Context.Claims),
		"steps", len(res.Trace))
	return res, nil
}

func (s *service) runStep(ctx context.Context, active scope.Active, vis scope.Visibility, st *execState, step string) (map[string]any, map[string]int, error) {
	switch step {
	case "resolve_concept":
		return s.stepResolveConcept(ctx, vis, st)
	case "embed_query":
		return s.stepEmbedQuery(ctx, active, st)
	case "vector_match":
		return s.stepVectorMatch(ctx, vis, st)
	case "expand_neighbors":
		return s.stepExpandNeighbors(ctx, vis, st)
	case "claims_for_focus":
		return s.stepClaimsForFocus(ctx, vis, st)
	case "collect_sources":
		return s.stepCollectSources(ctx, vis, st)
	case "detect_ticker":
		return s.stepDetectTicker(st)
	case "resolve_anchor":
		return s.stepResolveAnchor(ctx, vis, st)
	case "match_communities":
		return s.stepMatchCommunities(ctx, active, vis, st)
	case "evidence_subgraph":
		return s.stepEvidenceSubgraph(ctx, vis, st)
	case "resolve_community":
		return s.stepResolveCommunity(ctx, vis, st)
	case "community_members":
		return s.stepCommunityMembers(ctx, vis, st)
	case "fetch_claim":
		return s.stepFetchClaim(ctx, vis, st)
	case "evidence_chain":
		return s.stepEvidenceChain(ctx, vis, st)
	case "mentioned_concepts":
		return s.stepMentionedConcepts(ctx, vis, st)
	case "assemble_context":
		return s.stepAssembleContext(st)
	default:
		s.log.Warn("retrieval: unknown plan step skipped", "step", step)
		return nil, map[string]int{"skipped": 1}, nil
	}
}
