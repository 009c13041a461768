// Package ingest is the single entry point through which any artifact
// kind enters the graph. Callers describe the document and toggle
// pipeline steps; the kernel owns identity, dedupe, chunking, claim
// extraction and run accounting. Edge connectors (web fetch, OCR) stay
// outside: the kernel only ever sees text.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	"github.com/quillgraph/quillgraph-backend/internal/data/repos/jobs"
	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/embedcache"
	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/canonurl"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/dbctx"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/textnorm"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/ratelimit"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
	"github.com/quillgraph/quillgraph-backend/internal/snapshot"
)

const defaultBatchWorkers = 4

// Skip reasons surfaced on SKIPPED results.
const (
	SkipDenylisted      = "denylisted_domain"
	SkipTooShort        = "too_short"
	SkipTooLong         = "too_long"
	SkipAlreadyIngested = "already_ingested"
	SkipEmptyText       = "empty_text"
)

// IngestionActions toggles pipeline steps. Zero value runs nothing but
// identity and snapshot bookkeeping.
type IngestionActions struct {
	RunLectureExtraction bool `json:"run_lecture_extraction"`
	RunChunkAndClaims    bool `json:"run_chunk_and_claims"`
	EmbedClaims          bool `json:"embed_claims"`
	CreateArtifactNode   bool `json:"create_artifact_node"`
	CreateLectureNode    bool `json:"create_lecture_node"`
}

// IngestionPolicy is the pre-flight gate set. LocalOnly additionally
// forbids every outbound call during the run, whatever the actions say.
type IngestionPolicy struct {
	LocalOnly       bool     `json:"local_only"`
	MaxChars        int      `json:"max_chars"`
	MinChars        int      `json:"min_chars"`
	StripURLQuery   bool     `json:"strip_url_query"`
	DenylistDomains []string `json:"denylist_domains"`
}

// ArtifactInput describes one document entering the graph. Source
// defaults from ArtifactType; SourceID defaults to the canonical URL.
type ArtifactInput struct {
	ArtifactType  string           `json:"artifact_type"`
	Source        string           `json:"source,omitempty"`
	SourceURL     string           `json:"source_url"`
	SourceID      string           `json:"source_id,omitempty"`
	Title         string           `json:"title,omitempty"`
	Domain        string           `json:"domain,omitempty"`
	Text          string           `json:"text"`
	Pages         []Page           `json:"pages,omitempty"`
	SelectionText string           `json:"selection_text,omitempty"`
	Anchor        string           `json:"anchor,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Actions       IngestionActions `json:"actions"`
	Policy        IngestionPolicy  `json:"policy"`
}

// IngestionResult is the structured outcome of one document. FAILED and
// CANCELED are still results: batch callers keep going.
type IngestionResult struct {
	RunID         string          `json:"run_id"`
	Status        types.RunStatus `json:"status"`
	SkipReason    string          `json:"skip_reason,omitempty"`
	SummaryCounts map[string]int  `json:"summary_counts"`
	Errors        []string        `json:"errors,omitempty"`
	DocID         string          `json:"doc_id,omitempty"`
	ArtifactID    string          `json:"artifact_id,omitempty"`
	NodesCreated  int             `json:"nodes_created,omitempty"`
	LinksCreated  int             `json:"links_created,omitempty"`
	LectureID     string          `json:"lecture_id,omitempty"`
}

// BatchResult wraps the outer run of a batch plus one result per input,
// in input order.
type BatchResult struct {
	RunID   string             `json:"run_id"`
	Status  types.RunStatus    `json:"status"`
	Results []*IngestionResult `json:"results"`
}

// EntityWriter is the slice of the entities service the lecture step
// uses: get-or-create by name plus relationship merge, so repeated
// extraction of the same outline stays idempotent.
type EntityWriter interface {
	EnsureConcept(ctx context.Context, active scope.Active, name, description string, tags []string) (*knowledge.Concept, bool, error)
	ProposeRelationship(ctx context.Context, active scope.Active, rel *knowledge.Relationship) (bool, error)
}

// Embedder is the embedding port; the OpenAI client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type Service interface {
	// Ingest runs the pipeline for one document. The result is non-nil
	// even on error so batch callers always have something to record.
	Ingest(ctx context.Context, active scope.Active, in ArtifactInput) (*IngestionResult, error)

	// IngestBatch fans inputs out over a bounded worker pool under one
	// outer run. Per-document failures never abort the batch.
	IngestBatch(ctx context.Context, active scope.Active, kind string, inputs []ArtifactInput) (*BatchResult, error)
}

// Deps carries the kernel's collaborators. Extract, Entities, Embed,
// Cache and Limiter may be nil; the affected steps degrade.
type Deps struct {
	Sources   graph.SourceGraph
	Artifacts graph.ArtifactGraph
	Claims    graph.ClaimGraph
	Concepts  graph.ConceptGraph
	Lectures  graph.LectureGraph
	Snapshots snapshot.Service
	Runs      jobs.IngestionRunRepo

	Entities EntityWriter
	Extract  Extractor
	Embed    Embedder
	Cache    *embedcache.Cache
	Limiter  *ratelimit.Limiter

	BatchWorkers int
}

type service struct {
	Deps
	log *logger.Logger
}

func NewService(deps Deps, baseLog *logger.Logger) Service {
	if deps.BatchWorkers <= 0 {
		deps.BatchWorkers = defaultBatchWorkers
	}
	return &service{Deps: deps, log: baseLog.With("service", "IngestKernel")}
}

func (s *service) Ingest(ctx context.Context, active scope.Active, in ArtifactInput) (*IngestionResult, error) {
	return s.ingestOne(ctx, active, in, "")
}

func (s *service) IngestBatch(ctx context.Context, active scope.Active, kind string, inputs []ArtifactInput) (*BatchResult, error) {
	if active.Demo {
		return nil, errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	if kind == "" {
		kind = "batch"
	}
	outer := &types.IngestionRun{
		ID:       uuid.NewString(),
		TenantID: active.TenantID,
		GraphID:  active.GraphID,
		BranchID: active.BranchID,
		Kind:     kind,
		Status:   types.RunRunning,
	}
	if _, err := s.Runs.Create(dbctx.Context{Ctx: ctx}, outer); err != nil {
		s.log.Warn("batch run accounting unavailable", "error", err)
	}

	results := make([]*IngestionResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.BatchWorkers)
	for i := range inputs {
		i := i
		g.Go(func() error {
			res, err := s.ingestOne(gctx, active, inputs[i], outer.ID)
			if err != nil && res == nil {
				res = &IngestionResult{
					Status:        types.RunFailed,
					SummaryCounts: map[string]int{},
					Errors:        []string{err.Error()},
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{RunID: outer.ID, Results: results}
	counts := map[string]int{}
	var errList []string
	for _, r := range results {
		if r == nil {
			continue
		}
		counts["docs_"+strings.ToLower(string(r.Status))]++
		for k, v := range r.SummaryCounts {
			counts[k] += v
		}
		errList = append(errList, r.Errors...)
	}
	batch.Status = aggregateStatus(results)
	if err := s.Runs.Finish(dbctx.Context{Ctx: ctx}, outer.ID, batch.Status, counts, errList); err != nil {
		s.log.Warn("batch run finish failed", "error", err, "run_id", outer.ID)
	}
	return batch, nil
}

// aggregateStatus folds document outcomes into the outer run status:
// unanimous verdicts carry through, anything mixed is PARTIAL.
func aggregateStatus(results []*IngestionResult) types.RunStatus {
	if len(results) == 0 {
		return types.RunSkipped
	}
	first := types.RunStatus("")
	uniform := true
	for _, r := range results {
		st := types.RunFailed
		if r != nil {
			st = r.Status
		}
		if first == "" {
			first = st
		} else if st != first {
			uniform = false
		}
	}
	if uniform {
		return first
	}
	return types.RunPartial
}

func (s *service) ingestOne(ctx context.Context, active scope.Active, in ArtifactInput, parentRunID string) (*IngestionResult, error) {
	if active.Demo {
		return nil, errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	if active.GraphID == "" || active.BranchID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "ingest requires an active graph and branch")
	}

	start := time.Now()
	runID := uuid.NewString()
	run := &types.IngestionRun{
		ID:          runID,
		TenantID:    active.TenantID,
		GraphID:     active.GraphID,
		BranchID:    active.BranchID,
		Kind:        kindFor(in.ArtifactType),
		ParentRunID: parentRunID,
		Status:      types.RunRunning,
	}
	trackRun := true
	if _, err := s.Runs.Create(dbctx.Context{Ctx: ctx}, run); err != nil {
		// Losing accounting must not lose the document.
		s.log.Warn("run accounting unavailable", "error", err, "run_id", runID)
		trackRun = false
	}

	res := &IngestionResult{RunID: runID, SummaryCounts: map[string]int{}}

	defer func() {
		if m := observability.Current(); m != nil {
			m.ObserveIngestRun(run.Kind, string(res.Status), time.Since(start))
			if res.SkipReason != "" {
				m.IncIngestSkip(res.SkipReason)
			}
			m.AddNodesWritten("Artifact", res.SummaryCounts["artifacts"])
			m.AddNodesWritten("Claim", res.SummaryCounts["claims"])
			m.AddNodesWritten("Concept", res.SummaryCounts["concepts"])
		}
	}()

	fail := func(err error) (*IngestionResult, error) {
		res.Status = types.RunFailed
		res.Errors = append(res.Errors, err.Error())
		if trackRun {
			if ferr := s.Runs.Finish(dbctx.Context{Ctx: ctx}, runID, types.RunFailed, res.SummaryCounts, res.Errors); ferr != nil {
				s.log.Warn("run finish failed", "error", ferr, "run_id", runID)
			}
		}
		return res, err
	}
	skip := func(reason string) (*IngestionResult, error) {
		res.Status = types.RunSkipped
		res.SkipReason = reason
		if trackRun {
			if serr := s.Runs.SetSkipped(dbctx.Context{Ctx: ctx}, runID, reason); serr != nil {
				s.log.Warn("run skip mark failed", "error", serr, "run_id", runID)
			}
		}
		s.log.Info("ingest skipped", "run_id", runID, "reason", reason, "url", in.SourceURL)
		return res, nil
	}
	// Canonical identity.
	canonURL := canonurl.Canonicalize(in.SourceURL, in.Policy.StripURLQuery)
	_, contentHash := textnorm.NormalizeAndHash(sourceFor(in), in.Text, "")
	if strings.TrimSpace(in.Text) == "" {
		return skip(SkipEmptyText)
	}

	// Policy gates.
	host := canonurl.Host(canonURL)
	if host == "" {
		host = strings.ToLower(strings.TrimSpace(in.Domain))
	}
	for _, deny := range in.Policy.DenylistDomains {
		deny = strings.ToLower(strings.TrimSpace(deny))
		if deny != "" && (host == deny || strings.HasSuffix(host, "."+deny)) {
			return skip(SkipDenylisted)
		}
	}
	textLen := utf8.RuneCountInString(in.Text)
	if in.Policy.MinChars > 0 && textLen < in.Policy.MinChars {
		return skip(SkipTooShort)
	}
	if in.Policy.MaxChars > 0 && textLen > in.Policy.MaxChars {
		return skip(SkipTooLong)
	}

	// Source document.
	doc := &knowledge.SourceDocument{
		GraphID:    active.GraphID,
		Source:     sourceFor(in),
		ExternalID: externalIDFor(in, canonURL, contentHash),
		URL:        canonURL,
		Title:      in.Title,
		Checksum:   contentHash,
		Metadata:   in.Metadata,
	}
	doc, _, err := s.Sources.UpsertDocument(ctx, doc)
	if err != nil {
		return fail(err)
	}
	res.DocID = doc.DocID

	// Snapshot and change detection.
	_, changeEvent, err := s.Snapshots.CreateOrGet(ctx, snapshot.Input{
		GraphID:          active.GraphID,
		BranchID:         active.BranchID,
		SourceDocumentID: doc.DocID,
		SourceType:       doc.Source,
		SourceURL:        canonURL,
		RawText:          in.Text,
		Title:            in.Title,
		Metadata:         in.Metadata,
	})
	if err != nil {
		return fail(err)
	}
	if changeEvent == nil && doc.Status == knowledge.SourceIngested {
		return skip(SkipAlreadyIngested)
	}

	// Artifact and quote.
	if in.Actions.CreateArtifactNode {
		artifact := &knowledge.Artifact{
			ArtifactID:   knowledge.NewArtifactID(),
			GraphID:      active.GraphID,
			URL:          canonURL,
			ContentHash:  contentHash,
			ArtifactType: in.ArtifactType,
			Title:        in.Title,
			Text:         in.Text,
			Metadata:     in.Metadata,
			OnBranches:   []string{active.BranchID},
		}
		stored, created, err := s.Artifacts.Upsert(ctx, artifact, nil)
		if err != nil {
			return fail(err)
		}
		res.ArtifactID = stored.ArtifactID
		if created {
			res.NodesCreated++
		}
		res.SummaryCounts["artifacts"]++

		if in.SelectionText != "" || in.Anchor != "" {
			quote := &knowledge.Quote{
				QuoteID:    knowledge.QuoteID(stored.ArtifactID, 0, in.Anchor, in.SelectionText),
				GraphID:    active.GraphID,
				ArtifactID: stored.ArtifactID,
				Text:       in.SelectionText,
				AnchorJSON: in.Anchor,
				Confidence: 1,
			}
			if _, _, err := s.Artifacts.Upsert(ctx, stored, []*knowledge.Quote{quote}); err != nil {
				return fail(err)
			}
			res.SummaryCounts["quotes"]++
		}
	}

	partial := false

	// Chunks and claims.
	if in.Actions.RunChunkAndClaims {
		p, err := s.runChunkAndClaims(ctx, active, in, doc, contentHash, res)
		if err != nil {
			return fail(err)
		}
		if res.Status == types.RunFailed || res.Status == types.RunCanceled {
			return s.finishTracked(ctx, trackRun, runID, res), nil
		}
		partial = partial || p
	}

	// Lecture outline.
	if in.Actions.RunLectureExtraction {
		p, err := s.runLectureExtraction(ctx, active, in, runID, res)
		if err != nil {
			return fail(err)
		}
		partial = partial || p
	}

	if in.Actions.CreateLectureNode {
		lec := &knowledge.Lecture{
			GraphID:    active.GraphID,
			Title:      titleOr(in.Title, canonURL),
			ArtifactID: res.ArtifactID,
			OnBranches: []string{active.BranchID},
		}
		stored, err := s.Lectures.Create(ctx, lec)
		if err != nil {
			return fail(err)
		}
		res.LectureID = stored.LectureID
		res.NodesCreated++
	}

	if err := s.Sources.SetStatus(ctx, active.GraphID, doc.DocID, knowledge.SourceIngested, ""); err != nil {
		return fail(err)
	}

	res.Status = types.RunCompleted
	if partial {
		res.Status = types.RunPartial
	}
	return s.finishTracked(ctx, trackRun, runID, res), nil
}

func (s *service) finishTracked(ctx context.Context, trackRun bool, runID string, res *IngestionResult) *IngestionResult {
	if trackRun {
		if err := s.Runs.Finish(dbctx.Context{Ctx: ctx}, runID, res.Status, res.SummaryCounts, res.Errors); err != nil {
			s.log.Warn("run finish failed", "error", err, "run_id", runID)
		}
	}
	s.log.Info("ingest finished",
		"run_id", runID,
		"status", string(res.Status),
		"doc_id", res.DocID,
		"claims", res.SummaryCounts["claims"])
	return res
}

// runChunkAndClaims persists chunks, extracts claims per chunk, resolves
// mentions against live concepts and lands the batch. A chunk with no
// claims or a mention shortfall flips the run PARTIAL; zero chunks fail
// the document.
func (s *service) runChunkAndClaims(ctx context.Context, active scope.Active, in ArtifactInput, doc *knowledge.SourceDocument, contentHash string, res *IngestionResult) (bool, error) {
	var chunks []Chunk
	if len(in.Pages) > 0 {
		chunks = ChunkPages(in.Pages, ChunkOptions{})
	} else {
		chunks = ChunkText(in.Text, ChunkOptions{})
	}
	if len(chunks) == 0 {
		if err := s.Sources.SetStatus(ctx, active.GraphID, doc.DocID, knowledge.SourceFailed, "no chunks extracted"); err != nil {
			return false, err
		}
		res.Status = types.RunFailed
		res.Errors = append(res.Errors, "no chunks extracted")
		return false, nil
	}

	stored := make([]*knowledge.SourceChunk, 0, len(chunks))
	for _, c := range chunks {
		sc := &knowledge.SourceChunk{
			ChunkID:    knowledge.ChunkID(doc.DocID, contentHash, c.Index),
			GraphID:    active.GraphID,
			SourceID:   doc.DocID,
			ChunkIndex: c.Index,
			Text:       c.Text,
		}
		if c.PageStart > 0 {
			sc.Metadata = map[string]any{"page_start": c.PageStart, "page_end": c.PageEnd}
		}
		stored = append(stored, sc)
	}
	n, err := s.Sources.UpsertChunks(ctx, active.GraphID, doc.DocID, stored)
	if err != nil {
		return false, err
	}
	res.SummaryCounts["chunks"] = n
	res.NodesCreated += n

	if in.Policy.LocalOnly {
		res.Errors = append(res.Errors, "claim extraction skipped: local_only")
		return true, nil
	}
	if s.Extract == nil {
		res.Errors = append(res.Errors, "claim extraction unavailable")
		return true, nil
	}

	partial := false
	var claims []*knowledge.Claim
	namesByClaim := map[string][]string{}

	for _, sc := range stored {
		if err := ctx.Err(); err != nil {
			res.Status = types.RunCanceled
			res.Errors = append(res.Errors, "canceled")
			return partial, nil
		}
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
				res.Status = types.RunCanceled
				res.Errors = append(res.Errors, "canceled")
				return partial, nil
			}
		}
		drafts, err := s.Extract.ExtractClaims(ctx, sc.Text)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("chunk %d: %v", sc.ChunkIndex, err))
			partial = true
			continue
		}
		if len(drafts) == 0 {
			partial = true
			continue
		}
		for _, d := range drafts {
			claim := &knowledge.Claim{
				ClaimID:    knowledge.NewClaimID(),
				GraphID:    active.GraphID,
				Text:       d.Text,
				Confidence: d.Confidence,
				Method:     "llm",
				SourceID:   doc.DocID,
				SourceSpan: d.SourceSpan,
				ChunkID:    sc.ChunkID,
				OnBranches: []string{active.BranchID},
			}
			claims = append(claims, claim)
			namesByClaim[claim.ClaimID] = d.MentionedConceptNames
		}
	}

	if len(claims) == 0 {
		res.SummaryCounts["claims"] = 0
		return true, nil
	}

	// Resolve mentioned names once, against live concepts only.
	// Unmatched names never auto-create concepts.
	nameSet := map[string]bool{}
	var names []string
	for _, ns := range namesByClaim {
		for _, n := range ns {
			n = strings.ToLower(strings.TrimSpace(n))
			if n == "" || nameSet[n] {
				continue
			}
			nameSet[n] = true
			names = append(names, n)
		}
	}
	resolved := map[string]*knowledge.Concept{}
	if len(names) > 0 {
		resolved, err = s.Concepts.ResolveNames(ctx, active.Visibility(scope.ProposedExclude), names)
		if err != nil {
			return false, err
		}
	}
	mentions := map[string][]string{}
	wantMentions := 0
	for claimID, ns := range namesByClaim {
		for _, n := range ns {
			c := resolved[strings.ToLower(strings.TrimSpace(n))]
			if c == nil {
				continue
			}
			mentions[claimID] = append(mentions[claimID], c.NodeID)
			wantMentions++
		}
	}

	// Embeddings ride on the claim nodes, so attach before the batch.
	if in.Actions.EmbedClaims {
		s.embedClaims(ctx, active, in, claims, res)
	}
	if err := ctx.Err(); err != nil {
		res.Status = types.RunCanceled
		res.Errors = append(res.Errors, "canceled")
		return partial, nil
	}

	counts, err := s.Claims.CreateBatch(ctx, active.GraphID, claims, mentions)
	if err != nil {
		return false, err
	}
	res.SummaryCounts["claims"] = counts.Claims
	res.SummaryCounts["supported_by"] = counts.Supported
	res.SummaryCounts["mentions"] = counts.Mentions
	res.NodesCreated += counts.Claims
	res.LinksCreated += counts.Supported + counts.Mentions
	if counts.Mentions < wantMentions {
		res.Errors = append(res.Errors, fmt.Sprintf("mentions: %d of %d linked", counts.Mentions, wantMentions))
		partial = true
	}
	return partial, nil
}

// embedClaims is best-effort: an unavailable embedder or a transport
// failure leaves claims unembedded and notes it, nothing more.
func (s *service) embedClaims(ctx context.Context, active scope.Active, in ArtifactInput, claims []*knowledge.Claim, res *IngestionResult) {
	if in.Policy.LocalOnly {
		res.Errors = append(res.Errors, "embeddings skipped: local_only")
		return
	}
	if s.Embed == nil {
		res.Errors = append(res.Errors, "embeddings unavailable")
		return
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
			res.Errors = append(res.Errors, "embeddings: "+err.Error())
			return
		}
	}
	texts := make([]string, len(claims))
	for i, c := range claims {
		texts[i] = c.Text
	}
	vecs, err := s.Cache.EmbedCached(ctx, s.Embed.Embed, texts)
	if err != nil {
		res.Errors = append(res.Errors, "embeddings: "+err.Error())
		return
	}
	embedded := 0
	for i, v := range vecs {
		if i >= len(claims) || len(v) == 0 {
			continue
		}
		claims[i].Embedding = toFloat64Vec(v)
		embedded++
	}
	res.SummaryCounts["claims_embedded"] = embedded
}

// runLectureExtraction turns the document into concepts and proposed
// relationships via the entities service.
func (s *service) runLectureExtraction(ctx context.Context, active scope.Active, in ArtifactInput, runID string, res *IngestionResult) (bool, error) {
	if in.Policy.LocalOnly {
		res.Errors = append(res.Errors, "lecture extraction skipped: local_only")
		return true, nil
	}
	if s.Extract == nil || s.Entities == nil {
		res.Errors = append(res.Errors, "lecture extraction unavailable")
		return true, nil
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
			res.Errors = append(res.Errors, "lecture extraction: "+err.Error())
			return true, nil
		}
	}
	draft, err := s.Extract.ExtractLecture(ctx, in.Title, in.Text)
	if err != nil {
		res.Errors = append(res.Errors, "lecture extraction: "+err.Error())
		return true, nil
	}
	if draft == nil {
		return false, nil
	}

	idByName := map[string]string{}
	for _, cd := range draft.Concepts {
		concept, created, err := s.Entities.EnsureConcept(ctx, active, cd.Name, cd.Description, cd.Tags)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("concept %q: %v", cd.Name, err))
			continue
		}
		idByName[strings.ToLower(cd.Name)] = concept.NodeID
		if created {
			res.NodesCreated++
			res.SummaryCounts["concepts"]++
		}
	}
	for _, rd := range draft.Relationships {
		srcID := idByName[strings.ToLower(rd.SourceName)]
		dstID := idByName[strings.ToLower(rd.TargetName)]
		if srcID == "" || dstID == "" {
			continue
		}
		created, err := s.Entities.ProposeRelationship(ctx, active, &knowledge.Relationship{
			Predicate:      rd.Predicate,
			SourceID:       srcID,
			TargetID:       dstID,
			GraphID:        active.GraphID,
			OnBranches:     []string{active.BranchID},
			Status:         knowledge.RelationshipProposed,
			Confidence:     rd.Confidence,
			Method:         "llm",
			Rationale:      rd.Rationale,
			IngestionRunID: runID,
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("relationship %s-%s: %v", rd.SourceName, rd.TargetName, err))
			continue
		}
		if created {
			res.LinksCreated++
			res.SummaryCounts["relationships"]++
		}
	}
	return false, nil
}

// sourceFor maps the artifact type to the source system the document
// key uses; explicit Source wins.
func sourceFor(in ArtifactInput) string {
	if s := strings.ToLower(strings.TrimSpace(in.Source)); s != "" {
		return s
	}
	switch in.ArtifactType {
	case "notion_page":
		return "notion"
	case "finance_doc":
		return "edgar"
	case "note_image":
		return "note"
	case "upload":
		return "upload"
	case "generated_diagram":
		return "generated"
	default:
		return "web"
	}
}

func externalIDFor(in ArtifactInput, canonURL, contentHash string) string {
	if id := strings.TrimSpace(in.SourceID); id != "" {
		return id
	}
	if canonURL != "" {
		return canonURL
	}
	return contentHash
}

func kindFor(artifactType string) string {
	if artifactType == "" {
		return "unknown"
	}
	return artifactType
}

func titleOr(title, fallback string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return fallback
}

func toFloat64Vec(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
