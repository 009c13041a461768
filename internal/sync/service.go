// Package sync applies the offline outbox: batched client events behind
// a durable dedupe gate, one-shot selection capture, and the offline
// read surfaces (bootstrap, manifest, warm).
package sync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/quillgraph/quillgraph-backend/internal/clients/redis"
	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	types "github.com/quillgraph/quillgraph-backend/internal/domain"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/ingest"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// Recognized event types. Anything else fails per-item, never the batch.
const (
	EventArtifactIngest  = "artifact.ingest"
	EventResourceCreate  = "resource.create"
	EventResourceLink    = "resource.link"
	EventTrailStepAppend = "trail.step.append"
)

// Per-item statuses.
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

const (
	manifestTTL      = 30 * time.Second
	manifestKeyPref  = "offline:manifest:"
	bootstrapRecent  = 20
	bootstrapNodes   = 50
	warmResolveLimit = 50
)

// Event is one outbox entry from an offline client. GraphID and
// BranchID default to the active scope when empty.
type Event struct {
	EventID     string          `json:"event_id"`
	GraphID     string          `json:"graph_id,omitempty"`
	BranchID    string          `json:"branch_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAtMS int64           `json:"created_at_ms,omitempty"`
}

// EventResult is the per-item outcome; a batch response carries one per
// input event, in input order.
type EventResult struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// CaptureSelectionInput is a one-shot browser selection capture.
type CaptureSelectionInput struct {
	URL           string         `json:"url"`
	Title         string         `json:"title,omitempty"`
	SelectionText string         `json:"selection_text"`
	Anchor        string         `json:"anchor,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// BootstrapPayload seeds an offline client: the best-connected concepts
// plus recent artifacts and trails for the active scope.
type BootstrapPayload struct {
	GraphID   string                `json:"graph_id"`
	BranchID  string                `json:"branch_id"`
	Concepts  []knowledge.Concept   `json:"concepts"`
	Artifacts []*knowledge.Artifact `json:"artifacts"`
	Trails    []*knowledge.Trail    `json:"trails"`
}

// Manifest is the cheap cache-invalidation poll: per-label counts and
// the newest capture stamp.
type Manifest struct {
	GraphID          string         `json:"graph_id"`
	BranchID         string         `json:"branch_id"`
	Counts           map[string]int `json:"counts"`
	LatestActivityAt *time.Time     `json:"latest_activity_at,omitempty"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// WarmInput names artifacts to resolve into full payloads.
type WarmInput struct {
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
	URLs        []string `json:"urls,omitempty"`
}

// WarmedArtifact is one resolved artifact with its quotes.
type WarmedArtifact struct {
	Artifact *knowledge.Artifact `json:"artifact"`
	Quotes   []*knowledge.Quote  `json:"quotes,omitempty"`
}

// Authorizer validates writes into graphs named by events, which may
// differ from the active graph. The scope resolver satisfies it.
type Authorizer interface {
	AuthorizeWrite(ctx context.Context, tenantID, graphID string) error
}

// ConceptReader is the slice of the concept store bootstrap uses.
type ConceptReader interface {
	Overview(ctx context.Context, vis scope.Visibility, limitNodes, limitEdges int) (*knowledge.GraphOverview, error)
}

type Service interface {
	// ApplyEvents applies a batch in order. Per-item failures never
	// abort the batch; only cancellation does.
	ApplyEvents(ctx context.Context, active scope.Active, events []Event) ([]*EventResult, error)

	CaptureSelection(ctx context.Context, active scope.Active, in CaptureSelectionInput) (*ingest.IngestionResult, error)

	Bootstrap(ctx context.Context, active scope.Active) (*BootstrapPayload, error)
	Manifest(ctx context.Context, active scope.Active) (*Manifest, error)
	Warm(ctx context.Context, active scope.Active, in WarmInput) ([]*WarmedArtifact, error)
}

// Deps carries the collaborators. Cache may be nil (manifest then skips
// its 30 s memo); Auth may be nil only when events never name foreign
// graphs, so wiring always passes the resolver.
type Deps struct {
	Sync      graph.SyncGraph
	Artifacts graph.ArtifactGraph
	Concepts  ConceptReader
	Kernel    ingest.Service
	Auth      Authorizer
	Cache     redis.Cache
}

type service struct {
	Deps
	log *logger.Logger
}

func NewService(deps Deps, baseLog *logger.Logger) Service {
	return &service{Deps: deps, log: baseLog.With("service", "SyncService")}
}

func (s *service) ApplyEvents(ctx context.Context, active scope.Active, events []Event) ([]*EventResult, error) {
	if active.Demo {
		return nil, errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	if active.GraphID == "" || active.BranchID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "sync requires an active graph and branch")
	}

	results := make([]*EventResult, 0, len(events))
	for i := range events {
		if ctx.Err() != nil {
			return results, errs.WithKind(errs.ErrCanceled, ctx.Err())
		}
		res := s.applyOne(ctx, active, &events[i])
		results = append(results, res)
		if res.Status == StatusError && ctx.Err() != nil {
			return results, errs.WithKind(errs.ErrCanceled, ctx.Err())
		}
	}
	return results, nil
}

func (s *service) applyOne(ctx context.Context, active scope.Active, ev *Event) *EventResult {
	out := &EventResult{EventID: ev.EventID, Status: StatusError}
	if strings.TrimSpace(ev.EventID) == "" {
		out.Error = "event_id required"
		return out
	}

	graphID := ev.GraphID
	if graphID == "" {
		graphID = active.GraphID
	}
	branchID := ev.BranchID
	if branchID == "" {
		branchID = active.BranchID
	}

	// Events naming a foreign graph are authorized before the gate so a
	// rejected event never plants a dedupe row in a graph the caller
	// cannot write.
	if graphID != active.GraphID && s.Auth != nil {
		if err := s.Auth.AuthorizeWrite(ctx, active.TenantID, graphID); err != nil {
			out.Error = err.Error()
			return out
		}
	}

	duplicate, err := s.Sync.GateEvent(ctx, &knowledge.ClientEvent{
		EventID:     ev.EventID,
		GraphID:     graphID,
		BranchID:    branchID,
		Type:        ev.Type,
		PayloadJSON: string(ev.Payload),
	})
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if duplicate {
		out.Status = StatusDuplicate
		out.Error = ""
		return out
	}

	scoped := active
	scoped.GraphID = graphID
	scoped.BranchID = branchID

	output, applyErr := s.dispatch(ctx, scoped, ev)
	if applyErr != nil {
		out.Error = applyErr.Error()
		if mErr := s.Sync.MarkFailed(ctx, graphID, ev.EventID, applyErr.Error()); mErr != nil {
			s.log.Warn("event failure stamp failed", "event_id", ev.EventID, "error", mErr)
		}
		return out
	}

	raw := "{}"
	if output != nil {
		if b, mErr := json.Marshal(output); mErr == nil {
			raw = string(b)
		}
	}
	if mErr := s.Sync.MarkApplied(ctx, graphID, ev.EventID, raw); mErr != nil {
		s.log.Warn("event apply stamp failed", "event_id", ev.EventID, "error", mErr)
	}
	out.Status = StatusApplied
	out.Error = ""
	return out
}

func (s *service) dispatch(ctx context.Context, scoped scope.Active, ev *Event) (map[string]any, error) {
	switch ev.Type {
	case EventArtifactIngest:
		return s.applyArtifactIngest(ctx, scoped, ev.Payload)
	case EventResourceCreate:
		return s.applyResourceCreate(ctx, scoped, ev.Payload)
	case EventResourceLink:
		return s.applyResourceLink(ctx, scoped, ev.Payload)
	case EventTrailStepAppend:
		return s.applyTrailStep(ctx, scoped, ev.Payload)
	default:
		return nil, errs.Wrap(errs.ErrInvalid, "unrecognized event type %q", ev.Type)
	}
}

type artifactIngestPayload struct {
	ArtifactType  string         `json:"artifact_type"`
	SourceURL     string         `json:"source_url"`
	URL           string         `json:"url"`
	Title         string         `json:"title"`
	Text          string         `json:"text"`
	SelectionText string         `json:"selection_text"`
	Anchor        string         `json:"anchor"`
	Metadata      map[string]any `json:"metadata"`
}

// applyArtifactIngest lands the captured artifact node and nothing
// else: no extraction, no chunking, no outbound calls.
func (s *service) applyArtifactIngest(ctx context.Context, scoped scope.Active, payload json.RawMessage) (map[string]any, error) {
	var p artifactIngestPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	url := p.SourceURL
	if url == "" {
		url = p.URL
	}
	res, err := s.Kernel.Ingest(ctx, scoped, ingest.ArtifactInput{
		ArtifactType:  orString(p.ArtifactType, "web_snapshot"),
		SourceURL:     url,
		Title:         p.Title,
		Text:          p.Text,
		SelectionText: p.SelectionText,
		Anchor:        p.Anchor,
		Metadata:      p.Metadata,
		Actions:       ingest.IngestionActions{CreateArtifactNode: true},
		Policy:        ingest.IngestionPolicy{LocalOnly: true},
	})
	if err != nil {
		return nil, err
	}
	if res.Status == types.RunFailed {
		return nil, errs.Wrap(errs.ErrInternal, "ingest failed: %s", strings.Join(res.Errors, "; "))
	}
	return map[string]any{
		"run_id":      res.RunID,
		"status":      string(res.Status),
		"artifact_id": res.ArtifactID,
		"doc_id":      res.DocID,
	}, nil
}

type resourceCreatePayload struct {
	ResourceID string         `json:"resource_id"`
	Kind       string         `json:"kind"`
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *service) applyResourceCreate(ctx context.Context, scoped scope.Active, payload json.RawMessage) (map[string]any, error) {
	var p resourceCreatePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.ResourceID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "resource.create requires resource_id")
	}
	res, err := s.Sync.UpsertResource(ctx, &knowledge.Resource{
		ResourceID: p.ResourceID,
		GraphID:    scoped.GraphID,
		Kind:       p.Kind,
		URL:        p.URL,
		Title:      p.Title,
		Metadata:   p.Metadata,
		OnBranches: []string{scoped.BranchID},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"resource_id": res.ResourceID}, nil
}

type resourceLinkPayload struct {
	ResourceID string `json:"resource_id"`
	NodeID     string `json:"node_id"`
}

func (s *service) applyResourceLink(ctx context.Context, scoped scope.Active, payload json.RawMessage) (map[string]any, error) {
	var p resourceLinkPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.ResourceID == "" || p.NodeID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "resource.link requires resource_id and node_id")
	}
	if err := s.Sync.LinkResource(ctx, scoped.GraphID, p.ResourceID, p.NodeID, scoped.BranchID); err != nil {
		return nil, err
	}
	return map[string]any{"resource_id": p.ResourceID, "node_id": p.NodeID}, nil
}

type trailStepPayload struct {
	TrailID    string         `json:"trail_id"`
	TrailTitle string         `json:"trail_title"`
	StepID     string         `json:"step_id"`
	Index      int            `json:"index"`
	Kind       string         `json:"kind"`
	RefID      string         `json:"ref_id"`
	Note       string         `json:"note"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *service) applyTrailStep(ctx context.Context, scoped scope.Active, payload json.RawMessage) (map[string]any, error) {
	var p trailStepPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.TrailID == "" || p.StepID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "trail.step.append requires trail_id and step_id")
	}
	trail := &knowledge.Trail{
		TrailID: p.TrailID,
		GraphID: scoped.GraphID,
		Title:   p.TrailTitle,
	}
	step := &knowledge.TrailStep{
		StepID:   p.StepID,
		TrailID:  p.TrailID,
		GraphID:  scoped.GraphID,
		Index:    p.Index,
		Kind:     p.Kind,
		RefID:    p.RefID,
		Note:     p.Note,
		Metadata: p.Metadata,
	}
	if err := s.Sync.AppendTrailStep(ctx, trail, step, scoped.BranchID); err != nil {
		return nil, err
	}
	return map[string]any{"trail_id": p.TrailID, "step_id": p.StepID}, nil
}

func (s *service) CaptureSelection(ctx context.Context, active scope.Active, in CaptureSelectionInput) (*ingest.IngestionResult, error) {
	if active.Demo {
		return nil, errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	if strings.TrimSpace(in.URL) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "capture requires url")
	}
	if strings.TrimSpace(in.SelectionText) == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "capture requires selection_text")
	}
	return s.Kernel.Ingest(ctx, active, ingest.ArtifactInput{
		ArtifactType:  "web_snapshot",
		SourceURL:     in.URL,
		Title:         in.Title,
		Text:          in.SelectionText,
		SelectionText: in.SelectionText,
		Anchor:        in.Anchor,
		Metadata:      in.Metadata,
		Actions:       ingest.IngestionActions{CreateArtifactNode: true},
		Policy:        ingest.IngestionPolicy{LocalOnly: true},
	})
}

func (s *service) Bootstrap(ctx context.Context, active scope.Active) (*BootstrapPayload, error) {
	if active.GraphID == "" || active.BranchID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "bootstrap requires an active graph and branch")
	}
	vis := active.Visibility(scope.ProposedExclude)

	overview, err := s.Concepts.Overview(ctx, vis, bootstrapNodes, 0)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.Artifacts.Recent(ctx, vis, bootstrapRecent)
	if err != nil {
		return nil, err
	}
	trails, err := s.Sync.ListTrails(ctx, vis, bootstrapRecent)
	if err != nil {
		return nil, err
	}
	return &BootstrapPayload{
		GraphID:   active.GraphID,
		BranchID:  active.BranchID,
		Concepts:  overview.Nodes,
		Artifacts: artifacts,
		Trails:    trails,
	}, nil
}

func (s *service) Manifest(ctx context.Context, active scope.Active) (*Manifest, error) {
	if active.GraphID == "" || active.BranchID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "manifest requires an active graph and branch")
	}
	key := manifestKeyPref + active.GraphID + ":" + active.BranchID
	if s.Cache != nil {
		var cached Manifest
		hit, err := s.Cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.log.Warn("manifest cache read failed", "error", err)
		}
		if hit {
			return &cached, nil
		}
	}

	counts, err := s.Sync.Counts(ctx, active.GraphID)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		GraphID:     active.GraphID,
		BranchID:    active.BranchID,
		Counts:      counts,
		GeneratedAt: time.Now().UTC(),
	}
	recent, err := s.Artifacts.Recent(ctx, active.Visibility(scope.ProposedExclude), 1)
	if err == nil && len(recent) > 0 {
		t := recent[0].CapturedAt
		m.LatestActivityAt = &t
	}

	if s.Cache != nil {
		if err := s.Cache.SetJSON(ctx, key, m, manifestTTL); err != nil {
			s.log.Warn("manifest cache write failed", "error", err)
		}
	}
	return m, nil
}

func (s *service) Warm(ctx context.Context, active scope.Active, in WarmInput) ([]*WarmedArtifact, error) {
	if active.GraphID == "" || active.BranchID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "warm requires an active graph and branch")
	}
	if len(in.ArtifactIDs) == 0 && len(in.URLs) == 0 {
		return nil, errs.Wrap(errs.ErrInvalid, "warm requires artifact_ids or urls")
	}
	ids := capStrings(in.ArtifactIDs, warmResolveLimit)
	urls := capStrings(in.URLs, warmResolveLimit)

	artifacts, err := s.Artifacts.Resolve(ctx, active.GraphID, ids, urls)
	if err != nil {
		return nil, err
	}
	vis := active.Visibility(scope.ProposedExclude)
	out := make([]*WarmedArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		w := &WarmedArtifact{Artifact: a}
		quotes, qErr := s.Artifacts.QuotesFor(ctx, vis, a.ArtifactID)
		if qErr != nil {
			s.log.Warn("quote load failed", "artifact_id", a.ArtifactID, "error", qErr)
		} else {
			w.Quotes = quotes
		}
		out = append(out, w)
	}
	return out, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errs.Wrap(errs.ErrInvalid, "event payload required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.ErrInvalid, "undecodable event payload: %v", err)
	}
	return nil
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func capStrings(v []string, n int) []string {
	if len(v) > n {
		return v[:n]
	}
	return v
}
