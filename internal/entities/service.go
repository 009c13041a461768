// Package entities owns the write and read surface for concepts and
// relationships: create, partial update, neighbors, overview, merge,
// and the cross-graph bridge. Ingestion reaches it through the same
// get-or-create path users do, so extraction reruns stay idempotent.
package entities

import (
	"context"
	"errors"
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/clients/openai"
	"github.com/quillgraph/quillgraph-backend/internal/data/graph"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/embedcache"
	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/ratelimit"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// CreateConceptInput carries the user-supplied fields of a new concept.
type CreateConceptInput struct {
	Name        string   `json:"name"`
	Domain      string   `json:"domain,omitempty"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ConceptPatch is a partial update. Nil fields are preserved; node_id
// and graph_id are immutable.
type ConceptPatch struct {
	Name        *string   `json:"name,omitempty"`
	Domain      *string   `json:"domain,omitempty"`
	Type        *string   `json:"type,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	AliasNames  *[]string `json:"alias_names,omitempty"`
}

// CreateRelationshipInput names endpoints by node id or by concept name;
// names resolve within the active graph.
type CreateRelationshipInput struct {
	Src        string  `json:"src"`
	Dst        string  `json:"dst"`
	Predicate  string  `json:"predicate"`
	Confidence float64 `json:"confidence,omitempty"`
	Method     string  `json:"method,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
	Proposed   bool    `json:"proposed,omitempty"`
}

// CrossGraphLinkInput bridges a concept in the active graph to a concept
// in another graph owned by the same tenant.
type CrossGraphLinkInput struct {
	Src        string `json:"src"`
	DstGraphID string `json:"dst_graph_id"`
	DstNodeID  string `json:"dst_node_id"`
	LinkType   string `json:"link_type,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
}

type Service interface {
	CreateConcept(ctx context.Context, active scope.Active, in CreateConceptInput) (*knowledge.Concept, error)

	// EnsureConcept is the idempotent get-or-create used by extraction:
	// an existing name wins, an off-branch name is stamped onto the
	// active branch instead of conflicting.
	EnsureConcept(ctx context.Context, active scope.Active, name, description string, tags []string) (*knowledge.Concept, bool, error)

	GetConcept(ctx context.Context, active scope.Active, ref string, mode scope.ProposedMode) (*knowledge.Concept, error)
	UpdateConcept(ctx context.Context, active scope.Active, nodeID string, patch ConceptPatch) (*knowledge.Concept, error)
	DeleteConcept(ctx context.Context, active scope.Active, nodeID string) error

	CreateRelationship(ctx context.Context, active scope.Active, in CreateRelationshipInput) (*knowledge.Relationship, bool, error)

	// ProposeRelationship lands an extraction-proposed edge; endpoints
	// are node ids and the edge merges on (src, dst, predicate).
	ProposeRelationship(ctx context.Context, active scope.Active, rel *knowledge.Relationship) (bool, error)

	DeleteRelationship(ctx context.Context, active scope.Active, srcID, dstID, predicate string) error

	CrossGraphLink(ctx context.Context, active scope.Active, in CrossGraphLinkInput) error

	Neighbors(ctx context.Context, active scope.Active, ref string, mode scope.ProposedMode, limit int) ([]*knowledge.Neighbor, error)
	Overview(ctx context.Context, active scope.Active, limitNodes, limitEdges int, mode scope.ProposedMode) (*knowledge.GraphOverview, error)

	MergeConcepts(ctx context.Context, active scope.Active, keepID, dropID, reviewer string) (*knowledge.MergeOutcome, error)
	GenerateMergeCandidates(ctx context.Context, active scope.Active) (*MergeCandidateReport, error)

	RebuildCommunities(ctx context.Context, active scope.Active) ([]*knowledge.Community, error)
	SeedTemplate(ctx context.Context, active scope.Active, templateID string) (*SeedReport, error)
}

// Deps carries the service collaborators. AI, Cache and Limiter may be
// nil; embedding-dependent paths degrade to string-only behavior.
type Deps struct {
	Spaces      graph.SpaceGraph
	Concepts    graph.ConceptGraph
	Relations   graph.RelationshipGraph
	Merges      graph.MergeCandidateGraph
	Communities graph.CommunityGraph

	AI      openai.Client
	Cache   *embedcache.Cache
	Limiter *ratelimit.Limiter
}

type service struct {
	Deps
	log *logger.Logger
}

func NewService(deps Deps, baseLog *logger.Logger) Service {
	return &service{Deps: deps, log: baseLog.With("service", "EntityService")}
}

func (s *service) CreateConcept(ctx context.Context, active scope.Active, in CreateConceptInput) (*knowledge.Concept, error) {
	if err := writable(active); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "concept name required")
	}
	c := &knowledge.Concept{
		NodeID:      knowledge.NewNodeID(),
		GraphID:     active.GraphID,
		Name:        name,
		Domain:      in.Domain,
		Type:        in.Type,
		Description: in.Description,
		Tags:        in.Tags,
		OnBranches:  []string{active.BranchID},
	}
	s.attachEmbedding(ctx, active, c)
	stored, err := s.Concepts.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	s.log.Info("concept created", "node_id", stored.NodeID, "graph_id", active.GraphID, "name", name)
	return stored, nil
}

func (s *service) EnsureConcept(ctx context.Context, active scope.Active, name, description string, tags []string) (*knowledge.Concept, bool, error) {
	if err := writable(active); err != nil {
		return nil, false, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, errs.Wrap(errs.ErrInvalid, "concept name required")
	}
	existing, err := s.Concepts.GetByName(ctx, active.Visibility(scope.ProposedExclude), name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	c := &knowledge.Concept{
		NodeID:      knowledge.NewNodeID(),
		GraphID:     active.GraphID,
		Name:        name,
		Description: description,
		Tags:        tags,
		OnBranches:  []string{active.BranchID},
	}
	s.attachEmbedding(ctx, active, c)
	stored, err := s.Concepts.Create(ctx, c)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, errs.ErrConflict) {
		return nil, false, err
	}

	// The name exists but not on this branch. Stamp it onto the branch
	// instead of surfacing the conflict to extraction.
	offBranch, lerr := s.findLiveByName(ctx, active.GraphID, name)
	if lerr != nil || offBranch == nil {
		return nil, false, err
	}
	if aerr := s.Concepts.AddToBranch(ctx, active.GraphID, offBranch.NodeID, active.BranchID); aerr != nil {
		return nil, false, aerr
	}
	offBranch.OnBranches = appendMissing(offBranch.OnBranches, active.BranchID)
	return offBranch, false, nil
}

func (s *service) GetConcept(ctx context.Context, active scope.Active, ref string, mode scope.ProposedMode) (*knowledge.Concept, error) {
	c, err := s.resolveRef(ctx, active.Visibility(mode), ref)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errs.Wrap(errs.ErrNotFound, "concept %q not found", ref)
	}
	return c, nil
}

func (s *service) UpdateConcept(ctx context.Context, active scope.Active, nodeID string, patch ConceptPatch) (*knowledge.Concept, error) {
	if err := writable(active); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, errs.Wrap(errs.ErrInvalid, "concept name cannot be empty")
		}
		dup, err := s.findLiveByName(ctx, active.GraphID, name)
		if err != nil {
			return nil, err
		}
		if dup != nil && dup.NodeID != nodeID {
			return nil, errs.Wrap(errs.ErrConflict, "concept name %q already exists in graph %s", name, active.GraphID)
		}
		fields["name"] = name
	}
	if patch.Domain != nil {
		fields["domain"] = *patch.Domain
	}
	if patch.Type != nil {
		fields["type"] = *patch.Type
	}
	if patch.Description != nil {
		fields["description"] = *patch.Description
	}
	if patch.Tags != nil {
		fields["tags"] = toAny(*patch.Tags)
	}
	if patch.AliasNames != nil {
		fields["alias_names"] = toAny(*patch.AliasNames)
	}
	if len(fields) == 0 {
		// An empty patch reads back the stored concept unchanged.
		current, err := s.Concepts.GetByID(ctx, active.Visibility(scope.ProposedExclude), nodeID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, errs.Wrap(errs.ErrNotFound, "concept %s not found", nodeID)
		}
		return current, nil
	}
	updated, err := s.Concepts.UpdateFields(ctx, active.Visibility(scope.ProposedExclude), nodeID, fields)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, errs.Wrap(errs.ErrNotFound, "concept %s not found", nodeID)
	}
	return updated, nil
}

func (s *service) DeleteConcept(ctx context.Context, active scope.Active, nodeID string) error {
	if err := writable(active); err != nil {
		return err
	}
	return s.Concepts.DetachDelete(ctx, active.Visibility(scope.ProposedExclude), nodeID)
}

func (s *service) CreateRelationship(ctx context.Context, active scope.Active, in CreateRelationshipInput) (*knowledge.Relationship, bool, error) {
	if err := writable(active); err != nil {
		return nil, false, err
	}
	vis := active.Visibility(scope.ProposedInclude)
	src, err := s.resolveRef(ctx, vis, in.Src)
	if err != nil {
		return nil, false, err
	}
	dst, err := s.resolveRef(ctx, vis, in.Dst)
	if err != nil {
		return nil, false, err
	}
	if src == nil || dst == nil {
		return nil, false, errs.Wrap(errs.ErrNotFound, "relationship endpoints %q -> %q not found in graph %s", in.Src, in.Dst, active.GraphID)
	}
	status := knowledge.RelationshipAccepted
	method := in.Method
	if method == "" {
		method = "HUMAN"
	}
	if in.Proposed {
		status = knowledge.RelationshipProposed
	}
	rel := &knowledge.Relationship{
		Predicate:  strings.ToUpper(strings.TrimSpace(in.Predicate)),
		SourceID:   src.NodeID,
		TargetID:   dst.NodeID,
		GraphID:    active.GraphID,
		OnBranches: []string{active.BranchID},
		Status:     status,
		Confidence: in.Confidence,
		Method:     method,
		Rationale:  in.Rationale,
	}
	if rel.Predicate == knowledge.CrossGraphLink {
		return nil, false, errs.Wrap(errs.ErrInvalid, "%s edges go through the cross-graph surface", knowledge.CrossGraphLink)
	}
	created, err := s.Relations.CreateOrMerge(ctx, rel)
	if err != nil {
		return nil, false, err
	}
	stored, err := s.Relations.Get(ctx, active.GraphID, rel.SourceID, rel.TargetID, rel.Predicate)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		stored = rel
	}
	return stored, created, nil
}

func (s *service) ProposeRelationship(ctx context.Context, active scope.Active, rel *knowledge.Relationship) (bool, error) {
	if err := writable(active); err != nil {
		return false, err
	}
	if rel == nil {
		return false, errs.Wrap(errs.ErrInvalid, "nil relationship")
	}
	if rel.GraphID == "" {
		rel.GraphID = active.GraphID
	}
	if rel.GraphID != active.GraphID {
		return false, errs.Wrap(errs.ErrForbidden, "relationship graph %s does not match active graph %s", rel.GraphID, active.GraphID)
	}
	if len(rel.OnBranches) == 0 {
		rel.OnBranches = []string{active.BranchID}
	}
	if rel.Status == "" {
		rel.Status = knowledge.RelationshipProposed
	}
	if rel.Predicate == knowledge.CrossGraphLink {
		return false, errs.Wrap(errs.ErrInvalid, "%s edges go through the cross-graph surface", knowledge.CrossGraphLink)
	}
	return s.Relations.CreateOrMerge(ctx, rel)
}

// DeleteRelationship removes one edge by its natural key. Proposed edges
// are deletable too; a missing triple is ErrNotFound.
func (s *service) DeleteRelationship(ctx context.Context, active scope.Active, srcID, dstID, predicate string) error {
	if err := writable(active); err != nil {
		return err
	}
	if srcID == "" || dstID == "" {
		return errs.Wrap(errs.ErrInvalid, "delete relationship requires source_id and target_id")
	}
	if err := graph.ValidPredicate(predicate); err != nil {
		return err
	}
	return s.Relations.Delete(ctx, active.Visibility(scope.ProposedInclude), srcID, dstID, predicate)
}

// CrossGraphLink requires both graphs under the active tenant and both
// endpoints live; anything less is invalid input, not a lookup miss.
func (s *service) CrossGraphLink(ctx context.Context, active scope.Active, in CrossGraphLinkInput) error {
	if err := writable(active); err != nil {
		return err
	}
	if in.DstGraphID == "" || in.DstNodeID == "" {
		return errs.Wrap(errs.ErrInvalid, "cross-graph link requires dst_graph_id and dst_node_id")
	}
	if in.DstGraphID == active.GraphID {
		return errs.Wrap(errs.ErrInvalid, "cross-graph link requires two distinct graphs")
	}
	dstSpace, err := s.Spaces.GetSpace(ctx, in.DstGraphID)
	if err != nil {
		return err
	}
	if dstSpace == nil {
		return errs.Wrap(errs.ErrInvalid, "graph %s not found", in.DstGraphID)
	}
	if dstSpace.TenantID != active.TenantID {
		return errs.Wrap(errs.ErrForbidden, "graph %s belongs to another tenant", in.DstGraphID)
	}
	src, err := s.resolveRef(ctx, active.Visibility(scope.ProposedExclude), in.Src)
	if err != nil {
		return err
	}
	if src == nil {
		return errs.Wrap(errs.ErrInvalid, "cross-graph source %q not found or not live", in.Src)
	}
	err = s.Relations.CrossGraphLink(ctx, active.GraphID, src.NodeID, in.DstGraphID, in.DstNodeID, active.BranchID, in.LinkType, in.Rationale)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.Wrap(errs.ErrInvalid, "cross-graph endpoints must exist and be live")
	}
	return err
}

func (s *service) Neighbors(ctx context.Context, active scope.Active, ref string, mode scope.ProposedMode, limit int) ([]*knowledge.Neighbor, error) {
	vis := active.Visibility(mode)
	c, err := s.resolveRef(ctx, vis, ref)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errs.Wrap(errs.ErrNotFound, "concept %q not found", ref)
	}
	if limit <= 0 {
		limit = 50
	}
	return s.Concepts.Neighbors(ctx, vis, c.NodeID, limit)
}

func (s *service) Overview(ctx context.Context, active scope.Active, limitNodes, limitEdges int, mode scope.ProposedMode) (*knowledge.GraphOverview, error) {
	if limitNodes <= 0 {
		limitNodes = 100
	}
	if limitEdges <= 0 {
		limitEdges = 300
	}
	return s.Concepts.Overview(ctx, active.Visibility(mode), limitNodes, limitEdges)
}

func (s *service) MergeConcepts(ctx context.Context, active scope.Active, keepID, dropID, reviewer string) (*knowledge.MergeOutcome, error) {
	if err := writable(active); err != nil {
		return nil, err
	}
	if keepID == "" || dropID == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "merge requires keep and drop node ids")
	}
	if keepID == dropID {
		return nil, errs.Wrap(errs.ErrInvalid, "merge keep and drop must differ")
	}
	outcome, err := s.Concepts.Merge(ctx, active.Visibility(scope.ProposedExclude), keepID, dropID, reviewer)
	if err != nil {
		return nil, err
	}
	s.log.Info("concepts merged",
		"graph_id", active.GraphID,
		"keep", keepID,
		"drop", dropID,
		"redirected", outcome.Redirected,
		"skipped", outcome.Skipped)
	return outcome, nil
}

// resolveRef tries the ref as a node id first, then as an exact name.
func (s *service) resolveRef(ctx context.Context, vis scope.Visibility, ref string) (*knowledge.Concept, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errs.Wrap(errs.ErrInvalid, "empty concept reference")
	}
	c, err := s.Concepts.GetByID(ctx, vis, ref)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	return s.Concepts.GetByName(ctx, vis, ref)
}

// findLiveByName looks the name up graph-wide, ignoring branches. Names
// are unique per graph, so at most one live concept can carry it.
func (s *service) findLiveByName(ctx context.Context, graphID, name string) (*knowledge.Concept, error) {
	live, err := s.Concepts.ListLive(ctx, graphID)
	if err != nil {
		return nil, err
	}
	for _, c := range live {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, nil
}

// attachEmbedding is best-effort: concepts land unembedded when the
// model is unavailable and similarity falls back to string scoring.
func (s *service) attachEmbedding(ctx context.Context, active scope.Active, c *knowledge.Concept) {
	if s.AI == nil {
		return
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx, active.TenantID); err != nil {
			return
		}
	}
	vecs, err := s.Cache.EmbedCached(ctx, s.AI.Embed, []string{embeddingText(c)})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		if err != nil {
			s.log.Warn("concept embedding failed", "error", err, "name", c.Name)
		}
		return
	}
	c.Embedding = make([]float64, len(vecs[0]))
	for i, f := range vecs[0] {
		c.Embedding[i] = float64(f)
	}
}

// embeddingText is the similarity basis: name, description and tags in
// one string, matching what merge-candidate scoring embeds.
func embeddingText(c *knowledge.Concept) string {
	parts := []string{c.Name}
	if c.Description != "" {
		parts = append(parts, c.Description)
	}
	if len(c.Tags) > 0 {
		parts = append(parts, strings.Join(c.Tags, " "))
	}
	return strings.Join(parts, "\n")
}

func writable(active scope.Active) error {
	if active.Demo {
		return errs.Wrap(errs.ErrForbidden, "the demo graph is read-only")
	}
	if active.GraphID == "" || active.BranchID == "" {
		return errs.Wrap(errs.ErrInvalid, "operation requires an active graph and branch")
	}
	return nil
}

func appendMissing(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func toAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
