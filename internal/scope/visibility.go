package scope

import (
	"fmt"
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
)

// ProposedMode controls whether PROPOSED relationships pass the read
// filter: excluded, included, or included above a confidence threshold.
type ProposedMode string

const (
	ProposedExclude ProposedMode = "false"
	ProposedInclude ProposedMode = "true"
	ProposedAuto    ProposedMode = "auto"
)

func ParseProposedMode(s string) (ProposedMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no":
		return ProposedExclude, nil
	case "true", "1", "yes":
		return ProposedInclude, nil
	case "auto":
		return ProposedAuto, nil
	default:
		return ProposedExclude, errs.Wrap(errs.ErrInvalid, "unknown include_proposed value %q", s)
	}
}

// DefaultProposedThreshold is the confidence floor for auto mode.
const DefaultProposedThreshold = 0.6

// Visibility is the uniform read filter. Every graph read embeds its
// clauses; nothing is ever read outside an active (graph, branch) pair.
type Visibility struct {
	GraphID   string
	BranchID  string
	Proposed  ProposedMode
	Threshold float64
}

func (v Visibility) threshold() float64 {
	if v.Threshold > 0 {
		return v.Threshold
	}
	return DefaultProposedThreshold
}

// NodeClause returns the scoping clauses shared by every branch-scoped
// node: graph match plus branch membership.
func (v Visibility) NodeClause(alias string) (string, map[string]any) {
	clause := fmt.Sprintf(
		"%s.graph_id = $graph_id AND $branch_id IN coalesce(%s.on_branches, [])",
		alias, alias)
	return clause, map[string]any{
		"graph_id":  v.GraphID,
		"branch_id": v.BranchID,
	}
}

// ConceptClause adds the merged-node exclusion on top of NodeClause.
// Merged concepts stay in the store for audit but never surface.
func (v Visibility) ConceptClause(alias string) (string, map[string]any) {
	clause, params := v.NodeClause(alias)
	clause += fmt.Sprintf(" AND coalesce(%s.is_merged, false) = false", alias)
	return clause, params
}

// RelClause filters relationship properties: scoping plus the proposed
// status policy. REJECTED edges never pass.
func (v Visibility) RelClause(alias string) (string, map[string]any) {
	clause, params := v.NodeClause(alias)
	switch v.Proposed {
	case ProposedInclude:
		clause += fmt.Sprintf(" AND coalesce(%s.status, 'ACCEPTED') <> 'REJECTED'", alias)
	case ProposedAuto:
		clause += fmt.Sprintf(
			" AND (coalesce(%s.status, 'ACCEPTED') = 'ACCEPTED' OR (%s.status = 'PROPOSED' AND coalesce(%s.confidence, 0) >= $proposed_threshold))",
			alias, alias, alias)
		params["proposed_threshold"] = v.threshold()
	default:
		clause += fmt.Sprintf(" AND coalesce(%s.status, 'ACCEPTED') = 'ACCEPTED'", alias)
	}
	return clause, params
}

// Active is the resolved per-request scope. It travels with the request;
// no module-level state ever holds it.
type Active struct {
	TenantID string
	GraphID  string
	BranchID string
	Demo     bool
}

func (a Active) Visibility(mode ProposedMode) Visibility {
	return Visibility{GraphID: a.GraphID, BranchID: a.BranchID, Proposed: mode}
}
