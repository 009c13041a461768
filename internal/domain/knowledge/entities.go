package knowledge

import "time"

// GraphSpace is the tenant-owned partition every scoped entity belongs to.
type GraphSpace struct {
	GraphID   string    `json:"graph_id"`
	Name      string    `json:"name"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Branch is a named history line inside a graph. (graph_id, branch_id) is
// unique; every graph has a main branch.
type Branch struct {
	BranchID  string    `json:"branch_id"`
	GraphID   string    `json:"graph_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

const MainBranch = "main"

// Concept is the primary knowledge node.
type Concept struct {
	NodeID        string    `json:"node_id"`
	GraphID       string    `json:"graph_id"`
	Name          string    `json:"name"`
	Domain        string    `json:"domain,omitempty"`
	Type          string    `json:"type,omitempty"`
	Description   string    `json:"description,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	AliasNames    []string  `json:"alias_names,omitempty"`
	OnBranches    []string  `json:"on_branches"`
	MergedNodeIDs []string  `json:"merged_node_ids,omitempty"`
	IsMerged      bool      `json:"is_merged,omitempty"`
	MergedInto    string    `json:"merged_into,omitempty"`
	Embedding     []float64 `json:"-"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
}

type RelationshipStatus string

const (
	RelationshipProposed RelationshipStatus = "PROPOSED"
	RelationshipAccepted RelationshipStatus = "ACCEPTED"
	RelationshipRejected RelationshipStatus = "REJECTED"
)

// CrossGraphLink is the only predicate allowed to span graphs.
const CrossGraphLink = "CROSS_GRAPH_LINK"

// Relationship is a typed directed edge between two concepts. The edge
// type carries the predicate; these fields are the edge properties.
type Relationship struct {
	Predicate      string             `json:"predicate"`
	SourceID       string             `json:"source_id"`
	TargetID       string             `json:"target_id"`
	GraphID        string             `json:"graph_id"`
	OnBranches     []string           `json:"on_branches"`
	Status         RelationshipStatus `json:"status"`
	Confidence     float64            `json:"confidence"`
	Method         string             `json:"method,omitempty"`
	Rationale      string             `json:"rationale,omitempty"`
	ChunkID        string             `json:"chunk_id,omitempty"`
	IngestionRunID string             `json:"ingestion_run_id,omitempty"`
	ReviewedBy     string             `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time         `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Neighbor is one hop of a concept's neighborhood.
type Neighbor struct {
	Concept   Concept      `json:"concept"`
	Predicate string       `json:"predicate"`
	Direction string       `json:"direction"`
	Rel       Relationship `json:"rel"`
}

// GraphOverview is the degree-ranked slice of a graph returned by the
// overview read.
type GraphOverview struct {
	Nodes []Concept      `json:"nodes"`
	Edges []Relationship `json:"edges"`
	Meta  map[string]any `json:"meta"`
}
