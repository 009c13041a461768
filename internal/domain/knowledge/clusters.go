package knowledge

import "time"

// Community is a pre-computed cluster of concepts used as a retrieval
// unit. Members carry IN_COMMUNITY edges to it.
type Community struct {
	CommunityID string    `json:"community_id"`
	GraphID     string    `json:"graph_id"`
	Name        string    `json:"name"`
	Summary     string    `json:"summary,omitempty"`
	MemberIDs   []string  `json:"member_ids,omitempty"`
	Size        int       `json:"size"`
	BuiltAt     time.Time `json:"built_at"`
}

type MergeCandidateStatus string

const (
	MergeProposed MergeCandidateStatus = "PROPOSED"
	MergeAccepted MergeCandidateStatus = "ACCEPTED"
	MergeRejected MergeCandidateStatus = "REJECTED"
	MergeExecuted MergeCandidateStatus = "EXECUTED"
)

// MergeCandidate proposes merging two concepts believed to be duplicates.
// candidate_id is deterministic over the unordered pair, so re-running
// generation re-upserts rather than duplicating.
type MergeCandidate struct {
	CandidateID string               `json:"candidate_id"`
	GraphID     string               `json:"graph_id"`
	SrcNodeID   string               `json:"src_node_id"`
	DstNodeID   string               `json:"dst_node_id"`
	Score       float64              `json:"score"`
	Method      string               `json:"method"`
	Rationale   string               `json:"rationale,omitempty"`
	Status      MergeCandidateStatus `json:"status"`
	ReviewedBy  string               `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time           `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// MergeOutcome reports what happened to the dropped concept's edges.
type MergeOutcome struct {
	KeepNodeID string `json:"keep_node_id"`
	DropNodeID string `json:"drop_node_id"`
	Redirected int    `json:"redirected"`
	Skipped    int    `json:"skipped"`
	Deleted    int    `json:"deleted"`
}
