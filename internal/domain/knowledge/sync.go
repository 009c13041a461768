package knowledge

import "time"

// Resource is a user-collected reference (a link, a file pointer) synced
// from offline clients, keyed by (graph_id, resource_id).
type Resource struct {
	ResourceID string         `json:"resource_id"`
	GraphID    string         `json:"graph_id"`
	Kind       string         `json:"kind"`
	URL        string         `json:"url,omitempty"`
	Title      string         `json:"title,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OnBranches []string       `json:"on_branches"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Trail is an ordered capture path a user walked through material.
type Trail struct {
	TrailID    string    `json:"trail_id"`
	GraphID    string    `json:"graph_id"`
	Title      string    `json:"title,omitempty"`
	OnBranches []string  `json:"on_branches"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TrailStep is one step in a trail, keyed by step_id.
type TrailStep struct {
	StepID    string         `json:"step_id"`
	TrailID   string         `json:"trail_id"`
	GraphID   string         `json:"graph_id"`
	Index     int            `json:"index"`
	Kind      string         `json:"kind,omitempty"`
	RefID     string         `json:"ref_id,omitempty"`
	Note      string         `json:"note,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ClientEvent is the durable dedupe record for one offline-sync event,
// keyed by (graph_id, event_id).
type ClientEvent struct {
	EventID     string     `json:"event_id"`
	GraphID     string     `json:"graph_id"`
	BranchID    string     `json:"branch_id,omitempty"`
	Type        string     `json:"type"`
	PayloadJSON string     `json:"payload_json,omitempty"`
	Applied     bool       `json:"applied"`
	Error       string     `json:"error,omitempty"`
	OutputJSON  string     `json:"output_json,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
}

// Lecture is the envelope node legacy consumers read; it points back to
// the artifact it was derived from.
type Lecture struct {
	LectureID  string    `json:"lecture_id"`
	GraphID    string    `json:"graph_id"`
	Title      string    `json:"title"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	OnBranches []string  `json:"on_branches"`
	CreatedAt  time.Time `json:"created_at"`
}
