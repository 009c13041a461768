package knowledge

import "time"

// Artifact is an immutable captured document identified by
// (graph_id, url, content_hash). Re-capturing identical normalized
// content at the same URL never mints a second artifact.
type Artifact struct {
	ArtifactID   string         `json:"artifact_id"`
	GraphID      string         `json:"graph_id"`
	URL          string         `json:"url"`
	ContentHash  string         `json:"content_hash"`
	ArtifactType string         `json:"artifact_type"`
	Title        string         `json:"title,omitempty"`
	Text         string         `json:"text,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OnBranches   []string       `json:"on_branches"`
	CapturedAt   time.Time      `json:"captured_at"`
}

// Quote is an anchored region inside an artifact: a text-offset span, a
// bbox, or an opaque anchor reference.
type Quote struct {
	QuoteID    string  `json:"quote_id"`
	GraphID    string  `json:"graph_id"`
	ArtifactID string  `json:"artifact_id"`
	Text       string  `json:"text"`
	AnchorJSON string  `json:"anchor_json,omitempty"`
	Confidence float64 `json:"confidence"`
}

type SourceStatus string

const (
	SourceDiscovered SourceStatus = "DISCOVERED"
	SourceIngested   SourceStatus = "INGESTED"
	SourceFailed     SourceStatus = "FAILED"
)

// SourceDocument is the logical identity of a document: canonical URL for
// a web page, accession number for a filing, page id for Notion.
type SourceDocument struct {
	DocID       string         `json:"doc_id"`
	GraphID     string         `json:"graph_id"`
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	Status      SourceStatus   `json:"status"`
	Checksum    string         `json:"checksum,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SourceChunk is a windowed text slice of a source document.
type SourceChunk struct {
	ChunkID    string         `json:"chunk_id"`
	GraphID    string         `json:"graph_id"`
	SourceID   string         `json:"source_id"`
	ChunkIndex int            `json:"chunk_index"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ClaimStatus string

const (
	ClaimProposed ClaimStatus = "PROPOSED"
	ClaimAccepted ClaimStatus = "ACCEPTED"
	ClaimStale    ClaimStatus = "STALE"
)

// Claim is an extracted factual statement backed by a chunk.
type Claim struct {
	ClaimID       string      `json:"claim_id"`
	GraphID       string      `json:"graph_id"`
	Text          string      `json:"text"`
	Confidence    float64     `json:"confidence"`
	Method        string      `json:"method,omitempty"`
	SourceID      string      `json:"source_id"`
	SourceSpan    string      `json:"source_span,omitempty"`
	ChunkID       string      `json:"chunk_id"`
	Status        ClaimStatus `json:"status"`
	StaleReason   string      `json:"stale_reason,omitempty"`
	ChangeEventID string      `json:"change_event_id,omitempty"`
	Embedding     []float64   `json:"-"`
	OnBranches    []string    `json:"on_branches"`
	CreatedAt     time.Time   `json:"created_at"`
}

// EvidenceSnapshot is a frozen observation of (source document, content).
// (graph_id, source_url, content_hash) uniquely identifies a snapshot.
type EvidenceSnapshot struct {
	SnapshotID       string `json:"snapshot_id"`
	GraphID          string `json:"graph_id"`
	SourceDocumentID string `json:"source_document_id"`
	SourceURL        string `json:"source_url"`
	ContentHash      string `json:"content_hash"`
	NormalizedTitle  string `json:"normalized_title,omitempty"`
	CompanyID        string `json:"company_id,omitempty"`
	// ContentLength is the normalized text length; change detection
	// compares it against the next observation.
	ContentLength int       `json:"content_length,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
}

type ChangeType string

const (
	ChangeNewDocument     ChangeType = "NEW_DOCUMENT"
	ChangeContentUpdated  ChangeType = "CONTENT_UPDATED"
	ChangeAmendment       ChangeType = "AMENDMENT"
	ChangeMetadataUpdated ChangeType = "METADATA_UPDATED"
)

type ChangeSeverity string

const (
	SeverityLow    ChangeSeverity = "LOW"
	SeverityMedium ChangeSeverity = "MEDIUM"
	SeverityHigh   ChangeSeverity = "HIGH"
)

// ChangeEvent is a directional transition between two snapshots of the
// same source URL.
type ChangeEvent struct {
	ChangeEventID  string         `json:"change_event_id"`
	GraphID        string         `json:"graph_id"`
	ChangeType     ChangeType     `json:"change_type"`
	Severity       ChangeSeverity `json:"severity"`
	DiffSummary    string         `json:"diff_summary,omitempty"`
	PrevSnapshotID string         `json:"prev_snapshot_id,omitempty"`
	NextSnapshotID string         `json:"next_snapshot_id"`
	CreatedAt      time.Time      `json:"created_at"`
}
