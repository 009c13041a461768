package knowledge

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Identity rules for the knowledge substrate. Deterministic ids make
// re-runs idempotent; random ids get a short hex tail.

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("knowledge: read random: %v", err))
	}
	return hex.EncodeToString(buf)[:n]
}

// NewNodeID returns a Concept id of the form N + 8 hex chars.
func NewNodeID() string { return "N" + randomHex(8) }

// NewClaimID returns a Claim id of the form CLAIM_ + 8 hex chars.
func NewClaimID() string { return "CLAIM_" + randomHex(8) }

// NewGraphID returns a GraphSpace id of the form G + 8 hex chars.
func NewGraphID() string { return "G" + randomHex(8) }

// NewLectureID returns a Lecture id of the form L + 8 hex chars.
func NewLectureID() string { return "L" + randomHex(8) }

// NewArtifactID returns an Artifact id of the form ART_ + 8 hex chars.
// Artifact identity is the (graph_id, url, content_hash) node key; the id
// is only a handle.
func NewArtifactID() string { return "ART_" + randomHex(8) }

// NewChangeEventID returns a ChangeEvent id of the form CE_ + 8 hex chars.
func NewChangeEventID() string { return "CE_" + randomHex(8) }

// DocID derives the deterministic id of a source document from its
// upsert key (graph_id, source, external_id).
func DocID(graphID, source, externalID string) string {
	sum := sha256.Sum256([]byte(graphID + "|" + source + "|" + externalID))
	return "D" + hex.EncodeToString(sum[:])[:16]
}

// ChunkID derives the deterministic id of a chunk. The checksum keeps
// chunks of superseded content distinct from re-chunks of new content.
func ChunkID(docID, checksum string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", docID, checksum, index)))
	return "CH" + hex.EncodeToString(sum[:])[:16]
}

// SnapshotID derives the deterministic id of an evidence snapshot from
// its identity triple. Concurrent observers of the same content converge
// on one snapshot.
func SnapshotID(graphID, sourceURL, contentHash string) string {
	sum := sha256.Sum256([]byte(graphID + "|" + sourceURL + "|" + contentHash))
	return "SNAP_" + hex.EncodeToString(sum[:])[:16]
}

// CommunityID derives a stable id from the graph and the smallest member,
// so a rebuild that reproduces the same cluster reuses the same id.
func CommunityID(graphID, anchorMember string) string {
	sum := sha256.Sum256([]byte(graphID + "|" + anchorMember))
	return "COMM_" + hex.EncodeToString(sum[:])[:12]
}

// QuoteID derives the deterministic id for a quote anchored in an artifact.
func QuoteID(artifactID string, index int, anchor, text string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", artifactID, index, anchor, text)))
	return "Q" + hex.EncodeToString(sum[:])[:16]
}

// MergeCandidateID derives the deterministic id for an unordered concept
// pair within a graph: the same pair always maps to the same candidate.
func MergeCandidateID(graphID, a, b string) string {
	lo, hi := a, b
	if strings.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(graphID + lo + hi))
	return "MERGE_" + hex.EncodeToString(sum[:])[:16]
}

// BranchIDForSelection derives the contextual-branch id from the parent
// message and the selection hash.
func BranchIDForSelection(parentMessageID, selectedTextHash string) string {
	sum := sha256.Sum256([]byte(parentMessageID + "|" + selectedTextHash))
	return "branch-" + hex.EncodeToString(sum[:])[:12]
}

// SelectionHash is the SHA-256 hex of the selected text, the idempotency
// key for contextual branches.
func SelectionHash(selectedText string) string {
	sum := sha256.Sum256([]byte(selectedText))
	return hex.EncodeToString(sum[:])
}
