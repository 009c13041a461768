// Package domain re-exports the model types under one import for
// services and handlers.
package domain

import (
	"github.com/quillgraph/quillgraph-backend/internal/domain/branching"
	"github.com/quillgraph/quillgraph-backend/internal/domain/jobs"
	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
)

type GraphSpace = knowledge.GraphSpace
type Branch = knowledge.Branch
type Concept = knowledge.Concept
type Relationship = knowledge.Relationship
type RelationshipStatus = knowledge.RelationshipStatus
type Neighbor = knowledge.Neighbor
type GraphOverview = knowledge.GraphOverview
type Artifact = knowledge.Artifact
type Quote = knowledge.Quote
type SourceDocument = knowledge.SourceDocument
type SourceStatus = knowledge.SourceStatus
type SourceChunk = knowledge.SourceChunk
type Claim = knowledge.Claim
type ClaimStatus = knowledge.ClaimStatus
type EvidenceSnapshot = knowledge.EvidenceSnapshot
type ChangeEvent = knowledge.ChangeEvent
type ChangeType = knowledge.ChangeType
type ChangeSeverity = knowledge.ChangeSeverity
type Community = knowledge.Community
type MergeCandidate = knowledge.MergeCandidate
type MergeCandidateStatus = knowledge.MergeCandidateStatus
type MergeOutcome = knowledge.MergeOutcome
type Resource = knowledge.Resource
type Trail = knowledge.Trail
type TrailStep = knowledge.TrailStep
type ClientEvent = knowledge.ClientEvent
type Lecture = knowledge.Lecture

type ContextualBranch = branching.ContextualBranch
type BranchMessage = branching.BranchMessage
type BridgingHint = branching.BridgingHint
type ParentMessageVersion = branching.ParentMessageVersion
type AnchorKind = branching.AnchorKind

type IngestionRun = jobs.IngestionRun
type RunStatus = jobs.RunStatus
type ReviewAudit = jobs.ReviewAudit
type UserScopePref = jobs.UserScopePref

const (
	MainBranch     = knowledge.MainBranch
	CrossGraphLink = knowledge.CrossGraphLink

	RelationshipProposed = knowledge.RelationshipProposed
	RelationshipAccepted = knowledge.RelationshipAccepted
	RelationshipRejected = knowledge.RelationshipRejected

	ClaimProposed = knowledge.ClaimProposed
	ClaimAccepted = knowledge.ClaimAccepted
	ClaimStale    = knowledge.ClaimStale

	SourceDiscovered = knowledge.SourceDiscovered
	SourceIngested   = knowledge.SourceIngested
	SourceFailed     = knowledge.SourceFailed

	ChangeNewDocument     = knowledge.ChangeNewDocument
	ChangeContentUpdated  = knowledge.ChangeContentUpdated
	ChangeAmendment       = knowledge.ChangeAmendment
	ChangeMetadataUpdated = knowledge.ChangeMetadataUpdated

	SeverityLow    = knowledge.SeverityLow
	SeverityMedium = knowledge.SeverityMedium
	SeverityHigh   = knowledge.SeverityHigh

	MergeProposed = knowledge.MergeProposed
	MergeAccepted = knowledge.MergeAccepted
	MergeRejected = knowledge.MergeRejected
	MergeExecuted = knowledge.MergeExecuted

	AnchorSpan = branching.AnchorSpan
	AnchorRef  = branching.AnchorRef

	RunRunning   = jobs.RunRunning
	RunCompleted = jobs.RunCompleted
	RunPartial   = jobs.RunPartial
	RunSkipped   = jobs.RunSkipped
	RunFailed    = jobs.RunFailed
	RunCanceled  = jobs.RunCanceled
)
