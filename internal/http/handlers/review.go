package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/http/response"
	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/review"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

type ReviewHandler struct {
	log    *logger.Logger
	scopes scope.Resolver
	review review.Service
}

func NewReviewHandler(log *logger.Logger, scopes scope.Resolver, reviewSvc review.Service) *ReviewHandler {
	return &ReviewHandler{
		log:    log.With("handler", "ReviewHandler"),
		scopes: scopes,
		review: reviewSvc,
	}
}

// queryActive pins the scope to the graph named in the query, when one
// is. Mutations need write access; reads need the graph to be visible.
func (h *ReviewHandler) queryActive(c *gin.Context, write bool) (scope.Active, bool) {
	active, ok := activeScope(c)
	if !ok {
		return active, false
	}
	graphID := strings.TrimSpace(c.Query("graph_id"))
	if graphID == "" || graphID == active.GraphID {
		return active, true
	}
	var err error
	if write {
		err = h.scopes.AuthorizeWrite(c.Request.Context(), active.TenantID, graphID)
	} else {
		err = h.scopes.Authorize(c.Request.Context(), active.TenantID, graphID)
	}
	if err != nil {
		response.RespondErr(c, err)
		return active, false
	}
	active.GraphID = graphID
	active.BranchID = knowledge.MainBranch
	return active, true
}

func parseRelationshipStatus(raw string) (knowledge.RelationshipStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case string(knowledge.RelationshipProposed):
		return knowledge.RelationshipProposed, nil
	case string(knowledge.RelationshipAccepted):
		return knowledge.RelationshipAccepted, nil
	case string(knowledge.RelationshipRejected):
		return knowledge.RelationshipRejected, nil
	default:
		return "", fmt.Errorf("unknown relationship status %q", raw)
	}
}

func parseMergeStatus(raw string) (knowledge.MergeCandidateStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case string(knowledge.MergeProposed):
		return knowledge.MergeProposed, nil
	case string(knowledge.MergeAccepted):
		return knowledge.MergeAccepted, nil
	case string(knowledge.MergeRejected):
		return knowledge.MergeRejected, nil
	case string(knowledge.MergeExecuted):
		return knowledge.MergeExecuted, nil
	default:
		return "", fmt.Errorf("unknown merge status %q", raw)
	}
}

// GET /review/relationships
func (h *ReviewHandler) ListRelationships(c *gin.Context) {
	active, ok := h.queryActive(c, false)
	if !ok {
		return
	}
	status, err := parseRelationshipStatus(c.Query("status"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_status", err)
		return
	}
	minConfidence := 0.0
	if raw := strings.TrimSpace(c.Query("min_confidence")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			minConfidence = v
		}
	}
	rels, err := h.review.ListRelationships(c.Request.Context(), active, review.RelationshipQuery{
		Status:          status,
		IngestionRunID:  strings.TrimSpace(c.Query("ingestion_run_id")),
		Method:          strings.TrimSpace(c.Query("method")),
		MinConfidence:   minConfidence,
		Limit:           intQuery(c, "limit", 0),
		IncludeArchived: boolQuery(c, "include_archived"),
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"relationships": rels, "graph_id": active.GraphID})
}

type relationshipDecisionRequest struct {
	Edges    []review.EdgeRef `json:"edges"`
	Reviewer string           `json:"reviewer,omitempty"`
}

// POST /review/relationships/accept
func (h *ReviewHandler) AcceptRelationships(c *gin.Context) {
	h.decideRelationships(c, review.ActionRelationshipAccept)
}

// POST /review/relationships/reject
func (h *ReviewHandler) RejectRelationships(c *gin.Context) {
	h.decideRelationships(c, review.ActionRelationshipReject)
}

func (h *ReviewHandler) decideRelationships(c *gin.Context, action string) {
	active, ok := h.queryActive(c, true)
	if !ok {
		return
	}
	var req relationshipDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = active.TenantID
	}
	var (
		n   int
		err error
	)
	if action == review.ActionRelationshipAccept {
		n, err = h.review.AcceptRelationships(c.Request.Context(), active, req.Edges, req.Reviewer)
	} else {
		n, err = h.review.RejectRelationships(c.Request.Context(), active, req.Edges, req.Reviewer)
	}
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if m := observability.Current(); m != nil {
		m.IncReviewDecision(action)
	}
	response.RespondOK(c, gin.H{"updated": n})
}

type editRelationshipRequest struct {
	review.EditRelationshipInput
	Reviewer string `json:"reviewer,omitempty"`
}

// POST /review/relationships/edit
func (h *ReviewHandler) EditRelationship(c *gin.Context) {
	active, ok := h.queryActive(c, true)
	if !ok {
		return
	}
	var req editRelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = active.TenantID
	}
	n, err := h.review.EditRelationship(c.Request.Context(), active, req.EditRelationshipInput, req.Reviewer)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if m := observability.Current(); m != nil {
		m.IncReviewDecision(review.ActionRelationshipEdit)
	}
	response.RespondOK(c, gin.H{"updated": n})
}

// GET /review/merges
func (h *ReviewHandler) ListMerges(c *gin.Context) {
	active, ok := h.queryActive(c, false)
	if !ok {
		return
	}
	status, err := parseMergeStatus(c.Query("status"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_status", err)
		return
	}
	candidates, err := h.review.ListMergeCandidates(c.Request.Context(), active, status, intQuery(c, "limit", 0))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"candidates": candidates, "graph_id": active.GraphID})
}

type mergeDecisionRequest struct {
	CandidateID string `json:"candidate_id"`
	KeepID      string `json:"keep_id,omitempty"`
	Reviewer    string `json:"reviewer,omitempty"`
}

// POST /review/merges/accept
func (h *ReviewHandler) AcceptMerge(c *gin.Context) {
	h.decideMerge(c, review.ActionMergeAccept)
}

// POST /review/merges/reject
func (h *ReviewHandler) RejectMerge(c *gin.Context) {
	h.decideMerge(c, review.ActionMergeReject)
}

func (h *ReviewHandler) decideMerge(c *gin.Context, action string) {
	active, ok := h.queryActive(c, true)
	if !ok {
		return
	}
	var req mergeDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = active.TenantID
	}
	var (
		cand *knowledge.MergeCandidate
		err  error
	)
	if action == review.ActionMergeAccept {
		cand, err = h.review.AcceptMerge(c.Request.Context(), active, req.CandidateID, req.Reviewer)
	} else {
		cand, err = h.review.RejectMerge(c.Request.Context(), active, req.CandidateID, req.Reviewer)
	}
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if m := observability.Current(); m != nil {
		m.IncReviewDecision(action)
	}
	response.RespondOK(c, gin.H{"candidate": cand})
}

// POST /review/merges/execute
func (h *ReviewHandler) ExecuteMerge(c *gin.Context) {
	active, ok := h.queryActive(c, true)
	if !ok {
		return
	}
	var req mergeDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = active.TenantID
	}
	exec, err := h.review.ExecuteMerge(c.Request.Context(), active, req.CandidateID, req.KeepID, req.Reviewer)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if m := observability.Current(); m != nil {
		m.IncReviewDecision(review.ActionMergeExecute)
	}
	response.RespondOK(c, exec)
}

// GET /review/audit
func (h *ReviewHandler) ListAudit(c *gin.Context) {
	active, ok := h.queryActive(c, false)
	if !ok {
		return
	}
	rows, err := h.review.ListAudit(c.Request.Context(), active,
		strings.TrimSpace(c.Query("subject_id")), intQuery(c, "limit", 0))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"audit": rows})
}
