package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/http/response"
	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/retrieval"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

type RetrieveHandler struct {
	log       *logger.Logger
	scopes    scope.Resolver
	retrieval retrieval.Service
}

func NewRetrieveHandler(log *logger.Logger, scopes scope.Resolver, retrievalSvc retrieval.Service) *RetrieveHandler {
	return &RetrieveHandler{
		log:       log.With("handler", "RetrieveHandler"),
		scopes:    scopes,
		retrieval: retrievalSvc,
	}
}

type retrieveRequest struct {
	Message            string `json:"message"`
	Intent             string `json:"intent,omitempty"`
	GraphID            string `json:"graph_id,omitempty"`
	BranchID           string `json:"branch_id,omitempty"`
	DetailLevel        string `json:"detail_level,omitempty"`
	IncludeProposed    string `json:"include_proposed,omitempty"`
	EvidenceStrictness string `json:"evidence_strictness,omitempty"`
	RecencyDays        int    `json:"recency_days,omitempty"`
	LimitEntities      int    `json:"limit_entities,omitempty"`
	LimitClaims        int    `json:"limit_claims,omitempty"`
	LimitSources       int    `json:"limit_sources,omitempty"`
	MaxConcepts        int    `json:"max_concepts,omitempty"`
}

// POST /ai/retrieve
func (h *RetrieveHandler) Retrieve(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if g := strings.TrimSpace(req.GraphID); g != "" && g != active.GraphID {
		if err := h.scopes.Authorize(c.Request.Context(), active.TenantID, g); err != nil {
			response.RespondErr(c, err)
			return
		}
		active.GraphID = g
		active.BranchID = knowledge.MainBranch
	}
	if b := strings.TrimSpace(req.BranchID); b != "" {
		active.BranchID = b
	}
	intent, err := retrieval.ParseIntent(req.Intent)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_intent", err)
		return
	}
	strictness, err := retrieval.ParseStrictness(req.EvidenceStrictness)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_strictness", err)
		return
	}
	proposed, err := scope.ParseProposedMode(req.IncludeProposed)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_include_proposed", err)
		return
	}

	start := time.Now()
	res, err := h.retrieval.Retrieve(c.Request.Context(), active, retrieval.Query{
		Message:       req.Message,
		Intent:        intent,
		DetailLevel:   req.DetailLevel,
		Strictness:    strictness,
		RecencyDays:   req.RecencyDays,
		Proposed:      proposed,
		LimitEntities: req.LimitEntities,
		LimitClaims:   req.LimitClaims,
		LimitSources:  req.LimitSources,
		MaxConcepts:   req.MaxConcepts,
	})
	if err != nil {
		if m := observability.Current(); m != nil {
			m.ObserveRetrieve("error", time.Since(start), 0)
		}
		response.RespondErr(c, err)
		return
	}
	if m := observability.Current(); m != nil {
		m.ObserveRetrieve("ok", time.Since(start), len(res.Context.Entities))
	}
	c.JSON(http.StatusOK, res)
}

// POST /ai/classify-intent
func (h *RetrieveHandler) ClassifyIntent(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	cls, err := h.retrieval.ClassifyIntent(c.Request.Context(), active, req.Message)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"classification": cls})
}
