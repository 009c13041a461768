package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/entities"
	"github.com/quillgraph/quillgraph-backend/internal/http/response"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

type ConceptHandler struct {
	log      *logger.Logger
	entities entities.Service
}

func NewConceptHandler(log *logger.Logger, entities entities.Service) *ConceptHandler {
	return &ConceptHandler{log: log.With("handler", "ConceptHandler"), entities: entities}
}

// POST /concepts
func (h *ConceptHandler) Create(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var in entities.CreateConceptInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	concept, err := h.entities.CreateConcept(c.Request.Context(), active, in)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"concept": concept})
}

// GET /concepts/:id
func (h *ConceptHandler) Get(c *gin.Context) {
	h.getByRef(c, c.Param("id"))
}

// GET /concepts/by-name/:name
func (h *ConceptHandler) GetByName(c *gin.Context) {
	h.getByRef(c, c.Param("name"))
}

func (h *ConceptHandler) getByRef(c *gin.Context, ref string) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	mode, ok := proposedMode(c)
	if !ok {
		return
	}
	concept, err := h.entities.GetConcept(c.Request.Context(), active, ref, mode)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"concept": concept})
}

// PUT /concepts/:id
func (h *ConceptHandler) Update(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var patch entities.ConceptPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	concept, err := h.entities.UpdateConcept(c.Request.Context(), active, c.Param("id"), patch)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"concept": concept})
}

// DELETE /concepts/:id
func (h *ConceptHandler) Delete(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	nodeID := c.Param("id")
	if err := h.entities.DeleteConcept(c.Request.Context(), active, nodeID); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": nodeID})
}

// POST /concepts/relationship
func (h *ConceptHandler) CreateRelationship(c *gin.Context) {
	h.createRelationship(c, false)
}

// POST /concepts/relationship/propose
func (h *ConceptHandler) ProposeRelationship(c *gin.Context) {
	h.createRelationship(c, true)
}

func (h *ConceptHandler) createRelationship(c *gin.Context, proposed bool) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var in entities.CreateRelationshipInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if proposed {
		in.Proposed = true
	}
	rel, created, err := h.entities.CreateRelationship(c.Request.Context(), active, in)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"relationship": rel, "created": created})
}

type relationshipByIDsRequest struct {
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Predicate  string  `json:"predicate"`
	Confidence float64 `json:"confidence,omitempty"`
	Method     string  `json:"method,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
	Proposed   bool    `json:"proposed,omitempty"`
}

// POST /concepts/relationship-by-ids
func (h *ConceptHandler) CreateRelationshipByIDs(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req relationshipByIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	rel, created, err := h.entities.CreateRelationship(c.Request.Context(), active, entities.CreateRelationshipInput{
		Src:        req.SourceID,
		Dst:        req.TargetID,
		Predicate:  req.Predicate,
		Confidence: req.Confidence,
		Method:     req.Method,
		Rationale:  req.Rationale,
		Proposed:   req.Proposed,
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"relationship": rel, "created": created})
}

// DELETE /concepts/relationship
func (h *ConceptHandler) DeleteRelationship(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	srcID := strings.TrimSpace(c.Query("source_id"))
	dstID := strings.TrimSpace(c.Query("target_id"))
	predicate := strings.TrimSpace(c.Query("predicate"))
	if err := h.entities.DeleteRelationship(c.Request.Context(), active, srcID, dstID, predicate); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": gin.H{
		"source_id": srcID,
		"target_id": dstID,
		"predicate": predicate,
	}})
}

// POST /concepts/:id/link-cross-graph
func (h *ConceptHandler) LinkCrossGraph(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	targetGraph := strings.TrimSpace(c.Query("target_graph_id"))
	targetNode := strings.TrimSpace(c.Query("target_node_id"))
	if targetGraph == "" || targetNode == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_target",
			errors.New("target_graph_id and target_node_id are required"))
		return
	}
	in := entities.CrossGraphLinkInput{
		Src:        c.Param("id"),
		DstGraphID: targetGraph,
		DstNodeID:  targetNode,
		LinkType:   strings.TrimSpace(c.Query("link_type")),
		Rationale:  strings.TrimSpace(c.Query("rationale")),
	}
	if err := h.entities.CrossGraphLink(c.Request.Context(), active, in); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"linked": true})
}
