package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/entities"
	"github.com/quillgraph/quillgraph-backend/internal/http/response"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

type GraphHandler struct {
	log      *logger.Logger
	scopes   scope.Resolver
	entities entities.Service
}

func NewGraphHandler(log *logger.Logger, scopes scope.Resolver, entities entities.Service) *GraphHandler {
	return &GraphHandler{
		log:      log.With("handler", "GraphHandler"),
		scopes:   scopes,
		entities: entities,
	}
}

// pathActive pins the scope to the graph named in the path. A foreign
// graph reads as not found; the branch resets to main when the path
// graph differs from the active one.
func (h *GraphHandler) pathActive(c *gin.Context) (scope.Active, bool) {
	active, ok := activeScope(c)
	if !ok {
		return active, false
	}
	graphID := strings.TrimSpace(c.Param("graph_id"))
	if graphID == "" || graphID == active.GraphID {
		return active, true
	}
	if err := h.scopes.Authorize(c.Request.Context(), active.TenantID, graphID); err != nil {
		response.RespondErr(c, err)
		return active, false
	}
	active.GraphID = graphID
	active.BranchID = knowledge.MainBranch
	return active, true
}

// GET /graphs
func (h *GraphHandler) ListGraphs(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	graphs, act, err := h.scopes.ListGraphs(c.Request.Context(), active.TenantID)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"graphs":           graphs,
		"active_graph_id":  act.GraphID,
		"active_branch_id": act.BranchID,
	})
}

type createGraphRequest struct {
	Name       string `json:"name"`
	TemplateID string `json:"template_id,omitempty"`
	Intent     string `json:"intent,omitempty"`
}

// POST /graphs
func (h *GraphHandler) CreateGraph(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req createGraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}

	templateID := strings.TrimSpace(req.TemplateID)
	if templateID == "" {
		// A recognized intent picks its template when none was named.
		if intent := strings.ToLower(strings.TrimSpace(req.Intent)); slices.Contains(entities.TemplateIDs(), intent) {
			templateID = intent
		}
	}
	if templateID != "" && !slices.Contains(entities.TemplateIDs(), templateID) {
		response.RespondError(c, http.StatusBadRequest, "unknown_template",
			fmt.Errorf("unknown template %q (known: %s)", templateID, strings.Join(entities.TemplateIDs(), ", ")))
		return
	}

	act, space, err := h.scopes.CreateGraph(c.Request.Context(), active.TenantID, req.Name)
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	var seeded *entities.SeedReport
	if templateID != "" && templateID != "blank" {
		seeded, err = h.entities.SeedTemplate(c.Request.Context(), act, templateID)
		if err != nil {
			h.log.Error("seed template failed", "error", err, "graph_id", act.GraphID, "template_id", templateID)
			response.RespondErr(c, err)
			return
		}
	}

	response.RespondOK(c, gin.H{
		"graph":            space,
		"active_graph_id":  act.GraphID,
		"active_branch_id": act.BranchID,
		"seeded":           seeded,
	})
}

// POST /graphs/:graph_id/select
func (h *GraphHandler) SelectGraph(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	act, err := h.scopes.SetActiveGraph(c.Request.Context(), active.TenantID, c.Param("graph_id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"active_graph_id":  act.GraphID,
		"active_branch_id": act.BranchID,
	})
}

type renameGraphRequest struct {
	Name string `json:"name"`
}

// PATCH /graphs/:graph_id
func (h *GraphHandler) RenameGraph(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req renameGraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	graphID := c.Param("graph_id")
	if err := h.scopes.RenameGraph(c.Request.Context(), active.TenantID, graphID, req.Name); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"graph_id": graphID, "name": req.Name})
}

// DELETE /graphs/:graph_id
func (h *GraphHandler) DeleteGraph(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	graphID := c.Param("graph_id")
	if err := h.scopes.DeleteGraph(c.Request.Context(), active.TenantID, graphID); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": graphID})
}

// GET /graphs/:graph_id/overview
func (h *GraphHandler) Overview(c *gin.Context) {
	active, ok := h.pathActive(c)
	if !ok {
		return
	}
	mode, ok := proposedMode(c)
	if !ok {
		return
	}
	ov, err := h.entities.Overview(c.Request.Context(), active,
		intQuery(c, "limit_nodes", 0), intQuery(c, "limit_edges", 0), mode)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, ov)
}

// GET /graphs/:graph_id/neighbors
func (h *GraphHandler) Neighbors(c *gin.Context) {
	active, ok := h.pathActive(c)
	if !ok {
		return
	}
	ref := strings.TrimSpace(c.Query("concept_id"))
	if ref == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_concept_id", errors.New("concept_id is required"))
		return
	}
	mode, ok := proposedMode(c)
	if !ok {
		return
	}
	hops := intQuery(c, "hops", 1)
	if hops < 1 {
		hops = 1
	}
	if hops > 2 {
		hops = 2
	}
	limit := intQuery(c, "limit", 50)
	if limit <= 0 {
		limit = 50
	}

	ctx := c.Request.Context()
	center, err := h.entities.GetConcept(ctx, active, ref, mode)
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	nodes := map[string]knowledge.Concept{}
	var order []string
	edges := map[string]knowledge.Relationship{}
	absorb := func(list []*knowledge.Neighbor) {
		for _, nb := range list {
			if nb == nil {
				continue
			}
			if nb.Concept.NodeID != center.NodeID {
				if _, seen := nodes[nb.Concept.NodeID]; !seen {
					nodes[nb.Concept.NodeID] = nb.Concept
					order = append(order, nb.Concept.NodeID)
				}
			}
			key := nb.Rel.SourceID + "|" + nb.Rel.Predicate + "|" + nb.Rel.TargetID
			edges[key] = nb.Rel
		}
	}

	first, err := h.entities.Neighbors(ctx, active, center.NodeID, mode, limit)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	absorb(first)

	if hops == 2 {
		frontier := append([]string(nil), order...)
		for _, id := range frontier {
			if len(order) >= limit {
				break
			}
			next, err := h.entities.Neighbors(ctx, active, id, mode, limit)
			if err != nil {
				response.RespondErr(c, err)
				return
			}
			absorb(next)
		}
	}

	if len(order) > limit {
		order = order[:limit]
	}
	allowed := map[string]bool{center.NodeID: true}
	outNodes := make([]knowledge.Concept, 0, len(order))
	for _, id := range order {
		allowed[id] = true
		outNodes = append(outNodes, nodes[id])
	}
	outEdges := make([]knowledge.Relationship, 0, len(edges))
	for _, e := range edges {
		if allowed[e.SourceID] && allowed[e.TargetID] {
			outEdges = append(outEdges, e)
		}
	}
	sort.Slice(outEdges, func(i, j int) bool {
		if outEdges[i].SourceID != outEdges[j].SourceID {
			return outEdges[i].SourceID < outEdges[j].SourceID
		}
		if outEdges[i].Predicate != outEdges[j].Predicate {
			return outEdges[i].Predicate < outEdges[j].Predicate
		}
		return outEdges[i].TargetID < outEdges[j].TargetID
	})

	response.RespondOK(c, gin.H{
		"center": center,
		"nodes":  outNodes,
		"edges":  outEdges,
	})
}
