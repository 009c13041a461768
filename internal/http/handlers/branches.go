package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/branches"
	"github.com/quillgraph/quillgraph-backend/internal/http/response"
	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

type BranchHandler struct {
	log      *logger.Logger
	branches branches.Service
}

func NewBranchHandler(log *logger.Logger, branchesSvc branches.Service) *BranchHandler {
	return &BranchHandler{
		log:      log.With("handler", "BranchHandler"),
		branches: branchesSvc,
	}
}

func incBranchOp(op string) {
	if m := observability.Current(); m != nil {
		m.IncBranchOp(op)
	}
}

// POST /contextual-branches
func (h *BranchHandler) Create(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var in branches.CreateBranchInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	branch, created, err := h.branches.CreateBranch(c.Request.Context(), active, in)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	incBranchOp("create")
	response.RespondOK(c, gin.H{"branch": branch, "created": created})
}

// GET /contextual-branches/:id
func (h *BranchHandler) Get(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	detail, err := h.branches.GetBranch(c.Request.Context(), active, c.Param("id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type branchMessageRequest struct {
	Content string `json:"content"`
	UserID  string `json:"user_id,omitempty"`
}

// POST /contextual-branches/:id/messages
func (h *BranchHandler) SendMessage(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req branchMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	exchange, err := h.branches.SendMessage(c.Request.Context(), active, c.Param("id"), req.Content, req.UserID)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	incBranchOp("message")
	c.JSON(http.StatusOK, exchange)
}

type branchHintsRequest struct {
	Hints []branches.HintInput `json:"hints"`
}

// POST /contextual-branches/:id/hints
func (h *BranchHandler) SaveHints(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req branchHintsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	hints, err := h.branches.SaveHints(c.Request.Context(), active, c.Param("id"), req.Hints)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	incBranchOp("hints")
	response.RespondOK(c, gin.H{"hints": hints})
}

// GET /contextual-branches/messages/:message_id/branches
func (h *BranchHandler) ListByMessage(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	rows, err := h.branches.ListByParent(c.Request.Context(), active,
		c.Param("message_id"), boolQuery(c, "include_archived"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"branches": rows})
}

// POST /contextual-branches/:id/archive
func (h *BranchHandler) Archive(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	req := struct {
		Archived *bool `json:"archived"`
	}{}
	// Body is optional; no body means archive.
	_ = c.ShouldBindJSON(&req)
	archived := true
	if req.Archived != nil {
		archived = *req.Archived
	}
	if err := h.branches.Archive(c.Request.Context(), active, c.Param("id"), archived); err != nil {
		response.RespondErr(c, err)
		return
	}
	incBranchOp("archive")
	response.RespondOK(c, gin.H{"branch_id": c.Param("id"), "archived": archived})
}

// DELETE /contextual-branches/:id
func (h *BranchHandler) Delete(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	if err := h.branches.Delete(c.Request.Context(), active, c.Param("id")); err != nil {
		response.RespondErr(c, err)
		return
	}
	incBranchOp("delete")
	response.RespondOK(c, gin.H{"deleted": c.Param("id")})
}
