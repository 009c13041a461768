package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/http/response"
	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
	"github.com/quillgraph/quillgraph-backend/internal/sync"
)

type SyncHandler struct {
	log    *logger.Logger
	scopes scope.Resolver
	sync   sync.Service
}

func NewSyncHandler(log *logger.Logger, scopes scope.Resolver, syncSvc sync.Service) *SyncHandler {
	return &SyncHandler{
		log:    log.With("handler", "SyncHandler"),
		scopes: scopes,
		sync:   syncSvc,
	}
}

type syncEventsRequest struct {
	Events []sync.Event `json:"events"`
}

// POST /sync/events
//
// The batch always answers 200; per-event status is applied, duplicate
// or error. Only cancellation fails the whole request.
func (h *SyncHandler) ApplyEvents(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req syncEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	results, err := h.sync.ApplyEvents(c.Request.Context(), active, req.Events)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if m := observability.Current(); m != nil {
		for i, r := range results {
			eventType := "unknown"
			if i < len(req.Events) && req.Events[i].Type != "" {
				eventType = req.Events[i].Type
			}
			m.IncSyncEvent(eventType, r.Status)
		}
	}
	response.RespondOK(c, gin.H{"results": results})
}

// POST /sync/capture-selection
func (h *SyncHandler) CaptureSelection(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var in sync.CaptureSelectionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	res, err := h.sync.CaptureSelection(c.Request.Context(), active, in)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// offlineActive applies graph_id and branch_id query overrides. A graph
// swap is authorized for read and resets the branch to main first.
func (h *SyncHandler) offlineActive(c *gin.Context) (scope.Active, bool) {
	active, ok := activeScope(c)
	if !ok {
		return active, false
	}
	if g := strings.TrimSpace(c.Query("graph_id")); g != "" && g != active.GraphID {
		if err := h.scopes.Authorize(c.Request.Context(), active.TenantID, g); err != nil {
			response.RespondErr(c, err)
			return active, false
		}
		active.GraphID = g
		active.BranchID = knowledge.MainBranch
	}
	if b := strings.TrimSpace(c.Query("branch_id")); b != "" {
		active.BranchID = b
	}
	return active, true
}

// GET /offline/bootstrap
func (h *SyncHandler) Bootstrap(c *gin.Context) {
	active, ok := h.offlineActive(c)
	if !ok {
		return
	}
	payload, err := h.sync.Bootstrap(c.Request.Context(), active)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// GET /offline/manifest
func (h *SyncHandler) Manifest(c *gin.Context) {
	active, ok := h.offlineActive(c)
	if !ok {
		return
	}
	manifest, err := h.sync.Manifest(c.Request.Context(), active)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

// POST /offline/warm
func (h *SyncHandler) Warm(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var in sync.WarmInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	warmed, err := h.sync.Warm(c.Request.Context(), active, in)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"artifacts": warmed})
}
