package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/http/response"
	"github.com/quillgraph/quillgraph-backend/internal/ingest"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

type IngestHandler struct {
	log        *logger.Logger
	connectors ingest.Connectors
}

func NewIngestHandler(log *logger.Logger, connectors ingest.Connectors) *IngestHandler {
	return &IngestHandler{
		log:        log.With("handler", "IngestHandler"),
		connectors: connectors,
	}
}

// POST /web/ingest
func (h *IngestHandler) IngestWeb(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var in ingest.WebIngestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	res, err := h.connectors.IngestWeb(c.Request.Context(), active, in)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /lectures/ingest
func (h *IngestHandler) IngestLecture(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var in ingest.LectureIngestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	res, err := h.connectors.IngestLecture(c.Request.Context(), active, in)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type notionIngestRequest struct {
	Pages []ingest.NotionPage `json:"pages"`
}

// POST /notion/pages/ingest
//
// Batch runs answer 200 even when individual pages fail; the per-page
// statuses carry the outcome.
func (h *IngestHandler) IngestNotionPages(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req notionIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	res, err := h.connectors.IngestNotionPages(c.Request.Context(), active, req.Pages)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type financeIngestRequest struct {
	Documents []ingest.FinanceDoc `json:"documents"`
}

// POST /finance/filings/ingest
func (h *IngestHandler) IngestFinanceDocs(c *gin.Context) {
	active, ok := activeScope(c)
	if !ok {
		return
	}
	var req financeIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	res, err := h.connectors.IngestFinanceDocs(c.Request.Context(), active, req.Documents)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
