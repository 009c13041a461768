package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/http/response"
	"github.com/quillgraph/quillgraph-backend/internal/platform/ctxutil"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

// activeScope rebuilds the resolved request scope. Routes behind the
// scope middleware always have one; its absence is a wiring bug.
func activeScope(c *gin.Context) (scope.Active, bool) {
	sd := ctxutil.GetScopeData(c.Request.Context())
	if sd == nil {
		response.RespondError(c, http.StatusForbidden, "forbidden", errors.New("request has no resolved scope"))
		return scope.Active{}, false
	}
	return scope.Active{
		TenantID: sd.TenantID,
		GraphID:  sd.GraphID,
		BranchID: sd.BranchID,
		Demo:     sd.Demo,
	}, true
}

// intQuery parses an integer query parameter, falling back to def on
// absence or junk. Limits are advisory; services clamp them anyway.
func intQuery(c *gin.Context, name string, def int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolQuery(c *gin.Context, name string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(c.Query(name)))
	return err == nil && v
}

// proposedMode parses the include_proposed query parameter, responding
// 400 itself on junk.
func proposedMode(c *gin.Context) (scope.ProposedMode, bool) {
	mode, err := scope.ParseProposedMode(c.Query("include_proposed"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_include_proposed", err)
		return mode, false
	}
	return mode, true
}
