package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/domain/knowledge"
	"github.com/quillgraph/quillgraph-backend/internal/observability"
	"github.com/quillgraph/quillgraph-backend/internal/platform/apierr"
	"github.com/quillgraph/quillgraph-backend/internal/platform/ctxutil"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/scope"
)

const (
	headerTenantID = "X-Tenant-ID"
	headerGraphID  = "X-Graph-ID"
	headerBranchID = "X-Branch-ID"
)

type ScopeMiddleware struct {
	log    *logger.Logger
	scopes scope.Resolver
}

func NewScopeMiddleware(log *logger.Logger, scopes scope.Resolver) *ScopeMiddleware {
	return &ScopeMiddleware{log: log.With("middleware", "ScopeMiddleware"), scopes: scopes}
}

// RequireScope resolves the caller's (tenant, graph, branch) triple and
// attaches it to the request context. The gateway sets X-Tenant-ID after
// authenticating; a request without it never reaches a service. Header
// overrides of graph and branch are validated against the tenant before
// they take effect.
func (sm *ScopeMiddleware) RequireScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(headerTenantID))
		if tenantID == "" {
			if m := observability.Current(); m != nil {
				m.IncSecurityEvent("tenant_missing")
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"message": "missing tenant", "code": "forbidden"},
			})
			return
		}

		active, err := sm.scopes.ResolveActive(c.Request.Context(), tenantID)
		if err != nil {
			sm.log.Error("resolve active scope failed", "error", err, "tenant_id", tenantID)
			ae := apierr.FromErr(err)
			c.AbortWithStatusJSON(ae.Status, gin.H{
				"error": gin.H{"message": ae.Error(), "code": ae.Code},
			})
			return
		}

		if g := strings.TrimSpace(c.GetHeader(headerGraphID)); g != "" && g != active.GraphID {
			if err := sm.scopes.Authorize(c.Request.Context(), tenantID, g); err != nil {
				if m := observability.Current(); m != nil {
					m.IncSecurityEvent("scope_override_denied")
				}
				ae := apierr.FromErr(err)
				c.AbortWithStatusJSON(ae.Status, gin.H{
					"error": gin.H{"message": ae.Error(), "code": ae.Code},
				})
				return
			}
			active.GraphID = g
			// A graph override leaves the persisted branch behind; main
			// always exists in the named graph.
			active.BranchID = knowledge.MainBranch
		}
		if b := strings.TrimSpace(c.GetHeader(headerBranchID)); b != "" {
			active.BranchID = b
		}

		ctx := ctxutil.WithScopeData(c.Request.Context(), &ctxutil.ScopeData{
			TenantID: active.TenantID,
			GraphID:  active.GraphID,
			BranchID: active.BranchID,
			Demo:     active.Demo,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
