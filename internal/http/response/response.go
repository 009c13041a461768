package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillgraph/quillgraph-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondErr maps a domain error onto the wire contract. Unavailable
// responses carry a Retry-After hint so clients back off.
func RespondErr(c *gin.Context, err error) {
	ae := apierr.FromErr(err)
	if ae == nil {
		c.Status(http.StatusOK)
		return
	}
	if ae.Status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "2")
	}
	RespondError(c, ae.Status, ae.Code, err)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
