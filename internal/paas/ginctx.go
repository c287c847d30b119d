package paas

import (
	"github.com/gin-gonic/gin"
)

func InjectClientMiddleware(p *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p != nil && c.Request != nil {
			c.Request = c.Request.WithContext(WithClient(c.Request.Context(), p))
		}
		c.Next()
	}
}

// LogBestEffort records a handler-level action such as a forced finalize.
func LogBestEffort(c *gin.Context, action, level string, details map[string]any) {
	if c == nil || c.Request == nil {
		return
	}
	LogBestEffortCtx(c.Request.Context(), action, level, details)
}
