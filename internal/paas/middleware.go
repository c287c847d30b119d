package paas

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	AuthDisabledEnv    = "RH_AUTH_DISABLED"
	RequireGatewayEnv  = "RH_REQUIRE_GATEWAY"
	projectHeader      = "X-Easyweb3-Project"
	roleHeader         = "X-Easyweb3-Role"
	auditActionHTTPOut = "rewardhub_http_write"
)

func envTrue(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return strings.EqualFold(v, "true") || v == "1"
}

// RequireBearerMiddleware checks that /api/ and docs requests carry a bearer
// token. Token validation itself happens at the gateway.
func RequireBearerMiddleware() gin.HandlerFunc {
	disabled := envTrue(AuthDisabledEnv)
	requireGatewayHeader := envTrue(RequireGatewayEnv)

	return func(c *gin.Context) {
		if disabled {
			c.Next()
			return
		}
		p := c.Request.URL.Path
		if p == "/healthz" || p == "/readyz" || p == "/metrics" {
			c.Next()
			return
		}
		if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/swagger") || p == "/docs" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if !strings.HasPrefix(auth, "Bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "missing bearer token"})
				return
			}
			if requireGatewayHeader && strings.TrimSpace(c.GetHeader(projectHeader)) == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "missing " + projectHeader})
				return
			}
		}
		c.Next()
	}
}

// WriteAuditMiddleware sends one audit log per mutating /api/ request.
func WriteAuditMiddleware(p *Client, logger *zap.Logger) gin.HandlerFunc {
	if p == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		method := strings.ToUpper(c.Request.Method)
		if !strings.HasPrefix(path, "/api/") {
			return
		}
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return
		}

		status := c.Writer.Status()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := p.CreateLog(ctx, CreateLogRequest{
			Action: auditActionHTTPOut,
			Level:  levelFromStatus(status),
			Details: map[string]any{
				"method":   method,
				"path":     path,
				"status":   status,
				"duration": time.Since(start).String(),
				"project":  strings.TrimSpace(c.GetHeader(projectHeader)),
				"role":     strings.TrimSpace(c.GetHeader(roleHeader)),
			},
		})
		if err != nil && logger != nil {
			logger.Debug("paas audit log failed", zap.Error(err))
		}
	}
}

func levelFromStatus(status int) string {
	if status >= 500 {
		return "error"
	}
	if status >= 400 {
		return "warn"
	}
	return "info"
}
