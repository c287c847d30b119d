package paas

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# rewardhub

Reward settlement engine behind the easyweb3 PaaS gateway.

## Access via PaaS

Base path (through gateway):
- /api/v1/services/rewardhub/

## Auth

All /api/* routes require a Bearer token (validated by the gateway).
Health endpoints and /metrics are public.

## Routes

- GET  /healthz, /readyz, /metrics
- GET  /swagger/index.html
- POST /api/v1/contests/open
- GET  /api/v1/contests/active
- POST /api/v1/contests/votes
- POST /api/v1/contests/finalize
- POST /api/v1/contests/force-finalize
- POST /api/v1/polls/open
- GET  /api/v1/polls/active
- POST /api/v1/polls/predictions
- POST /api/v1/polls/resolve
- POST /api/v1/polls/refresh
- POST /api/v1/staking/stake
- POST /api/v1/staking/claim
- POST /api/v1/staking/unstake
- POST /api/v1/staking/deposits
- GET  /api/v1/settings
- PUT  /api/v1/settings/:key
`)
	})
}
