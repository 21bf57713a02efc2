// Package httpapi exposes the Orchestrator's tell/wake/sleep/wakeAll
// surface over a REST API consumed by the dashboard front-end (§6 "CLI-
// visible operations"); the supervisor core only specifies the operations
// this layer invokes, not its wire shape, so the routes below are this
// repo's own concrete binding of that contract.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/orchestrator"
)

// StreamRegistrar attaches the dashboard push channel's route onto the v1
// group; satisfied by *push.Handler without this package depending on it.
type StreamRegistrar interface {
	RegisterRoutes(router gin.IRoutes)
}

// Router builds the gin engine exposing the orchestrator's operations. push
// may be nil when no event stream is wired (e.g. tests).
func Router(orch *orchestrator.Orchestrator, push StreamRegistrar, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(requestLogger(log))
	r.Use(recovery(log))
	r.Use(cors())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := newHandler(orch, log)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/teams", h.listTeams)
		v1.GET("/processes", h.report)
		v1.GET("/processes/:from/:to/awake", h.isAwake)

		v1.POST("/tell", h.tell)
		v1.POST("/wake", h.wake)
		v1.POST("/sleep", h.sleep)
		v1.POST("/wakeAll", h.wakeAll)

		if push != nil {
			push.RegisterRoutes(v1)
		}
	}

	return r
}
