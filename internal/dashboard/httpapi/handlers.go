package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/orchestrator"
)

type handler struct {
	orch *orchestrator.Orchestrator
	log  *logger.Logger
}

func newHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *handler {
	return &handler{orch: orch, log: log}
}

// tellRequest is the REST body for POST /api/v1/tell.
type tellRequest struct {
	From            string `json:"from" binding:"required"`
	To              string `json:"to" binding:"required"`
	Message         string `json:"message" binding:"required"`
	WaitForResponse bool   `json:"waitForResponse"`
	TimeoutMS       int    `json:"timeoutMs"`
}

func (h *handler) tell(c *gin.Context) {
	var req tellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	result := h.orch.Tell(c.Request.Context(), req.From, req.To, req.Message, req.WaitForResponse, timeout)
	c.JSON(statusFor(result.Success), result)
}

type wakeRequest struct {
	Team     string `json:"team" binding:"required"`
	FromTeam string `json:"fromTeam" binding:"required"`
}

func (h *handler) wake(c *gin.Context) {
	var req wakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := h.orch.Wake(c.Request.Context(), req.Team, req.FromTeam)
	c.JSON(statusFor(result.Success), result)
}

type sleepRequest struct {
	Team     string `json:"team" binding:"required"`
	FromTeam string `json:"fromTeam" binding:"required"`
	Force    bool   `json:"force"`
}

func (h *handler) sleep(c *gin.Context) {
	var req sleepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := h.orch.Sleep(c.Request.Context(), req.Team, req.FromTeam, req.Force)
	c.JSON(statusFor(result.Success), result)
}

type wakeAllRequest struct {
	FromTeam string `json:"fromTeam" binding:"required"`
	Parallel bool   `json:"parallel"`
}

func (h *handler) wakeAll(c *gin.Context) {
	var req wakeAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := h.orch.WakeAll(c.Request.Context(), req.FromTeam, req.Parallel)
	c.JSON(http.StatusOK, result)
}

func (h *handler) listTeams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"teams": h.orch.Teams()})
}

func (h *handler) report(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": h.orch.Report()})
}

func (h *handler) isAwake(c *gin.Context) {
	from := c.Param("from")
	to := c.Param("to")
	c.JSON(http.StatusOK, gin.H{"awake": h.orch.IsAwake(from, to)})
}

func statusFor(success bool) int {
	if success {
		return http.StatusOK
	}
	return http.StatusBadRequest
}
