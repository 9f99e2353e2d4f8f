package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type QueueTimeResponse struct {
	Minutes int `json:"minutes"`
}

type StatsHandler struct {
	fleet Fleet
}

func NewStatsHandler(fleet Fleet) *StatsHandler {
	return &StatsHandler{fleet: fleet}
}

// GetQueueTime estimates how long until the current queue is printed.
func (h *StatsHandler) GetQueueTime(c *gin.Context) {
	minutes, err := h.fleet.QueueTime(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, QueueTimeResponse{Minutes: minutes})
}

// GetScheduler reports queued, delayed and active task counts.
func (h *StatsHandler) GetScheduler(c *gin.Context) {
	c.JSON(http.StatusOK, h.fleet.Stats())
}

func (h *StatsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats/queue-time", h.GetQueueTime)
	r.GET("/scheduler", h.GetScheduler)
}
