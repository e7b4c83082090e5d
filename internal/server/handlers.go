// Package server exposes the relay's plain HTTP handlers: the liveness line
// and the health report.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// healthReport is the JSON body served at /health.
type healthReport struct {
	Status       string `json:"status"`
	Connections  int    `json:"connections"`
	Rooms        int    `json:"rooms"`
	PollSessions int    `json:"pollSessions"`
}

// handleRoot answers with a plain text line indicating the relay is running.
func (r *Relay) handleRoot(c *gin.Context) {
	c.String(http.StatusOK, "roomchat relay is running!")
}

// handleHealth reports connection and room counts. It turns 503 once the
// relay has started shutting down so load balancers stop routing to it.
func (r *Relay) handleHealth(c *gin.Context) {
	report := healthReport{
		Status:       "ok",
		Connections:  r.registry.ConnCount(),
		Rooms:        r.registry.RoomCount(),
		PollSessions: r.polls.len(),
	}

	status := http.StatusOK
	if !r.registry.Accepting() {
		report.Status = "shutting down"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
