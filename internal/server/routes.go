// Package server wires the relay's handlers into a gin engine behind the
// cross-origin middleware.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Handler returns the relay's HTTP handler. It is built once and shared.
func (r *Relay) Handler() http.Handler {
	r.handlerOnce.Do(func() {
		r.handler = r.origins.cors().Handler(r.setupRoutes())
	})
	return r.handler
}

// setupRoutes registers every endpoint the relay serves.
func (r *Relay) setupRoutes() *gin.Engine {
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery(), requestLogger(r.log))

	engine.GET("/", r.handleRoot)
	engine.GET("/health", r.handleHealth)
	engine.GET("/metrics", gin.WrapH(r.metrics.handler()))
	engine.GET("/ws", r.handleWebSocket)
	engine.GET("/poll", r.handlePollGet)
	engine.POST("/poll", r.handlePollPost)
	return engine
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("http request")
	}
}
