// Package router wires handlers onto the gin engine.
package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"crossquery.app/conductor/internal/availability"
	"crossquery.app/conductor/internal/http/handler"
	"crossquery.app/conductor/internal/http/middleware"
	"crossquery.app/conductor/internal/orchestrator"
	"crossquery.app/conductor/internal/queue"
	"crossquery.app/conductor/internal/registry"
	"crossquery.app/conductor/internal/session"
)

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Sessions     session.Store
	Producer     queue.Producer       // optional
	Prober       *availability.Prober // optional
	SessionTTL   time.Duration
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	queryHandler := handler.NewQueryHandler(deps.Orchestrator, deps.Sessions, deps.Producer, deps.SessionTTL)
	sessionHandler := handler.NewSessionHandler(deps.Sessions)
	sourceHandler := handler.NewSourceHandler(deps.Registry, deps.Prober)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireCallerID())
	{
		v1.POST("/queries", queryHandler.Query)
		v1.POST("/queries/async", queryHandler.QueryAsync)

		v1.GET("/sessions", sessionHandler.List)
		v1.GET("/sessions/:session_id", sessionHandler.Get)
		v1.DELETE("/sessions/:session_id", sessionHandler.Delete)

		v1.GET("/sources", sourceHandler.List)
		v1.GET("/sources/:source_id/schema", sourceHandler.Schema)
	}
}
