package http

import (
	"github.com/gin-gonic/gin"

	"mailpilot.app/enrich/internal/ingest"
	"mailpilot.app/enrich/internal/poller"
)

func SetupRoutes(router *gin.Engine, ingestSvc *ingest.Service, p *poller.Poller) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		events := NewEventsHandler(ingestSvc)
		v1.POST("/events", events.Ingest)

		dashboard := NewDashboardHandler(p)
		v1.POST("/addon/dashboard", dashboard.Dashboard)
	}
}
