package app

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/conduitrun/conduit/internal/http/middleware"
	"github.com/conduitrun/conduit/internal/platform/logger"
)

// wireRouter mirrors the teacher's server.NewRouter: one function that
// names every route in one place, CORS and a healthcheck always
// attached regardless of which handlers are wired.
func wireRouter(h *Handlers, diag *PostgresDiagnostic, log *logger.Logger) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	}))
	router.Use(middleware.AttachTraceContext())
	router.Use(middleware.RequestLogger(log))

	router.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/catalog/register", h.RegisterCatalog)
	router.GET("/catalog/:path/:version", h.GetCatalogEntry)

	router.POST("/execute", h.Execute)
	router.POST("/cancel/:execution_id", h.Cancel)
	router.GET("/execution/:execution_id", h.GetExecution)
	router.GET("/events", h.ListEvents)

	router.POST("/credentials", h.PutCredential)
	router.GET("/credentials/:name", h.GetCredential)

	router.POST("/postgres/execute", diag.Execute)

	return router
}
