package http

import (
	"log/slog"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"task-sync/internal/config"
	"task-sync/internal/handlers"
	"task-sync/internal/metrics"
	"task-sync/internal/middleware"
)

func NewRouter(cfg config.Config, h *handlers.SyncHandler, auth middleware.Authenticator, m *metrics.Metrics, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log, m))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Correlation-ID"},
		ExposeHeaders: []string{"X-Correlation-ID"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := r.Group("/api/v1")
	// The upgrade authenticates itself so credentials can also come from the
	// query string or subprotocol.
	v1.GET("/ws", h.Connect)

	tasks := v1.Group("/tasks")
	tasks.Use(middleware.Auth(auth))
	{
		tasks.POST("/sync", h.SyncTasks)
		tasks.GET("", h.ListTasks)
		tasks.GET("/:id", h.GetTask)
		tasks.DELETE("/:id", h.DeleteTask)
	}
	return r
}
