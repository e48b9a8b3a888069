package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/contentpilot/strategy-backend/internal/handlers"
)

type RouterConfig struct {
	GenerationHandler *handlers.GenerationHandler
	AllowOrigins      []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/generation-jobs", cfg.GenerationHandler.Start)
		api.GET("/generation-jobs/:id", cfg.GenerationHandler.Status)
		api.GET("/generation-jobs/:id/strategy", cfg.GenerationHandler.Document)
	}

	return router
}
