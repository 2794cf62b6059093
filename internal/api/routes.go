package api

import (
	"github.com/gin-gonic/gin"
	"github.com/irfndi/kfold-ensemble-go/internal/api/handlers"
	"github.com/irfndi/kfold-ensemble-go/internal/middleware"
	"github.com/irfndi/kfold-ensemble-go/internal/services"
)

// RefreshAPI is what the routes need from the refresh service.
type RefreshAPI interface {
	handlers.FoldService
	handlers.ScoreService
	handlers.RefreshRunner
	handlers.Ingestor
	handlers.RuntimeStats
}

// Dependencies are the collaborators mounted by SetupRoutes. Redis may be nil.
type Dependencies struct {
	Service  RefreshAPI
	Assigner *services.FoldAssigner
	Scorer   *services.EnsembleScorer
	DB       handlers.HealthChecker
	Redis    handlers.HealthChecker
	AdminKey string
	Version  string
}

// SetupRoutes registers the health, fold, ensemble, ingestion and refresh routes.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Redis, deps.Service, deps.Version)
	foldHandler := handlers.NewFoldHandler(deps.Service, deps.Assigner)
	ensembleHandler := handlers.NewEnsembleHandler(deps.Service, deps.Scorer)
	refreshHandler := handlers.NewRefreshHandler(deps.Service)
	ingestHandler := handlers.NewIngestHandler(deps.Service)
	adminMiddleware := middleware.NewAdminMiddleware(deps.AdminKey)

	router.GET("/health", healthHandler.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		folds := v1.Group("/folds")
		{
			folds.POST("/assign", foldHandler.Assign)
			folds.GET("/current", foldHandler.Current)
			folds.GET("/runs/:run_id", foldHandler.Run)
			folds.GET("/plan", foldHandler.Plan)
		}

		ensemble := v1.Group("/ensemble")
		{
			ensemble.POST("/combine", ensembleHandler.Combine)
			ensemble.GET("/:period", ensembleHandler.List)
		}

		v1.GET("/recommendations/:run_id", ensembleHandler.Recommendations)

		admin := v1.Group("/admin")
		admin.Use(adminMiddleware.RequireAdminAuth())
		{
			admin.POST("/refresh", refreshHandler.Refresh)
			admin.POST("/member-scores", ingestHandler.MemberScores)
			admin.POST("/snapshots", ingestHandler.Snapshots)
		}
	}
}
