package router

import (
	"time"

	"github.com/flowzap/flowzap-backend/internal/handlers"
	"github.com/flowzap/flowzap-backend/internal/middleware"
	"github.com/flowzap/flowzap-backend/internal/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the Gin router with the webhook, execution and
// campaign routes.
func SetupRouter(
	webhookService *services.WebhookService,
	engine *services.FlowEngineService,
	campaignService *services.CampaignService,
) *gin.Engine {
	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	// Create a new router
	r := gin.New()

	// Use middleware
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	// Configure CORS
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Create handlers with services
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	executionHandler := handlers.NewExecutionHandler(engine)
	campaignHandler := handlers.NewCampaignHandler(campaignService)

	// API v1 routes
	api := r.Group("/api/v1")
	{
		// Health check
		api.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status": "ok",
				"time":   time.Now().Format(time.RFC3339),
			})
		})

		// Gateway webhook (public, called by the WhatsApp gateway)
		api.POST("/webhook/:organizationId", webhookHandler.HandleWebhook)

		// Execution routes
		executions := api.Group("/executions")
		{
			executions.GET("/:id", executionHandler.GetExecution)
			executions.POST("/:id/reset", executionHandler.ResetExecution)
		}

		// Flow routes
		flows := api.Group("/flows")
		{
			flows.POST("/:id/test", executionHandler.TestFlow)
		}

		// Campaign routes
		campaigns := api.Group("/campaigns")
		{
			campaigns.POST("/:id/leads/import", campaignHandler.ImportLeads)
		}
	}

	return r
}
