package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowzap/flowzap-backend/internal/database"
	"github.com/flowzap/flowzap-backend/internal/database/repository"
	"github.com/flowzap/flowzap-backend/internal/gateway"
	"github.com/flowzap/flowzap-backend/internal/router"
	"github.com/flowzap/flowzap-backend/internal/services"
	"github.com/flowzap/flowzap-backend/internal/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Configure logging
	configureLogging()

	// Initialize Sentry
	utils.InitSentry()

	// Initialize database connection
	db, err := database.InitDB()
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}

	// Create repositories
	contactRepo := repository.NewContactRepository(db)
	flowRepo := repository.NewFlowRepository(db)
	campaignRepo := repository.NewCampaignRepository(db)
	executionRepo := repository.NewFlowExecutionRepository(db)
	jobRepo := repository.NewScheduledJobRepository(db)
	organizationRepo := repository.NewOrganizationRepository(db)

	// Initialize RabbitMQ service
	rabbitMQService, err := services.NewRabbitMQService()
	if err != nil {
		logrus.Fatalf("Failed to initialize RabbitMQ: %v", err)
	}
	defer rabbitMQService.Close()
	logrus.Info("RabbitMQ service initialized")

	// Outbound gateways
	sender := gateway.NewRESTWhatsAppSender(getEnv("GATEWAY_BASE_URL", "http://localhost:8081"))
	llm := gateway.NewGeminiProvider()

	// Dispatch workers consume the outbound queues
	dispatchService := services.NewDispatchService(rabbitMQService, sender)
	if err := dispatchService.StartWorkers(); err != nil {
		logrus.Fatalf("Failed to start dispatch workers: %v", err)
	}
	defer dispatchService.StopWorkers()

	// Core services
	campaignService := services.NewCampaignService(campaignRepo, contactRepo)
	engine := services.NewFlowEngineService(
		executionRepo,
		flowRepo,
		campaignService,
		contactRepo,
		organizationRepo,
		jobRepo,
		dispatchService,
		llm,
	)
	messageStatusService := services.NewMessageStatusService(contactRepo, campaignService)
	webhookService := services.NewWebhookService(contactRepo, engine, messageStatusService)

	// Timer scheduler resumes executions waiting on durable delays
	schedulerService := services.NewSchedulerService(jobRepo, engine)
	schedulerService.Start()
	defer schedulerService.Stop()

	// Initialize router
	r := router.SetupRouter(webhookService, engine, campaignService)

	// Configure HTTP server
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: r,
	}

	// Start server in a goroutine
	go func() {
		logrus.Infof("Server starting on port %s", port)
		logrus.Infof("API Health Check: http://localhost:%s/api/v1/health", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Create a deadline for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown the server
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited properly")
}

func configureLogging() {
	logLevel := getEnv("LOG_LEVEL", "info")
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
