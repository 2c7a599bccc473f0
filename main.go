package main

import (
	"context"
	"log"
	"os"
	"time"

	"cadence/config"
	"cadence/engine"
	"cadence/executor"
	"cadence/middleware"
	"cadence/routes"
	"cadence/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "CADENCE: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Sentry for audit-gap and execution alerts
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Failed to initialize Sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Optional Redis cache for sequence definitions
	var cache *redis.Client
	if config.AppConfig.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
	}

	// External collaborators
	crm := engine.NewCRMClient(
		config.AppConfig.CRMBaseURL,
		config.AppConfig.CRMAPIKey,
		config.AppConfig.ExecutorTimeout(),
	)
	tasks := executor.NewTaskServiceClient(
		config.AppConfig.TaskServiceURL,
		config.AppConfig.TaskAPIKey,
		config.AppConfig.ExecutorTimeout(),
	)
	smtp := executor.NewSMTPSender(
		config.AppConfig.SMTP.Host,
		config.AppConfig.SMTP.Port,
		config.AppConfig.SMTP.Username,
		config.AppConfig.SMTP.Password,
		config.AppConfig.SMTP.FromEmail,
		config.AppConfig.SMTP.FromName,
	)

	// Engine services
	catalog := engine.NewCatalog(config.DB, log.New(os.Stdout, "CATALOG: ", log.LstdFlags), cache,
		time.Duration(config.AppConfig.CatalogCacheTTLSecs)*time.Second)
	manager := engine.NewEnrollmentManager(config.DB, log.New(os.Stdout, "ENROLLMENT: ", log.LstdFlags), catalog, crm)
	execLog := engine.NewExecutionLogger(config.DB, log.New(os.Stdout, "EXECLOG: ", log.LstdFlags))

	// Executor registry
	executorLogger := log.New(os.Stdout, "EXECUTOR: ", log.LstdFlags)
	registry := executor.NewRegistry()
	registry.Register("email", executor.NewEmailExecutor(config.DB, crm, smtp, executorLogger))
	registry.Register("task", executor.NewTaskExecutor(tasks, executorLogger))
	registry.Register("wait", executor.NewWaitExecutor())

	// Dispatch workers share the store; the per-row claim keeps them honest
	hub := worker.NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < config.AppConfig.DispatcherWorkers; i++ {
		dispatcher := worker.NewDispatcher(config.DB, catalog, registry, execLog, crm,
			log.New(os.Stdout, "DISPATCH: ", log.LstdFlags))
		dispatcher.ApplyConfig(
			config.AppConfig.TickInterval(),
			config.AppConfig.ClaimTimeout(),
			config.AppConfig.TransientBackoff(),
			config.AppConfig.ExecutorTimeout(),
		)
		dispatcher.Events = hub
		go dispatcher.Start(ctx)
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Setup routes
	routes.SetupRoutes(app, config.DB, catalog, manager, execLog, hub)

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
