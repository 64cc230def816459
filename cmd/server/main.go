package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/database"
	"github.com/nibog/payments-backend/internal/handlers"
	"github.com/nibog/payments-backend/internal/middleware"
	"github.com/nibog/payments-backend/internal/services"
	"github.com/nibog/payments-backend/pkg/fetcher"
	"github.com/nibog/payments-backend/pkg/jwt"
	"github.com/nibog/payments-backend/pkg/phonepe"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting NIBOG Payments Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	// Test database connection
	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}

	// Initialize the PhonePe gateway client. Construction fails closed
	// when credentials and endpoints disagree with the environment.
	logger.Infof("Configuring PhonePe gateway (%s)...", cfg.PhonePe.Environment)
	httpFetcher := fetcher.New(logger)

	salts := []phonepe.Salt{{Key: cfg.PhonePe.SaltKey, Index: cfg.PhonePe.SaltIndex}}
	if cfg.PhonePe.PreviousSaltKey != "" {
		salts = append(salts, phonepe.Salt{Key: cfg.PhonePe.PreviousSaltKey, Index: cfg.PhonePe.PreviousSaltIndex})
	}
	gateway, err := phonepe.NewClient(phonepe.Config{
		Environment: cfg.PhonePe.Environment,
		MerchantID:  cfg.PhonePe.MerchantID,
		Salts:       salts,
		PayURL:      cfg.PhonePe.PayURL,
		StatusURL:   cfg.PhonePe.StatusURL,
	}, httpFetcher, logger)
	if err != nil {
		logger.Fatalf("PhonePe gateway configuration rejected: %v", err)
	}
	logger.Infof("✓ PhonePe gateway ready - Merchant: %s", cfg.PhonePe.MerchantID)

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(
		cfg.JWT.Secret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessTokenExpiry,
		cfg.JWT.RefreshTokenExpiry,
	)
	pendingRepo := database.NewPendingTransactionRepository(db.DB, logger)
	auditRepo := database.NewPaymentAuditRepository(db.DB, logger)
	bookingAPI := services.NewBookingAPIService(
		cfg.BookingAPI.CreateURL,
		cfg.BookingAPI.CreateFallbackURL,
		cfg.BookingAPI.PaymentsURL,
		httpFetcher,
		logger,
	)
	notifier := services.NewNotificationService(
		cfg.Notifications.ConfirmationWebhookURL,
		cfg.Notifications.ReceiptEmailURL,
		cfg.Notifications.OpsAlertURL,
		httpFetcher,
		logger,
	)
	finalizer := services.NewFinalizerService(
		pendingRepo,
		gateway,
		bookingAPI,
		auditRepo,
		notifier,
		logger,
		cfg.PhonePe.RedirectURL,
		cfg.PhonePe.CallbackURL,
		cfg.PhonePe.PendingTTL,
	)

	// Start the background expiry sweeper
	expiryService := services.NewPendingExpiryService(pendingRepo, auditRepo, logger)
	expiryService.Start()

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(finalizer, auditRepo, logger)

	// Initialize Gin router
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		payments := v1.Group("/payments")
		{
			payments.POST("/initiate", middleware.AuthMiddleware(jwtService), paymentHandler.InitiatePayment)
			// Server-to-server webhook; authenticated by its X-VERIFY
			// checksum rather than a bearer token
			payments.POST("/callback", paymentHandler.HandleCallback)
			payments.GET("/status/:transaction_id", middleware.AuthMiddleware(jwtService), paymentHandler.CheckStatus)

			// Admin reconciliation surface
			admin := payments.Group("", middleware.AuthMiddleware(jwtService), middleware.RequireRole("admin"))
			admin.GET("/audit/:transaction_id", paymentHandler.GetAuditTrail)
			admin.GET("/reconciliation/mismatches", paymentHandler.GetAmountMismatches)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop the expiry sweeper
	expiryService.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited successfully")
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"ip":         c.ClientIP(),
			"latency_ms": latency.Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		}

		// Record auth presence, never the token itself
		if c.GetHeader("Authorization") != "" {
			fields["has_auth"] = true
		} else {
			fields["has_auth"] = false
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
		} else {
			status := c.Writer.Status()
			if status >= 500 {
				entry.Error("Request completed with server error")
			} else if status >= 400 {
				entry.Warn("Request completed with client error")
			} else {
				entry.Info("Request completed successfully")
			}
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		dbStatus := "healthy"
		if err := db.Ping(); err != nil {
			dbStatus = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": dbStatus,
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  dbStatus,
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
