package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxpanel/license-server/internal/config"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/handlers"
	"github.com/proxpanel/license-server/internal/logging"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/proxpanel/license-server/internal/services"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Connect to database and Redis
	if err := database.Connect(cfg); err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	secret, err := database.EnsureSessionSecret(database.DB, cfg.SessionSecret)
	if err != nil {
		logger.Fatal("Failed to load session signing secret", zap.Error(err))
	}

	store := database.NewStore(database.DB)
	cache := database.NewCache(database.Redis)

	// Seed admin user if not exists
	seedAdminUser(store, cfg, logger)

	// Audit pipeline; the suspicion detector watches every written event
	sink := services.NewAuditSink(store, logger, cfg.AuditBuffer)
	detector := services.NewSuspicionDetector(store, database.Redis, sink, services.SuspicionPolicy{
		Threshold: cfg.SuspiciousThreshold,
		Window:    cfg.SuspiciousWindow,
		Policy:    cfg.SuspiciousPolicy,
	}, logger)
	sink.OnWrite(detector.Observe)
	sink.Start()

	limiter := services.NewRateLimiter(database.Redis, cfg.RateLimitRequests, cfg.RateLimitWindow)
	governor := services.NewAttemptGovernor(store, limiter, detector, cfg.MaxKeyAttemptsPerDay, logger)
	sessions := services.NewSessionManager(store, sink, secret, cfg.SessionDuration, cfg.SessionLookupTimeout, logger)
	lifecycle := services.NewLicenseLifecycle(store, governor, sessions, sink, logger)

	// Mark lapsed sessions expired
	sweeper := services.NewSessionSweeper(store, sink, cfg.SessionSweepInterval, logger)
	sweeper.Start()

	// Daily audit retention, archiving to FTP when configured
	var archive services.ArchiveUploader
	if ftpArchive := services.NewFTPArchive(cfg); ftpArchive != nil {
		archive = ftpArchive
	}
	retention := services.NewAuditRetention(store, archive, cfg.AuditRetentionDays, logger)
	retention.Start()

	app := handlers.NewApp(handlers.Deps{
		Config:    cfg,
		Store:     store,
		Cache:     cache,
		Sink:      sink,
		Sessions:  sessions,
		Lifecycle: lifecycle,
		Logger:    logger,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Warn("Server shutdown incomplete", zap.Error(err))
		}
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	logger.Info("Starting license server", zap.String("addr", addr), zap.String("environment", cfg.Environment))
	if err := app.Listen(addr); err != nil {
		logger.Error("Server stopped", zap.Error(err))
	}

	sweeper.Stop()
	retention.Stop()
	sink.Stop()
}

func seedAdminUser(store *database.Store, cfg *config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := store.Users().CountAdmins(ctx)
	if err != nil {
		logger.Error("Failed to count admin users", zap.Error(err))
		return
	}
	if count > 0 {
		return
	}

	logger.Info("Creating default admin user...")

	password := cfg.AdminPassword
	generated := password == ""
	if generated {
		buf := make([]byte, 9)
		if _, err := rand.Read(buf); err != nil {
			logger.Error("Failed to generate admin password", zap.Error(err))
			return
		}
		password = hex.EncodeToString(buf)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logger.Error("Failed to hash admin password", zap.Error(err))
		return
	}

	admin := models.User{
		Username:            cfg.AdminUsername,
		Password:            string(hashedPassword),
		FullName:            "System Administrator",
		UserType:            models.UserTypeAdmin,
		ForcePasswordChange: generated,
		IsActive:            true,
	}
	if err := store.Users().Create(ctx, &admin); err != nil {
		logger.Error("Failed to create admin user", zap.Error(err))
		return
	}

	if generated {
		logger.Warn("Admin user created with a generated password; change it on first login",
			zap.String("username", admin.Username), zap.String("password", password))
	} else {
		logger.Info("Admin user created", zap.String("username", admin.Username))
	}
}
