package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxpanel/license-server/internal/config"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/middleware"
	"github.com/proxpanel/license-server/internal/services"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// Deps are the shared services the HTTP layer is built from
type Deps struct {
	Config    *config.Config
	Store     *database.Store
	Cache     *database.Cache
	Sink      *services.AuditSink
	Sessions  *services.SessionManager
	Lifecycle *services.LicenseLifecycle
	Logger    *zap.Logger
}

// errorHandler answers unhandled errors. Server-side failures get a generic
// message; the cause only goes to the log.
func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
		}
		if code < fiber.StatusInternalServerError {
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		}
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"reason":  services.ReasonServerError,
			"message": "Internal server error",
		})
	}
}

// NewApp builds the fiber app with every route mounted
func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "License Server",
		ServerHeader: "License-Server",
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: errorHandler(d.Logger),
	})

	app.Use(middleware.Recovery(d.Logger))
	app.Use(middleware.Logger(d.Logger))
	app.Use(middleware.CORS())

	app.Get("/health", health(d))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	licenseHandler := NewLicenseHandler(d.Lifecycle, d.Config.TimestampSkew)
	sessionHandler := NewSessionHandler(d.Sessions, d.Store, d.Logger)
	authHandler := NewAuthHandler(d.Config, d.Store, d.Cache, d.Sink, d.Logger)
	twoFAHandler := NewTwoFAHandler(d.Store, d.Logger)
	keyHandler := NewKeyHandler(d.Lifecycle, d.Sessions, d.Store, d.Logger)
	auditHandler := NewAuditHandler(d.Store, d.Cache, d.Logger)

	// Client API
	v1 := app.Group("/api/v1")
	v1.Post("/license/validate", licenseHandler.Validate)
	v1.Post("/session/check", sessionHandler.Check)
	v1.Post("/session/logout", sessionHandler.Logout)
	v1.Get("/session/me", middleware.SessionRequired(d.Sessions), sessionHandler.Me)

	// Admin API
	admin := app.Group("/api/admin")
	admin.Post("/auth/login", authHandler.Login)

	protected := admin.Group("", middleware.AuthRequired(d.Config, d.Store, d.Cache, d.Logger))
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/auth/change-password", authHandler.ChangePassword)

	twoFA := protected.Group("/auth/2fa")
	twoFA.Get("/status", twoFAHandler.Status)
	twoFA.Post("/setup", twoFAHandler.Setup)
	twoFA.Post("/verify", twoFAHandler.Verify)
	twoFA.Post("/disable", twoFAHandler.Disable)

	keys := protected.Group("/keys")
	keys.Get("", keyHandler.List)
	keys.Get("/:key", keyHandler.Get)
	keys.Get("/:key/sessions", keyHandler.Sessions)
	keys.Post("", middleware.AdminOnly(), keyHandler.Create)
	keys.Post("/:key/ban", middleware.AdminOnly(), keyHandler.Ban)
	keys.Post("/:key/suspend", middleware.AdminOnly(), keyHandler.Suspend)
	keys.Post("/:key/reactivate", middleware.AdminOnly(), keyHandler.Reactivate)
	keys.Post("/:key/reset-hwid", middleware.AdminOnly(), keyHandler.ResetHWID)
	keys.Post("/:key/extend", middleware.AdminOnly(), keyHandler.Extend)

	protected.Post("/sessions/:id/revoke", middleware.AdminOnly(), keyHandler.RevokeSession)

	audit := protected.Group("/audit", middleware.AdminOnly())
	audit.Get("", auditHandler.List)
	audit.Get("/stats", auditHandler.Stats)

	return app
}

// health reports unhealthy when the database or Redis does not answer in time
func health(d Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()

		checks := fiber.Map{"database": "ok", "redis": "ok"}
		healthy := true
		if err := d.Store.Ping(ctx); err != nil {
			d.Logger.Warn("Health check: database unreachable", zap.Error(err))
			checks["database"] = "unreachable"
			healthy = false
		}
		if err := d.Cache.Ping(ctx); err != nil {
			d.Logger.Warn("Health check: redis unreachable", zap.Error(err))
			checks["redis"] = "unreachable"
			healthy = false
		}

		status := "healthy"
		code := fiber.StatusOK
		if !healthy {
			status = "unhealthy"
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":  status,
			"service": "license-server",
			"checks":  checks,
		})
	}
}
