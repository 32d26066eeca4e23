package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/middleware"
	"github.com/proxpanel/license-server/internal/services"
	"go.uber.org/zap"
)

// CheckSessionRequest is the body of POST /api/v1/session/check
type CheckSessionRequest struct {
	SessionToken string `json:"sessionToken" validate:"required"`
	HWID         string `json:"hwid" validate:"required,min=10,max=128"`
}

// CheckSessionResponse is the body returned by the check endpoint
type CheckSessionResponse struct {
	Valid        bool       `json:"valid"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// SessionHandler serves session checks, logout and session info
type SessionHandler struct {
	sessions *services.SessionManager
	store    *database.Store
	logger   *zap.Logger
}

func NewSessionHandler(sessions *services.SessionManager, store *database.Store, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, store: store, logger: logger.Named("session-handler")}
}

// Check handles POST /api/v1/session/check
func (h *SessionHandler) Check(c *fiber.Ctx) error {
	var req CheckSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(CheckSessionResponse{Reason: services.ReasonInvalidRequest})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(CheckSessionResponse{Reason: services.ReasonInvalidRequest})
	}

	check := h.sessions.Check(c.UserContext(), req.SessionToken, req.HWID, c.IP())
	if !check.Valid {
		status := fiber.StatusOK
		if check.Reason == services.ReasonServerError {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(CheckSessionResponse{Reason: check.Reason})
	}

	return c.JSON(CheckSessionResponse{
		Valid:        true,
		ExpiresAt:    &check.Session.ExpiresAt,
		LastActivity: &check.Session.LastActivity,
	})
}

// Logout handles POST /api/v1/session/logout
func (h *SessionHandler) Logout(c *fiber.Ctx) error {
	token, ok := middleware.BearerToken(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"reason":  services.ReasonTokenInvalid,
			"message": "Missing or invalid authorization header",
		})
	}

	sess, err := h.sessions.Logout(c.UserContext(), token, c.IP())
	if errors.Is(err, services.ErrTokenInvalid) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"reason":  services.ReasonTokenInvalid,
			"message": reasonMessage(services.ReasonTokenInvalid),
		})
	}
	if err != nil {
		h.logger.Error("Logout failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"reason":  services.ReasonServerError,
			"message": reasonMessage(services.ReasonServerError),
		})
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"message":   "Logged out successfully",
		"revokedAt": sess.RevokedAt,
	})
}

// Me handles GET /api/v1/session/me behind SessionRequired
func (h *SessionHandler) Me(c *fiber.Ctx) error {
	sess := middleware.GetSession(c)
	claims := middleware.GetSessionClaims(c)
	if sess == nil || claims == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"reason":  services.ReasonSessionInvalid,
		})
	}

	lic, err := h.store.Licenses().FindByKey(c.UserContext(), sess.LicenseKey)
	if err != nil {
		h.logger.Error("License lookup failed", zap.String("license_key", sess.LicenseKey), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"reason":  services.ReasonServerError,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"sessionId":     sess.ID,
			"licenseKey":    sess.LicenseKey,
			"hwid":          sess.HWID,
			"licenseType":   claims.LicenseType,
			"features":      claims.Features,
			"sessionExpiry": sess.ExpiresAt,
			"licenseExpiry": lic.ExpiresAt,
			"licenseStatus": lic.EffectiveStatus(time.Now().UTC()),
			"lastActivity":  sess.LastActivity,
		},
	})
}
