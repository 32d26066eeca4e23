package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pquerna/otp/totp"
	"github.com/proxpanel/license-server/internal/config"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/middleware"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/proxpanel/license-server/internal/services"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Failed admin logins are counted per IP for this long
const loginBlockDuration = 15 * time.Minute

type AuthHandler struct {
	cfg    *config.Config
	store  *database.Store
	cache  *database.Cache
	sink   *services.AuditSink
	logger *zap.Logger
}

func NewAuthHandler(cfg *config.Config, store *database.Store, cache *database.Cache, sink *services.AuditSink, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, store: store, cache: cache, sink: sink, logger: logger.Named("auth")}
}

// LoginRequest represents login request body
type LoginRequest struct {
	Username  string `json:"username" validate:"required,max=100"`
	Password  string `json:"password" validate:"required,max=128"`
	TwoFACode string `json:"two_fa_code" validate:"omitempty,numeric,len=6"`
}

// LoginResponse represents login response
type LoginResponse struct {
	Success             bool      `json:"success"`
	Message             string    `json:"message,omitempty"`
	Token               string    `json:"token,omitempty"`
	User                *UserInfo `json:"user,omitempty"`
	Requires2FA         bool      `json:"requires_2fa,omitempty"`
	ForcePasswordChange bool      `json:"force_password_change,omitempty"`
}

// UserInfo represents user info in response
type UserInfo struct {
	ID                  uint            `json:"id"`
	Username            string          `json:"username"`
	FullName            string          `json:"full_name"`
	UserType            models.UserType `json:"user_type"`
	ForcePasswordChange bool            `json:"force_password_change"`
}

func (h *AuthHandler) loginBlocked(c *fiber.Ctx) (bool, time.Duration) {
	if h.cfg.MaxAdminLoginAttempts <= 0 {
		return false, 0
	}
	count, ttl, err := h.cache.Count(c.UserContext(), database.CacheKeyLoginFails+c.IP())
	if err != nil {
		h.logger.Warn("Login attempt lookup failed", zap.Error(err))
		return false, 0
	}
	return count >= int64(h.cfg.MaxAdminLoginAttempts), ttl
}

// recordFailedAttempt returns how many attempts remain before the IP is blocked
func (h *AuthHandler) recordFailedAttempt(c *fiber.Ctx, username, reason string) int {
	count, err := h.cache.Incr(c.UserContext(), database.CacheKeyLoginFails+c.IP(), loginBlockDuration)
	if err != nil {
		h.logger.Warn("Recording failed login failed", zap.Error(err))
	}
	h.sink.Record(models.AuditEvent{
		Type:      models.AuditAdminLoginFailed,
		Category:  models.CategoryAdminAction,
		Severity:  models.SeverityWarning,
		Reason:    reason,
		IPAddress: c.IP(),
		Actor:     username,
	})
	return h.cfg.MaxAdminLoginAttempts - int(count)
}

func (h *AuthHandler) invalidCredentials(c *fiber.Ctx, username, reason, msg string) error {
	if remaining := h.recordFailedAttempt(c, username, reason); remaining > 0 {
		msg += ". " + strconv.Itoa(remaining) + " attempts remaining"
	}
	return c.Status(fiber.StatusUnauthorized).JSON(LoginResponse{
		Success: false,
		Message: msg,
	})
}

// Login handles admin login
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	if blocked, remaining := h.loginBlocked(c); blocked {
		minutes := int(remaining.Minutes()) + 1
		return c.Status(fiber.StatusTooManyRequests).JSON(LoginResponse{
			Success: false,
			Message: "Too many failed login attempts. Please try again in " + strconv.Itoa(minutes) + " minutes",
		})
	}

	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(LoginResponse{
			Success: false,
			Message: "Invalid request body",
		})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(LoginResponse{
			Success: false,
			Message: "Username and password are required",
		})
	}

	ctx := c.UserContext()
	user, err := h.store.Users().FindByUsername(ctx, req.Username)
	if err != nil {
		return h.invalidCredentials(c, req.Username, "unknown_user", "Invalid username or password")
	}

	if !user.IsActive {
		return c.Status(fiber.StatusUnauthorized).JSON(LoginResponse{
			Success: false,
			Message: "Account is disabled",
		})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return h.invalidCredentials(c, req.Username, "bad_password", "Invalid username or password")
	}

	if user.TwoFactorEnabled {
		if req.TwoFACode == "" {
			// Password is correct, but need 2FA code
			return c.JSON(LoginResponse{
				Success:     false,
				Requires2FA: true,
				Message:     "2FA code required",
			})
		}
		if !totp.Validate(req.TwoFACode, user.TwoFactorSecret) {
			return h.invalidCredentials(c, req.Username, "bad_totp", "Invalid 2FA code")
		}
	}

	if err := h.cache.Delete(ctx, database.CacheKeyLoginFails+c.IP()); err != nil {
		h.logger.Warn("Clearing failed logins failed", zap.Error(err))
	}

	token, err := middleware.GenerateToken(user, h.cfg)
	if err != nil {
		h.logger.Error("Token generation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(LoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
	}

	if err := h.store.Users().TouchLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		h.logger.Warn("Updating last login failed", zap.Error(err))
	}

	h.sink.Record(models.AuditEvent{
		Type:      models.AuditAdminLogin,
		Category:  models.CategoryAdminAction,
		Severity:  models.SeverityInfo,
		IPAddress: c.IP(),
		Actor:     user.Username,
		Detail:    map[string]interface{}{"user_agent": c.Get(fiber.HeaderUserAgent)},
	})

	return c.JSON(LoginResponse{
		Success:             true,
		Token:               token,
		ForcePasswordChange: user.ForcePasswordChange,
		User: &UserInfo{
			ID:                  user.ID,
			Username:            user.Username,
			FullName:            user.FullName,
			UserType:            user.UserType,
			ForcePasswordChange: user.ForcePasswordChange,
		},
	})
}

// Logout blacklists the presented admin token until it would have expired
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	token, _ := c.Locals("token").(string)

	if token != "" {
		ttl := time.Until(middleware.GetTokenExpiry(c))
		if err := h.cache.BlacklistToken(c.UserContext(), token, ttl); err != nil {
			h.logger.Error("Token blacklist failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to log out",
			})
		}
	}

	if user != nil {
		h.sink.Record(models.AuditEvent{
			Type:      models.AuditAdminLogout,
			Category:  models.CategoryAdminAction,
			Severity:  models.SeverityInfo,
			IPAddress: c.IP(),
			Actor:     user.Username,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Logged out successfully",
	})
}

// Me returns current user info
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"user": fiber.Map{
			"id":                 user.ID,
			"username":           user.Username,
			"full_name":          user.FullName,
			"user_type":          user.UserType,
			"is_active":          user.IsActive,
			"last_login":         user.LastLogin,
			"created_at":         user.CreatedAt,
			"two_factor_enabled": user.TwoFactorEnabled,
		},
	})
}

// ChangePassword handles password change
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "User not found",
		})
	}

	var req struct {
		CurrentPassword string `json:"current_password" validate:"required"`
		NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
	}
	if handled, err := parseAndValidate(c, &req); handled {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.CurrentPassword)); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Current password is incorrect",
		})
	}

	hashedPassword, err := HashPassword(req.NewPassword)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to hash password",
		})
	}

	// Update password and clear force_password_change flag
	if err := h.store.Users().UpdateFields(c.UserContext(), user.ID, map[string]interface{}{
		"password":              hashedPassword,
		"force_password_change": false,
	}); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update password",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Password changed successfully",
	})
}

// HashPassword hashes a password
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}
