package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/middleware"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/proxpanel/license-server/internal/services"
	"go.uber.org/zap"
)

// CreateKeyRequest is the body of POST /api/admin/keys
type CreateKeyRequest struct {
	LicenseType  string   `json:"license_type" validate:"required,max=50"`
	Features     []string `json:"features" validate:"omitempty,dive,required,max=64"`
	DurationDays int      `json:"duration_days" validate:"required,min=1,max=36500"`
	Note         string   `json:"note" validate:"max=500"`
}

type statusChangeRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type extendRequest struct {
	Days int `json:"days" validate:"required,min=1,max=36500"`
}

// KeyHandler serves license key administration
type KeyHandler struct {
	lifecycle *services.LicenseLifecycle
	sessions  *services.SessionManager
	store     *database.Store
	logger    *zap.Logger
}

func NewKeyHandler(lifecycle *services.LicenseLifecycle, sessions *services.SessionManager, store *database.Store, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{
		lifecycle: lifecycle,
		sessions:  sessions,
		store:     store,
		logger:    logger.Named("key-handler"),
	}
}

func actorFrom(c *fiber.Ctx) services.AdminActor {
	actor := services.AdminActor{IP: c.IP()}
	if user := middleware.GetCurrentUser(c); user != nil {
		actor.Username = user.Username
	}
	return actor
}

// keyView adds derived fields to a license for admin responses. A negative
// activeSessions leaves the count out.
func keyView(lic *models.LicenseKey, activeSessions int64) fiber.Map {
	view := fiber.Map{
		"key":                 lic.Key,
		"hwid":                lic.HWID,
		"used":                lic.Used,
		"status":              lic.Status,
		"effective_status":    lic.EffectiveStatus(time.Now().UTC()),
		"license_type":        lic.LicenseType,
		"features":            lic.Features,
		"expires_at":          lic.ExpiresAt,
		"note":                lic.Note,
		"attempts":            lic.Attempts,
		"last_attempt":        lic.LastAttempt,
		"last_ip":             lic.LastIP,
		"last_attempts_reset": lic.LastAttemptsReset,
		"bound_at":            lic.BoundAt,
		"last_validated_at":   lic.LastValidatedAt,
		"created_at":          lic.CreatedAt,
	}
	if activeSessions >= 0 {
		view["active_sessions"] = activeSessions
	}
	return view
}

func (h *KeyHandler) storeError(c *fiber.Ctx, err error, action string) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "License key not found",
		})
	case errors.Is(err, services.ErrInvalidStatus):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "License key is already active",
		})
	case errors.Is(err, services.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request",
		})
	}
	h.logger.Error("Admin key action failed", zap.String("action", action), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"message": "Failed to " + action,
	})
}

// Create handles POST /api/admin/keys
func (h *KeyHandler) Create(c *fiber.Ctx) error {
	var req CreateKeyRequest
	if handled, err := parseAndValidate(c, &req); handled {
		return err
	}

	lic, err := h.lifecycle.CreateKey(c.UserContext(), services.CreateKeyInput{
		LicenseType:  req.LicenseType,
		Features:     req.Features,
		DurationDays: req.DurationDays,
		Note:         req.Note,
	}, actorFrom(c))
	if err != nil {
		return h.storeError(c, err, "create license key")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "License key created",
		"data":    keyView(lic, 0),
	})
}

// List handles GET /api/admin/keys
func (h *KeyHandler) List(c *fiber.Ctx) error {
	filter := database.LicenseFilter{
		Status: models.LicenseStatus(c.Query("status")),
		HWID:   c.Query("hwid"),
		Search: c.Query("search"),
		Page:   c.QueryInt("page", 1),
		Limit:  c.QueryInt("limit", 50),
	}

	keys, total, err := h.store.Licenses().List(c.UserContext(), filter)
	if err != nil {
		return h.storeError(c, err, "list license keys")
	}

	data := make([]fiber.Map, 0, len(keys))
	for i := range keys {
		data = append(data, keyView(&keys[i], -1))
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
		"meta": fiber.Map{
			"total": total,
			"page":  filter.Page,
			"limit": filter.Limit,
		},
	})
}

// Get handles GET /api/admin/keys/:key
func (h *KeyHandler) Get(c *fiber.Ctx) error {
	ctx := c.UserContext()
	lic, err := h.store.Licenses().FindByKey(ctx, c.Params("key"))
	if err != nil {
		return h.storeError(c, err, "load license key")
	}
	active, err := h.store.Sessions().CountActive(ctx, lic.Key)
	if err != nil {
		return h.storeError(c, err, "count sessions")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    keyView(lic, active),
	})
}

// Ban handles POST /api/admin/keys/:key/ban
func (h *KeyHandler) Ban(c *fiber.Ctx) error {
	return h.restrict(c, "ban", h.lifecycle.Ban)
}

// Suspend handles POST /api/admin/keys/:key/suspend
func (h *KeyHandler) Suspend(c *fiber.Ctx) error {
	return h.restrict(c, "suspend", h.lifecycle.Suspend)
}

type restrictFunc func(ctx context.Context, key, reason string, actor services.AdminActor) (*models.LicenseKey, []models.Session, error)

func (h *KeyHandler) restrict(c *fiber.Ctx, action string, fn restrictFunc) error {
	var req statusChangeRequest
	if len(c.Body()) > 0 {
		if handled, err := parseAndValidate(c, &req); handled {
			return err
		}
	}

	lic, revoked, err := fn(c.UserContext(), c.Params("key"), req.Reason, actorFrom(c))
	if err != nil {
		return h.storeError(c, err, action+" license key")
	}

	return c.JSON(fiber.Map{
		"success":          true,
		"message":          "License key status set to " + string(lic.Status),
		"data":             keyView(lic, 0),
		"revoked_sessions": len(revoked),
	})
}

// Reactivate handles POST /api/admin/keys/:key/reactivate
func (h *KeyHandler) Reactivate(c *fiber.Ctx) error {
	lic, err := h.lifecycle.Reactivate(c.UserContext(), c.Params("key"), actorFrom(c))
	if err != nil {
		return h.storeError(c, err, "reactivate license key")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "License key reactivated",
		"data":    keyView(lic, 0),
	})
}

// ResetHWID handles POST /api/admin/keys/:key/reset-hwid
func (h *KeyHandler) ResetHWID(c *fiber.Ctx) error {
	lic, revoked, err := h.lifecycle.ResetHWID(c.UserContext(), c.Params("key"), actorFrom(c))
	if err != nil {
		return h.storeError(c, err, "reset hardware binding")
	}
	return c.JSON(fiber.Map{
		"success":          true,
		"message":          "Hardware binding cleared",
		"data":             keyView(lic, 0),
		"revoked_sessions": len(revoked),
	})
}

// Extend handles POST /api/admin/keys/:key/extend
func (h *KeyHandler) Extend(c *fiber.Ctx) error {
	var req extendRequest
	if handled, err := parseAndValidate(c, &req); handled {
		return err
	}

	lic, err := h.lifecycle.Extend(c.UserContext(), c.Params("key"), req.Days, actorFrom(c))
	if err != nil {
		return h.storeError(c, err, "extend license key")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "License key extended",
		"data":    keyView(lic, -1),
	})
}

// Sessions handles GET /api/admin/keys/:key/sessions
func (h *KeyHandler) Sessions(c *fiber.Ctx) error {
	sessions, err := h.store.Sessions().ListByLicense(c.UserContext(), c.Params("key"))
	if err != nil {
		return h.storeError(c, err, "list sessions")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    sessions,
	})
}

// RevokeSession handles POST /api/admin/sessions/:id/revoke
func (h *KeyHandler) RevokeSession(c *fiber.Ctx) error {
	actor := actorFrom(c)
	sess, err := h.sessions.Revoke(c.UserContext(), c.Params("id"), "admin_revoke", actor.Username, actor.IP)
	if errors.Is(err, database.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Session not found",
		})
	}
	if err != nil {
		return h.storeError(c, err, "revoke session")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Session revoked",
		"data":    sess,
	})
}
