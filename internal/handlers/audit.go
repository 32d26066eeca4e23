package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/models"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

type AuditHandler struct {
	store  *database.Store
	cache  *database.Cache
	logger *zap.Logger
}

func NewAuditHandler(store *database.Store, cache *database.Cache, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{store: store, cache: cache, logger: logger.Named("audit-handler")}
}

// List returns audit events
func (h *AuditHandler) List(c *fiber.Ctx) error {
	filter := database.AuditFilter{
		Type:       models.AuditEventType(c.Query("type")),
		Category:   models.AuditCategory(c.Query("category")),
		Severity:   models.AuditSeverity(c.Query("severity")),
		IPAddress:  c.Query("ip"),
		LicenseKey: c.Query("key"),
		Page:       c.QueryInt("page", 1),
		Limit:      c.QueryInt("limit", 50),
	}

	if from := c.Query("date_from"); from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "date_from must be YYYY-MM-DD",
			})
		}
		filter.From = &t
	}
	if to := c.Query("date_to"); to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "date_to must be YYYY-MM-DD",
			})
		}
		// Include the whole day
		end := t.Add(24*time.Hour - time.Nanosecond)
		filter.To = &end
	}

	events, total, err := h.store.Audit().List(c.UserContext(), filter)
	if err != nil {
		h.logger.Error("Listing audit events failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to list audit events",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    events,
		"meta": fiber.Map{
			"total": total,
			"page":  c.QueryInt("page", 1),
			"limit": len(events),
		},
	})
}

// Stats returns event counts by type for the trailing period (default 24h)
func (h *AuditHandler) Stats(c *fiber.Ctx) error {
	hours := c.QueryInt("hours", 24)
	if hours < 1 || hours > 24*90 {
		hours = 24
	}
	ctx := c.UserContext()
	cacheKey := database.CacheKeyAuditStats + c.Query("hours", "24")

	var stats []database.TypeCount
	if hit, err := h.cache.Get(ctx, cacheKey, &stats); err == nil && hit {
		return c.JSON(fiber.Map{"success": true, "data": stats, "cached": true})
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats, err := h.store.Audit().CountByType(ctx, since)
	if err != nil {
		h.logger.Error("Audit stats failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load audit statistics",
		})
	}

	if err := h.cache.Set(ctx, cacheKey, stats, database.CacheTTLAuditStats); err != nil {
		h.logger.Warn("Caching audit stats failed", zap.Error(err))
	}

	return c.JSON(fiber.Map{"success": true, "data": stats})
}
