package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/proxpanel/license-server/internal/services"
)

// ValidateRequest is the body of POST /api/v1/license/validate
type ValidateRequest struct {
	Key           string    `json:"key" validate:"required,licensekey"`
	HWID          string    `json:"hwid" validate:"required,min=10,max=128"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
	FromStoredKey bool      `json:"fromStoredKey"`
	ClientVersion string    `json:"clientVersion" validate:"max=50"`
}

// KeyStatus is the entitlement block of a successful validation
type KeyStatus struct {
	Type       string    `json:"type"`
	Features   []string  `json:"features"`
	ValidUntil time.Time `json:"validUntil"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ValidateResponse is the body returned by the validate endpoint
type ValidateResponse struct {
	Success       bool       `json:"success"`
	Reason        string     `json:"reason,omitempty"`
	Message       string     `json:"message,omitempty"`
	SessionToken  string     `json:"sessionToken,omitempty"`
	SessionExpiry *time.Time `json:"sessionExpiry,omitempty"`
	LicenseExpiry *time.Time `json:"licenseExpiry,omitempty"`
	KeyStatus     *KeyStatus `json:"keyStatus,omitempty"`
	RetryAfter    int        `json:"retryAfter,omitempty"`
}

// LicenseHandler serves key validation for client applications
type LicenseHandler struct {
	lifecycle *services.LicenseLifecycle
	skew      time.Duration
	now       func() time.Time
}

func NewLicenseHandler(lifecycle *services.LicenseLifecycle, skew time.Duration) *LicenseHandler {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &LicenseHandler{lifecycle: lifecycle, skew: skew, now: time.Now}
}

// Validate handles POST /api/v1/license/validate
func (h *LicenseHandler) Validate(c *fiber.Ctx) error {
	var req ValidateRequest
	if handled, err := parseAndValidate(c, &req); handled {
		return err
	}

	drift := h.now().Sub(req.Timestamp)
	if drift > h.skew || drift < -h.skew {
		return c.Status(fiber.StatusBadRequest).JSON(ValidateResponse{
			Reason:  services.ReasonInvalidRequest,
			Message: "Timestamp outside the allowed clock skew",
		})
	}

	res := h.lifecycle.Validate(c.UserContext(), services.ValidateRequest{
		Key:           req.Key,
		HWID:          req.HWID,
		FromStoredKey: req.FromStoredKey,
		Client: services.ClientMeta{
			IP:            c.IP(),
			UserAgent:     c.Get(fiber.HeaderUserAgent),
			ClientVersion: req.ClientVersion,
		},
	})

	if !res.Success {
		resp := ValidateResponse{Reason: res.Reason, Message: reasonMessage(res.Reason)}
		if res.RetryAfter > 0 {
			resp.RetryAfter = int(res.RetryAfter.Seconds())
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(resp.RetryAfter))
		}
		return c.Status(reasonStatus(res.Reason)).JSON(resp)
	}

	lic := res.License
	return c.JSON(ValidateResponse{
		Success:       true,
		SessionToken:  res.Session.Token,
		SessionExpiry: &res.Session.ExpiresAt,
		LicenseExpiry: &lic.ExpiresAt,
		KeyStatus: &KeyStatus{
			Type:       lic.LicenseType,
			Features:   append([]string{}, lic.Features...),
			ValidUntil: lic.ExpiresAt,
			CreatedAt:  lic.CreatedAt,
		},
	})
}

func reasonStatus(reason string) int {
	switch reason {
	case services.ReasonNotFound:
		return fiber.StatusNotFound
	case services.ReasonBanned, services.ReasonSuspended, services.ReasonExpired, services.ReasonHWIDMismatch:
		return fiber.StatusForbidden
	case services.ReasonRateLimitExceeded:
		return fiber.StatusTooManyRequests
	case services.ReasonTokenInvalid, services.ReasonSessionInvalid:
		return fiber.StatusUnauthorized
	case services.ReasonInvalidRequest:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusServiceUnavailable
	}
}

func reasonMessage(reason string) string {
	switch reason {
	case services.ReasonNotFound:
		return "License key not found"
	case services.ReasonBanned:
		return "License key has been banned"
	case services.ReasonSuspended:
		return "License key is suspended"
	case services.ReasonExpired:
		return "License key has expired"
	case services.ReasonHWIDMismatch:
		return "License key is bound to another machine"
	case services.ReasonRateLimitExceeded:
		return "Too many requests, try again later"
	case services.ReasonTokenInvalid:
		return "Session token is invalid or expired"
	case services.ReasonSessionInvalid:
		return "Session is no longer valid"
	default:
		return "Service temporarily unavailable"
	}
}
