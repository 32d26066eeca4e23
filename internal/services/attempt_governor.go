package services

import (
	"context"
	"time"

	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/metrics"
	"github.com/proxpanel/license-server/internal/models"
	"go.uber.org/zap"
)

const (
	attemptWindow     = 24 * time.Hour
	attemptCASRetries = 3
)

// MaybeReset applies the lazy daily window. Once a full day has passed since
// lastReset the count drops to zero and the window restarts at now.
func MaybeReset(now, lastReset time.Time, count int) (int, time.Time, bool) {
	if now.Sub(lastReset) >= attemptWindow {
		return 0, now, true
	}
	return count, lastReset, false
}

// Admission is the IP-level verdict taken before any key state is read
type Admission struct {
	Allowed    bool
	Cause      string // "blocked" or "rate_limit"
	RetryAfter time.Duration
}

// AttemptGovernor bounds validation guesses per key and per caller IP
type AttemptGovernor struct {
	store     *database.Store
	limiter   *RateLimiter
	detector  *SuspicionDetector
	maxPerDay int
	logger    *zap.Logger
}

func NewAttemptGovernor(store *database.Store, limiter *RateLimiter, detector *SuspicionDetector, maxPerDay int, logger *zap.Logger) *AttemptGovernor {
	return &AttemptGovernor{
		store:     store,
		limiter:   limiter,
		detector:  detector,
		maxPerDay: maxPerDay,
		logger:    logger.Named("governor"),
	}
}

// Admit checks the suspicious-IP block and the sliding-window rate limit.
// Redis trouble lets the request through; these controls are best effort.
func (g *AttemptGovernor) Admit(ctx context.Context, ip string) Admission {
	if g.detector != nil {
		blocked, err := g.detector.IsBlocked(ctx, ip)
		if err != nil {
			g.logger.Warn("Block lookup failed", zap.String("ip", ip), zap.Error(err))
		} else if blocked {
			metrics.RateLimitedTotal.WithLabelValues("blocked").Inc()
			return Admission{Cause: "blocked", RetryAfter: g.detector.policy.Window}
		}
	}

	if g.limiter != nil {
		allowed, retryAfter, err := g.limiter.Allow(ctx, ip)
		if err != nil {
			g.logger.Warn("Rate limiter unavailable", zap.String("ip", ip), zap.Error(err))
			return Admission{Allowed: true}
		}
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues("rate_limit").Inc()
			return Admission{Cause: "rate_limit", RetryAfter: retryAfter}
		}
	}
	return Admission{Allowed: true}
}

// RecordAttempt updates the attempt counter of lic in place. A stored-key
// replay only refreshes lastAttempt and lastIP. Lost compare-and-set races are
// retried a few times against a fresh read, then given up on.
func (g *AttemptGovernor) RecordAttempt(ctx context.Context, lic *models.LicenseKey, ip string, fromStoredKey bool, now time.Time) {
	for i := 0; i < attemptCASRetries; i++ {
		upd := database.AttemptUpdate{
			AttemptAt: now,
			IP:        ip,
		}
		if !fromStoredKey {
			count, resetAt, reset := MaybeReset(now, lic.AttemptsResetAnchor(), lic.Attempts)
			upd.Attempts = count + 1
			upd.Counted = true
			if reset {
				upd.ResetAt = &resetAt
			}
		}

		ok, err := g.store.Licenses().RecordAttempt(ctx, lic.Key, lic.Version, upd)
		if err != nil {
			g.logger.Warn("Attempt counter update failed", zap.String("license_key", lic.Key), zap.Error(err))
			return
		}
		if ok {
			lic.Version++
			lic.LastAttempt = &upd.AttemptAt
			lic.LastIP = ip
			if upd.Counted {
				lic.Attempts = upd.Attempts
			}
			if upd.ResetAt != nil {
				lic.LastAttemptsReset = upd.ResetAt
			}
			return
		}

		fresh, err := g.store.Licenses().FindByKey(ctx, lic.Key)
		if err != nil {
			g.logger.Warn("Attempt counter reload failed", zap.String("license_key", lic.Key), zap.Error(err))
			return
		}
		*lic = *fresh
	}
	g.logger.Warn("Attempt counter contended, update skipped", zap.String("license_key", lic.Key))
}

// OverDailyCap reports whether the per-key cap rejects this attempt. A cap of
// zero disables it and stored-key replays are never capped.
func (g *AttemptGovernor) OverDailyCap(lic *models.LicenseKey, fromStoredKey bool) bool {
	return g.maxPerDay > 0 && !fromStoredKey && lic.Attempts > g.maxPerDay
}
