package services

import (
	"context"
	"errors"
	"time"

	"github.com/proxpanel/license-server/internal/config"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/metrics"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	suspiciousAlertPrefix = "license:suspicious:alerted:"
	suspiciousBlockPrefix = "license:suspicious:blocked:"
)

// SuspicionPolicy configures the detector
type SuspicionPolicy struct {
	Threshold int
	Window    time.Duration
	Policy    string // config.PolicyBlock or config.PolicyLog
}

// SuspicionDetector counts audited failures per IP over a trailing window and
// raises one suspicious_activity alert per IP per window once the count goes
// above the threshold. Under the block policy the IP is also refused until the
// window passes.
type SuspicionDetector struct {
	store  *database.Store
	rdb    *redis.Client
	sink   *AuditSink
	policy SuspicionPolicy
	logger *zap.Logger
	now    func() time.Time
}

func NewSuspicionDetector(store *database.Store, rdb *redis.Client, sink *AuditSink, policy SuspicionPolicy, logger *zap.Logger) *SuspicionDetector {
	if policy.Window <= 0 {
		policy.Window = time.Hour
	}
	return &SuspicionDetector{
		store:  store,
		rdb:    rdb,
		sink:   sink,
		policy: policy,
		logger: logger.Named("suspicion"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Observe is registered as an AuditSink hook
func (d *SuspicionDetector) Observe(ctx context.Context, evt *models.AuditEvent) {
	if d.policy.Threshold <= 0 || evt.IPAddress == "" || !isCountedFailure(evt) {
		return
	}

	since := d.now().Add(-d.policy.Window)
	count, err := d.store.Audit().CountByIP(ctx, evt.IPAddress, models.FailureEventTypes, since)
	if err != nil {
		d.logger.Warn("Failure count lookup failed", zap.String("ip", evt.IPAddress), zap.Error(err))
		return
	}
	if count <= int64(d.policy.Threshold) {
		return
	}

	first, err := d.rdb.SetNX(ctx, suspiciousAlertPrefix+evt.IPAddress, count, d.policy.Window).Result()
	if err != nil {
		d.logger.Warn("Suspicious alert dedupe failed", zap.String("ip", evt.IPAddress), zap.Error(err))
		return
	}
	if !first {
		return
	}

	blocked := d.policy.Policy == config.PolicyBlock
	if blocked {
		if err := d.rdb.Set(ctx, suspiciousBlockPrefix+evt.IPAddress, count, d.policy.Window).Err(); err != nil {
			d.logger.Warn("Suspicious IP block failed", zap.String("ip", evt.IPAddress), zap.Error(err))
			blocked = false
		}
	}

	metrics.SuspiciousIPsTotal.Inc()
	d.logger.Warn("Suspicious activity detected",
		zap.String("ip", evt.IPAddress),
		zap.Int64("failures", count),
		zap.Duration("window", d.policy.Window),
		zap.Bool("blocked", blocked))

	d.sink.Record(models.AuditEvent{
		Type:       models.AuditSuspiciousActivity,
		Category:   models.CategorySecurity,
		Severity:   models.SeverityCritical,
		IPAddress:  evt.IPAddress,
		LicenseKey: evt.LicenseKey,
		HWID:       evt.HWID,
		Detail: map[string]interface{}{
			"failures":  count,
			"threshold": d.policy.Threshold,
			"window":    d.policy.Window.String(),
			"policy":    d.policy.Policy,
			"blocked":   blocked,
		},
	})
}

// IsBlocked reports whether ip is currently refused by the block policy
func (d *SuspicionDetector) IsBlocked(ctx context.Context, ip string) (bool, error) {
	if d.policy.Policy != config.PolicyBlock || ip == "" {
		return false, nil
	}
	_, err := d.rdb.Get(ctx, suspiciousBlockPrefix+ip).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Infrastructure failures are not evidence of abuse
func isCountedFailure(evt *models.AuditEvent) bool {
	if evt.Reason == ReasonServerError {
		return false
	}
	for _, t := range models.FailureEventTypes {
		if evt.Type == t {
			return true
		}
	}
	return false
}
