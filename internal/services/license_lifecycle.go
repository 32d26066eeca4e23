package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/metrics"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/proxpanel/license-server/internal/security"
	"go.uber.org/zap"
)

// ValidateRequest is a key validation attempt
type ValidateRequest struct {
	Key           string
	HWID          string
	FromStoredKey bool
	Client        ClientMeta
}

// ValidationResult is the outcome of Validate. Reason is empty on success.
type ValidationResult struct {
	Success    bool
	Reason     string
	License    *models.LicenseKey
	Session    *models.Session
	RetryAfter time.Duration
}

// CreateKeyInput describes a new license key
type CreateKeyInput struct {
	LicenseType  string
	Features     []string
	DurationDays int
	Note         string
}

// AdminActor identifies who performed an admin action
type AdminActor struct {
	Username string
	IP       string
}

// LicenseLifecycle owns license status transitions and HWID binding
type LicenseLifecycle struct {
	store    *database.Store
	governor *AttemptGovernor
	sessions *SessionManager
	sink     *AuditSink
	logger   *zap.Logger
	now      func() time.Time
}

func NewLicenseLifecycle(store *database.Store, governor *AttemptGovernor, sessions *SessionManager, sink *AuditSink, logger *zap.Logger) *LicenseLifecycle {
	return &LicenseLifecycle{
		store:    store,
		governor: governor,
		sessions: sessions,
		sink:     sink,
		logger:   logger.Named("lifecycle"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Validate runs a key validation. Exactly one validation decision event is
// recorded per call; a successful call also records session_created.
func (l *LicenseLifecycle) Validate(ctx context.Context, req ValidateRequest) ValidationResult {
	start := time.Now()
	defer func() {
		metrics.ValidationDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	ip := req.Client.IP

	if adm := l.governor.Admit(ctx, ip); !adm.Allowed {
		return l.rejectRateLimited(req, nil, adm.Cause, adm.RetryAfter)
	}

	lic, err := l.store.Licenses().FindByKey(ctx, req.Key)
	if errors.Is(err, database.ErrNotFound) {
		return l.reject(req, nil, ReasonNotFound, models.SeverityWarning, nil)
	}
	if err != nil {
		l.logger.Error("License lookup failed", zap.String("license_key", req.Key), zap.Error(err))
		return l.reject(req, nil, ReasonServerError, models.SeverityError, nil)
	}

	now := l.now()
	l.governor.RecordAttempt(ctx, lic, ip, req.FromStoredKey, now)

	if l.governor.OverDailyCap(lic, req.FromStoredKey) {
		return l.rejectRateLimited(req, lic, "key_daily_cap", 0)
	}

	if res, rejected := l.rejectInactive(req, lic, now); rejected {
		return res
	}
	if lic.Used && lic.HWID != nil && *lic.HWID != req.HWID {
		return l.reject(req, lic, ReasonHWIDMismatch, models.SeverityCritical,
			map[string]interface{}{"bound_hwid": *lic.HWID})
	}

	var sess *models.Session
	err = l.store.Transaction(ctx, func(tx *database.Store) error {
		if err := tx.Licenses().BindIfUnbound(ctx, lic.Key, req.HWID, now); err != nil {
			return err
		}
		var err error
		sess, err = l.sessions.Issue(ctx, tx, lic, req.HWID, req.Client)
		return err
	})
	if errors.Is(err, database.ErrNotBindable) {
		// Status changed after the snapshot read; report the current one
		if fresh, ferr := l.store.Licenses().FindByKey(ctx, lic.Key); ferr == nil {
			if res, rejected := l.rejectInactive(req, fresh, now); rejected {
				return res
			}
		}
		l.logger.Error("License became unbindable", zap.String("license_key", lic.Key))
		return l.reject(req, lic, ReasonServerError, models.SeverityError, nil)
	}
	if errors.Is(err, database.ErrBindConflict) {
		// Lost a concurrent first-bind to another machine
		return l.reject(req, lic, ReasonHWIDMismatch, models.SeverityCritical,
			map[string]interface{}{"bind_race": true})
	}
	if err != nil {
		l.logger.Error("Session issuance failed", zap.String("license_key", lic.Key), zap.Error(err))
		return l.reject(req, lic, ReasonServerError, models.SeverityError, nil)
	}

	hwid := req.HWID
	if lic.BoundAt == nil {
		lic.BoundAt = &now
	}
	lic.HWID = &hwid
	lic.Used = true
	lic.LastValidatedAt = &now

	metrics.ValidationsTotal.WithLabelValues("ok").Inc()
	metrics.SessionsIssuedTotal.Inc()
	l.sink.Record(models.AuditEvent{
		Type:       models.AuditKeyValidationSuccess,
		Category:   models.CategorySecurity,
		Severity:   models.SeverityInfo,
		LicenseKey: lic.Key,
		HWID:       req.HWID,
		SessionID:  sess.ID,
		IPAddress:  ip,
		Detail: map[string]interface{}{
			"from_stored_key": req.FromStoredKey,
			"attempts":        lic.Attempts,
		},
	})
	l.sink.Record(models.AuditEvent{
		Type:       models.AuditSessionCreated,
		Category:   models.CategorySession,
		Severity:   models.SeverityInfo,
		LicenseKey: lic.Key,
		HWID:       req.HWID,
		SessionID:  sess.ID,
		IPAddress:  ip,
		Detail: map[string]interface{}{
			"expires_at":     sess.ExpiresAt,
			"client_version": req.Client.ClientVersion,
		},
	})

	return ValidationResult{Success: true, License: lic, Session: sess}
}

// rejectInactive rejects a key that is banned, suspended or expired at now
func (l *LicenseLifecycle) rejectInactive(req ValidateRequest, lic *models.LicenseKey, now time.Time) (ValidationResult, bool) {
	switch {
	case lic.Status == models.LicenseStatusBanned:
		return l.reject(req, lic, ReasonBanned, models.SeverityCritical, nil), true
	case lic.Status == models.LicenseStatusSuspended:
		return l.reject(req, lic, ReasonSuspended, models.SeverityWarning, nil), true
	case lic.Status == models.LicenseStatusExpired || lic.IsExpired(now):
		return l.reject(req, lic, ReasonExpired, models.SeverityInfo,
			map[string]interface{}{"expires_at": lic.ExpiresAt}), true
	}
	return ValidationResult{}, false
}

func (l *LicenseLifecycle) reject(req ValidateRequest, lic *models.LicenseKey, reason string, severity models.AuditSeverity, detail map[string]interface{}) ValidationResult {
	metrics.ValidationsTotal.WithLabelValues(reason).Inc()
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["from_stored_key"] = req.FromStoredKey
	if lic != nil {
		detail["attempts"] = lic.Attempts
	}
	l.sink.Record(models.AuditEvent{
		Type:       models.AuditKeyValidationFailed,
		Category:   models.CategorySecurity,
		Severity:   severity,
		Reason:     reason,
		LicenseKey: req.Key,
		HWID:       req.HWID,
		IPAddress:  req.Client.IP,
		Detail:     detail,
	})
	return ValidationResult{Reason: reason, License: lic}
}

func (l *LicenseLifecycle) rejectRateLimited(req ValidateRequest, lic *models.LicenseKey, cause string, retryAfter time.Duration) ValidationResult {
	metrics.ValidationsTotal.WithLabelValues(ReasonRateLimitExceeded).Inc()
	l.sink.Record(models.AuditEvent{
		Type:       models.AuditRateLimitExceeded,
		Category:   models.CategorySecurity,
		Severity:   models.SeverityWarning,
		Reason:     ReasonRateLimitExceeded,
		LicenseKey: req.Key,
		HWID:       req.HWID,
		IPAddress:  req.Client.IP,
		Detail: map[string]interface{}{
			"cause":       cause,
			"retry_after": int(retryAfter.Seconds()),
		},
	})
	return ValidationResult{Reason: ReasonRateLimitExceeded, License: lic, RetryAfter: retryAfter}
}

// CreateKey issues a new unbound license key
func (l *LicenseLifecycle) CreateKey(ctx context.Context, in CreateKeyInput, actor AdminActor) (*models.LicenseKey, error) {
	if strings.TrimSpace(in.LicenseType) == "" || in.DurationDays <= 0 {
		return nil, ErrInvalidRequest
	}

	now := l.now()
	features := in.Features
	if features == nil {
		features = []string{}
	}

	var lic *models.LicenseKey
	var err error
	for i := 0; i < 3; i++ {
		var key string
		key, err = security.GenerateLicenseKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		lic = &models.LicenseKey{
			Key:         key,
			Status:      models.LicenseStatusActive,
			LicenseType: in.LicenseType,
			Features:    features,
			ExpiresAt:   now.Add(time.Duration(in.DurationDays) * 24 * time.Hour),
			Note:        in.Note,
		}
		// A unique violation on the key column means a collision; try another
		if err = l.store.Licenses().Create(ctx, lic); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create license: %w", err)
	}

	l.adminEvent(models.AuditKeyCreated, models.SeverityInfo, lic.Key, actor, map[string]interface{}{
		"license_type":  lic.LicenseType,
		"features":      []string(lic.Features),
		"duration_days": in.DurationDays,
	})
	return lic, nil
}

// Ban bans a key and revokes all its active sessions in one transaction.
// Banning an already banned key is allowed and still sweeps its sessions.
func (l *LicenseLifecycle) Ban(ctx context.Context, key, reason string, actor AdminActor) (*models.LicenseKey, []models.Session, error) {
	return l.restrict(ctx, key, models.LicenseStatusBanned, models.AuditKeyBanned, models.SeverityCritical, reason, actor)
}

func (l *LicenseLifecycle) Suspend(ctx context.Context, key, reason string, actor AdminActor) (*models.LicenseKey, []models.Session, error) {
	return l.restrict(ctx, key, models.LicenseStatusSuspended, models.AuditKeySuspended, models.SeverityWarning, reason, actor)
}

func (l *LicenseLifecycle) restrict(ctx context.Context, key string, status models.LicenseStatus, evtType models.AuditEventType, severity models.AuditSeverity, reason string, actor AdminActor) (*models.LicenseKey, []models.Session, error) {
	now := l.now()
	revokeReason := "license_" + string(status)

	var lic *models.LicenseKey
	var revoked []models.Session
	var previous models.LicenseStatus
	err := l.store.Transaction(ctx, func(tx *database.Store) error {
		current, err := tx.Licenses().FindByKey(ctx, key)
		if err != nil {
			return err
		}
		previous = current.Status

		if lic, err = tx.Licenses().SetStatus(ctx, key, status); err != nil {
			return err
		}
		revoked, err = tx.Sessions().RevokeByLicense(ctx, key, revokeReason, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(revoked))
	for _, sess := range revoked {
		ids = append(ids, sess.ID)
	}
	if len(revoked) > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues(revokeReason).Add(float64(len(revoked)))
	}

	l.logger.Info("License status changed",
		zap.String("license_key", key),
		zap.String("from", string(previous)),
		zap.String("to", string(status)),
		zap.Int("revoked_sessions", len(revoked)),
		zap.String("actor", actor.Username))

	l.adminEvent(evtType, severity, key, actor, map[string]interface{}{
		"previous_status":  previous,
		"reason":           reason,
		"revoked_sessions": ids,
	})
	return lic, revoked, nil
}

// Reactivate returns a banned, suspended or explicitly expired key to active.
// A key past its deadline stays functionally expired until extended.
func (l *LicenseLifecycle) Reactivate(ctx context.Context, key string, actor AdminActor) (*models.LicenseKey, error) {
	current, err := l.store.Licenses().FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if current.Status == models.LicenseStatusActive {
		return nil, ErrInvalidStatus
	}
	lic, err := l.store.Licenses().SetStatus(ctx, key, models.LicenseStatusActive)
	if err != nil {
		return nil, err
	}
	l.adminEvent(models.AuditKeyReactivated, models.SeverityInfo, key, actor, map[string]interface{}{
		"previous_status": current.Status,
	})
	return lic, nil
}

// ResetHWID unbinds a key so the next validation binds afresh. Sessions held
// by the previous machine are revoked with it.
func (l *LicenseLifecycle) ResetHWID(ctx context.Context, key string, actor AdminActor) (*models.LicenseKey, []models.Session, error) {
	now := l.now()
	var previous string
	var revoked []models.Session
	err := l.store.Transaction(ctx, func(tx *database.Store) error {
		current, err := tx.Licenses().FindByKey(ctx, key)
		if err != nil {
			return err
		}
		previous = current.BoundHWID()
		if err := tx.Licenses().ResetHWID(ctx, key); err != nil {
			return err
		}
		revoked, err = tx.Sessions().RevokeByLicense(ctx, key, "hwid_reset", now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	lic, err := l.store.Licenses().FindByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if len(revoked) > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues("hwid_reset").Add(float64(len(revoked)))
	}
	l.adminEvent(models.AuditKeyHWIDReset, models.SeverityWarning, key, actor, map[string]interface{}{
		"previous_hwid":    previous,
		"revoked_sessions": len(revoked),
	})
	return lic, revoked, nil
}

// Extend pushes the deadline out by days, counting from now when the key has
// already lapsed. Live sessions keep their own expiry.
func (l *LicenseLifecycle) Extend(ctx context.Context, key string, days int, actor AdminActor) (*models.LicenseKey, error) {
	if days <= 0 {
		return nil, ErrInvalidRequest
	}
	lic, err := l.store.Licenses().FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	now := l.now()
	base := lic.ExpiresAt
	if base.Before(now) {
		base = now
	}
	newExpiry := base.Add(time.Duration(days) * 24 * time.Hour)
	if err := l.store.Licenses().SetExpiry(ctx, key, newExpiry); err != nil {
		return nil, err
	}
	if lic.Status == models.LicenseStatusExpired {
		if _, err := l.store.Licenses().SetStatus(ctx, key, models.LicenseStatusActive); err != nil {
			return nil, err
		}
	}

	l.adminEvent(models.AuditKeyExtended, models.SeverityInfo, key, actor, map[string]interface{}{
		"previous_expires_at": lic.ExpiresAt,
		"expires_at":          newExpiry,
		"days":                days,
	})
	return l.store.Licenses().FindByKey(ctx, key)
}

func (l *LicenseLifecycle) adminEvent(evtType models.AuditEventType, severity models.AuditSeverity, key string, actor AdminActor, detail map[string]interface{}) {
	l.sink.Record(models.AuditEvent{
		Type:       evtType,
		Category:   models.CategoryAdminAction,
		Severity:   severity,
		LicenseKey: key,
		IPAddress:  actor.IP,
		Actor:      actor.Username,
		Detail:     detail,
	})
}
