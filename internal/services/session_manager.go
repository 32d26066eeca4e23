package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/metrics"
	"github.com/proxpanel/license-server/internal/models"
	"go.uber.org/zap"
)

const sessionIssuer = "license-server"

// SessionClaims are the claims of a session token. The jti is the session id.
type SessionClaims struct {
	LicenseKey  string   `json:"license_key"`
	HWID        string   `json:"hwid"`
	LicenseType string   `json:"license_type"`
	Features    []string `json:"features"`
	jwt.RegisteredClaims
}

// ClientMeta is request metadata stored with a session
type ClientMeta struct {
	IP            string
	UserAgent     string
	ClientVersion string
}

// SessionCheck is the outcome of a session check
type SessionCheck struct {
	Valid   bool
	Reason  string
	Session *models.Session
	Claims  *SessionClaims
}

// SessionManager mints, verifies and revokes session tokens
type SessionManager struct {
	store         *database.Store
	sink          *AuditSink
	secret        []byte
	duration      time.Duration
	lookupTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewSessionManager(store *database.Store, sink *AuditSink, secret string, duration, lookupTimeout time.Duration, logger *zap.Logger) *SessionManager {
	if duration <= 0 {
		duration = 7 * 24 * time.Hour
	}
	if lookupTimeout <= 0 {
		lookupTimeout = 3 * time.Second
	}
	return &SessionManager{
		store:         store,
		sink:          sink,
		secret:        []byte(secret),
		duration:      duration,
		lookupTimeout: lookupTimeout,
		logger:        logger.Named("sessions"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Issue mints a token for lic bound to hwid and persists the matching
// session through tx. Nothing is returned unless both steps succeed.
func (m *SessionManager) Issue(ctx context.Context, tx *database.Store, lic *models.LicenseKey, hwid string, meta ClientMeta) (*models.Session, error) {
	now := m.now()
	expiresAt := now.Add(m.duration)
	id := uuid.NewString()

	claims := SessionClaims{
		LicenseKey:  lic.Key,
		HWID:        hwid,
		LicenseType: lic.LicenseType,
		Features:    append([]string{}, lic.Features...),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    sessionIssuer,
			Subject:   lic.Key,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}

	sess := &models.Session{
		ID:            id,
		Token:         token,
		LicenseKey:    lic.Key,
		HWID:          hwid,
		Status:        models.SessionStatusActive,
		ExpiresAt:     expiresAt,
		LastActivity:  now,
		LastIP:        meta.IP,
		CreatedIP:     meta.IP,
		UserAgent:     truncate(meta.UserAgent, 255),
		ClientVersion: truncate(meta.ClientVersion, 50),
	}
	if err := tx.Sessions().Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return sess, nil
}

// ParseToken verifies signature and expiry
func (m *SessionManager) ParseToken(token string) (*SessionClaims, error) {
	return m.parse(token)
}

func (m *SessionManager) parse(token string, opts ...jwt.ParserOption) (*SessionClaims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(m.now),
	)
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Check validates a presented token for hwid. A bad token is rejected
// without reading the session store; a store lookup that fails or exceeds
// the lookup timeout is rejected with server_error.
func (m *SessionManager) Check(ctx context.Context, token, hwid, ip string) SessionCheck {
	claims, err := m.parse(token)
	if err != nil {
		return m.checkFailed(SessionCheck{Reason: ReasonTokenInvalid}, "", hwid, ip, models.SeverityWarning)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, m.lookupTimeout)
	defer cancel()

	sess, err := m.store.Sessions().FindByToken(lookupCtx, token)
	if errors.Is(err, database.ErrNotFound) {
		return m.checkFailed(SessionCheck{Reason: ReasonSessionInvalid, Claims: claims}, claims.LicenseKey, hwid, ip, models.SeverityWarning)
	}
	if err != nil {
		m.logger.Error("Session lookup failed", zap.String("session_id", claims.ID), zap.Error(err))
		return m.checkFailed(SessionCheck{Reason: ReasonServerError, Claims: claims}, claims.LicenseKey, hwid, ip, models.SeverityError)
	}

	now := m.now()
	result := SessionCheck{Session: sess, Claims: claims}

	if sess.Status == models.SessionStatusActive && now.After(sess.ExpiresAt) {
		if _, err := m.store.Sessions().MarkExpired(lookupCtx, sess.ID); err != nil {
			m.logger.Warn("Marking session expired failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		sess.Status = models.SessionStatusExpired
		metrics.SessionsExpiredTotal.Inc()
		metrics.SessionChecksTotal.WithLabelValues(ReasonSessionInvalid).Inc()
		m.sink.Record(models.AuditEvent{
			Type:       models.AuditSessionExpired,
			Category:   models.CategorySession,
			Severity:   models.SeverityInfo,
			Reason:     ReasonSessionInvalid,
			LicenseKey: sess.LicenseKey,
			HWID:       hwid,
			SessionID:  sess.ID,
			IPAddress:  ip,
		})
		result.Reason = ReasonSessionInvalid
		return result
	}

	if !sess.Usable(now) {
		result.Reason = ReasonSessionInvalid
		return m.checkFailed(result, sess.LicenseKey, hwid, ip, models.SeverityWarning)
	}

	if hwid != sess.HWID {
		result.Reason = ReasonHWIDMismatch
		return m.checkFailed(result, sess.LicenseKey, hwid, ip, models.SeverityCritical)
	}

	touched, err := m.store.Sessions().Touch(lookupCtx, sess.ID, ip, now)
	if err != nil {
		m.logger.Error("Session touch failed", zap.String("session_id", sess.ID), zap.Error(err))
		result.Reason = ReasonServerError
		return m.checkFailed(result, sess.LicenseKey, hwid, ip, models.SeverityError)
	}
	if !touched {
		// Revoked or expired after the lookup
		result.Reason = ReasonSessionInvalid
		return m.checkFailed(result, sess.LicenseKey, hwid, ip, models.SeverityWarning)
	}
	sess.LastActivity = now
	sess.LastIP = ip

	metrics.SessionChecksTotal.WithLabelValues("ok").Inc()
	m.sink.Record(models.AuditEvent{
		Type:       models.AuditSessionValidated,
		Category:   models.CategorySession,
		Severity:   models.SeverityInfo,
		LicenseKey: sess.LicenseKey,
		HWID:       hwid,
		SessionID:  sess.ID,
		IPAddress:  ip,
	})
	result.Valid = true
	return result
}

func (m *SessionManager) checkFailed(result SessionCheck, licenseKey, hwid, ip string, severity models.AuditSeverity) SessionCheck {
	evt := models.AuditEvent{
		Type:       models.AuditSessionValidationFailed,
		Category:   models.CategorySession,
		Severity:   severity,
		Reason:     result.Reason,
		LicenseKey: licenseKey,
		HWID:       hwid,
		IPAddress:  ip,
	}
	if result.Session != nil {
		evt.SessionID = result.Session.ID
		if hwid != result.Session.HWID {
			evt.Detail = map[string]interface{}{"bound_hwid": result.Session.HWID}
		}
	}
	metrics.SessionChecksTotal.WithLabelValues(result.Reason).Inc()
	m.sink.Record(evt)
	return result
}

// Logout revokes the session a token belongs to. Only the signature is
// verified, so an expired token can still be logged out.
func (m *SessionManager) Logout(ctx context.Context, token, ip string) (*models.Session, error) {
	claims, err := m.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	sess, err := m.Revoke(ctx, claims.ID, "logout", "", ip)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	return sess, err
}

// Revoke moves a session to revoked. Revoking an already revoked session is
// a no-op and not an error.
func (m *SessionManager) Revoke(ctx context.Context, sessionID, reason, actor, ip string) (*models.Session, error) {
	sess, err := m.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusRevoked {
		return sess, nil
	}

	now := m.now()
	changed, err := m.store.Sessions().Revoke(ctx, sessionID, reason, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return m.store.Sessions().FindByID(ctx, sessionID)
	}

	sess.Status = models.SessionStatusRevoked
	sess.RevokedAt = &now
	sess.RevokeReason = reason

	metrics.SessionsRevokedTotal.WithLabelValues(reason).Inc()
	m.sink.Record(models.AuditEvent{
		Type:       models.AuditSessionRevoked,
		Category:   models.CategorySession,
		Severity:   models.SeverityInfo,
		Reason:     reason,
		LicenseKey: sess.LicenseKey,
		HWID:       sess.HWID,
		SessionID:  sess.ID,
		IPAddress:  ip,
		Actor:      actor,
	})
	return sess, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
