package database

import (
	"context"
	"fmt"
	"time"

	"github.com/proxpanel/license-server/internal/models"
	"gorm.io/gorm"
)

// SessionStore persists issued sessions
type SessionStore struct {
	db *gorm.DB
}

func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	return s.db.WithContext(ctx).Create(sess).Error
}

func (s *SessionStore) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).Where("session_token = ?", token).First(&sess).Error; err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (s *SessionStore) FindByID(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// Touch refreshes activity on an active session. ExpiresAt is never changed.
// It reports false when the session is no longer active.
func (s *SessionStore) Touch(ctx context.Context, id, ip string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionStatusActive).
		Updates(map[string]interface{}{
			"last_activity": now,
			"last_ip":       ip,
		})
	if result.Error != nil {
		return false, fmt.Errorf("touch session: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Revoke moves a session to revoked. It reports false when the session was
// already revoked, which callers treat as success.
func (s *SessionStore) Revoke(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status <> ?", id, models.SessionStatusRevoked).
		Updates(map[string]interface{}{
			"status":        models.SessionStatusRevoked,
			"revoked_at":    now,
			"revoke_reason": reason,
		})
	if result.Error != nil {
		return false, fmt.Errorf("revoke session: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RevokeByLicense revokes every active session of a license and returns the
// sessions it changed.
func (s *SessionStore) RevokeByLicense(ctx context.Context, licenseKey, reason string, now time.Time) ([]models.Session, error) {
	var active []models.Session
	if err := s.db.WithContext(ctx).
		Where("license_key = ? AND status = ?", licenseKey, models.SessionStatusActive).
		Find(&active).Error; err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	if len(active) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(active))
	for _, sess := range active {
		ids = append(ids, sess.ID)
	}

	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id IN ? AND status = ?", ids, models.SessionStatusActive).
		Updates(map[string]interface{}{
			"status":        models.SessionStatusRevoked,
			"revoked_at":    now,
			"revoke_reason": reason,
		}).Error; err != nil {
		return nil, fmt.Errorf("revoke license sessions: %w", err)
	}
	return active, nil
}

// MarkExpired flips an active session past its deadline to expired
func (s *SessionStore) MarkExpired(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionStatusActive).
		Update("status", models.SessionStatusExpired)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindStale returns active sessions whose expiry has passed
func (s *SessionStore) FindStale(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	var stale []models.Session
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.SessionStatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&stale).Error
	return stale, err
}

func (s *SessionStore) ListByLicense(ctx context.Context, licenseKey string) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("license_key = ?", licenseKey).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (s *SessionStore) CountActive(ctx context.Context, licenseKey string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("license_key = ? AND status = ?", licenseKey, models.SessionStatusActive).
		Count(&count).Error
	return count, err
}
