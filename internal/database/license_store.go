package database

import (
	"context"
	"fmt"
	"time"

	"github.com/proxpanel/license-server/internal/models"
	"gorm.io/gorm"
)

// LicenseStore persists license keys
type LicenseStore struct {
	db *gorm.DB
}

// LicenseFilter narrows List results
type LicenseFilter struct {
	Status models.LicenseStatus
	HWID   string
	Search string
	Page   int
	Limit  int
}

// AttemptUpdate is the attempt-counter state written by RecordAttempt
type AttemptUpdate struct {
	Attempts  int
	ResetAt   *time.Time
	AttemptAt time.Time
	IP        string
	Counted   bool
}

func (s *LicenseStore) Create(ctx context.Context, lic *models.LicenseKey) error {
	return s.db.WithContext(ctx).Create(lic).Error
}

func (s *LicenseStore) FindByKey(ctx context.Context, key string) (*models.LicenseKey, error) {
	var lic models.LicenseKey
	if err := s.db.WithContext(ctx).Where("license_key = ?", key).First(&lic).Error; err != nil {
		return nil, notFound(err)
	}
	return &lic, nil
}

// BindIfUnbound atomically binds key to hwid when the key is still active,
// unexpired, and unbound or already bound to the same hwid. A key that stopped
// being active yields ErrNotBindable; any other current binding yields
// ErrBindConflict.
func (s *LicenseStore) BindIfUnbound(ctx context.Context, key, hwid string, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("license_key = ? AND status = ? AND expires_at >= ?", key, models.LicenseStatusActive, now).
		Where("hwid IS NULL OR hwid = ?", hwid).
		Updates(map[string]interface{}{
			"hwid":              hwid,
			"used":              true,
			"bound_at":          gorm.Expr("COALESCE(bound_at, ?)", now),
			"last_validated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("bind license: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := s.FindByKey(ctx, key)
	if err != nil {
		return err
	}
	if current.EffectiveStatus(now) != models.LicenseStatusActive {
		return ErrNotBindable
	}
	return ErrBindConflict
}

// RecordAttempt writes the attempt counter if the row still has expectedVersion.
// It reports false when a concurrent writer got there first.
func (s *LicenseStore) RecordAttempt(ctx context.Context, key string, expectedVersion int, upd AttemptUpdate) (bool, error) {
	fields := map[string]interface{}{
		"last_attempt": upd.AttemptAt,
		"last_ip":      upd.IP,
		"version":      gorm.Expr("version + 1"),
	}
	if upd.Counted {
		fields["attempts"] = upd.Attempts
	}
	if upd.ResetAt != nil {
		fields["last_attempts_reset"] = *upd.ResetAt
	}

	result := s.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("license_key = ? AND version = ?", key, expectedVersion).
		Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("record attempt: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetStatus changes the stored status and returns the updated record
func (s *LicenseStore) SetStatus(ctx context.Context, key string, status models.LicenseStatus) (*models.LicenseKey, error) {
	result := s.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("license_key = ?", key).
		Update("status", status)
	if result.Error != nil {
		return nil, fmt.Errorf("set license status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.FindByKey(ctx, key)
}

// ResetHWID clears the binding so the next validation binds afresh
func (s *LicenseStore) ResetHWID(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("license_key = ?", key).
		Updates(map[string]interface{}{
			"hwid":     nil,
			"used":     false,
			"bound_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("reset hwid: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExpiry moves the license deadline
func (s *LicenseStore) SetExpiry(ctx context.Context, key string, expiresAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("license_key = ?", key).
		Update("expires_at", expiresAt)
	if result.Error != nil {
		return fmt.Errorf("set expiry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *LicenseStore) List(ctx context.Context, f LicenseFilter) ([]models.LicenseKey, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}

	query := s.db.WithContext(ctx).Model(&models.LicenseKey{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.HWID != "" {
		query = query.Where("hwid = ?", f.HWID)
	}
	if f.Search != "" {
		query = query.Where("license_key LIKE ? OR note LIKE ?", "%"+f.Search+"%", "%"+f.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var keys []models.LicenseKey
	err := query.Order("created_at DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&keys).Error
	return keys, total, err
}
