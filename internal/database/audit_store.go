package database

import (
	"context"
	"time"

	"github.com/proxpanel/license-server/internal/models"
	"gorm.io/gorm"
)

// AuditStore is the append-only audit event table
type AuditStore struct {
	db *gorm.DB
}

// AuditFilter narrows List results
type AuditFilter struct {
	Type       models.AuditEventType
	Category   models.AuditCategory
	Severity   models.AuditSeverity
	IPAddress  string
	LicenseKey string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

// TypeCount is one row of the per-type statistics
type TypeCount struct {
	Type  models.AuditEventType `json:"type"`
	Count int64                 `json:"count"`
}

func (s *AuditStore) Insert(ctx context.Context, evt *models.AuditEvent) error {
	return s.db.WithContext(ctx).Create(evt).Error
}

// CountByIP counts events of the given types from ip since the given time
func (s *AuditStore) CountByIP(ctx context.Context, ip string, types []models.AuditEventType, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.AuditEvent{}).
		Where("ip_address = ? AND event_type IN ? AND created_at >= ?", ip, types, since).
		Count(&count).Error
	return count, err
}

func (s *AuditStore) List(ctx context.Context, f AuditFilter) ([]models.AuditEvent, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}

	query := s.db.WithContext(ctx).Model(&models.AuditEvent{})
	if f.Type != "" {
		query = query.Where("event_type = ?", f.Type)
	}
	if f.Category != "" {
		query = query.Where("category = ?", f.Category)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.IPAddress != "" {
		query = query.Where("ip_address = ?", f.IPAddress)
	}
	if f.LicenseKey != "" {
		query = query.Where("license_key = ?", f.LicenseKey)
	}
	if f.From != nil {
		query = query.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("created_at <= ?", *f.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.AuditEvent
	err := query.Order("created_at DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&events).Error
	return events, total, err
}

// CountByType groups events created since the given time by type
func (s *AuditStore) CountByType(ctx context.Context, since time.Time) ([]TypeCount, error) {
	var rows []TypeCount
	err := s.db.WithContext(ctx).Model(&models.AuditEvent{}).
		Select("event_type AS type, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("event_type").
		Order("count DESC").
		Scan(&rows).Error
	return rows, err
}

// OlderThan returns the oldest events created before cutoff
func (s *AuditStore) OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Purge removes events by id. Only the retention sweep calls this.
func (s *AuditStore) Purge(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.AuditEvent{})
	return result.RowsAffected, result.Error
}
