package models

import (
	"regexp"
	"time"

	"gorm.io/datatypes"
)

// LicenseStatus is the stored status of a license key. Expiry is also
// derived from ExpiresAt regardless of this field.
type LicenseStatus string

const (
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusExpired   LicenseStatus = "expired"
	LicenseStatusBanned    LicenseStatus = "banned"
	LicenseStatusSuspended LicenseStatus = "suspended"
)

// KeyPattern matches KEY-XXXX-XXXX-XXXX-XXXX
var KeyPattern = regexp.MustCompile(`^KEY-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// LicenseKey represents an issued license key and its binding/attempt state
type LicenseKey struct {
	ID          uint                        `gorm:"column:id;primaryKey" json:"id"`
	Key         string                      `gorm:"column:license_key;size:32;uniqueIndex;not null" json:"key"`
	HWID        *string                     `gorm:"column:hwid;size:128;index" json:"hwid"`
	Used        bool                        `gorm:"column:used;default:false" json:"used"`
	Status      LicenseStatus               `gorm:"column:status;size:20;default:active;index" json:"status"`
	LicenseType string                      `gorm:"column:license_type;size:50;not null" json:"license_type"`
	Features    datatypes.JSONSlice[string] `gorm:"column:features" json:"features"`
	ExpiresAt   time.Time                   `gorm:"column:expires_at;index" json:"expires_at"`
	Note        string                      `gorm:"column:note;size:500" json:"note"`

	// Attempt counter, reset lazily once a day
	Attempts          int        `gorm:"column:attempts;default:0" json:"attempts"`
	LastAttempt       *time.Time `gorm:"column:last_attempt" json:"last_attempt"`
	LastIP            string     `gorm:"column:last_ip;size:64" json:"last_ip"`
	LastAttemptsReset *time.Time `gorm:"column:last_attempts_reset" json:"last_attempts_reset"`
	Version           int        `gorm:"column:version;default:0" json:"-"`

	BoundAt         *time.Time `gorm:"column:bound_at" json:"bound_at"`
	LastValidatedAt *time.Time `gorm:"column:last_validated_at" json:"last_validated_at"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (LicenseKey) TableName() string {
	return "license_keys"
}

// IsExpired reports whether the key is past its deadline, independent of Status
func (l *LicenseKey) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// BoundHWID returns the bound hardware id or "" when unbound
func (l *LicenseKey) BoundHWID() string {
	if l.HWID == nil {
		return ""
	}
	return *l.HWID
}

// AttemptsResetAnchor is the reference point of the daily attempt window
func (l *LicenseKey) AttemptsResetAnchor() time.Time {
	if l.LastAttemptsReset != nil {
		return *l.LastAttemptsReset
	}
	return l.CreatedAt
}

// EffectiveStatus folds implicit expiry into the stored status
func (l *LicenseKey) EffectiveStatus(now time.Time) LicenseStatus {
	switch l.Status {
	case LicenseStatusBanned, LicenseStatusSuspended:
		return l.Status
	}
	if l.IsExpired(now) {
		return LicenseStatusExpired
	}
	return l.Status
}
