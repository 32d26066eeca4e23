package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditEventType is the closed set of recorded event types
type AuditEventType string

const (
	AuditKeyValidationSuccess    AuditEventType = "key_validation_success"
	AuditKeyValidationFailed     AuditEventType = "key_validation_failed"
	AuditSessionCreated          AuditEventType = "session_created"
	AuditSessionValidated        AuditEventType = "session_validated"
	AuditSessionValidationFailed AuditEventType = "session_validation_failed"
	AuditSessionExpired          AuditEventType = "session_expired"
	AuditSessionRevoked          AuditEventType = "session_revoked"
	AuditSuspiciousActivity      AuditEventType = "suspicious_activity"
	AuditRateLimitExceeded       AuditEventType = "rate_limit_exceeded"
	AuditKeyCreated              AuditEventType = "key_created"
	AuditKeyBanned               AuditEventType = "key_banned"
	AuditKeySuspended            AuditEventType = "key_suspended"
	AuditKeyReactivated          AuditEventType = "key_reactivated"
	AuditKeyHWIDReset            AuditEventType = "key_hwid_reset"
	AuditKeyExtended             AuditEventType = "key_extended"
	AuditAdminLogin              AuditEventType = "admin_login"
	AuditAdminLoginFailed        AuditEventType = "admin_login_failed"
	AuditAdminLogout             AuditEventType = "admin_logout"
)

// FailureEventTypes are counted by the suspicious activity detector
var FailureEventTypes = []AuditEventType{AuditKeyValidationFailed, AuditSessionValidationFailed}

type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

type AuditCategory string

const (
	CategorySecurity    AuditCategory = "security"
	CategorySession     AuditCategory = "session"
	CategoryAdminAction AuditCategory = "admin_action"
)

// ErrAuditImmutable is returned when something tries to update a written event
var ErrAuditImmutable = errors.New("audit events are immutable")

// AuditEvent is an append-only audit record
type AuditEvent struct {
	ID         string            `gorm:"column:id;size:36;primaryKey" json:"id"`
	Type       AuditEventType    `gorm:"column:event_type;size:50;not null;index" json:"type"`
	Category   AuditCategory     `gorm:"column:category;size:20;index" json:"category"`
	Severity   AuditSeverity     `gorm:"column:severity;size:20;index" json:"severity"`
	Reason     string            `gorm:"column:reason;size:50" json:"reason,omitempty"`
	LicenseKey string            `gorm:"column:license_key;size:32;index" json:"license_key,omitempty"`
	HWID       string            `gorm:"column:hwid;size:128" json:"hwid,omitempty"`
	SessionID  string            `gorm:"column:session_id;size:36;index" json:"session_id,omitempty"`
	IPAddress  string            `gorm:"column:ip_address;size:64;index" json:"ip_address,omitempty"`
	Actor      string            `gorm:"column:actor;size:100" json:"actor,omitempty"`
	Detail     datatypes.JSONMap `gorm:"column:detail" json:"detail,omitempty"`
	CreatedAt  time.Time         `gorm:"column:created_at;index" json:"created_at"`
}

func (AuditEvent) TableName() string {
	return "audit_events"
}

func (AuditEvent) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}
