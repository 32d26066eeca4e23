package models

import "time"

type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusExpired SessionStatus = "expired"
	SessionStatusRevoked SessionStatus = "revoked"
)

// Session is a time-boxed authorization issued after a successful key validation.
// ID equals the jti claim of the signed token.
type Session struct {
	ID            string        `gorm:"column:id;size:36;primaryKey" json:"id"`
	Token         string        `gorm:"column:session_token;size:1024;uniqueIndex;not null" json:"-"`
	LicenseKey    string        `gorm:"column:license_key;size:32;index;not null" json:"license_key"`
	HWID          string        `gorm:"column:hwid;size:128;not null" json:"hwid"`
	Status        SessionStatus `gorm:"column:status;size:20;default:active;index" json:"status"`
	ExpiresAt     time.Time     `gorm:"column:expires_at;index" json:"expires_at"`
	LastActivity  time.Time     `gorm:"column:last_activity" json:"last_activity"`
	LastIP        string        `gorm:"column:last_ip;size:64" json:"last_ip"`
	CreatedIP     string        `gorm:"column:created_ip;size:64" json:"created_ip"`
	UserAgent     string        `gorm:"column:user_agent;size:255" json:"user_agent"`
	ClientVersion string        `gorm:"column:client_version;size:50" json:"client_version"`
	RevokedAt     *time.Time    `gorm:"column:revoked_at" json:"revoked_at"`
	RevokeReason  string        `gorm:"column:revoke_reason;size:100" json:"revoke_reason,omitempty"`
	CreatedAt     time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (Session) TableName() string {
	return "license_sessions"
}

// Usable reports whether the session is active and not past its own expiry
func (s *Session) Usable(now time.Time) bool {
	return s.Status == SessionStatusActive && !now.After(s.ExpiresAt)
}
