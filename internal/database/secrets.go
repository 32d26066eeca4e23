package database

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/proxpanel/license-server/internal/models"
	"gorm.io/gorm"
)

const sessionSecretPref = "session_secret"

// EnsureSessionSecret returns the signing secret for session tokens. A secret
// already persisted in system_preferences wins, so tokens survive restarts.
// Otherwise configured (or a freshly generated one) is stored and returned.
func EnsureSessionSecret(db *gorm.DB, configured string) (string, error) {
	var pref models.SystemPreference
	err := db.Where(&models.SystemPreference{Key: sessionSecretPref}).First(&pref).Error
	if err == nil && pref.Value != "" {
		if configured != "" && configured != pref.Value {
			return configured, db.Model(&models.SystemPreference{}).
				Where(&models.SystemPreference{Key: sessionSecretPref}).
				Update("value", configured).Error
		}
		return pref.Value, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("load session secret: %w", err)
	}

	secret := configured
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate session secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}

	pref = models.SystemPreference{
		Key:       sessionSecretPref,
		Value:     secret,
		ValueType: "string",
	}
	if err := db.Create(&pref).Error; err != nil {
		// Another instance may have stored one first
		var existing models.SystemPreference
		if lookupErr := db.Where(&models.SystemPreference{Key: sessionSecretPref}).First(&existing).Error; lookupErr == nil && existing.Value != "" {
			return existing.Value, nil
		}
		return "", fmt.Errorf("persist session secret: %w", err)
	}
	return secret, nil
}
