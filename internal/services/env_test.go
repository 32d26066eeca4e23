package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/proxpanel/license-server/internal/config"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db        *gorm.DB
	store     *database.Store
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	sink      *AuditSink
	detector  *SuspicionDetector
	governor  *AttemptGovernor
	sessions  *SessionManager
	lifecycle *LicenseLifecycle
}

type envOptions struct {
	rateLimit int
	maxPerDay int
	suspicion SuspicionPolicy
}

func newTestEnv(t *testing.T, opts ...func(*envOptions)) *testEnv {
	t.Helper()
	o := envOptions{
		rateLimit: 1000,
		suspicion: SuspicionPolicy{Threshold: 1000, Window: time.Hour, Policy: config.PolicyLog},
	}
	for _, fn := range opts {
		fn(&o)
	}

	db, err := database.OpenSQLite("")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	store := database.NewStore(db)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zap.NewNop()
	sink := NewAuditSink(store, logger, 256)
	detector := NewSuspicionDetector(store, rdb, sink, o.suspicion, logger)
	sink.OnWrite(detector.Observe)
	sink.Start()

	limiter := NewRateLimiter(rdb, o.rateLimit, time.Hour)
	governor := NewAttemptGovernor(store, limiter, detector, o.maxPerDay, logger)
	sessions := NewSessionManager(store, sink, "test-secret", 7*24*time.Hour, time.Second, logger)
	lifecycle := NewLicenseLifecycle(store, governor, sessions, sink, logger)

	t.Cleanup(func() {
		sink.Stop()
		rdb.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return &testEnv{
		db:        db,
		store:     store,
		mr:        mr,
		rdb:       rdb,
		sink:      sink,
		detector:  detector,
		governor:  governor,
		sessions:  sessions,
		lifecycle: lifecycle,
	}
}

func (e *testEnv) seedKey(t *testing.T, key string, mutate ...func(*models.LicenseKey)) *models.LicenseKey {
	t.Helper()
	lic := &models.LicenseKey{
		Key:         key,
		Status:      models.LicenseStatusActive,
		LicenseType: "pro",
		Features:    []string{"export", "sync"},
		ExpiresAt:   time.Now().UTC().Add(30 * 24 * time.Hour),
	}
	for _, fn := range mutate {
		fn(lic)
	}
	require.NoError(t, e.store.Licenses().Create(context.Background(), lic))
	return lic
}

func (e *testEnv) license(t *testing.T, key string) *models.LicenseKey {
	t.Helper()
	lic, err := e.store.Licenses().FindByKey(context.Background(), key)
	require.NoError(t, err)
	return lic
}

// events flushes the sink and returns events of the given type, oldest first
func (e *testEnv) events(t *testing.T, typ models.AuditEventType) []models.AuditEvent {
	t.Helper()
	e.sink.Flush()
	var events []models.AuditEvent
	require.NoError(t, e.db.Where("event_type = ?", typ).Order("created_at ASC").Find(&events).Error)
	return events
}

func (e *testEnv) validate(key, hwid string, fromStoredKey bool) ValidationResult {
	return e.lifecycle.Validate(context.Background(), ValidateRequest{
		Key:           key,
		HWID:          hwid,
		FromStoredKey: fromStoredKey,
		Client:        ClientMeta{IP: "203.0.113.7", UserAgent: "test", ClientVersion: "1.0.0"},
	})
}
