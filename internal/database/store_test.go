package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenSQLite("")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db)
}

func seedLicense(t *testing.T, store *Store, key string) *models.LicenseKey {
	t.Helper()
	lic := &models.LicenseKey{
		Key:         key,
		Status:      models.LicenseStatusActive,
		LicenseType: "pro",
		Features:    []string{"export"},
		ExpiresAt:   time.Now().UTC().Add(30 * 24 * time.Hour),
	}
	require.NoError(t, store.Licenses().Create(context.Background(), lic))
	return lic
}

func TestBindIfUnbound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, store, "KEY-AAAA-1111-BBBB-2222")
	now := time.Now().UTC()

	require.NoError(t, store.Licenses().BindIfUnbound(ctx, "KEY-AAAA-1111-BBBB-2222", "H1", now))

	// same hardware binds again without error
	require.NoError(t, store.Licenses().BindIfUnbound(ctx, "KEY-AAAA-1111-BBBB-2222", "H1", now.Add(time.Minute)))

	err := store.Licenses().BindIfUnbound(ctx, "KEY-AAAA-1111-BBBB-2222", "H2", now)
	assert.ErrorIs(t, err, ErrBindConflict)

	lic, err := store.Licenses().FindByKey(ctx, "KEY-AAAA-1111-BBBB-2222")
	require.NoError(t, err)
	assert.Equal(t, "H1", lic.BoundHWID())
	assert.True(t, lic.Used)
	require.NotNil(t, lic.BoundAt)
}

func TestBindIfUnboundRejectsInactiveKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedLicense(t, store, "KEY-AAAA-1111-BBBB-2222")
	_, err := store.Licenses().SetStatus(ctx, "KEY-AAAA-1111-BBBB-2222", models.LicenseStatusBanned)
	require.NoError(t, err)
	assert.ErrorIs(t, store.Licenses().BindIfUnbound(ctx, "KEY-AAAA-1111-BBBB-2222", "H1", now), ErrNotBindable)

	// active status but past its deadline
	seedLicense(t, store, "KEY-CCCC-3333-DDDD-4444")
	assert.ErrorIs(t, store.Licenses().BindIfUnbound(ctx, "KEY-CCCC-3333-DDDD-4444", "H1", now.Add(31*24*time.Hour)), ErrNotBindable)

	for _, key := range []string{"KEY-AAAA-1111-BBBB-2222", "KEY-CCCC-3333-DDDD-4444"} {
		lic, err := store.Licenses().FindByKey(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, lic.HWID)
		assert.False(t, lic.Used)
	}
}

func TestResetHWIDAllowsRebind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, store, "KEY-AAAA-1111-BBBB-2222")
	now := time.Now().UTC()

	require.NoError(t, store.Licenses().BindIfUnbound(ctx, "KEY-AAAA-1111-BBBB-2222", "H1", now))
	require.NoError(t, store.Licenses().ResetHWID(ctx, "KEY-AAAA-1111-BBBB-2222"))
	require.NoError(t, store.Licenses().BindIfUnbound(ctx, "KEY-AAAA-1111-BBBB-2222", "H2", now))

	assert.ErrorIs(t, store.Licenses().ResetHWID(ctx, "KEY-ZZZZ-0000-ZZZZ-0000"), ErrNotFound)
}

func TestFindByKeyNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Licenses().FindByKey(context.Background(), "KEY-ZZZZ-0000-ZZZZ-0000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAttemptVersionCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lic := seedLicense(t, store, "KEY-AAAA-1111-BBBB-2222")
	now := time.Now().UTC()

	ok, err := store.Licenses().RecordAttempt(ctx, lic.Key, lic.Version, AttemptUpdate{
		Attempts: 1, AttemptAt: now, IP: "10.0.0.1", Counted: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// stale version loses
	ok, err = store.Licenses().RecordAttempt(ctx, lic.Key, lic.Version, AttemptUpdate{
		Attempts: 7, AttemptAt: now, IP: "10.0.0.2", Counted: true,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Licenses().FindByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "10.0.0.1", got.LastIP)
	assert.Equal(t, lic.Version+1, got.Version)
}

func TestListLicensesFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, store, "KEY-AAAA-1111-BBBB-2222")
	seedLicense(t, store, "KEY-CCCC-3333-DDDD-4444")
	_, err := store.Licenses().SetStatus(ctx, "KEY-CCCC-3333-DDDD-4444", models.LicenseStatusBanned)
	require.NoError(t, err)

	keys, total, err := store.Licenses().List(ctx, LicenseFilter{Status: models.LicenseStatusBanned})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, keys, 1)
	assert.Equal(t, "KEY-CCCC-3333-DDDD-4444", keys[0].Key)

	_, total, err = store.Licenses().List(ctx, LicenseFilter{Search: "AAAA"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func newSession(id, key string, expires time.Time) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID:           id,
		Token:        "token-" + id,
		LicenseKey:   key,
		HWID:         "H1",
		Status:       models.SessionStatusActive,
		ExpiresAt:    expires,
		LastActivity: now,
	}
}

func TestSessionRevokeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Sessions().Create(ctx, newSession("s1", "KEY-AAAA-1111-BBBB-2222", now.Add(time.Hour))))

	changed, err := store.Sessions().Revoke(ctx, "s1", "logout", now)
	require.NoError(t, err)
	assert.True(t, changed)

	before, err := store.Sessions().FindByID(ctx, "s1")
	require.NoError(t, err)

	changed, err = store.Sessions().Revoke(ctx, "s1", "logout", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := store.Sessions().FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRevoked, after.Status)
	assert.True(t, before.LastActivity.Equal(after.LastActivity))
	require.NotNil(t, after.RevokedAt)
	assert.True(t, before.RevokedAt.Equal(*after.RevokedAt))
}

func TestTouchSkipsRevokedSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Sessions().Create(ctx, newSession("s1", "KEY-AAAA-1111-BBBB-2222", now.Add(time.Hour))))
	_, err := store.Sessions().Revoke(ctx, "s1", "logout", now)
	require.NoError(t, err)

	touched, err := store.Sessions().Touch(ctx, "s1", "10.9.9.9", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, touched)

	got, err := store.Sessions().FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.LastIP)
}

func TestRevokeByLicense(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Sessions().Create(ctx, newSession("s1", "KEY-AAAA-1111-BBBB-2222", now.Add(time.Hour))))
	require.NoError(t, store.Sessions().Create(ctx, newSession("s2", "KEY-AAAA-1111-BBBB-2222", now.Add(time.Hour))))
	require.NoError(t, store.Sessions().Create(ctx, newSession("s3", "KEY-CCCC-3333-DDDD-4444", now.Add(time.Hour))))

	revoked, err := store.Sessions().RevokeByLicense(ctx, "KEY-AAAA-1111-BBBB-2222", "banned", now)
	require.NoError(t, err)
	assert.Len(t, revoked, 2)

	count, err := store.Sessions().CountActive(ctx, "KEY-AAAA-1111-BBBB-2222")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = store.Sessions().CountActive(ctx, "KEY-CCCC-3333-DDDD-4444")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// nothing left to revoke
	revoked, err = store.Sessions().RevokeByLicense(ctx, "KEY-AAAA-1111-BBBB-2222", "banned", now)
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

func TestFindStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Sessions().Create(ctx, newSession("old", "KEY-AAAA-1111-BBBB-2222", now.Add(-time.Hour))))
	require.NoError(t, store.Sessions().Create(ctx, newSession("new", "KEY-AAAA-1111-BBBB-2222", now.Add(time.Hour))))

	stale, err := store.Sessions().FindStale(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestTransactionRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, store, "KEY-AAAA-1111-BBBB-2222")
	now := time.Now().UTC()

	err := store.Transaction(ctx, func(tx *Store) error {
		if err := tx.Licenses().BindIfUnbound(ctx, "KEY-AAAA-1111-BBBB-2222", "H1", now); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	lic, err := store.Licenses().FindByKey(ctx, "KEY-AAAA-1111-BBBB-2222")
	require.NoError(t, err)
	assert.Nil(t, lic.HWID)
}

func TestAuditEventsAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	evt := &models.AuditEvent{
		ID:        "e1",
		Type:      models.AuditKeyValidationFailed,
		Category:  models.CategorySecurity,
		Severity:  models.SeverityWarning,
		IPAddress: "10.0.0.1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Audit().Insert(ctx, evt))

	err := store.db.Model(evt).Update("severity", models.SeverityInfo).Error
	assert.ErrorIs(t, err, models.ErrAuditImmutable)
}

func TestAuditCountByIP(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, typ := range []models.AuditEventType{
		models.AuditKeyValidationFailed,
		models.AuditSessionValidationFailed,
		models.AuditKeyValidationSuccess,
	} {
		require.NoError(t, store.Audit().Insert(ctx, &models.AuditEvent{
			ID:        string(rune('a' + i)),
			Type:      typ,
			IPAddress: "10.0.0.1",
			CreatedAt: now,
		}))
	}
	require.NoError(t, store.Audit().Insert(ctx, &models.AuditEvent{
		ID:        "old",
		Type:      models.AuditKeyValidationFailed,
		IPAddress: "10.0.0.1",
		CreatedAt: now.Add(-2 * time.Hour),
	}))

	count, err := store.Audit().CountByIP(ctx, "10.0.0.1", models.FailureEventTypes, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	old, err := store.Audit().OlderThan(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, old, 1)

	n, err := store.Audit().Purge(ctx, []string{old[0].ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestEnsureSessionSecretPersists(t *testing.T) {
	store := newTestStore(t)

	first, err := EnsureSessionSecret(store.db, "")
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := EnsureSessionSecret(store.db, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	configured, err := EnsureSessionSecret(store.db, "from-env")
	require.NoError(t, err)
	assert.Equal(t, "from-env", configured)
}

func TestTokenBlacklist(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	listed, err := cache.IsTokenBlacklisted(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, listed)

	require.NoError(t, cache.BlacklistToken(ctx, "tok", time.Minute))
	listed, err = cache.IsTokenBlacklisted(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, listed)

	mr.FastForward(2 * time.Minute)
	listed, err = cache.IsTokenBlacklisted(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, listed)
}
