package license

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/proxpanel/license-server/internal/config"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/handlers"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/proxpanel/license-server/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testKey  = "KEY-AAAA-1111-BBBB-2222"
	testHWID = "client-hwid-0001"
)

type serverEnv struct {
	url       string
	store     *database.Store
	lifecycle *services.LicenseLifecycle
}

func newServer(t *testing.T) *serverEnv {
	t.Helper()

	db, err := database.OpenSQLite("")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	store := database.NewStore(db)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zap.NewNop()
	sink := services.NewAuditSink(store, logger, 256)
	sink.Start()
	detector := services.NewSuspicionDetector(store, rdb, sink, services.SuspicionPolicy{
		Threshold: 1000, Window: time.Hour, Policy: config.PolicyLog,
	}, logger)
	governor := services.NewAttemptGovernor(store, services.NewRateLimiter(rdb, 1000, time.Hour), detector, 0, logger)
	sessions := services.NewSessionManager(store, sink, "session-secret", time.Hour, time.Second, logger)
	lifecycle := services.NewLicenseLifecycle(store, governor, sessions, sink, logger)

	app := handlers.NewApp(handlers.Deps{
		Config:    &config.Config{AdminJWTSecret: "admin-secret", TimestampSkew: 5 * time.Minute},
		Store:     store,
		Cache:     database.NewCache(rdb),
		Sink:      sink,
		Sessions:  sessions,
		Lifecycle: lifecycle,
		Logger:    logger,
	})
	srv := httptest.NewServer(adaptor.FiberApp(app))

	t.Cleanup(func() {
		srv.Close()
		sink.Stop()
		rdb.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	require.NoError(t, store.Licenses().Create(context.Background(), &models.LicenseKey{
		Key:         testKey,
		Status:      models.LicenseStatusActive,
		LicenseType: "pro",
		Features:    []string{"export"},
		ExpiresAt:   time.Now().UTC().Add(30 * 24 * time.Hour),
	}))

	return &serverEnv{url: srv.URL, store: store, lifecycle: lifecycle}
}

func TestClientValidateCheckMeLogout(t *testing.T) {
	env := newServer(t)
	client := New(Config{ServerURL: env.url, HWID: testHWID, ClientVersion: "1.2.3"})
	ctx := context.Background()

	resp, err := client.Validate(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "pro", resp.KeyStatus.Type)
	assert.True(t, client.IsValid())
	assert.NotEmpty(t, client.Token())

	status, err := client.CheckSession(ctx)
	require.NoError(t, err)
	assert.True(t, status.Valid)

	info, err := client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, testKey, info.LicenseKey)
	assert.Equal(t, []string{"export"}, info.Features)

	require.NoError(t, client.Logout(ctx))
	assert.Empty(t, client.Token())

	_, err = client.CheckSession(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestClientRevalidateUsesStoredKey(t *testing.T) {
	env := newServer(t)
	client := New(Config{ServerURL: env.url, HWID: testHWID})
	ctx := context.Background()

	_, err := client.Revalidate(ctx)
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = client.Validate(ctx, testKey)
	require.NoError(t, err)
	lic, err := env.store.Licenses().FindByKey(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, 1, lic.Attempts)

	_, err = client.Revalidate(ctx)
	require.NoError(t, err)

	lic, err = env.store.Licenses().FindByKey(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, lic.Attempts)
}

func TestClientRejectedKeyReportsReason(t *testing.T) {
	env := newServer(t)
	ctx := context.Background()

	owner := New(Config{ServerURL: env.url, HWID: testHWID})
	_, err := owner.Validate(ctx, testKey)
	require.NoError(t, err)

	thief := New(Config{ServerURL: env.url, HWID: "another-machine-01"})
	_, err = thief.Validate(ctx, testKey)
	require.Error(t, err)
	assert.Equal(t, ReasonHWIDMismatch, ReasonOf(err))
	assert.False(t, thief.IsValid())

	_, reason := thief.Status()
	assert.Equal(t, ReasonHWIDMismatch, reason)
}

func TestRefreshRevalidatesAfterRevoke(t *testing.T) {
	env := newServer(t)
	client := New(Config{ServerURL: env.url, HWID: testHWID})
	ctx := context.Background()

	_, err := client.Validate(ctx, testKey)
	require.NoError(t, err)
	first := client.Token()

	_, _, err = env.lifecycle.ResetHWID(ctx, testKey, services.AdminActor{Username: "admin"})
	require.NoError(t, err)

	client.Refresh(ctx)
	assert.True(t, client.IsValid())
	assert.NotEqual(t, first, client.Token())

	_, _, err = env.lifecycle.Ban(ctx, testKey, "abuse", services.AdminActor{Username: "admin"})
	require.NoError(t, err)

	client.Refresh(ctx)
	assert.False(t, client.IsValid())
	_, reason := client.Status()
	assert.Equal(t, ReasonBanned, reason)
}

func TestRefreshToleratesOutageWithinGracePeriod(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(Config{ServerURL: srv.URL, HWID: testHWID, GracePeriod: time.Hour})
	now := time.Now()
	client.now = func() time.Time { return now }
	client.Restore(testKey, "token")

	client.Refresh(context.Background())
	assert.True(t, client.IsValid())

	now = now.Add(2 * time.Hour)
	client.Refresh(context.Background())
	assert.False(t, client.IsValid())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRequireLicenseMiddleware(t *testing.T) {
	client := New(Config{ServerURL: "http://127.0.0.1:0", HWID: testHWID})

	app := fiber.New()
	app.Get("/reports", RequireLicense(client), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/reports", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)

	client.mutex.Lock()
	client.isValid = true
	client.mutex.Unlock()

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/reports", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
