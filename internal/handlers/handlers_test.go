package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/proxpanel/license-server/internal/config"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/middleware"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/proxpanel/license-server/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testKey  = "KEY-AAAA-1111-BBBB-2222"
	testHWID = "hwid-0123456789"
)

type apiEnv struct {
	app   *fiber.App
	db    *gorm.DB
	store *database.Store
	mr    *miniredis.Miniredis
	sink  *services.AuditSink
	cfg   *config.Config
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db, err := database.OpenSQLite("")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	store := database.NewStore(db)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		AdminJWTSecret:        "admin-secret",
		AdminJWTExpireHours:   1,
		TimestampSkew:         5 * time.Minute,
		MaxAdminLoginAttempts: 3,
	}

	logger := zap.NewNop()
	sink := services.NewAuditSink(store, logger, 256)
	detector := services.NewSuspicionDetector(store, rdb, sink, services.SuspicionPolicy{
		Threshold: 1000, Window: time.Hour, Policy: config.PolicyLog,
	}, logger)
	sink.OnWrite(detector.Observe)
	sink.Start()

	limiter := services.NewRateLimiter(rdb, 1000, time.Hour)
	governor := services.NewAttemptGovernor(store, limiter, detector, 0, logger)
	sessions := services.NewSessionManager(store, sink, "session-secret", 7*24*time.Hour, time.Second, logger)
	lifecycle := services.NewLicenseLifecycle(store, governor, sessions, sink, logger)

	app := NewApp(Deps{
		Config:    cfg,
		Store:     store,
		Cache:     database.NewCache(rdb),
		Sink:      sink,
		Sessions:  sessions,
		Lifecycle: lifecycle,
		Logger:    logger,
	})

	t.Cleanup(func() {
		sink.Stop()
		rdb.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return &apiEnv{app: app, db: db, store: store, mr: mr, sink: sink, cfg: cfg}
}

func (e *apiEnv) seedKey(t *testing.T, key string) {
	t.Helper()
	require.NoError(t, e.store.Licenses().Create(context.Background(), &models.LicenseKey{
		Key:         key,
		Status:      models.LicenseStatusActive,
		LicenseType: "pro",
		Features:    []string{"export"},
		ExpiresAt:   time.Now().UTC().Add(30 * 24 * time.Hour),
	}))
}

func (e *apiEnv) seedAdmin(t *testing.T, username, password string) *models.User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	user := &models.User{Username: username, Password: hash, UserType: models.UserTypeAdmin, IsActive: true}
	require.NoError(t, e.store.Users().Create(context.Background(), user))
	return user
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}, http.Header) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out, resp.Header
}

func (e *apiEnv) validateKey(t *testing.T, key, hwid string) (int, map[string]interface{}) {
	t.Helper()
	status, body, _ := e.do(t, http.MethodPost, "/api/v1/license/validate", fiber.Map{
		"key":       key,
		"hwid":      hwid,
		"timestamp": time.Now().UTC(),
	}, nil)
	return status, body
}

func (e *apiEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	status, body, _ := e.do(t, http.MethodPost, "/api/admin/auth/login", fiber.Map{
		"username": username,
		"password": password,
	}, nil)
	require.Equal(t, fiber.StatusOK, status, body)
	return body["token"].(string)
}

func bearer(token string) map[string]string {
	return map[string]string{fiber.HeaderAuthorization: "Bearer " + token}
}

func TestValidateEndpointIssuesSession(t *testing.T) {
	env := newAPIEnv(t)
	env.seedKey(t, testKey)

	status, body := env.validateKey(t, testKey, testHWID)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["sessionToken"])
	assert.NotEmpty(t, body["sessionExpiry"])

	keyStatus := body["keyStatus"].(map[string]interface{})
	assert.Equal(t, "pro", keyStatus["type"])
	assert.Equal(t, []interface{}{"export"}, keyStatus["features"])
}

func TestValidateEndpointFailureStatuses(t *testing.T) {
	env := newAPIEnv(t)
	env.seedKey(t, testKey)

	status, body := env.validateKey(t, "KEY-ZZZZ-ZZZZ-ZZZZ-ZZZZ", testHWID)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, services.ReasonNotFound, body["reason"])

	status, _ = env.validateKey(t, testKey, testHWID)
	require.Equal(t, fiber.StatusOK, status)

	status, body = env.validateKey(t, testKey, "other-hwid-9876543210")
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, services.ReasonHWIDMismatch, body["reason"])
}

func TestValidateEndpointRejectsBadRequests(t *testing.T) {
	env := newAPIEnv(t)
	env.seedKey(t, testKey)

	status, body := env.validateKey(t, "not-a-key", testHWID)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, services.ReasonInvalidRequest, body["reason"])

	status, body, _ = env.do(t, http.MethodPost, "/api/v1/license/validate", fiber.Map{
		"key":       testKey,
		"hwid":      testHWID,
		"timestamp": time.Now().UTC().Add(-time.Hour),
	}, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, services.ReasonInvalidRequest, body["reason"])

	// Nothing was bound by the rejected requests
	lic, err := env.store.Licenses().FindByKey(context.Background(), testKey)
	require.NoError(t, err)
	assert.Nil(t, lic.HWID)
}

func TestSessionCheckMeAndLogout(t *testing.T) {
	env := newAPIEnv(t)
	env.seedKey(t, testKey)

	_, body := env.validateKey(t, testKey, testHWID)
	token := body["sessionToken"].(string)

	status, body, _ := env.do(t, http.MethodPost, "/api/v1/session/check", fiber.Map{
		"sessionToken": token,
		"hwid":         testHWID,
	}, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["valid"])

	status, body, _ = env.do(t, http.MethodPost, "/api/v1/session/check", fiber.Map{
		"sessionToken": token,
		"hwid":         "other-hwid-9876543210",
	}, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, services.ReasonHWIDMismatch, body["reason"])

	headers := bearer(token)
	headers[middleware.HeaderHWID] = testHWID
	status, body, _ = env.do(t, http.MethodGet, "/api/v1/session/me", nil, headers)
	require.Equal(t, fiber.StatusOK, status, body)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, testKey, data["licenseKey"])
	assert.Equal(t, "pro", data["licenseType"])

	status, _, _ = env.do(t, http.MethodPost, "/api/v1/session/logout", nil, bearer(token))
	assert.Equal(t, fiber.StatusOK, status)

	// Repeated logout still succeeds
	status, _, _ = env.do(t, http.MethodPost, "/api/v1/session/logout", nil, bearer(token))
	assert.Equal(t, fiber.StatusOK, status)

	status, body, _ = env.do(t, http.MethodGet, "/api/v1/session/me", nil, headers)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, services.ReasonSessionInvalid, body["reason"])
}

func TestLogoutRejectsGarbageToken(t *testing.T) {
	env := newAPIEnv(t)

	status, body, _ := env.do(t, http.MethodPost, "/api/v1/session/logout", nil, bearer("garbage"))
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, services.ReasonTokenInvalid, body["reason"])
}

func TestAdminBanRevokesClientSession(t *testing.T) {
	env := newAPIEnv(t)
	env.seedKey(t, testKey)
	env.seedAdmin(t, "admin", "correct-horse")

	_, body := env.validateKey(t, testKey, testHWID)
	sessionToken := body["sessionToken"].(string)

	adminToken := env.login(t, "admin", "correct-horse")
	status, body, _ := env.do(t, http.MethodPost, "/api/admin/keys/"+testKey+"/ban", fiber.Map{
		"reason": "chargeback",
	}, bearer(adminToken))
	require.Equal(t, fiber.StatusOK, status, body)

	status, body, _ = env.do(t, http.MethodPost, "/api/v1/session/check", fiber.Map{
		"sessionToken": sessionToken,
		"hwid":         testHWID,
	}, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, services.ReasonSessionInvalid, body["reason"])

	status, body = env.validateKey(t, testKey, testHWID)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, services.ReasonBanned, body["reason"])

	env.sink.Flush()
	var banned []models.AuditEvent
	require.NoError(t, env.db.Where("event_type = ?", models.AuditKeyBanned).Find(&banned).Error)
	require.Len(t, banned, 1)
	assert.Equal(t, models.SeverityCritical, banned[0].Severity)
	assert.Equal(t, "admin", banned[0].Actor)
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	env := newAPIEnv(t)
	env.seedKey(t, testKey)

	status, _, _ := env.do(t, http.MethodPost, "/api/admin/keys/"+testKey+"/ban", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	hash, err := HashPassword("viewer-pass")
	require.NoError(t, err)
	require.NoError(t, env.store.Users().Create(context.Background(), &models.User{
		Username: "viewer", Password: hash, UserType: models.UserTypeReadonly, IsActive: true,
	}))
	token := env.login(t, "viewer", "viewer-pass")

	status, _, _ = env.do(t, http.MethodGet, "/api/admin/keys/"+testKey, nil, bearer(token))
	assert.Equal(t, fiber.StatusOK, status)

	status, _, _ = env.do(t, http.MethodPost, "/api/admin/keys/"+testKey+"/ban", nil, bearer(token))
	assert.Equal(t, fiber.StatusForbidden, status)
}

func TestAdminLogoutBlacklistsToken(t *testing.T) {
	env := newAPIEnv(t)
	env.seedAdmin(t, "admin", "correct-horse")
	token := env.login(t, "admin", "correct-horse")

	status, _, _ := env.do(t, http.MethodGet, "/api/admin/auth/me", nil, bearer(token))
	require.Equal(t, fiber.StatusOK, status)

	status, _, _ = env.do(t, http.MethodPost, "/api/admin/auth/logout", nil, bearer(token))
	require.Equal(t, fiber.StatusOK, status)

	status, _, _ = env.do(t, http.MethodGet, "/api/admin/auth/me", nil, bearer(token))
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestAdminLoginLockout(t *testing.T) {
	env := newAPIEnv(t)
	env.seedAdmin(t, "admin", "correct-horse")

	for i := 0; i < env.cfg.MaxAdminLoginAttempts; i++ {
		status, _, _ := env.do(t, http.MethodPost, "/api/admin/auth/login", fiber.Map{
			"username": "admin",
			"password": "wrong",
		}, nil)
		require.Equal(t, fiber.StatusUnauthorized, status)
	}

	// Even the right password is refused while locked out
	status, _, _ := env.do(t, http.MethodPost, "/api/admin/auth/login", fiber.Map{
		"username": "admin",
		"password": "correct-horse",
	}, nil)
	assert.Equal(t, fiber.StatusTooManyRequests, status)

	env.mr.FastForward(loginBlockDuration)
	env.login(t, "admin", "correct-horse")

	env.sink.Flush()
	var failed int64
	require.NoError(t, env.db.Model(&models.AuditEvent{}).
		Where("event_type = ?", models.AuditAdminLoginFailed).Count(&failed).Error)
	assert.Equal(t, int64(env.cfg.MaxAdminLoginAttempts), failed)
}

func TestAuditStatsAreCached(t *testing.T) {
	env := newAPIEnv(t)
	env.seedKey(t, testKey)
	env.seedAdmin(t, "admin", "correct-horse")
	token := env.login(t, "admin", "correct-horse")

	env.validateKey(t, testKey, testHWID)
	env.sink.Flush()

	status, body, _ := env.do(t, http.MethodGet, "/api/admin/audit/stats", nil, bearer(token))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Nil(t, body["cached"])
	assert.NotEmpty(t, body["data"])

	status, body, _ = env.do(t, http.MethodGet, "/api/admin/audit/stats", nil, bearer(token))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["cached"])

	status, body, _ = env.do(t, http.MethodGet, "/api/admin/audit?type=key_validation_success", nil, bearer(token))
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 1)
}

func TestHealthFailsClosed(t *testing.T) {
	env := newAPIEnv(t)

	status, body, _ := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	env.mr.SetError("ERR server down")
	status, body, _ = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body["status"])
}
