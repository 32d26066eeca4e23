package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/proxpanel/license-server/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandlerHidesServerErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler(zap.New(core))})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New(`pq: password authentication failed for user "license"`)
	})
	app.Get("/gone", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusGone, "Key archived")
	})

	tests := []struct {
		name        string
		path        string
		wantCode    int
		wantMessage string
		wantLogged  int
	}{
		{"internal error is generic", "/boom", fiber.StatusInternalServerError, "Internal server error", 1},
		{"client error keeps message", "/gone", fiber.StatusGone, "Key archived", 0},
		{"unknown route", "/nope", fiber.StatusNotFound, "Cannot GET /nope", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := logs.Len()
			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, tt.path, nil), -1)
			require.NoError(t, err)
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			var out map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &out), string(data))

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantMessage, out["message"])
			assert.NotContains(t, string(data), "password authentication")
			assert.Equal(t, tt.wantLogged, logs.Len()-before)
		})
	}

	entries := logs.FilterMessage("Request failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "password authentication")
}

func TestServerErrorCarriesReason(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler(zap.NewNop())})
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("redis: connection pool timeout") })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, services.ReasonServerError, out["reason"])
	assert.Equal(t, false, out["success"])
}

func TestLicenseKeyValidationIsRegistered(t *testing.T) {
	assert.NotPanics(t, func() { newValidator() })
	assert.NoError(t, validate.Var(testKey, "licensekey"))
	assert.Error(t, validate.Var("not-a-key", "licensekey"))
}
