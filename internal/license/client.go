package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/proxpanel/license-server/internal/security"
	"go.uber.org/zap"
)

// Reasons returned by the license server that the client reacts to
const (
	ReasonNotFound          = "not_found"
	ReasonBanned            = "banned"
	ReasonSuspended         = "suspended"
	ReasonExpired           = "expired"
	ReasonHWIDMismatch      = "hwid_mismatch"
	ReasonRateLimitExceeded = "rate_limit_exceeded"
	ReasonTokenInvalid      = "token_invalid"
	ReasonSessionInvalid    = "session_invalid"
	ReasonServerError       = "server_error"

	headerHWID = "X-HWID"
)

var (
	ErrNoKey     = errors.New("no license key has been validated")
	ErrNoSession = errors.New("no active session")
)

// Config holds license client configuration
type Config struct {
	ServerURL     string
	HWID          string
	ClientVersion string
	CheckInterval time.Duration
	// GracePeriod is how long the client stays valid while the server is unreachable
	GracePeriod time.Duration
	Timeout     time.Duration
	// PinnedKeys are base64 SPKI sha256 pins of the server certificate
	PinnedKeys []string
	Logger     *zap.Logger
}

// KeyStatus is the entitlement block returned on successful validation
type KeyStatus struct {
	Type       string    `json:"type"`
	Features   []string  `json:"features"`
	ValidUntil time.Time `json:"validUntil"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ValidateResponse mirrors the validate endpoint response
type ValidateResponse struct {
	Success       bool       `json:"success"`
	Reason        string     `json:"reason,omitempty"`
	Message       string     `json:"message,omitempty"`
	SessionToken  string     `json:"sessionToken,omitempty"`
	SessionExpiry *time.Time `json:"sessionExpiry,omitempty"`
	LicenseExpiry *time.Time `json:"licenseExpiry,omitempty"`
	KeyStatus     *KeyStatus `json:"keyStatus,omitempty"`
	RetryAfter    int        `json:"retryAfter,omitempty"`
}

// SessionStatus mirrors the check-session endpoint response
type SessionStatus struct {
	Valid        bool       `json:"valid"`
	Reason       string     `json:"reason,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// SessionInfo is the entitlement view of the current session
type SessionInfo struct {
	SessionID     string    `json:"sessionId"`
	LicenseKey    string    `json:"licenseKey"`
	HWID          string    `json:"hwid"`
	LicenseType   string    `json:"licenseType"`
	Features      []string  `json:"features"`
	SessionExpiry time.Time `json:"sessionExpiry"`
	LicenseExpiry time.Time `json:"licenseExpiry"`
	LicenseStatus string    `json:"licenseStatus"`
	LastActivity  time.Time `json:"lastActivity"`
}

// APIError is a rejection reported by the license server
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("license server: %s (%s)", e.Message, e.Reason)
	}
	return fmt.Sprintf("license server: status %d (%s)", e.StatusCode, e.Reason)
}

// ReasonOf extracts the server reason from an error, or "" when there is none
func ReasonOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// Terminal reports whether the reason means the key itself is unusable,
// as opposed to a transient or session-level failure
func Terminal(reason string) bool {
	switch reason {
	case ReasonNotFound, ReasonBanned, ReasonSuspended, ReasonExpired, ReasonHWIDMismatch:
		return true
	}
	return false
}

// Client handles license validation and communication
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mutex     sync.RWMutex
	key       string
	token     string
	status    *KeyStatus
	expiry    time.Time
	isValid   bool
	lastCheck time.Time
	reason    string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a client. The HWID defaults to this machine's fingerprint.
func New(config Config) *Client {
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")
	if config.HWID == "" {
		config.HWID = security.HardwareFingerprint()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 5 * time.Minute
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 24 * time.Hour
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var httpClient *http.Client
	if len(config.PinnedKeys) > 0 {
		httpClient = security.NewPinnedHTTPClient(config.PinnedKeys, config.Timeout)
	} else {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger.Named("license-client"),
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// HWID returns the hardware id this client presents
func (c *Client) HWID() string {
	return c.config.HWID
}

// Validate validates a key typed in by the user and opens a session
func (c *Client) Validate(ctx context.Context, key string) (*ValidateResponse, error) {
	return c.validate(ctx, key, false)
}

// Revalidate validates the remembered key again. The server does not count
// these toward the key's daily attempts.
func (c *Client) Revalidate(ctx context.Context) (*ValidateResponse, error) {
	c.mutex.RLock()
	key := c.key
	c.mutex.RUnlock()
	if key == "" {
		return nil, ErrNoKey
	}
	return c.validate(ctx, key, true)
}

func (c *Client) validate(ctx context.Context, key string, fromStoredKey bool) (*ValidateResponse, error) {
	body := map[string]interface{}{
		"key":           key,
		"hwid":          c.config.HWID,
		"timestamp":     c.now().UTC(),
		"fromStoredKey": fromStoredKey,
		"clientVersion": c.config.ClientVersion,
	}

	var resp ValidateResponse
	status, header, err := c.do(ctx, http.MethodPost, "/api/v1/license/validate", body, "", &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		apiErr := &APIError{StatusCode: status, Reason: resp.Reason, Message: resp.Message}
		if resp.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(resp.RetryAfter) * time.Second
		} else if s, convErr := strconv.Atoi(header.Get("Retry-After")); convErr == nil {
			apiErr.RetryAfter = time.Duration(s) * time.Second
		}
		c.recordFailure(resp.Reason)
		return &resp, apiErr
	}

	c.mutex.Lock()
	c.key = key
	c.token = resp.SessionToken
	c.status = resp.KeyStatus
	if resp.SessionExpiry != nil {
		c.expiry = *resp.SessionExpiry
	}
	c.isValid = true
	c.reason = ""
	c.lastCheck = c.now()
	c.mutex.Unlock()

	return &resp, nil
}

// CheckSession asks the server whether the current session is still valid
func (c *Client) CheckSession(ctx context.Context) (*SessionStatus, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNoSession
	}

	var resp SessionStatus
	status, _, err := c.do(ctx, http.MethodPost, "/api/v1/session/check", map[string]string{
		"sessionToken": token,
		"hwid":         c.config.HWID,
	}, "", &resp)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusInternalServerError {
		return nil, &APIError{StatusCode: status, Reason: resp.Reason}
	}

	if resp.Valid {
		c.mutex.Lock()
		c.lastCheck = c.now()
		c.mutex.Unlock()
	}
	return &resp, nil
}

// Logout revokes the current session on the server
func (c *Client) Logout(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return ErrNoSession
	}

	var resp struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	status, _, err := c.do(ctx, http.MethodPost, "/api/v1/session/logout", nil, token, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &APIError{StatusCode: status, Reason: resp.Reason, Message: resp.Message}
	}

	c.mutex.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mutex.Unlock()
	return nil
}

// Me returns the entitlements of the current session
func (c *Client) Me(ctx context.Context) (*SessionInfo, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNoSession
	}

	var resp struct {
		Success bool        `json:"success"`
		Reason  string      `json:"reason"`
		Message string      `json:"message"`
		Data    SessionInfo `json:"data"`
	}
	status, _, err := c.do(ctx, http.MethodGet, "/api/v1/session/me", nil, token, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIError{StatusCode: status, Reason: resp.Reason, Message: resp.Message}
	}
	return &resp.Data, nil
}

// Restore loads a key and session token persisted from an earlier run
func (c *Client) Restore(key, token string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.key = key
	c.token = token
	c.isValid = token != ""
	c.lastCheck = c.now()
}

// Key returns the remembered license key
func (c *Client) Key() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.key
}

// Token returns the current session token
func (c *Client) Token() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.token
}

// IsValid returns whether the license is currently considered valid
func (c *Client) IsValid() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.isValid
}

// Status returns the last known entitlements and the last rejection reason
func (c *Client) Status() (*KeyStatus, string) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.status, c.reason
}

func (c *Client) recordFailure(reason string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.reason = reason
	if Terminal(reason) {
		c.isValid = false
		c.token = ""
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, bearer string, out interface{}) (int, http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.ServerURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set(headerHWID, c.config.HWID)
	}
	if c.config.ClientVersion != "" {
		req.Header.Set("User-Agent", "license-client/"+c.config.ClientVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to contact license server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, resp.Header, err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, resp.Header, fmt.Errorf("invalid response from license server (status %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, resp.Header, nil
}
