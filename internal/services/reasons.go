package services

import "errors"

// Stable machine-readable failure reasons returned to clients
const (
	ReasonNotFound          = "not_found"
	ReasonBanned            = "banned"
	ReasonSuspended         = "suspended"
	ReasonExpired           = "expired"
	ReasonHWIDMismatch      = "hwid_mismatch"
	ReasonRateLimitExceeded = "rate_limit_exceeded"
	ReasonServerError       = "server_error"
	ReasonTokenInvalid      = "token_invalid"
	ReasonSessionInvalid    = "session_invalid"
	ReasonInvalidRequest    = "invalid_request"
)

var (
	ErrTokenInvalid   = errors.New("session token is invalid")
	ErrInvalidStatus  = errors.New("operation not allowed in current license status")
	ErrInvalidRequest = errors.New("invalid request")
)
