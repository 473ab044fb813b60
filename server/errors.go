package server

import (
	"context"
	"errors"
	"net"

	"golang.org/x/oauth2"
)

// Failure categories used for audit logging and outcome reasons.
var (
	ErrConfig              = errors.New("configuration error")
	ErrProviderUnreachable = errors.New("provider unreachable")
	ErrCodeRejected        = errors.New("code rejected")
	ErrProviderError       = errors.New("provider error")
	ErrTokenValidation     = errors.New("token validation failed")
	ErrClaimsMapping       = errors.New("claims mapping failed")
	ErrInvalidState        = errors.New("invalid state")
	ErrRefresh             = errors.New("refresh failed")
	ErrNoSession           = errors.New("no session")
	ErrConflict            = errors.New("session version conflict")
)

var categories = []error{
	ErrConfig,
	ErrProviderUnreachable,
	ErrCodeRejected,
	ErrProviderError,
	ErrTokenValidation,
	ErrClaimsMapping,
	ErrInvalidState,
	ErrRefresh,
	ErrNoSession,
	ErrConflict,
}

// Category returns the failure category of err as a short string.
func Category(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		if errors.Is(err, c) {
			return c.Error()
		}
	}
	return "internal error"
}

// classifyProviderError maps a transport or token endpoint error into the
// provider failure taxonomy.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrProviderUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrProviderUnreachable
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return ErrProviderUnreachable
		}
		return ErrCodeRejected
	}
	return ErrProviderError
}
