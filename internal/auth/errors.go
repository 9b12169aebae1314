package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrProviderMismatch indicates the resource belongs to another provider.
	ErrProviderMismatch = errors.New("auth: provider mismatch")
)
