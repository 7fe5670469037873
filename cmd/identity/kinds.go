package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrInvalidToken = errors.New("invalid_token")
	ErrConfig       = errors.New("invalid_config")
)
