package session

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAccessDenied    = errors.New("access denied")
)
