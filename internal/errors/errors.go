package errors

import "errors"

// Storage errors.
var (
	ErrLocalPersistence  = errors.New("local storage write failed")
	ErrQuotaExceeded     = errors.New("local storage quota exceeded")
	ErrRemoteUnavailable = errors.New("cloud storage unavailable")
)

// Profile service errors.
var (
	ErrServiceUnavailable = errors.New("profile service unavailable")
	ErrNoIdentity         = errors.New("telegram user id not resolved")
)

// Backup errors.
var (
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)
