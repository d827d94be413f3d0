package storage

import (
	"errors"
	"fmt"

	klyroerrors "github.com/klyro-app/klyro-sync/internal/errors"
)

// Remote operations that can degrade.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpRemove = "remove"
)

// LocalPersistenceError reports a failed local tier write. It is the only
// error a write surfaces to callers.
type LocalPersistenceError struct {
	Key string
	Err error
}

func (e *LocalPersistenceError) Error() string {
	return fmt.Sprintf("persisting %q locally: %v", e.Key, e.Err)
}

func (e *LocalPersistenceError) Unwrap() error { return e.Err }

// Is matches ErrLocalPersistence so callers need not know the type.
func (e *LocalPersistenceError) Is(target error) bool {
	return target == klyroerrors.ErrLocalPersistence
}

// QuotaExceeded reports whether the write failed because the local tier
// is full.
func (e *LocalPersistenceError) QuotaExceeded() bool {
	return errors.Is(e.Err, klyroerrors.ErrQuotaExceeded)
}

// RemoteError is a remote tier failure the store absorbed. It is never
// returned from store operations; it is logged, counted and passed to
// Options.OnDegrade.
type RemoteError struct {
	Op  string
	Key string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("cloud %s of %q: %v", e.Op, e.Key, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool {
	return target == klyroerrors.ErrRemoteUnavailable
}
