package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record or operation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConfig marks configuration errors. They are fatal at load time
	// and reject a reload while keeping the previous mapping set active.
	ErrConfig = errors.New("configuration error")
)

// FatalError wraps an error that must not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal checks if an error is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// MappingError reports a per-event field mapping failure.
// Permanent failures (missing required field, undeclared enum value with no
// default) go straight to dead; transient ones are retried.
type MappingError struct {
	Field     string
	Reason    string
	Permanent bool
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping error on field %q: %s", e.Field, e.Reason)
}

// LookupError reports a failed foreign-key-by-name resolution.
type LookupError struct {
	EntityType string
	Name       string
	Err        error
	Permanent  bool
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup of %s %q failed: %v", e.EntityType, e.Name, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// RemoteError reports a failed remote write or read. Transient by default;
// the queue retries it per backoff policy.
type RemoteError struct {
	System     System
	EntityType string
	Key        string
	Err        error
	Permanent  bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s %s/%s: %v", e.System, e.EntityType, e.Key, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is marked as not worth retrying.
func IsPermanent(err error) bool {
	if IsFatal(err) {
		return true
	}
	var me *MappingError
	if errors.As(err, &me) {
		return me.Permanent
	}
	var le *LookupError
	if errors.As(err, &le) {
		return le.Permanent
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Permanent
	}
	return false
}
