package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for storage failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrRunNotFound indicates the run id has no persisted state.
	ErrRunNotFound = errors.New("run not found")

	// ErrPermissionDenied indicates a permission/access failure.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound indicates the target path/resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDiskFull indicates storage is out of space.
	ErrDiskFull = errors.New("no space left on device")

	// ErrTimeout indicates a storage operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrNetwork indicates a network-level failure reaching a remote
	// backend (Redis, S3).
	ErrNetwork = errors.New("network error")
)

// StorageError wraps an underlying error with storage classification.
// The original error stays in the chain for errors.As inspection.
type StorageError struct {
	// Kind is the sentinel error for classification.
	Kind error
	// Op is the operation that failed (e.g. "write", "read").
	Op string
	// Key is the storage key or path involved, if any.
	Key string
	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether the error matches the target sentinel.
func (e *StorageError) Is(target error) bool { return errors.Is(e.Kind, target) }

// WrapWriteError classifies and wraps a write failure. Nil-safe.
func WrapWriteError(err error, key string) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: classify(err), Op: "write", Key: key, Err: err}
}

// WrapReadError classifies and wraps a read failure. Nil-safe.
func WrapReadError(err error, key string) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: classify(err), Op: "read", Key: key, Err: err}
}

// classify determines the sentinel for err by type, then by message
// patterns.
func classify(err error) error {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission denied", "eacces", "access denied", "forbidden"):
		return ErrPermissionDenied
	case containsAny(msg, "no such file", "does not exist", "not found", "enoent", "nosuchkey"):
		return ErrNotFound
	case containsAny(msg, "no space left", "disk full", "enospc"):
		return ErrDiskFull
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case containsAny(msg, "connection refused", "no route to host", "network unreachable", "dial tcp", "i/o timeout", "broken pipe"):
		return ErrNetwork
	default:
		return errors.New("storage error")
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
