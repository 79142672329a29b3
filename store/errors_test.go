package store

import (
	"errors"
	"testing"
)

func TestWrapWriteError_Classification(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"open /data/gantry.db: permission denied", ErrPermissionDenied},
		{"write /data: no space left on device", ErrDiskFull},
		{"stat /data/gantry.db: no such file or directory", ErrNotFound},
		{"dial tcp 10.0.0.5:6379: connection refused", ErrNetwork},
		{"context deadline exceeded", ErrTimeout},
	}

	for _, tc := range tests {
		wrapped := WrapWriteError(errors.New(tc.raw), "run-1")
		if !errors.Is(wrapped, tc.want) {
			t.Errorf("%q should classify as %v, got %v", tc.raw, tc.want, wrapped)
		}
	}
}

func TestWrapError_NilSafe(t *testing.T) {
	if WrapWriteError(nil, "x") != nil || WrapReadError(nil, "x") != nil {
		t.Error("wrapping nil should stay nil")
	}
}

func TestStorageError_PreservesChain(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	wrapped := WrapReadError(inner, "gantry:idem:abc")
	if !errors.Is(wrapped, inner) {
		t.Error("original error must stay in the chain")
	}

	var se *StorageError
	if !errors.As(wrapped, &se) {
		t.Fatal("expected *StorageError in chain")
	}
	if se.Op != "read" || se.Key != "gantry:idem:abc" {
		t.Errorf("unexpected op/key: %s %s", se.Op, se.Key)
	}
}
