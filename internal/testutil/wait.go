// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// DefaultTimeout bounds every helper wait.
const DefaultTimeout = 5 * time.Second

// Recv returns the next value from ch, failing the test after
// DefaultTimeout.
func Recv[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for a value")
		}
		return v
	case <-time.After(DefaultTimeout):
		t.Fatalf("timed out after %s waiting for a value", DefaultTimeout)
	}
	var zero T
	return zero
}

// NoRecv fails the test if ch yields a value within d.
func NoRecv[T any](t testing.TB, ch <-chan T, d time.Duration) {
	t.Helper()

	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value: %v", v)
		}
	case <-time.After(d):
	}
}

// SocketDir returns a short-lived directory for unix sockets. Socket paths
// are limited to about 100 bytes, which t.TempDir can exceed.
func SocketDir(t testing.TB) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "sbt")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// SocketPath returns a fresh socket path inside SocketDir.
func SocketPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(SocketDir(t), "socket")
}
