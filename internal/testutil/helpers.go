// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bytes"
	"os"
	"sync"
	"testing"
)

// RequireVsock skips the test unless OUTPOST_VSOCK_TEST is set. Those tests
// need a kernel with the vsock loopback transport loaded.
func RequireVsock(t *testing.T) {
	t.Helper()
	if os.Getenv("OUTPOST_VSOCK_TEST") == "" {
		t.Skip("Skipping test: requires OUTPOST_VSOCK_TEST environment")
	}
}

// Buffer is a bytes.Buffer safe for one writer goroutine and concurrent
// readers.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
