package testutil

import (
	"bytes"
	"io"
	"log"
	"sync"
	"testing"
)

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// TestLogger returns a logger that writes through t.Log. Output is discarded
// once the test completes so late writes from server goroutines are safe.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(testWriter{t: t}, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}

// Buffer is a bytes.Buffer that is safe for concurrent use.
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

// CaptureLogger returns a logger whose output is recorded in the returned
// buffer.
func CaptureLogger(t *testing.T) (*log.Logger, *Buffer) {
	buf := &Buffer{}
	logger := log.New(buf, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger, buf
}
