package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"sync"
)

// teeBufferCap bounds how much raw SSE a tee keeps in memory for the
// provider-response record. Streams larger than this are truncated in the
// snapshot; the client still receives every byte.
const teeBufferCap = 1 << 20

// TeeReader passes an upstream stream through while keeping a capped copy.
// On Close it hands the captured text to the flush callback exactly once,
// then closes the underlying body.
type TeeReader struct {
	inner io.ReadCloser
	flush func(raw string, truncated bool)

	mu        sync.Mutex
	buf       []byte
	truncated bool
	flushed   bool

	file *os.File
}

// NewTeeReader wraps body. flush receives the captured bytes on Close; a
// nil flush disables capture entirely and the reader is a passthrough.
func NewTeeReader(body io.ReadCloser, flush func(raw string, truncated bool)) *TeeReader {
	return &TeeReader{inner: body, flush: flush}
}

// CaptureToFile additionally mirrors the raw stream to path, creating
// parent directories. File errors disable the mirror silently; the capture
// is debugging aid, never load-bearing.
func (t *TeeReader) CaptureToFile(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return
	}
	t.file = f
}

// Read implements io.Reader.
func (t *TeeReader) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	if n > 0 {
		t.capture(p[:n])
	}
	return n, err
}

func (t *TeeReader) capture(p []byte) {
	t.mu.Lock()
	if t.flush != nil && !t.truncated {
		remain := teeBufferCap - len(t.buf)
		if remain >= len(p) {
			t.buf = append(t.buf, p...)
		} else {
			t.buf = append(t.buf, p[:remain]...)
			t.truncated = true
		}
	}
	t.mu.Unlock()

	if t.file != nil {
		_, _ = t.file.Write(p)
	}
}

// Close flushes the capture and closes the upstream body.
func (t *TeeReader) Close() error {
	t.mu.Lock()
	if t.flush != nil && !t.flushed {
		t.flushed = true
		raw, truncated := string(t.buf), t.truncated
		t.mu.Unlock()
		t.flush(raw, truncated)
	} else {
		t.mu.Unlock()
	}

	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	return t.inner.Close()
}
