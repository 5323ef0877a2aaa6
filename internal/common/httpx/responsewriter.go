package httpx

import (
	"net/http"
	"sync"
)

// ResponseWriter is a wrapper around http.ResponseWriter that tracks if headers were written.
// It is safe for a handler goroutine and a timeout watcher to race on it: once MarkTimedOut
// wins, later writes from the handler are discarded.
type ResponseWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	written  bool
	timedOut bool
	status   int
}

// NewResponseWriter creates a new ResponseWriter wrapping the provided http.ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w}
}

// WriteHeader implements http.ResponseWriter.WriteHeader.
// If headers were already written, this is a no-op.
func (rw *ResponseWriter) WriteHeader(code int) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.writeHeaderLocked(code)
}

func (rw *ResponseWriter) writeHeaderLocked(code int) {
	if rw.written || rw.timedOut {
		return
	}
	rw.status = code
	rw.written = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write implements http.ResponseWriter.Write.
// If headers were not written, writes StatusOK (200) header first.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !rw.written {
		rw.writeHeaderLocked(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// MarkTimedOut stops further writes through the wrapper. It reports true when nothing
// had been written yet, in which case the caller owns the underlying writer.
func (rw *ResponseWriter) MarkTimedOut() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.timedOut = true
	return !rw.written
}

// Written reports whether headers or body were written.
func (rw *ResponseWriter) Written() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.written
}

// Status returns the status code. Returns http.StatusOK (200) if not set.
func (rw *ResponseWriter) Status() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}
