package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that records the status and headers of the response.
// If the status code equals the filter, the response is held back: the headers and body are kept in a buffer
// and nothing reaches the underlying http.ResponseWriter until Replay is called.
// Responses with any other status are written through.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	held         bool
	replayed     bool
	statusFilter int
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// informational responses go out right away, the final status is still to come
	if statusCode >= 100 && statusCode < 200 && statusCode != http.StatusSwitchingProtocols {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
		return
	}
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// hold the response if status code equals filter
	if statusCode != 0 && statusCode == t.statusFilter {
		t.held = true
		return
	}
	t.passThrough()
	t.rw.WriteHeader(statusCode)
}

// passThrough copies the headers to the underlying writer and lets later
// header changes, such as trailers, go to it directly.
func (t *ResponseSaver) passThrough() {
	copyHeader(t.rw.Header(), t.header)
	t.header = t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.held {
		return t.b.Write(b)
	}
	return t.rw.Write(b)
}

// Flush implements http.Flusher. Held responses are not flushed.
func (t *ResponseSaver) Flush() {
	if t.held {
		return
	}
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying http.ResponseWriter, for http.ResponseController.
func (t *ResponseSaver) Unwrap() http.ResponseWriter {
	return t.rw
}

// Finish must be called once the wrapped handler returned.
// If the handler set headers but never wrote anything, they are copied to the
// underlying writer so that the implicit 200 response carries them.
func (t *ResponseSaver) Finish() {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = http.StatusOK
	t.passThrough()
}

// Held reports whether the response was held back because of the status filter.
func (t *ResponseSaver) Held() bool {
	return t.held
}

// Replay writes a held response to the underlying http.ResponseWriter, exactly as it was produced.
// It does nothing if the response was not held or was already replayed.
func (t *ResponseSaver) Replay() error {
	if !t.held || t.replayed {
		return nil
	}
	t.replayed = true
	copyHeader(t.rw.Header(), t.header)
	t.rw.WriteHeader(t.status)
	_, err := t.rw.Write(t.b.Bytes())
	return err
}

// Response returns the held response body.
func (t *ResponseSaver) Response() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// NewResponseSaver returns a new ResponseSaver writing to w.
// A response with the optional filter status is held instead of written.
func NewResponseSaver(w http.ResponseWriter, statusFilter ...int) *ResponseSaver {
	rs := &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
		header:    http.Header{},
	}
	if len(statusFilter) == 1 {
		rs.statusFilter = statusFilter[0]
	}
	return rs
}

// copyHeader sets every header of src on dst, replacing values of the same key.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}
