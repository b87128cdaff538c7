package tee

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPassThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec, http.StatusNotFound)
	rs.Header().Set("Content-Type", "text/plain")
	rs.Write([]byte("hello"))

	if rs.Held() {
		t.Fatalf("200 response should not be held")
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("headers not copied: %v", rec.Header())
	}
}

func TestHoldAndReplay(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec, http.StatusNotFound)
	rs.Header().Set("X-Origin", "yes")
	rs.WriteHeader(http.StatusNotFound)
	rs.Write([]byte("not "))
	rs.Write([]byte("found"))

	if !rs.Held() {
		t.Fatalf("404 response should be held")
	}
	if rec.Body.Len() != 0 || len(rec.Header()) != 0 || rec.Flushed {
		t.Fatalf("held response leaked to client")
	}
	if rs.StatusCode() != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rs.StatusCode())
	}
	if string(rs.Response()) != "not found" {
		t.Fatalf("unexpected held body %q", rs.Response())
	}

	if err := rs.Replay(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	rs.Replay()
	if rec.Code != http.StatusNotFound || rec.Body.String() != "not found" {
		t.Fatalf("unexpected replay %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Origin") != "yes" {
		t.Fatalf("replay lost headers: %v", rec.Header())
	}
}

func TestFlushHeldIsNoop(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec, http.StatusNotFound)
	rs.WriteHeader(http.StatusNotFound)
	rs.Flush()
	if rec.Flushed {
		t.Fatalf("held response should not be flushed")
	}
}

func TestNoFilter(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec)
	rs.WriteHeader(http.StatusNotFound)
	if rs.Held() || rec.Code != http.StatusNotFound {
		t.Fatalf("without filter nothing should be held")
	}
}

func TestImplicitOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec, http.StatusNotFound)
	rs.Header().Set("X-Only-Header", "1")
	rs.Finish()
	if rs.Held() || rs.StatusCode() != http.StatusOK {
		t.Fatalf("expected implicit 200, got %d", rs.StatusCode())
	}
	if rec.Header().Get("X-Only-Header") != "1" {
		t.Fatalf("headers of implicit 200 lost: %v", rec.Header())
	}
}

func TestHeadersAfterWriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec, http.StatusNotFound)
	rs.Header().Set("Trailer", "X-Checksum")
	rs.WriteHeader(http.StatusOK)
	rs.Write([]byte("body"))
	rs.Header().Set("X-Checksum", "abc")
	rs.Header().Set(http.TrailerPrefix+"X-Late", "def")
	rs.Finish()

	res := rec.Result()
	if res.Trailer.Get("X-Checksum") != "abc" || res.Trailer.Get("X-Late") != "def" {
		t.Fatalf("trailers lost: %v", res.Trailer)
	}
}

// statusWriter records every status written, including informational ones.
type statusWriter struct {
	header   http.Header
	statuses []int
	links    []string
}

func (w *statusWriter) Header() http.Header { return w.header }

func (w *statusWriter) Write(b []byte) (int, error) { return len(b), nil }

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statuses = append(w.statuses, statusCode)
	w.links = append(w.links, w.header.Get("Link"))
}

func TestInformationalStatus(t *testing.T) {
	w := &statusWriter{header: http.Header{}}
	rs := NewResponseSaver(w, http.StatusNotFound)
	rs.Header().Set("Link", "</style.css>; rel=preload")
	rs.WriteHeader(http.StatusEarlyHints)
	rs.WriteHeader(http.StatusOK)
	if rs.Held() || rs.StatusCode() != http.StatusOK {
		t.Fatalf("final status swallowed, got %d", rs.StatusCode())
	}
	if len(w.statuses) != 2 || w.statuses[0] != http.StatusEarlyHints || w.statuses[1] != http.StatusOK {
		t.Fatalf("unexpected statuses %v", w.statuses)
	}
	if w.links[0] == "" || len(w.header["Link"]) != 1 {
		t.Fatalf("unexpected link headers %v %v", w.links, w.header["Link"])
	}

	w = &statusWriter{header: http.Header{}}
	rs = NewResponseSaver(w, http.StatusNotFound)
	rs.WriteHeader(http.StatusEarlyHints)
	rs.WriteHeader(http.StatusNotFound)
	if !rs.Held() {
		t.Fatalf("404 after early hints should be held")
	}
	if len(w.statuses) != 1 {
		t.Fatalf("held status leaked: %v", w.statuses)
	}
}
