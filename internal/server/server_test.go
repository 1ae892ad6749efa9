package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/hashstore/internal/config"
	"github.com/bleepstore/hashstore/internal/metrics"
	"github.com/bleepstore/hashstore/internal/storage"
)

const helloSHA1 = "907d14fb3af2b0d4f18c2d46abe8aedce17367bd"

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

// newTestServer creates a Server backed by a fresh FileStore with default
// config. Metrics are enabled.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithConfig(t, config.Default())
}

// newTestServerWithConfig creates a Server for testing with a custom config.
func newTestServerWithConfig(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating file store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv, err := New(cfg, WithStore(config.BackendFile, storage.Instrument(config.BackendFile, store)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}

// testRequest performs an HTTP request against the test server's handler
// with the full middleware chain.
func testRequest(t *testing.T, srv *Server, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%q)", err, rec.Body.String())
	}
	return body.Code, body.Message
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/health", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("GET /health Content-Type = %q, want application/json", ct)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /health body unmarshal error: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("GET /health status = %q, want %q", body["status"], "ok")
	}
}

func TestHealthHeadEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "HEAD", "/health", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("HEAD /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD /health body length = %d, want 0", rec.Body.Len())
	}
}

func TestHealthWithoutStore(t *testing.T) {
	srv, err := New(config.Default())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if rec := testRequest(t, srv, "GET", "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health status = %d, want 503", rec.Code)
	}
	if rec := testRequest(t, srv, "HEAD", "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("HEAD /health status = %d, want 503", rec.Code)
	}
	rec := testRequest(t, srv, "GET", "/blobs/"+helloSHA1, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /blobs without store status = %d, want 503", rec.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Hash.Algorithm = "blake3"
	srv := newTestServerWithConfig(t, cfg)

	rec := testRequest(t, srv, "GET", "/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /info status = %d, want 200", rec.Code)
	}
	var body InfoBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /info body unmarshal error: %v", err)
	}
	if body.Backend != "file" || body.Algorithm != "blake3" || body.KeySize != 32 {
		t.Errorf("GET /info = %+v", body)
	}
}

func TestDocsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/docs", nil)

	// Huma may return 200 directly or redirect to /docs/.
	if rec.Code != http.StatusOK && rec.Code != http.StatusMovedPermanently && rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("GET /docs status = %d, want 200 or redirect", rec.Code)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := testRequest(t, srv, "GET", "/openapi.json", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		OpenAPI string                 `json:"openapi"`
		Paths   map[string]interface{} `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /openapi.json body is not valid JSON: %v", err)
	}
	if body.OpenAPI == "" {
		t.Error("GET /openapi.json response does not contain 'openapi' key")
	}
	for _, p := range []string{"/health", "/info"} {
		if _, ok := body.Paths[p]; !ok {
			t.Errorf("OpenAPI document missing path %s", p)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// CounterVec and HistogramVec only appear in Prometheus output after
	// at least one observation.
	testRequest(t, srv, "GET", "/health", nil)
	testRequest(t, srv, "PUT", "/blobs/"+helloSHA1, strings.NewReader("Hello, World"))

	rec := testRequest(t, srv, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"hashstore_http_requests_total",
		"hashstore_http_request_duration_seconds",
		"hashstore_operations_total",
		"hashstore_bytes_written_total",
		"hashstore_hybrid_writes_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("GET /metrics does not contain %s", name)
		}
	}
	if !strings.Contains(body, `path="/blobs/{key}"`) {
		t.Error("blob requests were not recorded under the normalized path")
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	srv := newTestServerWithConfig(t, cfg)

	rec := testRequest(t, srv, "GET", "/metrics", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics with metrics disabled = %d, want 404", rec.Code)
	}
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/health", nil)

	reqID := rec.Header().Get(RequestIDHeader)
	if len(reqID) != 32 {
		t.Errorf("%s = %q, want 32 hex characters", RequestIDHeader, reqID)
	}
	if rec.Header().Get("Date") == "" {
		t.Error("Missing Date header")
	}
	if rec.Header().Get("Server") != "hashstore" {
		t.Errorf("Server header = %q, want %q", rec.Header().Get("Server"), "hashstore")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, "client-supplied-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "client-supplied-id" {
		t.Errorf("%s = %q, want client-supplied-id", RequestIDHeader, got)
	}
}

func TestBlobLifecycle(t *testing.T) {
	srv := newTestServer(t)
	path := "/blobs/" + helloSHA1

	rec := testRequest(t, srv, "PUT", path, strings.NewReader("Hello, World"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want 204 (%s)", rec.Code, rec.Body.String())
	}

	rec = testRequest(t, srv, "GET", path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "Hello, World" {
		t.Errorf("GET body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "12" {
		t.Errorf("Content-Length = %q, want 12", rec.Header().Get("Content-Length"))
	}

	rec = testRequest(t, srv, "HEAD", path, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("HEAD status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Length") != "12" {
		t.Errorf("HEAD Content-Length = %q, want 12", rec.Header().Get("Content-Length"))
	}
	if rec.Header().Get("X-Hashstore-Location") != "file" {
		t.Errorf("X-Hashstore-Location = %q, want file", rec.Header().Get("X-Hashstore-Location"))
	}

	rec = testRequest(t, srv, "PUT", path, strings.NewReader("replaced"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("overwrite PUT status = %d", rec.Code)
	}
	if rec = testRequest(t, srv, "GET", path, nil); rec.Body.String() != "replaced" {
		t.Errorf("GET after overwrite = %q", rec.Body.String())
	}

	for i := 0; i < 2; i++ {
		rec = testRequest(t, srv, "DELETE", path, nil)
		if rec.Code != http.StatusNoContent {
			t.Errorf("DELETE #%d status = %d, want 204", i+1, rec.Code)
		}
	}

	rec = testRequest(t, srv, "GET", path, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET after delete status = %d, want 404", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "NoSuchKey" {
		t.Errorf("error code = %q, want NoSuchKey", code)
	}

	rec = testRequest(t, srv, "HEAD", path, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("HEAD after delete status = %d, want 404", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD error body length = %d, want 0", rec.Body.Len())
	}
}

func TestInvalidKeys(t *testing.T) {
	srv := newTestServer(t)
	for _, key := range []string{"not-hex", "abc", "ab"} {
		rec := testRequest(t, srv, "GET", "/blobs/"+key, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET /blobs/%s status = %d, want 400", key, rec.Code)
			continue
		}
		if code, _ := decodeError(t, rec); code != "InvalidKey" {
			t.Errorf("GET /blobs/%s code = %q, want InvalidKey", key, code)
		}
	}
}

func TestPostContent(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec := testRequest(t, srv, "POST", "/content", strings.NewReader("Hello, World"))
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /content status = %d, want 201 (%s)", rec.Code, rec.Body.String())
		}
		var body ContentBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("POST /content body unmarshal error: %v", err)
		}
		if body.Key != helloSHA1 {
			t.Errorf("key = %q, want %q", body.Key, helloSHA1)
		}
		if loc := rec.Header().Get("Location"); loc != "/blobs/"+helloSHA1 {
			t.Errorf("Location = %q", loc)
		}
	}

	rec := testRequest(t, srv, "GET", "/blobs/"+helloSHA1, nil)
	if rec.Body.String() != "Hello, World" {
		t.Errorf("GET body = %q", rec.Body.String())
	}
}

func TestMaxBlobSize(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxBlobSize = 4
	srv := newTestServerWithConfig(t, cfg)
	path := "/blobs/" + helloSHA1

	rec := testRequest(t, srv, "PUT", path, strings.NewReader("too large"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("PUT with Content-Length status = %d, want 413", rec.Code)
	}

	// Unknown length: the limit is enforced while streaming.
	req := httptest.NewRequest("PUT", path, strings.NewReader("too large"))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("streamed PUT status = %d, want 413", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "EntityTooLarge" {
		t.Errorf("code = %q, want EntityTooLarge", code)
	}

	if rec := testRequest(t, srv, "HEAD", path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("oversized blob was committed: HEAD status = %d", rec.Code)
	}

	rec = testRequest(t, srv, "POST", "/content", strings.NewReader("too large"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("POST /content status = %d, want 413", rec.Code)
	}
}

func TestUnknownRoutes(t *testing.T) {
	srv := newTestServer(t)

	rec := testRequest(t, srv, "POST", "/blobs/"+helloSHA1, strings.NewReader("x"))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /blobs/{key} status = %d, want 405", rec.Code)
	}

	rec = testRequest(t, srv, "GET", "/nowhere", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nowhere status = %d, want 404", rec.Code)
	}
	if code, _ := decodeError(t, rec); code != "NoSuchRoute" {
		t.Errorf("code = %q, want NoSuchRoute", code)
	}
}
