package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

type storedObject struct {
	body        []byte
	contentType string
}

// fakeObjects records PUT requests keyed by request path
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]storedObject
}

func (f *fakeObjects) get(path string) (storedObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	object, ok := f.objects[path]
	return object, ok
}

func (f *fakeObjects) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// newFakeS3 starts a path-style S3 endpoint accepting single-part uploads
func newFakeS3(t *testing.T) (*httptest.Server, *fakeObjects) {
	t.Helper()
	objects := &fakeObjects{objects: make(map[string]storedObject)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if strings.Contains(r.URL.Path, "/denied/") {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		objects.mu.Lock()
		objects.objects[r.URL.Path] = storedObject{body: body, contentType: r.Header.Get("Content-Type")}
		objects.mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, objects
}

func testS3Config(endpoint string) S3Config {
	return S3Config{
		Endpoint:     endpoint,
		Bucket:       "reports",
		AccessKey:    "test",
		SecretKey:    "test",
		Region:       "us-east-1",
		PathTemplate: "{model}",
	}
}

func TestReportUploader(t *testing.T) {
	server, objects := newFakeS3(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	uploader, err := NewReportUploader(testS3Config(server.URL), logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("stores object", func(t *testing.T) {
		url, err := uploader.Upload(context.Background(), "model-diff/orders/run1.json", []byte(`{"model":"orders"}`), "application/json")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if url != "s3://reports/model-diff/orders/run1.json" {
			t.Fatalf("unexpected url: %s", url)
		}
		object, ok := objects.get("/reports/model-diff/orders/run1.json")
		if !ok {
			t.Fatalf("object not stored, have %v", objects.keys())
		}
		if string(object.body) != `{"model":"orders"}` || object.contentType != "application/json" {
			t.Fatalf("unexpected object: %q (%s)", object.body, object.contentType)
		}
	})

	t.Run("access denied", func(t *testing.T) {
		_, err := uploader.Upload(context.Background(), "denied/orders.json", []byte("{}"), "application/json")
		if !errors.Is(err, ErrS3UploadFailed) {
			t.Fatalf("expected ErrS3UploadFailed, got %v", err)
		}
	})
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		compression string
		mime        string
		expected    string
	}{
		{compression: "zstd", mime: "application/json", expected: "application/zstd"},
		{compression: "lz4", mime: "text/markdown", expected: "application/x-lz4"},
		{compression: "gzip", mime: "text/csv", expected: "application/gzip"},
		{compression: "none", mime: "text/markdown", expected: "text/markdown"},
		{compression: "", mime: "text/plain", expected: "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.compression+"/"+tt.mime, func(t *testing.T) {
			if got := contentTypeFor(tt.compression, tt.mime); got != tt.expected {
				t.Errorf("contentTypeFor(%q, %q) = %q, want %q", tt.compression, tt.mime, got, tt.expected)
			}
		})
	}
}

func TestS3ConfigEnabled(t *testing.T) {
	if (S3Config{}).Enabled() {
		t.Fatal("empty config should be disabled")
	}
	if !(S3Config{Bucket: "reports"}).Enabled() {
		t.Fatal("config with a bucket should be enabled")
	}
}
