package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/justinsb/tiledispatch/pkg/blobs"
)

func newTestServer(t *testing.T, upstream *blobs.DirBlobstore) *httptest.Server {
	t.Helper()
	cacheDir := t.TempDir()
	cache := &dumpCache{local: &blobs.DirBlobstore{Dir: cacheDir}}
	if upstream != nil {
		cache.upstream = upstream
		cache.loader = &blobs.Loader{Reader: upstream, CacheDir: cacheDir, MaxDownloadAttempts: 1}
	}
	srv := httptest.NewServer(&httpServer{cache: cache})
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp.StatusCode, string(b)
}

func TestPutThenGet(t *testing.T) {
	srv := newTestServer(t, nil)

	if code, _ := do(t, http.MethodPut, srv.URL+"/mlp/golden.pb", "golden"); code != http.StatusCreated {
		t.Errorf("first PUT returned %d, want %d", code, http.StatusCreated)
	}
	if code, _ := do(t, http.MethodPut, srv.URL+"/mlp/golden.pb", "other"); code != http.StatusOK {
		t.Errorf("second PUT returned %d, want %d", code, http.StatusOK)
	}
	code, body := do(t, http.MethodGet, srv.URL+"/mlp/golden.pb", "")
	if code != http.StatusOK || body != "golden" {
		t.Errorf("GET returned %d %q, want 200 %q", code, body, "golden")
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/mlp/missing.pb", ""); code != http.StatusNotFound {
		t.Errorf("GET of missing dump returned %d, want 404", code)
	}
	if code, _ := do(t, http.MethodDelete, srv.URL+"/mlp/golden.pb", ""); code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE returned %d, want 405", code)
	}
}

func TestFallsBackToUpstream(t *testing.T) {
	upstream := &blobs.DirBlobstore{Dir: t.TempDir()}
	src := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(src, []byte("from upstream"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := upstream.Upload(context.Background(), src, blobs.BlobInfo{Key: "a/b.pb"}); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	srv := newTestServer(t, upstream)

	code, body := do(t, http.MethodGet, srv.URL+"/a/b.pb", "")
	if code != http.StatusOK || body != "from upstream" {
		t.Errorf("GET returned %d %q, want 200 %q", code, body, "from upstream")
	}

	if code, _ := do(t, http.MethodPut, srv.URL+"/a/c.pb", "new"); code != http.StatusCreated {
		t.Fatalf("PUT returned %d, want %d", code, http.StatusCreated)
	}
	got, err := os.ReadFile(upstream.Path(blobs.BlobInfo{Key: "a/c.pb"}))
	if err != nil {
		t.Fatalf("dump was not written through to upstream: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("upstream holds %q, want %q", got, "new")
	}
}
