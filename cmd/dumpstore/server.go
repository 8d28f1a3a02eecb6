package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/justinsb/tiledispatch/pkg/blobs"
	"k8s.io/klog/v2"
)

// maxDumpBytes bounds the size of an uploaded dump.
const maxDumpBytes = 1 << 30

type httpServer struct {
	cache *dumpCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := blobs.BlobInfo{Key: strings.TrimPrefix(r.URL.Path, "/")}
	if err := info.Validate(); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.serveGETDump(w, r, info)
	case http.MethodPut:
		s.servePUTDump(w, r, info)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *httpServer) serveGETDump(w http.ResponseWriter, r *http.Request, info blobs.BlobInfo) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	p, err := s.cache.Get(ctx, info)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting dump")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	klog.Infof("serving dump %q", p)
	http.ServeFile(w, r, p)
}

func (s *httpServer) servePUTDump(w http.ResponseWriter, r *http.Request, info blobs.BlobInfo) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	stored, err := s.cache.Put(ctx, info, http.MaxBytesReader(w, r.Body, maxDumpBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "dump too large", http.StatusRequestEntityTooLarge)
			return
		}
		log.Error(err, "error storing dump")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if stored {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// dumpCache serves dumps from a local directory, falling back to an upstream store on a miss.
type dumpCache struct {
	local *blobs.DirBlobstore

	// upstream and loader are nil when the cache has no backing bucket.
	upstream blobs.Blobstore
	loader   *blobs.Loader
}

// Get returns the local path of the dump.
func (c *dumpCache) Get(ctx context.Context, info blobs.BlobInfo) (string, error) {
	if c.loader != nil {
		return c.loader.Fetch(ctx, info)
	}
	p := c.local.Path(info)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("dump %q: %w", info.Key, err)
	}
	return p, nil
}

// Put stores the dump locally and then in the upstream store.
// Dumps are write-once: it reports false if the key was already present locally.
func (c *dumpCache) Put(ctx context.Context, info blobs.BlobInfo, src io.Reader) (bool, error) {
	stored, err := c.local.Put(ctx, info, src)
	if err != nil || !stored {
		return stored, err
	}
	if c.upstream != nil {
		if err := c.upstream.Upload(ctx, c.local.Path(info), info); err != nil {
			return true, fmt.Errorf("uploading dump %q: %w", info.Key, err)
		}
	}
	return true, nil
}
