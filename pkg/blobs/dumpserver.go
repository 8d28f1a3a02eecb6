package blobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// DumpServer reads dumps over HTTP from a dumpstore.
type DumpServer struct {
	// URL is the base URL of the dumpstore, typically http://dumpstore
	URL *url.URL

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ Blobstore = &DumpServer{}

func (l *DumpServer) client() *http.Client {
	if l.HTTPClient != nil {
		return l.HTTPClient
	}
	return http.DefaultClient
}

func (l *DumpServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return err
	}
	u := l.URL.JoinPath(info.Key).String()
	log.Info("downloading from url", "url", u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()
	resp, err := l.client().Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("dump %q not found: %w", info.Key, os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}

	n, err := writeToFile(ctx, resp.Body, destPath)
	if err != nil {
		return err
	}

	log.Info("downloaded dump", "url", u, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

// Upload stores the file at sourcePath in the dumpstore with an HTTP PUT.
func (l *DumpServer) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return err
	}
	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	u := l.URL.JoinPath(info.Key).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, f)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := l.client().Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		log.Info("uploaded dump", "url", u)
		return nil
	default:
		return fmt.Errorf("unexpected status uploading to %q: %v", u, resp.Status)
	}
}
