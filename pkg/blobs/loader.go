package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// Loader downloads dumps into a local cache directory, retrying failed downloads.
type Loader struct {
	// Reader is where dumps are fetched from.
	Reader BlobReader

	// CacheDir holds downloaded dumps, laid out by key.
	CacheDir string

	// MaxDownloadAttempts is the number of times to attempt a download before failing.
	MaxDownloadAttempts int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// Fetch returns the local path of the dump, downloading it unless it is already cached.
// A missing dump is not retried.
func (l *Loader) Fetch(ctx context.Context, info BlobInfo) (string, error) {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return "", err
	}
	cache := &DirBlobstore{Dir: l.CacheDir}
	destPath := cache.Path(info)
	if _, err := os.Stat(destPath); err == nil {
		log.V(2).Info("using cached dump", "key", info.Key, "path", destPath)
		return destPath, nil
	}

	attempt := 0
	for {
		attempt++

		err := l.Reader.Download(ctx, info, destPath)
		if err == nil {
			return destPath, nil
		}
		if errors.Is(err, os.ErrNotExist) || attempt >= max(l.MaxDownloadAttempts, 1) {
			return "", fmt.Errorf("fetching %q: %w", info.Key, err)
		}

		log.Error(err, "downloading dump, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.RetryDelay):
		}
	}
}
