package blobs

import (
	"context"
	"fmt"
	"strings"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore under info.Key.
	// If the object already exists, Upload does nothing and returns no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

// BlobInfo identifies a stored tensor dump.
type BlobInfo struct {
	// Key is a slash-separated object name, e.g. "mlp/decode/golden.pb".
	Key string
}

// Validate rejects keys that could escape a cache directory or address a bucket prefix.
func (i BlobInfo) Validate() error {
	if i.Key == "" {
		return fmt.Errorf("blob key is empty")
	}
	if strings.HasPrefix(i.Key, "/") || strings.HasSuffix(i.Key, "/") {
		return fmt.Errorf("blob key %q must not start or end with /", i.Key)
	}
	for _, part := range strings.Split(i.Key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("blob key %q has invalid component %q", i.Key, part)
		}
	}
	return nil
}
