package blobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// writeToFile copies src to destinationPath through a temp file, so readers never see a partial file.
func writeToFile(ctx context.Context, src io.Reader, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating directory %q: %w", dir, err)
	}
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("downloading from upstream source: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}

// DirBlobstore keeps blobs as files under Dir, one file per key.
type DirBlobstore struct {
	Dir string
}

var _ Blobstore = (*DirBlobstore)(nil)

// Path is where the blob for info is stored.
func (s *DirBlobstore) Path(info BlobInfo) string {
	return filepath.Join(s.Dir, filepath.FromSlash(info.Key))
}

func (s *DirBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	if err := info.Validate(); err != nil {
		return err
	}
	f, err := os.Open(s.Path(info))
	if err != nil {
		return fmt.Errorf("opening blob %q: %w", info.Key, err)
	}
	defer f.Close()

	if _, err := writeToFile(ctx, f, destPath); err != nil {
		return fmt.Errorf("copying blob %q: %w", info.Key, err)
	}
	return nil
}

func (s *DirBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	_, err = s.Put(ctx, info, src)
	return err
}

// Put stores the contents of src under info.Key. It reports false, and leaves the
// stored blob untouched, when the key already exists.
func (s *DirBlobstore) Put(ctx context.Context, info BlobInfo, src io.Reader) (bool, error) {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return false, err
	}
	dest := s.Path(info)
	if _, err := os.Stat(dest); err == nil {
		log.Info("blob already exists", "key", info.Key)
		return false, nil
	}

	n, err := writeToFile(ctx, src, dest)
	if err != nil {
		return false, fmt.Errorf("storing blob %q: %w", info.Key, err)
	}
	log.V(2).Info("stored blob", "key", info.Key, "bytes", n)
	return true, nil
}
