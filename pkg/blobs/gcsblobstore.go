package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"k8s.io/klog/v2"
)

// GCSBlobstore stores dumps as objects in a GCS bucket, keyed by BlobInfo.Key under Prefix.
type GCSBlobstore struct {
	Bucket string
	Prefix string

	client *storage.Client
}

var _ Blobstore = (*GCSBlobstore)(nil)

// NewGCSBlobstore connects to GCS with application default credentials. Close releases the client.
func NewGCSBlobstore(ctx context.Context, bucket, prefix string) (*GCSBlobstore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return &GCSBlobstore{Bucket: bucket, Prefix: prefix, client: client}, nil
}

func (j *GCSBlobstore) Close() error {
	return j.client.Close()
}

func (j *GCSBlobstore) objectKey(info BlobInfo) string {
	if j.Prefix == "" {
		return info.Key
	}
	return j.Prefix + "/" + info.Key
}

func (j *GCSBlobstore) url(objectKey string) string {
	return "gs://" + j.Bucket + "/" + objectKey
}

func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return err
	}
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	objectKey := j.objectKey(info)
	gcsURL := j.url(objectKey)

	obj := j.client.Bucket(j.Bucket).Object(objectKey)
	if _, err := obj.Attrs(ctx); err == nil {
		log.Info("object already exists in GCS", "url", gcsURL)
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("getting object attributes for %q: %w", gcsURL, err)
	}

	log.Info("uploading dump to GCS", "source", sourcePath, "destination", gcsURL)

	startedAt := time.Now()
	// Only create the object if nobody else uploaded it meanwhile.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/x-protobuf"
	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded dump to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return err
	}
	objectKey := j.objectKey(info)
	gcsURL := j.url(objectKey)

	log.Info("downloading dump from GCS", "source", gcsURL, "destination", destinationPath)

	startedAt := time.Now()
	r, err := j.client.Bucket(j.Bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("object %q: %w", gcsURL, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded dump from GCS", "source", gcsURL, "destination", destinationPath, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

// List returns the keys of stored dumps that start with prefix.
func (j *GCSBlobstore) List(ctx context.Context, prefix string) ([]BlobInfo, error) {
	query := &storage.Query{Prefix: j.objectKey(BlobInfo{Key: prefix})}
	if prefix == "" && j.Prefix != "" {
		query.Prefix = j.Prefix + "/"
	}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("building GCS query: %w", err)
	}

	var infos []BlobInfo
	it := j.client.Bucket(j.Bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %q: %w", j.url(query.Prefix), err)
		}
		key := attrs.Name
		if j.Prefix != "" {
			key = strings.TrimPrefix(key, j.Prefix+"/")
		}
		infos = append(infos, BlobInfo{Key: key})
	}
	return infos, nil
}
