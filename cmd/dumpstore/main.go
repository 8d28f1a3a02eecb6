package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/justinsb/tiledispatch/pkg/blobs"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := os.Getenv("LISTEN")
	if listen == "" {
		listen = ":8080"
	}
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/dumpstore/dumps"
	}
	cacheBucket := os.Getenv("CACHE_BUCKET")
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.StringVar(&cacheBucket, "cache-bucket", cacheBucket, "optional GCS bucket (gs://<bucket>[/<prefix>]) backing the cache")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	cache := &dumpCache{
		local: &blobs.DirBlobstore{Dir: cacheDir},
	}

	if cacheBucket != "" {
		if !strings.HasPrefix(cacheBucket, "gs://") {
			return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
		}
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(cacheBucket, "gs://"), "/")
		log.Info("using GCS cache", "bucket", bucket, "prefix", prefix)

		gcs, err := blobs.NewGCSBlobstore(ctx, bucket, strings.TrimSuffix(prefix, "/"))
		if err != nil {
			return err
		}
		defer gcs.Close()
		cache.upstream = gcs
		cache.loader = &blobs.Loader{
			Reader:              gcs,
			CacheDir:            cacheDir,
			MaxDownloadAttempts: 3,
			RetryDelay:          2 * time.Second,
		}
	}

	s := &httpServer{
		cache: cache,
	}

	klog.Infof("serving on %q", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}
