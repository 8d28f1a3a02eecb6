package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/justinsb/tiledispatch/pkg/blobs"
	"github.com/justinsb/tiledispatch/pkg/compare"
	"github.com/justinsb/tiledispatch/pkg/tensorio"
	"k8s.io/klog/v2"
)

// errMismatch is returned when any comparison fails, so the exit status reflects the result.
var errMismatch = errors.New("calculated tensors do not match golden")

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	dumpserver := os.Getenv("DUMPSERVER")
	if dumpserver == "" {
		dumpserver = "http://dumpstore"
	}
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "tensorcompare")
	}
	flag.StringVar(&dumpserver, "dumpserver", dumpserver, "base url of the dumpstore that dump keys are fetched from")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "directory downloaded dumps are kept in")

	goldenName := "golden"
	calculatedName := "calculated"
	modeName := compare.ModeAllCloseAndPCC.String()
	opts := compare.DefaultOptions()
	flag.StringVar(&goldenName, "golden", goldenName, "name of the golden tensor in the dump")
	flag.StringVar(&calculatedName, "calculated", calculatedName, "name of the calculated tensor in the dump")
	flag.StringVar(&modeName, "mode", modeName, "equal, allclose, pcc or allclose-and-pcc")
	flag.Float64Var(&opts.RTol, "rtol", opts.RTol, "relative tolerance")
	flag.Float64Var(&opts.ATol, "atol", opts.ATol, "absolute tolerance")
	flag.Float64Var(&opts.PCC, "pcc", opts.PCC, "minimum similarity score")
	list := false
	flag.BoolVar(&list, "list", list, "list the dumps under a gs:// prefix instead of comparing")

	klog.InitFlags(nil)

	flag.Parse()

	if flag.NArg() == 0 {
		return fmt.Errorf("usage: tensorcompare [flags] <dump>... where each dump is a local file, a gs:// URL or a dumpstore key")
	}

	if list {
		for _, arg := range flag.Args() {
			if err := listDumps(ctx, arg); err != nil {
				return err
			}
		}
		return nil
	}

	mode, err := compare.ParseMode(modeName)
	if err != nil {
		return err
	}

	dumpserverURL, err := url.Parse(dumpserver)
	if err != nil {
		return fmt.Errorf("parsing dumpserver url %q: %w", dumpserver, err)
	}
	c := &comparer{
		dumpserver: &blobs.DumpServer{URL: dumpserverURL},
		cacheDir:   cacheDir,
		mode:       mode,
		opts:       opts,
		golden:     goldenName,
		calculated: calculatedName,
	}

	var errs []error
	for _, arg := range flag.Args() {
		if err := c.compareDump(ctx, arg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arg, err))
		}
	}
	return errors.Join(errs...)
}

type comparer struct {
	dumpserver blobs.BlobReader
	cacheDir   string

	mode               compare.Mode
	opts               compare.Options
	golden, calculated string
}

func (c *comparer) compareDump(ctx context.Context, dump string) error {
	localPath, err := c.fetch(ctx, dump)
	if err != nil {
		return err
	}
	tensors, err := tensorio.ReadFile(localPath)
	if err != nil {
		return err
	}
	golden, err := tensorio.Find(tensors, c.golden)
	if err != nil {
		return err
	}
	calculated, err := tensorio.Find(tensors, c.calculated)
	if err != nil {
		return err
	}

	result, err := compare.Compare(golden, calculated, c.mode, c.opts)
	if err != nil {
		return err
	}
	verdict := "PASS"
	if !result.Passed {
		verdict = "FAIL"
	}
	fmt.Printf("%s %s: %s\n", verdict, dump, result.Summary)
	if !result.Passed {
		return errMismatch
	}
	return nil
}

// fetch returns a local path for dump, downloading it if it is remote.
func (c *comparer) fetch(ctx context.Context, dump string) (string, error) {
	if _, err := os.Stat(dump); err == nil {
		return dump, nil
	}

	if !strings.HasPrefix(dump, "gs://") {
		return c.loader(c.dumpserver, filepath.Join(c.cacheDir, "dumpstore")).Fetch(ctx, blobs.BlobInfo{Key: dump})
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(dump, "gs://"), "/")
	if !ok {
		return "", fmt.Errorf("gs:// url %q has no object name", dump)
	}
	gcs, err := blobs.NewGCSBlobstore(ctx, bucket, "")
	if err != nil {
		return "", err
	}
	defer gcs.Close()
	// Each bucket gets its own cache directory.
	return c.loader(gcs, filepath.Join(c.cacheDir, "gs", bucket)).Fetch(ctx, blobs.BlobInfo{Key: key})
}

func (c *comparer) loader(reader blobs.BlobReader, cacheDir string) *blobs.Loader {
	return &blobs.Loader{
		Reader:              reader,
		CacheDir:            cacheDir,
		MaxDownloadAttempts: 5,
		RetryDelay:          5 * time.Second,
	}
}

func listDumps(ctx context.Context, prefixURL string) error {
	if !strings.HasPrefix(prefixURL, "gs://") {
		return fmt.Errorf("can only list gs:// prefixes, got %q", prefixURL)
	}
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(prefixURL, "gs://"), "/")
	gcs, err := blobs.NewGCSBlobstore(ctx, bucket, "")
	if err != nil {
		return err
	}
	defer gcs.Close()

	infos, err := gcs.List(ctx, strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Printf("gs://%s/%s\n", bucket, info.Key)
	}
	return nil
}
