package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"time"

	api "github.com/justinsb/tiledispatch/api/v1alpha1"
	"github.com/justinsb/tiledispatch/pkg/blobs"
	"github.com/justinsb/tiledispatch/pkg/compare"
	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/reference"
	"github.com/justinsb/tiledispatch/pkg/tensor"
	"github.com/justinsb/tiledispatch/pkg/tensorio"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

type options struct {
	Server     string
	NumDevices int
	Mode       string
	SeqLen     int
	Dim        int
	HiddenDim  int
	Activation string
	NonGated   bool
	Bias       bool
	Seed       int64

	CompareMode   string
	RemoteCompare bool

	// DumpServer, when set, receives the golden and calculated tensors under DumpKey.
	DumpServer string
	DumpKey    string
}

func run(ctx context.Context) error {
	opt := options{
		Server:      "127.0.0.1:9876",
		NumDevices:  1,
		Mode:        "decode",
		SeqLen:      32,
		Dim:         256,
		HiddenDim:   1024,
		Activation:  "silu",
		Seed:        1,
		CompareMode: "pcc",
		DumpServer:  os.Getenv("DUMPSERVER"),
	}
	flag.StringVar(&opt.Server, "server", opt.Server, "address of the tensorserver")
	flag.IntVar(&opt.NumDevices, "devices", opt.NumDevices, "number of devices to shard the block across")
	flag.StringVar(&opt.Mode, "mode", opt.Mode, "decode or prefill")
	flag.IntVar(&opt.SeqLen, "seq-len", opt.SeqLen, "sequence length of the input")
	flag.IntVar(&opt.Dim, "dim", opt.Dim, "model width")
	flag.IntVar(&opt.HiddenDim, "hidden-dim", opt.HiddenDim, "feed-forward hidden width")
	flag.StringVar(&opt.Activation, "activation", opt.Activation, "silu, gelu or relu")
	flag.BoolVar(&opt.NonGated, "non-gated", opt.NonGated, "use down(act(up(x) + b1)) + b2 instead of the gated block")
	flag.BoolVar(&opt.Bias, "bias", opt.Bias, "add random projection biases")
	flag.Int64Var(&opt.Seed, "seed", opt.Seed, "random seed for inputs and weights")
	flag.StringVar(&opt.CompareMode, "compare-mode", opt.CompareMode, "equal, allclose, pcc or allclose-and-pcc")
	flag.BoolVar(&opt.RemoteCompare, "remote-compare", opt.RemoteCompare, "compare on the server instead of locally")
	flag.StringVar(&opt.DumpServer, "dumpserver", opt.DumpServer, "base url of a dumpstore to upload tensors to")
	flag.StringVar(&opt.DumpKey, "dump-key", opt.DumpKey, "dump key; defaults to one derived from the run parameters")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	activation, err := engine.ParseActivation(opt.Activation)
	if err != nil {
		return err
	}
	compareMode, err := compare.ParseMode(opt.CompareMode)
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(opt.Server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", opt.Server, err)
	}
	defer conn.Close()
	client := api.NewDispatchClient(conn)

	log.Info("Starting tensorclient", "server", opt.Server)

	request := randomRequest(opt)
	startedAt := time.Now()
	response, err := client.Forward(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to run forward pass: %w", err)
	}
	log.Info("forward pass complete", "strategy", response.Strategy, "ops", response.IssuedOps, "reduced", response.Reduced, "peakL1", response.PeakL1Bytes, "duration", time.Since(startedAt))

	ref := &reference.FeedForward{
		Gate:       request.Gate,
		Up:         request.Up,
		Down:       request.Down,
		UpBias:     request.UpBias,
		DownBias:   request.DownBias,
		Activation: activation,
		Gated:      !opt.NonGated,
	}
	golden, err := ref.Forward(request.Input)
	if err != nil {
		return fmt.Errorf("computing reference: %w", err)
	}

	var passed bool
	var summary string
	if opt.RemoteCompare {
		r, err := client.Compare(ctx, &api.CompareRequest{
			Golden:     golden,
			Calculated: response.Output,
			Mode:       compareMode.String(),
		})
		if err != nil {
			return fmt.Errorf("failed to compare: %w", err)
		}
		passed, summary = r.Passed, r.Summary
	} else {
		r, err := compare.Compare(golden, response.Output, compareMode, compare.DefaultOptions())
		if err != nil {
			return err
		}
		passed, summary = r.Passed, r.Summary
	}

	if opt.DumpServer != "" {
		if err := uploadDump(ctx, opt, golden, response.Output); err != nil {
			return err
		}
	}

	fmt.Printf("%s: %s\n", compareMode, summary)
	if !passed {
		return fmt.Errorf("device output does not match reference")
	}
	return nil
}

func randomRequest(opt options) *api.ForwardRequest {
	r := rand.New(rand.NewSource(opt.Seed))
	random := func(name string, shape tensor.Shape, scale float32) *tensor.Tensor {
		values := make([]float32, shape.Volume())
		for i := range values {
			values[i] = (r.Float32()*2 - 1) * scale
		}
		t, err := tensor.FromValues(name, shape, tensor.Float32, values)
		if err != nil {
			panic(err)
		}
		return t
	}

	req := &api.ForwardRequest{
		NumDevices: opt.NumDevices,
		Mode:       opt.Mode,
		Activation: opt.Activation,
		NonGated:   opt.NonGated,
		Input:      random("x", tensor.Shape{1, 1, opt.SeqLen, opt.Dim}, 1),
		Up:         random("up", tensor.Shape{opt.Dim, opt.HiddenDim}, 0.1),
		Down:       random("down", tensor.Shape{opt.HiddenDim, opt.Dim}, 0.1),
	}
	if !opt.NonGated {
		req.Gate = random("gate", tensor.Shape{opt.Dim, opt.HiddenDim}, 0.1)
	}
	if opt.Bias {
		req.UpBias = random("up_bias", tensor.Shape{opt.HiddenDim}, 0.5)
		req.DownBias = random("down_bias", tensor.Shape{opt.Dim}, 0.5)
	}
	return req
}

// uploadDump writes golden and calculated into one dump and stores it in the dumpstore.
func uploadDump(ctx context.Context, opt options, golden, calculated *tensor.Tensor) error {
	log := klog.FromContext(ctx)

	base, err := url.Parse(opt.DumpServer)
	if err != nil {
		return fmt.Errorf("parsing dumpserver url %q: %w", opt.DumpServer, err)
	}
	key := opt.DumpKey
	if key == "" {
		key = fmt.Sprintf("mlp/%s-seq%d-dim%d-hidden%d-devices%d-seed%d.pb", opt.Mode, opt.SeqLen, opt.Dim, opt.HiddenDim, opt.NumDevices, opt.Seed)
	}

	goldenOut, err := renamed(golden, "golden")
	if err != nil {
		return err
	}
	calculatedOut, err := renamed(calculated, "calculated")
	if err != nil {
		return err
	}

	localPath := filepath.Join(os.TempDir(), fmt.Sprintf("tensorclient-%d.pb", os.Getpid()))
	if err := tensorio.WriteFile(ctx, localPath, goldenOut, calculatedOut); err != nil {
		return err
	}
	defer os.Remove(localPath)

	store := &blobs.DumpServer{URL: base}
	if err := store.Upload(ctx, localPath, blobs.BlobInfo{Key: key}); err != nil {
		return fmt.Errorf("uploading dump: %w", err)
	}
	log.Info("uploaded dump", "key", key)
	return nil
}

func renamed(t *tensor.Tensor, name string) (*tensor.Tensor, error) {
	values, err := t.Values()
	if err != nil {
		return nil, err
	}
	return tensor.FromValues(name, t.Shape(), t.DType(), values)
}
