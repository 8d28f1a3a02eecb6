package server

import (
	"context"
	"math/rand"
	"net"
	"testing"

	api "github.com/justinsb/tiledispatch/api/v1alpha1"
	"github.com/justinsb/tiledispatch/pkg/compare"
	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/reference"
	"github.com/justinsb/tiledispatch/pkg/tensor"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	testDim    = 64
	testHidden = 128
)

func testDeviceConfig() device.Config {
	return device.Config{
		Grid:           device.Grid{Rows: 2, Cols: 4},
		L1BytesPerCore: 1 << 20,
		DRAMBytes:      1 << 30,
		QueueDepth:     16,
	}
}

// startServer serves srv over an in-memory listener and returns a connection to it.
func startServer(t *testing.T, srv api.DispatchServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ForceServerCodec(api.Codec{}))
	api.RegisterDispatchServer(s, srv)
	healthpb.RegisterHealthServer(s, health.NewServer())
	go func() {
		// Serve returns nil once Stop is called.
		_ = s.Serve(lis)
	}()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func randomTensor(t *testing.T, r *rand.Rand, name string, shape tensor.Shape, scale float32) *tensor.Tensor {
	t.Helper()
	values := make([]float32, shape.Volume())
	for i := range values {
		values[i] = (r.Float32()*2 - 1) * scale
	}
	x, err := tensor.FromValues(name, shape, tensor.Float32, values)
	if err != nil {
		t.Fatalf("FromValues failed: %v", err)
	}
	return x
}

func newForwardRequest(t *testing.T, seqLen int) *api.ForwardRequest {
	t.Helper()
	r := rand.New(rand.NewSource(7))
	return &api.ForwardRequest{
		NumDevices: 2,
		Mode:       "decode",
		Input:      randomTensor(t, r, "x", tensor.Shape{1, 1, seqLen, testDim}, 1),
		Gate:       randomTensor(t, r, "gate", tensor.Shape{testDim, testHidden}, 0.25),
		Up:         randomTensor(t, r, "up", tensor.Shape{testDim, testHidden}, 0.25),
		Down:       randomTensor(t, r, "down", tensor.Shape{testHidden, testDim}, 0.25),
	}
}

func TestForward(t *testing.T) {
	client := api.NewDispatchClient(startServer(t, NewServer(testDeviceConfig())))
	req := newForwardRequest(t, 32)

	resp, err := client.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if resp.Strategy != "decode-sharded" {
		t.Errorf("strategy %q, want decode-sharded", resp.Strategy)
	}
	if !resp.Reduced {
		t.Errorf("two-device result should be reduced")
	}
	if resp.PeakL1Bytes <= 0 {
		t.Errorf("decode pass should use L1, peak was %d", resp.PeakL1Bytes)
	}
	wantOps := []string{"x", "x_in", "gate", "up", "mul", "down", "out"}
	if len(resp.IssuedOps) != len(wantOps) {
		t.Fatalf("issued ops %v, want %v", resp.IssuedOps, wantOps)
	}
	for i := range wantOps {
		if resp.IssuedOps[i] != wantOps[i] {
			t.Errorf("issued ops %v, want %v", resp.IssuedOps, wantOps)
			break
		}
	}

	ref := &reference.FeedForward{
		Gate:       req.Gate,
		Up:         req.Up,
		Down:       req.Down,
		Activation: engine.SiLU,
		Gated:      true,
	}
	golden, err := ref.Forward(req.Input)
	if err != nil {
		t.Fatalf("reference Forward failed: %v", err)
	}
	if passed, summary := compare.PCC(golden, resp.Output, 0.99); !passed {
		t.Errorf("output does not match reference: %s", summary)
	}

	cmp, err := client.Compare(context.Background(), &api.CompareRequest{
		Golden:     golden,
		Calculated: resp.Output,
		Mode:       "pcc",
	})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if !cmp.Passed {
		t.Errorf("remote comparison failed: %s", cmp.Summary)
	}
}

func TestForwardErrorCodes(t *testing.T) {
	tiny := device.Config{
		Grid:           device.Grid{Rows: 2, Cols: 2},
		L1BytesPerCore: 4096,
		DRAMBytes:      1 << 30,
		QueueDepth:     16,
	}

	tests := []struct {
		name   string
		config device.Config
		modify func(req *api.ForwardRequest)
		want   codes.Code
	}{
		{
			name:   "unsupported prefill length",
			config: testDeviceConfig(),
			modify: func(req *api.ForwardRequest) {
				req.Mode = "prefill"
				req.Input = randomTensor(t, rand.New(rand.NewSource(1)), "x", tensor.Shape{1, 1, 100, testDim}, 1)
			},
			want: codes.FailedPrecondition,
		},
		{
			name:   "input width mismatch",
			config: testDeviceConfig(),
			modify: func(req *api.ForwardRequest) {
				req.Input = randomTensor(t, rand.New(rand.NewSource(1)), "x", tensor.Shape{1, 1, 32, 96}, 1)
			},
			want: codes.InvalidArgument,
		},
		{
			name:   "missing weights",
			config: testDeviceConfig(),
			modify: func(req *api.ForwardRequest) {
				req.Up = nil
			},
			want: codes.InvalidArgument,
		},
		{
			name:   "unknown activation",
			config: testDeviceConfig(),
			modify: func(req *api.ForwardRequest) {
				req.Activation = "tanh"
			},
			want: codes.InvalidArgument,
		},
		{
			name:   "L1 exhausted",
			config: tiny,
			modify: func(req *api.ForwardRequest) {
				req.NumDevices = 1
			},
			want: codes.ResourceExhausted,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := api.NewDispatchClient(startServer(t, NewServer(tc.config)))
			req := newForwardRequest(t, 32)
			tc.modify(req)
			_, err := client.Forward(context.Background(), req)
			if got := status.Code(err); got != tc.want {
				t.Errorf("got code %v (%v), want %v", got, err, tc.want)
			}
		})
	}
}

func TestCompareShapeMismatch(t *testing.T) {
	client := api.NewDispatchClient(startServer(t, NewServer(testDeviceConfig())))
	r := rand.New(rand.NewSource(3))
	_, err := client.Compare(context.Background(), &api.CompareRequest{
		Golden:     randomTensor(t, r, "golden", tensor.Shape{2, 4}, 1),
		Calculated: randomTensor(t, r, "calculated", tensor.Shape{4, 2}, 1),
	})
	if got := status.Code(err); got != codes.InvalidArgument {
		t.Errorf("got code %v (%v), want %v", got, err, codes.InvalidArgument)
	}
}

func TestHealth(t *testing.T) {
	conn := startServer(t, NewServer(testDeviceConfig()))
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health status %v, want SERVING", resp.Status)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{engine.ErrShapeMismatch, codes.InvalidArgument},
		{engine.ErrUnsupportedConfiguration, codes.FailedPrecondition},
		{engine.ErrResourceExhausted, codes.ResourceExhausted},
		{context.Canceled, codes.Canceled},
		{engine.ErrReleased, codes.Internal},
	}
	for _, tc := range tests {
		if got := Code(tc.err); got != tc.want {
			t.Errorf("Code(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestUnimplementedDispatchServer(t *testing.T) {
	client := api.NewDispatchClient(startServer(t, api.UnimplementedDispatchServer{}))
	_, err := client.Forward(context.Background(), &api.ForwardRequest{})
	if got := status.Code(err); got != codes.Unimplemented {
		t.Errorf("got code %v (%v), want %v", got, err, codes.Unimplemented)
	}
}
