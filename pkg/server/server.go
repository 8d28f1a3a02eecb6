// Package server implements the Dispatch gRPC service on simulated device groups.
package server

import (
	"context"
	"errors"
	"fmt"

	api "github.com/justinsb/tiledispatch/api/v1alpha1"
	"github.com/justinsb/tiledispatch/pkg/compare"
	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/mlp"
	"github.com/justinsb/tiledispatch/pkg/placement"
	"github.com/justinsb/tiledispatch/pkg/tensor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// MaxDevices bounds the group size a single request may open.
const MaxDevices = 32

// Server runs every request on its own simulated device group.
type Server struct {
	api.UnimplementedDispatchServer

	// Device configures each device of the groups opened for Forward.
	Device device.Config
}

var _ api.DispatchServer = &Server{}

func NewServer(config device.Config) *Server {
	return &Server{Device: config}
}

func (s *Server) Forward(ctx context.Context, req *api.ForwardRequest) (*api.ForwardResponse, error) {
	response, err := s.forward(ctx, req)
	if err != nil {
		klog.FromContext(ctx).Error(err, "forward failed")
		return nil, Status(err)
	}
	return response, nil
}

func (s *Server) forward(ctx context.Context, req *api.ForwardRequest) (*api.ForwardResponse, error) {
	log := klog.FromContext(ctx)

	if req.Input == nil {
		return nil, status.Error(codes.InvalidArgument, "input is required")
	}
	if req.Up == nil || req.Down == nil {
		return nil, status.Error(codes.InvalidArgument, "up and down weights are required")
	}
	numDevices := req.NumDevices
	if numDevices == 0 {
		numDevices = 1
	}
	if numDevices < 0 || numDevices > MaxDevices {
		return nil, status.Errorf(codes.InvalidArgument, "num_devices must be between 1 and %d, got %d", MaxDevices, req.NumDevices)
	}

	mode := placement.Decode
	if req.Mode != "" {
		m, err := placement.ParseMode(req.Mode)
		if err != nil {
			return nil, err
		}
		mode = m
	}

	config, err := forwardConfig(req)
	if err != nil {
		return nil, err
	}

	groupConfig := device.DefaultGroupConfig(numDevices)
	groupConfig.Device = s.Device
	group, err := device.OpenGroup(ctx, groupConfig)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := group.Close(); err != nil {
			log.Error(err, "closing device group")
		}
	}()

	weights, err := mlp.ShardWeights(ctx, group, mlp.Weights{
		Gate:     req.Gate,
		Up:       req.Up,
		Down:     req.Down,
		UpBias:   req.UpBias,
		DownBias: req.DownBias,
	}, config)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mlp.ReleaseWeights(group, weights); err != nil {
			log.Error(err, "releasing weights")
		}
	}()

	ff, err := mlp.New(group, config, weights)
	if err != nil {
		return nil, err
	}

	inputs, err := mlp.WriteInput(group, req.Input)
	if err != nil {
		return nil, err
	}
	for _, d := range group.Devices() {
		d.ResetPeak()
	}

	result, err := ff.Forward(ctx, inputs, mode)
	if err != nil {
		return nil, err
	}

	d0 := group.Device(0)
	output, err := d0.ReadTensor(ctx, result.Outputs[0])
	var errs []error
	for i, t := range result.Outputs {
		errs = append(errs, group.Device(i).Deallocate(t))
	}
	if err != nil {
		return nil, fmt.Errorf("reading output: %w", err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	response := &api.ForwardResponse{
		Output:      output,
		Strategy:    result.Strategy.String(),
		Reduced:     result.Reduced,
		PeakL1Bytes: d0.Usage(tensor.L1).Peak,
	}
	for _, step := range result.Steps {
		response.IssuedOps = append(response.IssuedOps, string(step.Op))
	}
	log.Info("forward complete", "strategy", response.Strategy, "ops", len(response.IssuedOps), "peakL1", response.PeakL1Bytes)
	return response, nil
}

// forwardConfig derives the block config from the weight shapes and request flags.
func forwardConfig(req *api.ForwardRequest) (mlp.Config, error) {
	up := req.Up.Shape()
	if len(up) != 2 {
		return mlp.Config{}, fmt.Errorf("up weight must be [dim, hidden], got %v: %w", up, engine.ErrShapeMismatch)
	}
	config := mlp.DefaultConfig(up[0], up[1])
	config.Gated = !req.NonGated
	if req.Activation != "" {
		a, err := engine.ParseActivation(req.Activation)
		if err != nil {
			return mlp.Config{}, status.Error(codes.InvalidArgument, err.Error())
		}
		config.Activation = a
	}
	if req.WeightDType != "" {
		dt, err := tensor.ParseDType(req.WeightDType)
		if err != nil {
			return mlp.Config{}, status.Error(codes.InvalidArgument, err.Error())
		}
		config.WeightDType = dt
	}
	if err := config.Validate(); err != nil {
		return mlp.Config{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return config, nil
}

func (s *Server) Compare(ctx context.Context, req *api.CompareRequest) (*api.CompareResponse, error) {
	log := klog.FromContext(ctx)

	if req.Golden == nil || req.Calculated == nil {
		return nil, status.Error(codes.InvalidArgument, "golden and calculated tensors are required")
	}
	mode := compare.ModeAllCloseAndPCC
	if req.Mode != "" {
		m, err := compare.ParseMode(req.Mode)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		mode = m
	}
	opts := compare.DefaultOptions()
	if req.RTol != 0 {
		opts.RTol = req.RTol
	}
	if req.ATol != 0 {
		opts.ATol = req.ATol
	}
	if req.PCC != 0 {
		opts.PCC = req.PCC
	}

	result, err := compare.Compare(req.Golden, req.Calculated, mode, opts)
	if err != nil {
		return nil, Status(err)
	}
	log.V(2).Info("compared tensors", "golden", req.Golden.Name(), "mode", mode, "passed", result.Passed, "summary", result.Summary)
	return &api.CompareResponse{
		Passed:  result.Passed,
		ATol:    result.ATol,
		RTol:    result.RTol,
		PCC:     result.PCC,
		Case:    result.Case.String(),
		Summary: result.Summary,
	}, nil
}
