package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	api "github.com/justinsb/tiledispatch/api/v1alpha1"
	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
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

func run(ctx context.Context) error {
	listen := os.Getenv("LISTEN")
	if listen == "" {
		listen = ":9876"
	}
	deviceConfig := device.DefaultConfig()

	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.IntVar(&deviceConfig.Grid.Rows, "grid-rows", deviceConfig.Grid.Rows, "rows in each device's core grid")
	flag.IntVar(&deviceConfig.Grid.Cols, "grid-cols", deviceConfig.Grid.Cols, "columns in each device's core grid")
	flag.Int64Var(&deviceConfig.L1BytesPerCore, "l1-bytes-per-core", deviceConfig.L1BytesPerCore, "L1 memory of each core")
	flag.Int64Var(&deviceConfig.DRAMBytes, "dram-bytes", deviceConfig.DRAMBytes, "DRAM of each device")
	flag.IntVar(&deviceConfig.QueueDepth, "queue-depth", deviceConfig.QueueDepth, "command queue depth of each device")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", listen, err)
	}

	grpcServer := grpc.NewServer(grpc.ForceServerCodec(api.Codec{}))

	api.RegisterDispatchServer(grpcServer, server.NewServer(deviceConfig))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(api.Dispatch_ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutting down tensorserver")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}()

	log.Info("Starting tensorserver", "listen", listen, "grid", deviceConfig.Grid)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving GRPC: %w", err)
	}

	return nil
}
