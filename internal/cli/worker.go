package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"strategy-engine/internal/strategy"
)

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the built-in signal sources over gRPC",
		Long: `Runs a signal worker that strategies reference as grpc://host:port/<source>.
Useful for moving indicator computation off the engine host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serveWorker(ctx, addr)
		},
	}
	cmd.Flags().String("addr", ":50051", "Listen address")
	return cmd
}

func (a *app) serveWorker(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	registry := strategy.NewRegistry()
	srv := grpc.NewServer()
	strategy.RegisterWorker(srv, registry)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	a.logger.Info().Str("addr", lis.Addr().String()).Strs("sources", registry.Names()).Msg("signal worker listening")
	return srv.Serve(lis)
}
