package emufleet

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/emufleet/emufleet/api/pkg/bridge"
	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/container"
	"github.com/emufleet/emufleet/api/pkg/fleet"
	"github.com/emufleet/emufleet/api/pkg/ports"
	"github.com/emufleet/emufleet/api/pkg/screenproxy"
	"github.com/emufleet/emufleet/api/pkg/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the emufleet api server.",
		Long:  "Start the emufleet api server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load server config: %v", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := container.NewDockerRuntime()
	if err != nil {
		return err
	}

	allocator := ports.NewAllocator(cfg.Ports)
	controller := container.NewController(runtime, cfg.Lifecycle)
	bridgeMux := bridge.New(cfg.Bridge)
	proxies := screenproxy.NewManager(cfg.ScreenShare, allocator)
	defer proxies.StopAll()

	manager, err := fleet.NewManager(cfg, allocator, controller, bridgeMux, proxies)
	if err != nil {
		return err
	}

	// adopt compose-managed emulators before taking traffic
	if adopted, err := manager.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("initial discovery pass failed")
	} else if len(adopted) > 0 {
		log.Info().Strs("session_ids", adopted).Msg("adopted sessions at startup")
	}
	go manager.RunBackground(ctx)

	apiServer := server.NewServer(cfg.WebServer, manager, bridgeMux)
	return apiServer.ListenAndServe(ctx)
}
