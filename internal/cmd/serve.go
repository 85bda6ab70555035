package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"termd/internal/config"
	"termd/internal/daemon"
	"termd/internal/federation"
	"termd/internal/proto"
	"termd/internal/registry"
	"termd/internal/socketdir"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the termd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := mustLoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.termd/config.yaml)")
	return cmd
}

// runServe wires the config into a registry, federation proxy, and daemon,
// and blocks serving the local socket until SIGINT/SIGTERM, mirroring the
// teacher's RunDaemon bind/accept/block shape in internal/session/daemon.go.
func runServe(ctx context.Context, cfg *config.Config) error {
	serverID := uuid.NewString()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// In ephemeral mode the registry calls this once the last session exits,
	// which shuts the whole daemon down (spec §4.8 "ephemeral mode").
	reg := registry.New(cfg.IsPersistent(), cfg.ScrollbackLines, cancel)

	proxy := federation.New(serverID, cfg.AuthToken, cfg.AuthToken, reg)
	proxy.AllowCIDRs = parseCIDRs(cfg.Federation.Allow)
	proxy.BlockCIDRs = parseCIDRs(cfg.Federation.Block)

	for _, b := range cfg.Federation.Backends {
		req := proto.RegisterBackendRequest{Address: b.Address, Token: b.Token}
		if _, err := proxy.Register(ctx, req); err != nil {
			return fmt.Errorf("bootstrap backend %s: %w", b.Address, err)
		}
	}

	sockPath := socketdir.PathIn(cfg.SocketDir, socketdir.TypeDaemon, "default")
	d := daemon.New(reg, proxy, serverID, sockPath, cfg.SocketDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return d.Run(runCtx)
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	var out []*net.IPNet
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue // config.validate already rejected malformed CIDRs before Load returns
		}
		out = append(out, n)
	}
	return out
}
