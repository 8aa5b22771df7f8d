//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"tailscale.com/tsnet"

	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/hub"
)

// initTailscale serves the same hub routes on a tailnet listener when
// tailscale.hostname is configured. It returns a cleanup func, or nil when
// disabled; a tailnet failure never blocks the main listener.
func initTailscale(ctx context.Context, cfg *config.Config, server *hub.Server) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	ts := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}
	ln, err := ts.Listen("tcp", fmt.Sprintf(":%d", cfg.Gateway.Port))
	if err != nil {
		slog.Error("tailscale listen failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		ts.Close()
		return nil
	}
	slog.Info("tailscale listener up", "hostname", cfg.Tailscale.Hostname, "port", cfg.Gateway.Port)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx, ln); err != nil {
			slog.Error("tailscale serve failed", "error", err)
		}
	}()
	return func() {
		ts.Close()
		<-done
	}
}
