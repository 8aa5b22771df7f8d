//go:build !tsnet

package cmd

import (
	"context"

	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/hub"
)

// initTailscale is a no-op unless built with -tags tsnet.
func initTailscale(context.Context, *config.Config, *hub.Server) func() { return nil }
