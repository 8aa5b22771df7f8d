package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vargoshq/vargos/internal/agent"
	"github.com/vargoshq/vargos/internal/bootstrap"
	"github.com/vargoshq/vargos/internal/channels"
	"github.com/vargoshq/vargos/internal/channels/discord"
	"github.com/vargoshq/vargos/internal/channels/telegram"
	"github.com/vargoshq/vargos/internal/channels/whatsapp"
	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/cron"
	"github.com/vargoshq/vargos/internal/hub"
	"github.com/vargoshq/vargos/internal/mcp"
	"github.com/vargoshq/vargos/internal/providers"
	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/internal/tools"
	"github.com/vargoshq/vargos/internal/tracing"
	"github.com/vargoshq/vargos/pkg/wire"
)

// registerWait bounds how long boot waits for every service client to
// register with the hub before giving up.
const registerWait = 30 * time.Second

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		slog.Error("create data dir", "dir", cfg.DataDir(), "error", err)
		os.Exit(1)
	}

	// One gateway per data dir. Everything after this point must unwind
	// through the deferred Release.
	lock := hub.NewLock(cfg.LockPath())
	if err := lock.Acquire(); err != nil {
		slog.Error("another gateway holds the lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry); err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	} else if shutdownTracing != nil {
		defer shutdownTracing(context.Background())
		slog.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	// The hub goes up first; every subsystem dials it like an external
	// client would.
	server := hub.NewServer(hub.New(&hub.Options{
		DefaultTimeout: cfg.Gateway.RequestTimeout(),
		PingInterval:   cfg.Gateway.PingInterval(),
		MaxMissedPings: cfg.Gateway.MaxMissedPings,
		Version:        Version,
	}))
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, addr)
	})

	// Optional tailnet listener serving the same routes. Compiled via build
	// tags: go build -tags tsnet.
	if tsCleanup := initTailscale(gctx, cfg, server); tsCleanup != nil {
		defer tsCleanup()
	}

	gatewayURL := cfg.GatewayURL()
	newServiceClient := func(service string, emits ...string) *client.Client {
		return client.New(client.Options{
			URL:     gatewayURL,
			Service: service,
			Version: Version,
			Emits:   emits,
		})
	}

	// Sessions service. File store by default; postgres behind
	// VARGOS_POSTGRES_DSN with the schema from vargos migrate up.
	var sessStore sessions.Store
	if cfg.Sessions.Backend == "postgres" {
		pg, err := sessions.NewPGStore(ctx, cfg.Sessions.PostgresDSN)
		if err != nil {
			slog.Error("open postgres session store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		sessStore = pg
		slog.Info("session store ready", "backend", "postgres")
	} else {
		fs, err := sessions.NewFileStore(cfg.SessionsDir())
		if err != nil {
			slog.Error("open file session store", "error", err)
			os.Exit(1)
		}
		sessStore = fs
		slog.Info("session store ready", "backend", "file", "dir", cfg.SessionsDir())
	}
	sessClient := newServiceClient("sessions",
		wire.EventSessionCreated, wire.EventSessionUpdated,
		wire.EventSessionDeleted, wire.EventSessionMessage)
	sessions.NewService(sessClient, sessStore)

	// Workspace and the bootstrap files that feed the system prompt.
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("create workspace", "dir", workspace, "error", err)
		os.Exit(1)
	}
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("workspace template seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}
	loader := bootstrap.NewLoader(workspace)
	if cfg.Agent.BootstrapMaxChars > 0 {
		loader.SetBudget(cfg.Agent.BootstrapMaxChars)
	}
	if err := loader.Watch(); err != nil {
		slog.Warn("bootstrap file watcher unavailable", "error", err)
	}
	defer loader.Close()

	// Tools service: built-ins plus whatever the MCP servers bring.
	reg := tools.NewRegistry()
	reg.MustRegister(
		tools.ReadFileTool{}, tools.WriteFileTool{}, tools.ListDirTool{},
		tools.SessionsListTool{}, tools.SessionsHistoryTool{},
		tools.SessionsSendTool{}, tools.SessionsSpawnTool{},
	)
	toolsClient := newServiceClient("tools")
	tools.NewService(toolsClient, reg, workspace)

	// MCP servers register their tools before the agent advertises schemas.
	var mcpClient *client.Client
	if len(cfg.MCP.Servers) > 0 {
		mcpMgr := mcp.NewManager(reg, cfg.MCP.Servers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
		mcpClient = newServiceClient("mcp")
		mcp.NewService(mcpClient, mcpMgr)
	}

	// Agent service. A gateway without a provider fails every run, so it
	// refuses to boot.
	prov := providers.NewRegistry()
	if cfg.Providers.Anthropic.APIKey != "" {
		var opts []providers.AnthropicOption
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, providers.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		if err := prov.Register(providers.NewAnthropic(cfg.Providers.Anthropic.APIKey, opts...)); err != nil {
			slog.Error("register provider", "error", err)
			os.Exit(1)
		}
	}
	if len(prov.Names()) == 0 {
		slog.Error("no provider configured; set VARGOS_ANTHROPIC_API_KEY")
		os.Exit(1)
	}
	agentClient := newServiceClient("agent",
		wire.EventRunStarted, wire.EventRunDelta,
		wire.EventRunTool, wire.EventRunCompleted)
	runtime := agent.NewRuntime(agentClient, prov, reg, loader, cfg.Agent)
	agent.NewService(agentClient, runtime)

	// Channels service with the adapters the config enables. Validation
	// already guaranteed each enabled adapter has its credentials.
	chanClient := newServiceClient("channels", wire.EventMessageReceived)
	chanSvc := channels.NewService(chanClient, cfg.Channels, cfg.MediaDir())
	if cfg.Channels.Telegram.Enabled {
		chanSvc.Register(telegram.New(cfg.Channels.Telegram), cfg.Channels.Telegram.Allowlist)
	}
	if cfg.Channels.Discord.Enabled {
		chanSvc.Register(discord.New(cfg.Channels.Discord), cfg.Channels.Discord.Allowlist)
	}
	if cfg.Channels.WhatsApp.Enabled {
		chanSvc.Register(whatsapp.New(cfg.Channels.WhatsApp), cfg.Channels.WhatsApp.Allowlist)
	}

	// Cron service.
	cronStore, err := cron.OpenStore(cfg.CronDBPath())
	if err != nil {
		slog.Error("open cron store", "error", err)
		os.Exit(1)
	}
	defer cronStore.Close()
	cronClient := newServiceClient("cron", wire.EventCronTrigger)
	cronSvc := cron.NewService(cronClient, cronStore)

	// Connect everything. The gateway is not up until every service has
	// registered its methods with the hub.
	serviceClients := []*client.Client{sessClient, toolsClient, agentClient, chanClient, cronClient}
	if mcpClient != nil {
		serviceClients = append(serviceClients, mcpClient)
	}
	for _, c := range serviceClients {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}
	readyCtx, readyCancel := context.WithTimeout(gctx, registerWait)
	for _, c := range serviceClients {
		if err := c.WaitReady(readyCtx); err != nil {
			readyCancel()
			slog.Error("service registration timed out", "error", err)
			os.Exit(1)
		}
	}
	readyCancel()

	// Work that needs a live gateway: the heartbeat task writes through
	// cron.* semantics, adapters start delivering into the ingress.
	if err := cronSvc.EnsureHeartbeat(ctx, cfg.Cron.Heartbeat); err != nil {
		slog.Warn("heartbeat task setup failed", "error", err)
	}
	cronSvc.Start(ctx)
	chanSvc.StartAll(ctx)

	slog.Info("vargos gateway running",
		"version", Version,
		"addr", addr,
		"workspace", workspace,
		"tools", len(reg.Names()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutdown requested", "signal", sig)
	case <-gctx.Done():
		// A fatal error below (bad listener, exhausted reconnects) unwinds
		// the same teardown path.
	}

	// Teardown order: announce, stop producers, then drop the hub. The lock
	// releases last via defer.
	server.Hub().Broadcast(wire.EventShutdown, nil)
	cronSvc.Stop()
	chanSvc.StopAll(context.Background())
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}
