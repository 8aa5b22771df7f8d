package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/vargoshq/vargos/internal/client"
	"github.com/vargoshq/vargos/internal/config"
	"github.com/vargoshq/vargos/internal/reconnect"
)

const (
	dialReadyWait = 5 * time.Second
	callTimeout   = 30 * time.Second
)

// dialGateway connects a short-lived CLI client to the running gateway.
// The returned closer tears the connection down; errors mean no gateway is
// reachable and the subcommand should exit non-zero.
func dialGateway(ctx context.Context) (*client.Client, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}

	// Unique service name: concurrent invocations must not displace each
	// other's registrations.
	c := client.New(client.Options{
		URL:     cfg.GatewayURL(),
		Service: fmt.Sprintf("cli-%d", os.Getpid()),
		Version: Version,
		Reconnect: reconnect.Policy{
			Base: 200 * time.Millisecond, Max: time.Second, MaxAttempts: 3,
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(runCtx)
	}()

	readyCtx, readyCancel := context.WithTimeout(ctx, dialReadyWait)
	defer readyCancel()
	if err := c.WaitReady(readyCtx); err != nil {
		cancel()
		<-done
		return nil, nil, fmt.Errorf("gateway not reachable at %s (is vargos running?)", cfg.GatewayURL())
	}

	closer := func() {
		cancel()
		<-done
	}
	return c, closer, nil
}

// renderTable prints rows under a header with columns padded to the widest
// cell. Width is display width, so CJK labels stay aligned.
func renderTable(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && runewidth.StringWidth(cell) > widths[i] {
				widths[i] = runewidth.StringWidth(cell)
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if i < len(widths) {
				parts[i] = runewidth.FillRight(cell, widths[i])
			} else {
				parts[i] = cell
			}
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Println(line(header))
	sep := make([]string, len(header))
	for i := range header {
		sep[i] = strings.Repeat("-", widths[i])
	}
	fmt.Println(line(sep))
	for _, row := range rows {
		fmt.Println(line(row))
	}
}

// fail prints err and exits non-zero; client subcommands report errors
// through it so scripts can rely on the exit code.
func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
