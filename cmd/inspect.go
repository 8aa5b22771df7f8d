package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vargoshq/vargos/pkg/wire"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			start := time.Now()
			var res wire.PingResult
			if err := c.Call(ctx, wire.MethodGatewayPing, nil, &res); err != nil {
				fail(err)
			}
			if !res.OK {
				fail(fmt.Errorf("gateway reported not ok"))
			}
			fmt.Printf("ok (%s round trip)\n", time.Since(start).Round(time.Millisecond))
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the gateway's routing tables",
		Run: func(cmd *cobra.Command, args []string) {
			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			var res wire.InspectResult
			if err := c.Call(ctx, wire.MethodGatewayInspect, nil, &res); err != nil {
				fail(err)
			}

			uptime := (time.Duration(res.UptimeSeconds) * time.Second).String()
			fmt.Printf("vargos %s (protocol %d), up %s\n\n", res.Version, res.Protocol, uptime)

			rows := make([][]string, 0, len(res.Services))
			for _, s := range res.Services {
				rows = append(rows, []string{
					s.Service, s.Version,
					strconv.Itoa(len(s.Methods)),
					strconv.Itoa(len(s.Events)),
					strconv.Itoa(len(s.Subscriptions)),
					s.ConnectedAt,
				})
			}
			renderTable([]string{"SERVICE", "VERSION", "METHODS", "EVENTS", "SUBS", "CONNECTED"}, rows)

			if len(res.Events) > 0 {
				fmt.Println()
				names := make([]string, 0, len(res.Events))
				for name := range res.Events {
					names = append(names, name)
				}
				sort.Strings(names)
				width := 0
				for _, name := range names {
					if len(name) > width {
						width = len(name)
					}
				}
				for _, name := range names {
					fmt.Printf("%-*s -> %s\n", width, name, strings.Join(res.Events[name], ", "))
				}
			}
		},
	}
}
