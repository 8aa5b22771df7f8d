package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/vargoshq/vargos/internal/sessions"
	"github.com/vargoshq/vargos/pkg/wire"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions on the running gateway",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Run: func(cmd *cobra.Command, args []string) {
			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			var res sessions.ListResult
			if err := c.Call(ctx, wire.MethodSessionList, sessions.ListParams{
				Kind:  sessions.Kind(kind),
				Limit: limit,
			}, &res); err != nil {
				fail(err)
			}

			rows := make([][]string, 0, len(res.Sessions))
			for _, h := range res.Sessions {
				rows = append(rows, []string{
					h.SessionKey, string(h.Kind), h.Label,
					h.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			renderTable([]string{"KEY", "KIND", "LABEL", "UPDATED"}, rows)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (channel, cli, cron, subagent)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions to list")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "show <session-key>",
		Short: "Show one session's header and recent messages",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			var got sessions.GetResult
			if err := c.Call(ctx, wire.MethodSessionGet, sessions.GetParams{
				SessionKey: args[0],
			}, &got); err != nil {
				fail(err)
			}

			fmt.Printf("key:      %s\n", got.SessionKey)
			fmt.Printf("kind:     %s\n", got.Kind)
			if got.Label != "" {
				fmt.Printf("label:    %s\n", got.Label)
			}
			fmt.Printf("created:  %s\n", got.CreatedAt.Local().Format(time.RFC3339))
			fmt.Printf("updated:  %s\n", got.UpdatedAt.Local().Format(time.RFC3339))
			fmt.Printf("messages: %d\n", got.MessageCount)
			for k, v := range got.Metadata {
				fmt.Printf("meta:     %s=%s\n", k, v)
			}

			if tail <= 0 || got.MessageCount == 0 {
				return
			}
			var msgs sessions.MessagesResult
			if err := c.Call(ctx, wire.MethodSessionGetMessages, sessions.GetMessagesParams{
				SessionKey: args[0],
				Limit:      tail,
			}, &msgs); err != nil {
				fail(err)
			}
			fmt.Println()
			for _, m := range msgs.Messages {
				text := strings.ReplaceAll(m.Text(), "\n", " ")
				text = runewidth.Truncate(text, 100, "...")
				if text == "" {
					text = fmt.Sprintf("(%d tool calls)", len(m.ToolUses()))
				}
				fmt.Printf("%s  %-10s %s\n",
					m.Timestamp.Local().Format("15:04:05"), m.Role, text)
			}
		},
	}
	cmd.Flags().IntVar(&tail, "messages", 10, "recent messages to print (0 to skip)")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-key>",
		Short: "Delete a session, its history, and its sub-agent sessions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			var res sessions.DeleteResult
			if err := c.Call(ctx, wire.MethodSessionDelete, sessions.DeleteParams{
				SessionKey: args[0],
			}, &res); err != nil {
				fail(err)
			}
			fmt.Printf("deleted %s\n", res.Deleted)
		},
	}
}
