package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vargoshq/vargos/internal/cron"
	"github.com/vargoshq/vargos/pkg/wire"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled tasks on the running gateway",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Run: func(cmd *cobra.Command, args []string) {
			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			var res cron.ListResult
			if err := c.Call(ctx, wire.MethodCronList, nil, &res); err != nil {
				fail(err)
			}

			rows := make([][]string, 0, len(res.Tasks))
			for _, t := range res.Tasks {
				enabled := "yes"
				if !t.Enabled {
					enabled = "no"
				}
				lastRun := "never"
				if t.LastRunAt != nil {
					lastRun = t.LastRunAt.Local().Format("2006-01-02 15:04:05")
				}
				rows = append(rows, []string{
					t.ID, t.Name, t.Schedule, enabled, t.SessionKey, lastRun,
				})
			}
			renderTable([]string{"ID", "NAME", "SCHEDULE", "ENABLED", "SESSION", "LAST RUN"}, rows)
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name       string
		schedule   string
		task       string
		sessionKey string
		notify     []string
		disabled   bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled task",
		Long: "Add a scheduled task. Schedules are five-field cron expressions or\n" +
			"@every <duration> intervals. Notify targets are channel:userID pairs;\n" +
			"each one gets the run's response delivered.",
		Example: `  vargos cron add --name standup --schedule "0 9 * * 1-5" \
    --task "Summarize yesterday's sessions" --notify telegram:123456`,
		Run: func(cmd *cobra.Command, args []string) {
			targets, err := parseNotifyTargets(notify)
			if err != nil {
				fail(err)
			}

			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			params := cron.AddParams{
				Name:       name,
				Schedule:   schedule,
				Task:       task,
				SessionKey: sessionKey,
				Notify:     targets,
			}
			if disabled {
				enabled := false
				params.Enabled = &enabled
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			var created cron.Task
			if err := c.Call(ctx, wire.MethodCronAdd, params, &created); err != nil {
				fail(err)
			}
			fmt.Printf("added %s (%s, session %s)\n", created.ID, created.Schedule, created.SessionKey)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name (required)")
	cmd.Flags().StringVar(&schedule, "schedule", "", `cron expression or "@every 30m" (required)`)
	cmd.Flags().StringVar(&task, "task", "", "prompt text the agent runs (required)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default cron:<task-id>)")
	cmd.Flags().StringArrayVar(&notify, "notify", nil, "delivery target channel:userID (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the task disabled")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("schedule")
	cmd.MarkFlagRequired("task")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task-id>",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			var res cron.RemoveResult
			if err := c.Call(ctx, wire.MethodCronRemove, cron.RemoveParams{
				TaskID: args[0],
			}, &res); err != nil {
				fail(err)
			}
			fmt.Printf("removed %s\n", res.Removed)
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Fire a task now, regardless of its schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c, closer, err := dialGateway(cmd.Context())
			if err != nil {
				fail(err)
			}
			defer closer()

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			var res cron.RunResult
			if err := c.Call(ctx, wire.MethodCronRun, cron.RunParams{
				TaskID: args[0],
			}, &res); err != nil {
				fail(err)
			}
			fmt.Printf("triggered %s\n", res.Triggered)
		},
	}
}

// parseNotifyTargets turns channel:userID flags into wire targets.
func parseNotifyTargets(values []string) ([]wire.NotifyTarget, error) {
	var out []wire.NotifyTarget
	for _, v := range values {
		channel, userID, ok := strings.Cut(v, ":")
		if !ok || channel == "" || userID == "" {
			return nil, fmt.Errorf("bad notify target %q (want channel:userID)", v)
		}
		out = append(out, wire.NotifyTarget{Channel: channel, UserID: userID})
	}
	return out, nil
}
