package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GitAcrown/MARI4/internal/config"
	"github.com/GitAcrown/MARI4/internal/tasks"
)

// buildTasksCmd creates the "tasks" command group for administering the
// scheduled task store.
func buildTasksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and cancel scheduled tasks",
	}
	cmd.AddCommand(buildTasksListCmd(opts), buildTasksCancelCmd(opts))
	return cmd
}

func buildTasksListCmd(opts *rootOptions) *cobra.Command {
	var (
		userID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks, newest first",
		Example: `  mari4 tasks list
  mari4 tasks list --user 123456789 --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStoreFromConfig(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var list []*tasks.ScheduledTask
			if userID != "" {
				list, err = store.TasksForUser(cmd.Context(), userID, limit)
			} else {
				list, err = store.AllTasks(cmd.Context(), limit)
			}
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}

			loc := cfg.Location()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tEXECUTE AT\tCHANNEL\tUSER\tDESCRIPTION")
			for _, task := range list {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					task.ID,
					task.Status,
					task.ExecuteAt.In(loc).Format(time.DateTime),
					task.ChannelID,
					task.UserID,
					truncate(task.Description, 60),
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Only show tasks created by this Discord user ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of tasks to show")
	return cmd
}

func buildTasksCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending task regardless of its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			_, store, err := openStoreFromConfig(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ok, err := store.Cancel(cmd.Context(), id, nil)
			if err != nil {
				return fmt.Errorf("cancel task: %w", err)
			}
			if !ok {
				return fmt.Errorf("task #%d not found or already finished", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task #%d cancelled.\n", id)
			return nil
		},
	}
}

func openStoreFromConfig(ctx context.Context, path string) (*config.Config, *tasks.SQLiteStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := openTaskStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
