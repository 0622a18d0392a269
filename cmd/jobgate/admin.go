package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mohans/jobgate"
	"github.com/mohans/jobgate/coord"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildSubmitCommand(open opener) *cobra.Command {
	var (
		userID    string
		prompt    string
		messageID string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job for a user and enqueue its tracking task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			c := rt.coordinator(nil)
			client := jobgate.NewClient(rt.asynqOpt(), c, jobgate.ClientOptions{Queue: rt.cfg.Worker.Queue, Logger: rt.logger})
			defer client.Close()

			sub, err := client.Submit(cmd.Context(), coord.Task{UserID: userID, Prompt: prompt, SourceMessageID: messageID})
			var rejected *coord.RejectedError
			if errors.As(err, &rejected) {
				fmt.Fprintln(cmd.OutOrStdout(), rejected.Reason.Message())
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", sub.TaskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "generation prompt")
	cmd.Flags().StringVar(&messageID, "message", "", "chat message that triggered the job")
	cmd.MarkFlagRequired("user")
	return cmd
}

func buildTaskCommand(open opener) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect task records",
	}
	taskCmd.AddCommand(&cobra.Command{
		Use:   "get <taskId>",
		Short: "Print a task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			t, err := rt.coordinator(nil).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	})
	return taskCmd
}

func buildActiveCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "active <userId>",
		Short: "Show the user's active task, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			t, err := rt.coordinator(nil).GetActive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if t == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "user %s has no active task\n", args[0])
				return nil
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func buildReleaseCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "release <userId>",
		Short: "Unblock a user stuck behind a lost task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.coordinator(nil).Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
}

func buildHistoryCommand(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <userId>",
		Short: "List a user's finished tasks from the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			arch, db, err := rt.openArchive(cmd.Context())
			if err != nil {
				return err
			}
			if arch == nil {
				return errors.New("no archive configured (set archive.driver and JOBGATE_ARCHIVE_DSN)")
			}
			defer db.Close()

			entries, err := arch.ListByUser(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", e.Task.ID, e.Task.Status,
					humanize.Time(time.UnixMilli(e.Task.Timestamp)), e.Task.Prompt)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks to list")
	return cmd
}

func buildSweepCommand(open opener) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete task records older than --max-age once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if maxAge <= 0 {
				maxAge = rt.cfg.Sweep.MaxAge
			}
			n, err := rt.coordinator(nil).SweepExpired(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s stale task records\n", humanize.Comma(int64(n)))
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "age threshold (defaults to sweep.maxAge)")
	return cmd
}
