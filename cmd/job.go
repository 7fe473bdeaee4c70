package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/example/court-scheduler/internal/config"
	"github.com/example/court-scheduler/internal/store"
	"github.com/spf13/cobra"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage scheduled jobs (non-API)",
	}
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobGetCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func openStore() (*store.Store, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.DBPath)
}

func newJobListCmd() *cobra.Command {
	var email string
	c := &cobra.Command{
		Use:   "list",
		Short: "List jobs for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := db.ListJobsByOwner(context.Background(), email)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(os.Stdout, "id=%s type=%s status=%s target=%s runs=%s (%s)\n",
					j.ID, j.Type, j.Status,
					j.Target.Format("2006-01-02 15:04"),
					j.RunAt.Format(time.RFC3339), humanize.Time(j.RunAt))
			}
			return nil
		},
	}
	c.Flags().StringVar(&email, "email", "", "platform account email")
	_ = c.MarkFlagRequired("email")
	return c
}

func newJobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			j, err := db.GetJob(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "id=%s\ntype=%s\nstatus=%s\nemail=%s\ntarget=%s\nhours=%d courts=%d\nruns=%s (%s)\nretries=%d/%d checks=%d\n",
				j.ID, j.Type, j.Status, j.Owner,
				j.Target.Format("2006-01-02 15:04"), j.Hours, j.Courts,
				j.RunAt.Format(time.RFC3339), humanize.Time(j.RunAt),
				j.RetryCount, j.MaxRetries, j.CheckCount)
			if j.LastError != "" {
				fmt.Fprintf(os.Stdout, "last_error=%s\n", j.LastError)
			}
			if j.Result != "" {
				fmt.Fprintf(os.Stdout, "result=%s\n", j.Result)
			}
			return nil
		},
	}
}

func newJobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ok, err := db.CancelJob(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s not found or already finished", args[0])
			}
			fmt.Fprintf(os.Stdout, "cancelled %s\n", args[0])
			return nil
		},
	}
}
