package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"jobflow/internal/flags"
	"jobflow/internal/fleet"
	"jobflow/internal/ledger"
	"jobflow/internal/model"
	"jobflow/internal/trigger"

	"github.com/spf13/cobra"
)

var triggersAt string

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Inspect cron triggers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var triggersDueCmd = &cobra.Command{
	Use:   "due",
	Short: "Show which jobs a tick would submit",
	Long: `Show the jobs every trigger would submit at a given minute, in submission
order, and when each trigger fires next. Nothing is submitted.

Examples:
	jobflow triggers due
	jobflow triggers due --at 2025-06-01T02:00:00Z
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		at := time.Now()
		if triggersAt != "" {
			t, err := time.Parse(time.RFC3339, triggersAt)
			if err != nil {
				return fmt.Errorf("invalid --%s: %w", flags.FlagAt, err)
			}
			at = t
		}
		f, err := fleet.Load(cfg.Fleet.Path)
		if err != nil {
			return err
		}
		return showDue(cmd.OutOrStdout(), f, at)
	},
}

// dryRun refuses every submission; the scheduler is only asked what is due.
type dryRun struct{}

func (dryRun) Submit(context.Context, string, model.BuildCause) (model.Build, error) {
	return model.Build{}, fmt.Errorf("dry run")
}

func showDue(w io.Writer, f *fleet.Fleet, at time.Time) error {
	s, err := trigger.NewScheduler(f.Graph, ledger.New(), dryRun{}, trigger.Options{})
	if err != nil {
		return err
	}
	for _, tr := range f.Triggers {
		if err := s.AddTrigger(tr); err != nil {
			return err
		}
	}

	at = at.Truncate(time.Minute)
	due := s.Due(at)
	fmt.Fprintf(w, "Due at %s:\n", at.Format(time.RFC3339))
	if len(due) == 0 {
		fmt.Fprintln(w, "  nothing")
	} else {
		rows := make([][]string, 0, len(due))
		for _, c := range due {
			rows = append(rows, []string{c.JobID, strconv.Itoa(c.Priority), c.Trigger})
		}
		writeTable(w, []string{"JOB", "PRIORITY", "TRIGGER"}, rows, nil)
	}

	rows := make([][]string, 0, len(f.Triggers))
	for _, tr := range f.Triggers {
		sched, err := trigger.ParseCron(tr.Cron)
		if err != nil {
			return err
		}
		next := "never"
		if n := sched.Next(at); !n.IsZero() {
			next = n.Format(time.RFC3339)
		}
		rows = append(rows, []string{tr.Name, tr.Cron, next})
	}
	fmt.Fprintln(w)
	writeTable(w, []string{"TRIGGER", "CRON", "NEXT"}, rows, nil)
	return nil
}

func init() {
	rootCmd.AddCommand(triggersCmd)
	triggersCmd.AddCommand(triggersDueCmd)
	triggersDueCmd.Flags().StringVar(&triggersAt, flags.FlagAt, "", "Evaluate at this RFC 3339 time (default: now)")
}
