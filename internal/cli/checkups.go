package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"jobflow/internal/flags"
	"jobflow/internal/fleet"
	"jobflow/internal/model"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var checkupLogLimit int

var checkupsCmd = &cobra.Command{
	Use:   "checkups",
	Short: "List and inspect checkups",
	Long: `Inspect the checkups declared in the fleet file.

Checkups are evaluated after every successful or unstable build of their job
(see "jobflow serve --help"); pre-validation checkups run before submission.

Examples:
	jobflow checkups list
	jobflow checkups show row-count --database-url postgres://localhost/jobflow
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var checkupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkups in evaluation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := fleet.Load(cfg.Fleet.Path)
		if err != nil {
			return err
		}
		listCheckups(cmd.OutOrStdout(), f.Checkups)
		return nil
	},
}

var checkupsShowCmd = &cobra.Command{
	Use:   "show [checkup-id]",
	Short: "Show one checkup and its recent evaluations",
	Long: `Show the definition of one checkup. With --database-url, the most recent
evaluation logs are read from the store as well.

Examples:
	jobflow checkups show row-count
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := fleet.Load(cfg.Fleet.Path)
		if err != nil {
			return err
		}
		c, ok := findCheckup(f.Checkups, args[0])
		if !ok {
			return fmt.Errorf("checkup not found: %s", args[0])
		}
		printCheckup(cmd.OutOrStdout(), c)

		if cfg.Store.DatabaseURL == "" {
			return nil
		}
		logs, err := recentLogs(cmd.Context(), cfg.Store.DatabaseURL, c.ID, checkupLogLimit)
		if err != nil {
			return err
		}
		printLogs(cmd.OutOrStdout(), logs)
		return nil
	},
}

func listCheckups(w io.Writer, checkups []model.Checkup) {
	rows := make([][]string, 0, len(checkups))
	for _, c := range checkups {
		rows = append(rows, []string{
			c.ID,
			c.JobID,
			c.Connection,
			string(c.Conditional) + " " + c.Threshold,
			string(c.Action),
			string(c.Scope),
			yesNo(c.PreValidation),
			yesNo(c.Enabled),
		})
	}
	writeTable(w, []string{"ID", "JOB", "CONNECTION", "CONDITION", "ACTION", "SCOPE", "PRE", "ENABLED"}, rows,
		func(row, col int) lipgloss.TerminalColor {
			if !checkups[row].Enabled {
				return dim
			}
			return nil
		})
}

func findCheckup(checkups []model.Checkup, id string) (model.Checkup, bool) {
	for _, c := range checkups {
		if c.ID == id {
			return c, true
		}
	}
	return model.Checkup{}, false
}

func printCheckup(w io.Writer, c model.Checkup) {
	bold := color.New(color.Bold)
	fmt.Fprintln(w, "----------------------------------------")
	bold.Fprintf(w, "CHECKUP: %s\n", c.ID)
	fmt.Fprintln(w, "----------------------------------------")
	if c.Name != "" {
		fmt.Fprintln(w, c.Name)
	}
	fmt.Fprintf(w, "Job:            %s\n", c.JobID)
	fmt.Fprintf(w, "Connection:     %s\n", c.Connection)
	fmt.Fprintf(w, "Query:          %s\n", c.Query)
	fmt.Fprintf(w, "Condition:      %s %s\n", c.Conditional, c.Threshold)
	fmt.Fprintf(w, "Action:         %s\n", c.Action)
	fmt.Fprintf(w, "Scope:          %s\n", c.Scope)
	fmt.Fprintf(w, "Pre-validation: %s\n", yesNo(c.PreValidation))
	fmt.Fprintf(w, "Retry:          %d\n", c.Retry)
	fmt.Fprintf(w, "Enabled:        %s\n", yesNo(c.Enabled))

	if len(c.Commands) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Commands:")
		for _, cmd := range c.Commands {
			fmt.Fprintf(w, "  %s (%s)\n", cmd.Name, cmd.When)
			fmt.Fprintf(w, "    Run: %s\n", cmd.Run)
		}
	}
	fmt.Fprintln(w)
}

func recentLogs(ctx context.Context, dsn, checkupID string, limit int) ([]model.CheckupLog, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, dsn)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.CheckupLogs(ctx, model.LogQuery{CheckupID: checkupID, Limit: limit})
}

func printLogs(w io.Writer, logs []model.CheckupLog) {
	if len(logs) == 0 {
		fmt.Fprintln(w, "No evaluations recorded.")
		return
	}
	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		result := "pass"
		if !l.Success {
			result = "fail"
		}
		rows = append(rows, []string{
			l.At.Format("2006-01-02 15:04:05"),
			strconv.Itoa(l.BuildNumber),
			l.Observed,
			result,
			l.Error,
		})
	}
	writeTable(w, []string{"AT", "BUILD", "OBSERVED", "RESULT", "ERROR"}, rows,
		func(row, col int) lipgloss.TerminalColor {
			if col != 3 {
				return nil
			}
			if logs[row].Success {
				return green
			}
			return red
		})
}

func init() {
	rootCmd.AddCommand(checkupsCmd)
	checkupsCmd.AddCommand(checkupsListCmd)
	checkupsCmd.AddCommand(checkupsShowCmd)
	checkupsShowCmd.Flags().StringVar(&cfg.Store.DatabaseURL, flags.FlagDatabaseURL, cfg.Store.DatabaseURL, "PostgreSQL URL to read evaluation logs from")
	checkupsShowCmd.Flags().IntVar(&checkupLogLimit, "limit", 10, "Number of recent evaluations to show")
}
