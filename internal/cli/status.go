package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"jobflow/internal/engine"
	"jobflow/internal/flags"
	"jobflow/internal/model"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusURL = "http://localhost:8080"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of every job on a running engine",
	Long: `Query a running engine over HTTP and print one row per job.

Exit codes:
	0 = every job is NORMAL with FULL scope
	1 = at least one job is UNHEALTHY or BLOCKED
	2 = every job flows but at least one has PARTIAL scope
	3 = the engine could not be reached

Examples:
	jobflow status
	jobflow status --url http://jobflow.internal:8080
`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runStatus(cmd.Context(), statusURL, cmd.OutOrStdout(), cmd.ErrOrStderr()))
	},
}

func runStatus(ctx context.Context, baseURL string, stdout, stderr io.Writer) int {
	if ctx == nil {
		ctx = context.Background()
	}
	jobs, err := fetchJobs(ctx, baseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		last := "-"
		if j.LastBuild != nil {
			last = "#" + strconv.Itoa(j.LastBuild.Number) + " " + string(j.LastBuild.Phase)
			if j.LastBuild.Status != "" {
				last += " " + string(j.LastBuild.Status)
			}
		}
		retries := strconv.Itoa(j.Attempts) + "/" + strconv.Itoa(j.Retry)
		if j.PendingRetry != nil {
			retries += " next " + j.PendingRetry.Format(time.Kitchen)
		}
		approval := "-"
		if j.Approval != nil {
			approval = j.Approval.ID
		}
		rows = append(rows, []string{j.ID, string(j.Status.Flow), string(j.Status.Scope), last, retries, approval, yesNo(j.Enabled)})
	}
	writeTable(stdout, []string{"JOB", "FLOW", "SCOPE", "LAST BUILD", "RETRIES", "APPROVAL", "ENABLED"}, rows,
		func(row, col int) lipgloss.TerminalColor {
			switch col {
			case 1:
				return flowColor(jobs[row].Status.Flow)
			case 2:
				if jobs[row].Status.Scope == model.ScopePartial {
					return yellow
				}
			}
			return nil
		})

	return statusExitCode(jobs)
}

func statusExitCode(jobs []engine.JobView) int {
	code := exitOK
	for _, j := range jobs {
		switch {
		case j.Status.Flow == model.FlowUnhealthy || j.Status.Flow == model.FlowBlocked:
			return exitUnhealthy
		case j.Status.Scope == model.ScopePartial:
			code = exitPartial
		}
	}
	return code
}

func fetchJobs(ctx context.Context, baseURL string) ([]engine.JobView, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/v1/jobs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /v1/jobs: %s", resp.Status)
	}
	var jobs []engine.JobView
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return jobs, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusURL, flags.FlagURL, statusURL, "Base URL of the engine's HTTP API")
}
