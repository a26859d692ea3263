package cli

import (
	"fmt"
	"os"

	"jobflow/internal/config"
	"jobflow/internal/flags"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

var cfg = config.New()

// Exit codes shared by every command.
const (
	exitOK        = 0
	exitUnhealthy = 1
	exitPartial   = 2
	exitFatal     = 3
)

var rootCmd = &cobra.Command{
	Use:   "jobflow",
	Short: "Orchestrate dependent batch jobs and gate them on data checkups",
	Long: `jobflow submits jobs to build servers, validates their output with
checkups, and propagates health through the job dependency graph.

Examples:
	# Check a fleet file without running anything
	jobflow validate --fleet jobflow.yaml

	# Run the engine and its HTTP API
	jobflow serve --fleet jobflow.yaml --database-url postgres://localhost/jobflow

	# Show the health of every job on a running engine
	jobflow status --url http://localhost:8080

	# Print build info
	jobflow version

Output:
	By default, commands write human-readable output to stdout.
	serve supports structured output via --emit, --out and --report (see "jobflow serve --help").`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.Fleet.Path, flags.FlagFleet, cfg.Fleet.Path, "Fleet definition file (env: JOBFLOW_FLEET)")
	rootCmd.PersistentFlags().StringVar(&cfg.Logging.Level, flags.FlagLogLevel, cfg.Logging.Level, "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&cfg.Logging.File, flags.FlagLogFile, cfg.Logging.File, "Also write JSON logs to this file (env: JOBFLOW_LOG_FILE)")
	rootCmd.PersistentFlags().BoolVar(&cfg.Logging.Verbose, flags.FlagVerbose, false, "Shorthand for --log-level debug")
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
