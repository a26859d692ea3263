package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"jobflow/internal/fleet"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a fleet file without running anything",
	Long: `Load the fleet file, resolve every reference, and check the job graph for
cycles. Every problem found is reported, not just the first.

Exit codes:
	0 = the fleet is valid
	1 = the fleet has problems
	3 = the file could not be read

Examples:
	jobflow validate --fleet jobflow.yaml
`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runValidate(cfg.Fleet.Path, cmd.OutOrStdout(), cmd.ErrOrStderr()))
	},
}

func runValidate(path string, stdout, stderr io.Writer) int {
	f, err := fleet.Load(path)
	if err != nil {
		var invalid *fleet.ValidationError
		if errors.As(err, &invalid) {
			red := color.New(color.FgRed, color.Bold)
			red.Fprintf(stdout, "✗ %s: %d problem(s)\n", path, len(invalid.Problems))
			for _, p := range invalid.Problems {
				fmt.Fprintf(stdout, "  - %s\n", p)
			}
			return exitUnhealthy
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	color.New(color.FgGreen, color.Bold).Fprintf(stdout, "✓ %s is valid\n", path)
	fmt.Fprintf(stdout, "  servers:     %d\n", len(f.Servers))
	fmt.Fprintf(stdout, "  connections: %d\n", len(f.Connections))
	fmt.Fprintf(stdout, "  jobs:        %d\n", len(f.Jobs))
	fmt.Fprintf(stdout, "  edges:       %d\n", len(f.Edges))
	fmt.Fprintf(stdout, "  checkups:    %d\n", len(f.Checkups))
	fmt.Fprintf(stdout, "  triggers:    %d\n", len(f.Triggers))
	return exitOK
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
