package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobflow/internal/buildserver"
	"jobflow/internal/config"
	"jobflow/internal/datasource"
	"jobflow/internal/engine"
	"jobflow/internal/flags"
	"jobflow/internal/fleet"
	gh "jobflow/internal/github"
	"jobflow/internal/health"
	"jobflow/internal/output"
	"jobflow/internal/server"
	"jobflow/internal/store"
	"jobflow/internal/trigger"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serveHelpTemplate = `{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}Usage:
  {{.UseLine}}

{{if .HasAvailableLocalFlags}}Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableInheritedFlags}}Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}Environment:
	JOBFLOW_FLEET          default for --fleet
	JOBFLOW_DATABASE_URL   default for --database-url
	JOBFLOW_ADDR           default for --addr
	JOBFLOW_LOG_FILE       default for --log-file
	GITHUB_API_URL         default for --github-api-url

	github-actions build servers authenticate with a GitHub token.

	Sources (in order):
	1) --github-token
	2) JOBFLOW_GITHUB_TOKEN environment variable
	3) GITHUB_TOKEN environment variable
	4) GitHub CLI (gh) authentication via gh auth token (if gh is installed and logged in)

	The token needs the actions:write permission on every repository a
	github-actions server dispatches to.
`

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP API",
	Long: `Run the engine: accept build events, run checkups, propagate job health,
fire cron triggers and retries, and serve the HTTP API.

State lives in PostgreSQL when --database-url is set and in memory otherwise.
On start the engine restores builds, statuses and approvals from the store.

Output:
	Console output is controlled by --console-format (default: text).
	Structured outputs can be written via:
	- --out / --out-format: write an aggregate JSON array or NDJSON stream to a file
	- --emit: write an additional structured stream to stdout (json or ndjson)
	- --report: write a Markdown summary of the session on shutdown
	- --no-console: suppress the console sink (use with --emit/--out for machine output)

	Events carry a "type" field (engine.started, flow.changed, job.failing,
	checkup.failed, approval.requested, build.submitted, tick.finished, ...).

Exit codes:
	0 = clean shutdown
	3 = fatal error (the engine did not start or stopped on an error)

Examples:
	jobflow serve --fleet jobflow.yaml
	jobflow serve --database-url postgres://jobflow@localhost/jobflow?sslmode=disable

	# AI Agent: stream machine-readable events to stdout
	jobflow serve --no-console --emit ndjson
`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServe(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr()))
	},
}

func runServe(ctx context.Context, stdout, stderr io.Writer) int {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}
	logger, closeLog := config.SetupLogger(cfg.Logging.File, cfg.LogLevel())
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	policy, err := health.ParsePolicy(cfg.Engine.Policy)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	f, err := fleet.Load(cfg.Fleet.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}
	defer st.Close()

	pool := datasource.NewPool(cfg.Engine.QueryTimeout, logger.With("component", "datasource"))
	defer pool.Close()
	for _, conn := range f.Connections {
		if err := pool.Add(conn); err != nil {
			fmt.Fprintf(stderr, "Error: connection %s: %v\n", conn.Name, err)
			return exitFatal
		}
	}

	registry, actions, err := buildServers(ctx, f.Servers, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	out, err := newOutputManager(stdout, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("close output", "error", err)
		}
	}()

	eng, err := engine.New(f, st, registry, pool, engine.Options{
		Policy:       policy,
		Concurrency:  cfg.Engine.Concurrency,
		QueryTimeout: cfg.Engine.QueryTimeout,
		Notifier:     out,
		OnTick:       tickReporter(out),
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}
	defer eng.Close()

	if err := eng.Restore(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: restore state: %v\n", err)
		return exitFatal
	}
	_ = out.Write(output.Event{Type: output.EventEngineStarted, At: time.Now().UTC(), Jobs: len(f.Jobs)})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.New(eng, logger.With("component", "http")).Serve(gctx, cfg.Server.Addr) })
	g.Go(func() error { return eng.Run(gctx, cfg.Engine.Poll) })
	for _, a := range actions {
		p := buildserver.NewPoller(a.server, eng, a.interval, logger.With("component", "poller"))
		g.Go(func() error { return p.Run(gctx) })
	}

	err = g.Wait()
	_ = out.Write(output.Event{Type: output.EventEngineStopped, At: time.Now().UTC()})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped", "error", err)
		return exitFatal
	}
	logger.Info("engine stopped")
	return exitOK
}

func openStore(ctx context.Context, dsn string) (store.Store, error) {
	if dsn == "" {
		return store.NewMemory(), nil
	}
	return store.OpenPostgres(ctx, dsn)
}

type actionsPoll struct {
	server   *buildserver.ActionsServer
	interval time.Duration
}

// buildServers registers every configured server. github-actions servers
// sharing an API base URL share one client and request budget.
func buildServers(ctx context.Context, servers []buildserver.Config, logger *slog.Logger) (*buildserver.Registry, []actionsPoll, error) {
	registry := buildserver.NewRegistry()
	clients := make(map[string]*gh.Client)
	var polls []actionsPoll

	for _, sc := range servers {
		switch sc.Kind {
		case buildserver.KindActions:
			baseURL := sc.BaseURL
			if baseURL == "" {
				baseURL = cfg.GitHub.BaseURL
			}
			client, ok := clients[baseURL]
			if !ok {
				var err error
				client, err = newGitHubClient(ctx, baseURL, logger)
				if err != nil {
					return nil, nil, fmt.Errorf("build server %s: %w", sc.Name, err)
				}
				clients[baseURL] = client
			}
			a := buildserver.NewActionsServer(sc, client.Client)
			if err := registry.Register(a); err != nil {
				return nil, nil, err
			}
			polls = append(polls, actionsPoll{server: a, interval: sc.PollInterval})
		default:
			if err := registry.Register(buildserver.NewWebhookServer(sc, nil)); err != nil {
				return nil, nil, err
			}
		}
	}
	return registry, polls, nil
}

func newGitHubClient(ctx context.Context, baseURL string, logger *slog.Logger) (*gh.Client, error) {
	token, source, err := gh.ResolveToken(ctx, cfg.GitHub.Token, gh.Host(baseURL))
	if err != nil {
		return nil, fmt.Errorf("resolve GitHub token: %w", err)
	}
	if token == "" {
		return nil, errors.New("GitHub token is required for github-actions servers (set GITHUB_TOKEN or run 'gh auth login')")
	}
	logger.Debug("github token resolved", "source", source, "host", gh.Host(baseURL))

	opts := []gh.Option{gh.WithLogger(logger.With("component", "github"))}
	if baseURL != "" {
		opts = append(opts, gh.WithBaseURL(baseURL))
	}
	return gh.NewClient(ctx, token, opts...)
}

func newOutputManager(stdout io.Writer, logger *slog.Logger) (*output.Manager, error) {
	m := output.NewManager(logger.With("component", "output"))

	if !cfg.Output.NoConsole {
		s, err := output.NewConsoleSink(stdout, cfg.Output.ConsoleFormat, cfg.Output.ConsoleFilterEvents)
		if err != nil {
			return nil, err
		}
		if err := m.AddSink(s); err != nil {
			return nil, err
		}
	}
	for _, format := range cfg.Output.Emit {
		s, err := output.NewEmitSink(stdout, format)
		if err != nil {
			return nil, err
		}
		if err := m.AddSink(s); err != nil {
			return nil, err
		}
	}
	if cfg.Output.Out != "" {
		s, err := output.NewFileSink(cfg.Output.Out, cfg.Output.OutFormat)
		if err != nil {
			return nil, err
		}
		if err := m.AddSink(s); err != nil {
			return nil, err
		}
	}
	if cfg.Output.Report != "" {
		s, err := output.NewReportSink(cfg.Output.Report)
		if err != nil {
			return nil, err
		}
		if err := m.AddSink(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func tickReporter(out *output.Manager) func(*trigger.TickReport) {
	return func(rep *trigger.TickReport) {
		_ = out.Write(output.Event{
			Type:      output.EventTickFinished,
			At:        rep.At,
			Submitted: len(rep.Submitted),
			Message:   fmt.Sprintf("%d skipped, %d failed", len(rep.Skipped), len(rep.Errors)),
		})
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.SetHelpTemplate(serveHelpTemplate)

	// State and transport
	serveCmd.Flags().StringVar(&cfg.Store.DatabaseURL, flags.FlagDatabaseURL, cfg.Store.DatabaseURL, "PostgreSQL URL for persistent state (empty = in memory)")
	serveCmd.Flags().StringVar(&cfg.Server.Addr, flags.FlagAddr, cfg.Server.Addr, "HTTP listen address")

	// GitHub
	serveCmd.Flags().StringVar(&cfg.GitHub.Token, flags.FlagGitHubToken, "", "GitHub token for github-actions servers (default: environment or gh)")
	serveCmd.Flags().StringVar(&cfg.GitHub.BaseURL, flags.FlagGitHubAPIURL, cfg.GitHub.BaseURL, "GitHub API base URL for GitHub Enterprise Server")

	// Engine
	serveCmd.Flags().StringVar(&cfg.Engine.Policy, flags.FlagPolicy, cfg.Engine.Policy, "PARTIAL checkup policy: strict|full-scope")
	serveCmd.Flags().IntVar(&cfg.Engine.Concurrency, flags.FlagConcurrency, cfg.Engine.Concurrency, "Parallel recomputes per propagation wave")
	serveCmd.Flags().DurationVar(&cfg.Engine.QueryTimeout, flags.FlagQueryTimeout, cfg.Engine.QueryTimeout, "Timeout for one checkup query")
	serveCmd.Flags().DurationVar(&cfg.Engine.Poll, flags.FlagPoll, cfg.Engine.Poll, "How often pending retries are checked")

	// Output
	serveCmd.Flags().StringVar(&cfg.Output.ConsoleFormat, flags.FlagConsoleFormat, "text", "Console output format: text|ndjson (default: text)")
	serveCmd.Flags().StringSliceVar(&cfg.Output.ConsoleFilterEvents, flags.FlagConsoleFilterEvents, nil, "Only print these event types on the console. Comma-separated.")
	serveCmd.Flags().StringVar(&cfg.Output.Report, flags.FlagReport, "", "Write a Markdown session report to this path on shutdown")
	serveCmd.Flags().StringVar(&cfg.Output.Out, flags.FlagOut, "", "Write structured output to this path")
	serveCmd.Flags().StringVar(&cfg.Output.OutFormat, flags.FlagOutFormat, "", "Structured output format for --out: json|ndjson (default: inferred from file extension)")
	serveCmd.Flags().StringSliceVar(&cfg.Output.Emit, flags.FlagEmit, nil, "Emit additional structured stream to stdout: json|ndjson (repeatable; comma-separated accepted)")
	serveCmd.Flags().BoolVar(&cfg.Output.NoConsole, flags.FlagNoConsole, false, "Suppress console output (use with --emit/--out/--report)")
}
