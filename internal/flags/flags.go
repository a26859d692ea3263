package flags

// Package flags defines canonical CLI flag names shared across commands.
// IMPORTANT: These are flag *names* without leading dashes.
// Example usage:
//
//	cmd.Flags().StringVar(&cfg.Fleet.Path, flags.FlagFleet, "", "...")
//	arg := "--" + flags.FlagFleet
const (
	// Fleet and state
	FlagFleet       = "fleet"
	FlagDatabaseURL = "database-url"

	// HTTP API
	FlagAddr = "addr"
	FlagURL  = "url"

	// GitHub
	FlagGitHubToken  = "github-token"
	FlagGitHubAPIURL = "github-api-url"

	// Engine
	FlagPolicy       = "policy"
	FlagConcurrency  = "concurrency"
	FlagQueryTimeout = "query-timeout"
	FlagPoll         = "poll"
	FlagAt           = "at"

	// Output
	FlagConsoleFormat       = "console-format"
	FlagConsoleFilterEvents = "console-filter-events"
	FlagReport              = "report"
	FlagOut                 = "out"
	FlagOutFormat           = "out-format"
	FlagEmit                = "emit"
	FlagNoConsole           = "no-console"

	// Logging
	FlagLogLevel = "log-level"
	FlagLogFile  = "log-file"
	FlagVerbose  = "verbose"
)
