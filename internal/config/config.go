package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Environment variables read by New.
const (
	EnvFleet       = "JOBFLOW_FLEET"
	EnvDatabaseURL = "JOBFLOW_DATABASE_URL"
	EnvAddr        = "JOBFLOW_ADDR"
	EnvLogFile     = "JOBFLOW_LOG_FILE"
	EnvGitHubAPI   = "GITHUB_API_URL"
)

type Config struct {
	// MAINTAINER NOTE: If you add/change/remove config fields, keep the CLI
	// flags in internal/cli/serve.go and the flag names in internal/flags in
	// sync.
	Fleet   Fleet
	Store   Store
	Server  Server
	GitHub  GitHub
	Engine  Engine
	Output  Output
	Logging Logging
}

type Fleet struct {
	// Path is the YAML fleet document (see --fleet).
	Path string
}

type Store struct {
	// DatabaseURL selects the PostgreSQL store (see --database-url). Empty
	// keeps state in memory for the life of the process.
	DatabaseURL string
}

type Server struct {
	// Addr is the HTTP listen address (see --addr).
	Addr string
}

type GitHub struct {
	// Token authenticates the GitHub Actions build servers (see --github-token).
	// Empty falls back to JOBFLOW_GITHUB_TOKEN, GITHUB_TOKEN, then gh.
	Token string

	// BaseURL points the client at GitHub Enterprise Server (see --github-api-url).
	BaseURL string
}

type Engine struct {
	// Policy decides how PARTIAL-scoped checkup failures count (see --policy).
	// Allowed values: strict, full-scope.
	Policy string

	// Concurrency bounds parallel recomputes within one propagation wave
	// (see --concurrency). Must be >= 1.
	Concurrency int

	// QueryTimeout bounds one checkup query (see --query-timeout). Must be > 0.
	QueryTimeout time.Duration

	// Poll is how often pending retries are checked (see --poll). Must be > 0.
	Poll time.Duration
}

type Output struct {
	// ConsoleFormat controls the human-facing console sink format (see --console-format).
	// Allowed values: text, ndjson.
	ConsoleFormat string

	// ConsoleFilterEvents limits console output to these event types (see --console-filter-events).
	ConsoleFilterEvents []string

	// Report writes a Markdown session report to this path on shutdown (see --report).
	Report string

	// Out writes structured output to this path (see --out).
	Out string

	// OutFormat selects the format for --out (see --out-format).
	// Allowed values: json, ndjson. If empty, it is inferred from the --out file extension.
	OutFormat string

	// Emit writes an additional structured event stream to stdout (see --emit).
	// Allowed values: json, ndjson.
	Emit []string

	// NoConsole suppresses the console sink (see --no-console).
	NoConsole bool
}

type Logging struct {
	// Level is the minimum log level (see --log-level).
	// Allowed values: debug, info, warn, error.
	Level string

	// File additionally writes JSON logs to this path (see --log-file).
	File string

	// Verbose is shorthand for --log-level debug.
	Verbose bool
}

func New() *Config {
	return &Config{
		Fleet:  Fleet{Path: envOr(EnvFleet, "jobflow.yaml")},
		Store:  Store{DatabaseURL: os.Getenv(EnvDatabaseURL)},
		Server: Server{Addr: envOr(EnvAddr, ":8080")},
		GitHub: GitHub{BaseURL: os.Getenv(EnvGitHubAPI)},
		Engine: Engine{
			Policy:       "strict",
			Concurrency:  4,
			QueryTimeout: 30 * time.Second,
			Poll:         time.Second,
		},
		Output: Output{
			ConsoleFormat: "text",
		},
		Logging: Logging{
			Level: "info",
			File:  os.Getenv(EnvLogFile),
		},
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (c *Config) Validate() error {
	c.Output.ConsoleFilterEvents = splitCommaList(c.Output.ConsoleFilterEvents)
	c.Output.Emit = splitCommaList(c.Output.Emit)

	if strings.TrimSpace(c.Fleet.Path) == "" {
		return errors.New("--fleet is required")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("--addr must not be empty")
	}

	if c.Store.DatabaseURL != "" {
		u, err := url.Parse(c.Store.DatabaseURL)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			return errors.New("--database-url must be a postgres:// URL")
		}
	}
	if c.GitHub.BaseURL != "" {
		u, err := url.Parse(c.GitHub.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid --github-api-url: %q", c.GitHub.BaseURL)
		}
	}

	// Engine validation
	c.Engine.Policy = normalizeEnumValue(c.Engine.Policy)
	if c.Engine.Policy == "" {
		c.Engine.Policy = "strict"
	}
	if c.Engine.Policy != "strict" && c.Engine.Policy != "full-scope" {
		return fmt.Errorf("unsupported --policy: %s (must be one of: strict, full-scope)", c.Engine.Policy)
	}
	if c.Engine.Concurrency <= 0 {
		return errors.New("--concurrency must be >= 1")
	}
	if c.Engine.QueryTimeout <= 0 {
		return errors.New("--query-timeout must be > 0")
	}
	if c.Engine.Poll <= 0 {
		return errors.New("--poll must be > 0")
	}

	// Output validation
	c.Output.ConsoleFormat = normalizeEnumValue(c.Output.ConsoleFormat)
	if c.Output.ConsoleFormat == "" {
		return errors.New("--console-format must be one of: text, ndjson")
	}
	if c.Output.ConsoleFormat != "text" && c.Output.ConsoleFormat != "ndjson" {
		return fmt.Errorf("unsupported --console-format: %s (must be one of: text, ndjson)", c.Output.ConsoleFormat)
	}
	for i, emit := range c.Output.Emit {
		v := normalizeEnumValue(emit)
		if v != "json" && v != "ndjson" {
			return fmt.Errorf("unsupported --emit value: %s (must be one of: json, ndjson)", emit)
		}
		c.Output.Emit[i] = v
	}
	if c.Output.Out != "" {
		c.Output.OutFormat = normalizeEnumValue(c.Output.OutFormat)
		if c.Output.OutFormat == "" {
			ext := strings.ToLower(filepath.Ext(c.Output.Out))
			switch ext {
			case ".json":
				c.Output.OutFormat = "json"
			case ".ndjson":
				c.Output.OutFormat = "ndjson"
			case "":
				return errors.New("cannot infer output format from file extension (missing extension); use --out-format")
			default:
				return fmt.Errorf("cannot infer output format from file extension %q; use --out-format", ext)
			}
		} else if c.Output.OutFormat != "json" && c.Output.OutFormat != "ndjson" {
			return fmt.Errorf("unsupported output format: %s", c.Output.OutFormat)
		}
	}

	// Logging validation
	if c.Logging.Verbose {
		c.Logging.Level = "debug"
	}
	c.Logging.Level = normalizeEnumValue(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// LogLevel is the validated Logging.Level.
func (c *Config) LogLevel() slog.Level {
	l, err := parseLevel(c.Logging.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(raw string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("unsupported --log-level: %s (must be one of: debug, info, warn, error)", raw)
	}
	return l, nil
}

func normalizeEnumValue(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func splitCommaList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}
