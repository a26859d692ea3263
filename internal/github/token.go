package github

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// TokenSource names where a GitHub token came from. It is logged; the token
// itself never is.
type TokenSource string

const (
	TokenSourceExplicit TokenSource = "explicit"
	TokenSourceJobflow  TokenSource = "env:JOBFLOW_GITHUB_TOKEN"
	TokenSourceEnv      TokenSource = "env:GITHUB_TOKEN"
	TokenSourceCLI      TokenSource = "gh"
)

const DefaultHost = "github.com"

// ResolveToken finds a token for host.
//
// Precedence:
//  1. provided (if non-empty)
//  2. JOBFLOW_GITHUB_TOKEN
//  3. GITHUB_TOKEN
//  4. `gh auth token -h <host>`
//
// No token is not an error; the caller decides whether it can run
// unauthenticated.
func ResolveToken(ctx context.Context, provided, host string) (string, TokenSource, error) {
	if tok := strings.TrimSpace(provided); tok != "" {
		return tok, TokenSourceExplicit, nil
	}
	for _, env := range []struct {
		name   string
		source TokenSource
	}{
		{"JOBFLOW_GITHUB_TOKEN", TokenSourceJobflow},
		{"GITHUB_TOKEN", TokenSourceEnv},
	} {
		if tok := strings.TrimSpace(os.Getenv(env.name)); tok != "" {
			return tok, env.source, nil
		}
	}

	if host == "" {
		host = DefaultHost
	}
	tok, err := cliToken(ctx, host)
	if err != nil || tok == "" {
		return "", "", err
	}
	return tok, TokenSourceCLI, nil
}

func cliToken(ctx context.Context, host string) (string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return "", nil
	}

	// A broken credential helper must not hang startup.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "gh", "auth", "token", "-h", host)
	cmd.Env = append(withoutEnv(os.Environ(), "GH_PAGER"), "GH_PAGER=cat")
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Not logged in. gh output is dropped so nothing sensitive leaks.
		return "", nil
	}

	tok := strings.TrimSpace(string(out))
	if strings.ContainsAny(tok, " \t\n\r") {
		return "", errors.New("gh returned a token containing whitespace")
	}
	return tok, nil
}

func withoutEnv(env []string, name string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, name+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
