package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"jobflow/internal/model"
)

// Response bodies beyond this are cut before parsing.
const maxHTTPBody = 1 << 20

// httpDriver POSTs the query text to the connection URL. The response is
// either {"value": ...} or a bare scalar body.
type httpDriver struct {
	client *http.Client
}

func (httpDriver) Name() string { return "http" }

func (d httpDriver) Open(conn model.Connection) (Source, error) {
	u, err := url.Parse(conn.DSN)
	if err != nil {
		return nil, fmt.Errorf("http connection %s: %w", conn.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http connection %s: unsupported scheme %q", conn.Name, u.Scheme)
	}
	client := d.client
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSource{name: conn.Name, url: u.String(), client: client}, nil
}

type httpSource struct {
	name   string
	url    string
	client *http.Client
}

func (s *httpSource) Query(ctx context.Context, query string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBufferString(query))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", transient(s.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return "", transient(s.name, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", transient(s.name, fmt.Errorf("status %d: %s", resp.StatusCode, model.Truncate(strings.TrimSpace(string(body)))))
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("connection %s: status %d: %s", s.name, resp.StatusCode, model.Truncate(strings.TrimSpace(string(body))))
	}

	return decodeScalar(body), nil
}

func (s *httpSource) Close() error {
	return nil
}

func decodeScalar(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var payload struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &payload); err == nil && payload.Value != nil {
			var str string
			if err := json.Unmarshal(payload.Value, &str); err == nil {
				return str
			}
			return string(bytes.TrimSpace(payload.Value))
		}
	}
	return string(trimmed)
}

func init() {
	RegisterDriver(httpDriver{})
}
