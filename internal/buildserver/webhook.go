package buildserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"jobflow/internal/model"
)

// WebhookServer submits builds by POSTing a JSON document to a URL. The
// remote side reports progress back through POST /v1/events.
type WebhookServer struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// SubmitRequest is the body a WebhookServer posts.
type SubmitRequest struct {
	Job    string           `json:"job"`
	Build  int              `json:"build"`
	Cause  model.BuildCause `json:"cause,omitempty"`
	Queued time.Time        `json:"queued_at,omitzero"`
}

func NewWebhookServer(cfg Config, client *http.Client) *WebhookServer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookServer{name: cfg.Name, url: cfg.URL, headers: cfg.Headers, client: client}
}

func (w *WebhookServer) Name() string { return w.name }

func (w *WebhookServer) Submit(ctx context.Context, job model.Job, build model.Build) error {
	body, err := json.Marshal(SubmitRequest{Job: job.ID, Build: build.Number, Cause: build.Cause, Queued: build.QueuedAt})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s returned %d: %s", w.url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
