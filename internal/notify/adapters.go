package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"soulkeeper/internal/logging"
)

// LogAdapter writes deliveries to the notify log. Used in development and as
// the fallback channel when nothing else is configured; resolutions for it
// arrive through the CLI.
type LogAdapter struct {
	name string
}

// NewLogAdapter creates a LogAdapter.
func NewLogAdapter(name string) *LogAdapter {
	if name == "" {
		name = "log"
	}
	return &LogAdapter{name: name}
}

func (a *LogAdapter) Name() string { return a.name }

func (a *LogAdapter) Send(_ context.Context, summary Summary, resolutionToken string) error {
	logging.Notify("[%s] token=%s\n%s", a.name, resolutionToken, summary.Text())
	return nil
}

func (a *LogAdapter) ParseInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, err
	}
	if in.ProposalID == "" || in.Action == "" {
		return Inbound{}, fmt.Errorf("inbound event missing proposal_id or action")
	}
	return in, nil
}

// WebhookAdapter POSTs the summary as JSON to a configured endpoint. The
// receiving side (a chat bot bridge, typically) renders it and posts human
// responses back as Inbound JSON.
type WebhookAdapter struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewWebhookAdapter creates a WebhookAdapter for the given endpoint.
func NewWebhookAdapter(name, baseURL string) *WebhookAdapter {
	return &WebhookAdapter{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (a *WebhookAdapter) Name() string { return a.name }

type webhookPayload struct {
	ProposalID      string `json:"proposal_id"`
	ResolutionToken string `json:"resolution_token"`
	Summary         string `json:"summary"`
}

func (a *WebhookAdapter) Send(ctx context.Context, summary Summary, resolutionToken string) error {
	payload, err := json.Marshal(webhookPayload{
		ProposalID:      summary.ProposalID,
		ResolutionToken: resolutionToken,
		Summary:         summary.Text(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", a.name, resp.StatusCode)
	}
	return nil
}

func (a *WebhookAdapter) ParseInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, err
	}
	if in.ProposalID == "" || in.Action == "" {
		return Inbound{}, fmt.Errorf("inbound event missing proposal_id or action")
	}
	return in, nil
}
