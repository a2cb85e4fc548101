package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLogAdapterParseInbound(t *testing.T) {
	a := NewLogAdapter("")
	if a.Name() != "log" {
		t.Fatalf("default name = %q, want log", a.Name())
	}

	in, err := a.ParseInbound([]byte(`{"proposal_id":"prop-1","action":"approve","resolution_token":"tok"}`))
	if err != nil {
		t.Fatalf("ParseInbound error = %v", err)
	}
	if in.ProposalID != "prop-1" || in.Action != "approve" || in.ResolutionToken != "tok" {
		t.Fatalf("inbound = %+v", in)
	}

	if _, err := a.ParseInbound([]byte(`{"action":"approve"}`)); err == nil {
		t.Fatal("missing proposal_id must be refused")
	}
	if _, err := a.ParseInbound([]byte(`{"proposal_id":"prop-1"}`)); err == nil {
		t.Fatal("missing action must be refused")
	}
	if _, err := a.ParseInbound([]byte(`garbage`)); err == nil {
		t.Fatal("non-JSON must be refused")
	}
}

func TestLogAdapterSendNeverFails(t *testing.T) {
	a := NewLogAdapter("dev")
	s := Summary{ProposalID: "prop-1", AgentID: "agent-1", ExpiresAt: time.Now()}
	if err := a.Send(context.Background(), s, "tok"); err != nil {
		t.Fatalf("Send error = %v", err)
	}
}

func TestWebhookAdapterSend(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body not JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewWebhookAdapter("slack", srv.URL)
	defer a.client.CloseIdleConnections()

	summary := Summary{
		ProposalID:  "prop-1",
		AgentID:     "agent-1",
		TargetField: "tone",
		Proposed:    "friendly but concise",
		ExpiresAt:   time.Now().UTC(),
	}
	if err := a.Send(context.Background(), summary, "tok-1"); err != nil {
		t.Fatalf("Send error = %v", err)
	}

	if got.ProposalID != "prop-1" || got.ResolutionToken != "tok-1" {
		t.Fatalf("payload = %+v", got)
	}
	if !strings.Contains(got.Summary, "friendly but concise") {
		t.Fatalf("summary text = %q", got.Summary)
	}
}

func TestWebhookAdapterSendNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewWebhookAdapter("slack", srv.URL)
	defer a.client.CloseIdleConnections()

	err := a.Send(context.Background(), Summary{ProposalID: "prop-1"}, "tok")
	if err == nil {
		t.Fatal("non-2xx must be an error")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("error = %v, should carry the status code", err)
	}
}

func TestWebhookAdapterSendRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	a := NewWebhookAdapter("slack", srv.URL)
	defer a.client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.Send(ctx, Summary{ProposalID: "prop-1"}, "tok"); err == nil {
		t.Fatal("Send should fail when the context deadline passes")
	}
}
