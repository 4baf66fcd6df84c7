package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/target/memscope/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#forensics",
		Username:   "bot",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:        "123",
		InstanceID:   "vm-1",
		InstanceName: "web <01>",
		Phase:        "scan",
		ErrorCode:    "phase_failure_policy_violated",
		Error:        "tool yara failed",
		ErrorClass:   "app_error",
		Metadata:     map[string]string{"zone": "b", "az": "a"},
		OccurredAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	if msg.Username != "bot" || msg.Channel != "#forensics" {
		t.Fatalf("unexpected identity: %+v", msg)
	}
	for _, want := range []string{
		"Memory analysis failed* `123`",
		"Severity: critical",
		"Instance: web &lt;01&gt; (vm-1)",
		"Phase: scan",
		"Code: phase_failure_policy_violated",
		"Error class: app_error",
		"Error: tool yara failed",
		"Timestamp: 2026-01-02T03:04:05Z",
	} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("message text missing %q: %s", want, msg.Text)
		}
	}
	if strings.Index(msg.Text, "az: a") > strings.Index(msg.Text, "zone: b") {
		t.Fatalf("metadata not sorted: %s", msg.Text)
	}
}

func TestJobValue(t *testing.T) {
	tcs := []struct {
		name   string
		prefix string
		id     string
		want   string
	}{
		{name: "link", prefix: "https://memscope.example/api/jobs", id: "j-1", want: "<https://memscope.example/api/jobs/j-1|j-1>"},
		{name: "trailing slash", prefix: "https://memscope.example/api/jobs/", id: "j-2", want: "<https://memscope.example/api/jobs/j-2|j-2>"},
		{name: "invalid prefix", prefix: "not a url", id: "j-3", want: "`j-3`"},
		{name: "empty id", prefix: "https://memscope.example/api/jobs", want: ""},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(Config{WebhookURL: "https://hooks.slack.com/services/test", JobURLPrefix: tc.prefix})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := client.jobValue(tc.id); got != tc.want {
				t.Fatalf("jobValue(%q) = %q, want %q", tc.id, got, tc.want)
			}
		})
	}
}

func TestSendJobFailure(t *testing.T) {
	var got message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, Client: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "abc"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Username != "memscope" || !strings.Contains(got.Text, "abc") {
		t.Fatalf("unexpected message: %+v", got)
	}
}
