// Package slack posts failed analysis jobs to a Slack incoming webhook.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/target/memscope/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix turns job ids into links when it is an absolute URL.
	JobURLPrefix string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	webhookURL string
	channel    string
	username   string
	retryLimit int
	jobURL     *url.URL
	client     *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	var jobURL *url.URL
	if u, err := url.Parse(strings.TrimSpace(cfg.JobURLPrefix)); err == nil && u.Scheme != "" && u.Host != "" {
		jobURL = u
	}

	return &Client{
		webhookURL: webhookURL,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   notify.Fallback(cfg.Username, "memscope"),
		retryLimit: max(cfg.RetryLimit, 0),
		jobURL:     jobURL,
		client:     notify.NewHTTPClient(cfg.Client, cfg.Timeout),
	}, nil
}

// SendJobFailure posts a formatted message to Slack.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.DeliverJSON(ctx, c.client, "slack webhook", c.webhookURL, body, c.retryLimit)
}

type message struct {
	Text     string `json:"text"`
	Username string `json:"username"`
	Channel  string `json:"channel,omitempty"`
}

func (c *Client) formatMessage(p notify.JobFailurePayload) message {
	occurred := p.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	var b strings.Builder
	b.WriteString("*Memory analysis failed*")
	if job := c.jobValue(p.JobID); job != "" {
		b.WriteString(" " + job)
	}
	b.WriteByte('\n')

	for _, f := range []struct{ label, value string }{
		{"Severity", notify.Fallback(p.Severity, notify.SeverityCritical)},
		{"Instance", instanceValue(p.InstanceID, p.InstanceName)},
		{"Phase", escape(p.Phase)},
		{"Code", p.ErrorCode},
		{"Error class", p.ErrorClass},
		{"Error", escape(p.Error)},
	} {
		if strings.TrimSpace(f.value) != "" {
			fmt.Fprintf(&b, "• %s: %s\n", f.label, f.value)
		}
	}

	if len(p.Metadata) > 0 {
		keys := make([]string, 0, len(p.Metadata))
		for k := range p.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("• Metadata:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "    • %s: %s\n", k, escape(p.Metadata[k]))
		}
	}
	b.WriteString("• Timestamp: " + occurred.UTC().Format(time.RFC3339))

	return message{Text: b.String(), Username: c.username, Channel: c.channel}
}

// jobValue renders the job id as a Slack link when a job URL prefix is configured.
func (c *Client) jobValue(jobID string) string {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return ""
	}
	if c.jobURL == nil {
		return "`" + escape(id) + "`"
	}
	return fmt.Sprintf("<%s|%s>", c.jobURL.JoinPath(id).String(), escape(id))
}

func instanceValue(id, name string) string {
	id, name = escape(strings.TrimSpace(id)), escape(strings.TrimSpace(name))
	switch {
	case id != "" && name != "":
		return name + " (" + id + ")"
	case name != "":
		return name
	default:
		return id
	}
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(value string) string {
	return slackEscaper.Replace(value)
}
