// Package pagerduty triggers PagerDuty Events API v2 incidents for failed analysis jobs.
package pagerduty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/target/memscope/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// Endpoint overrides APIEndpoint.
	Endpoint string
}

// Client publishes events via PagerDuty's Events API v2.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	retryLimit int
	client     *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient constructs a PagerDuty events client from config. Callers must provide a routing key.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	return &Client{
		routingKey: key,
		source:     notify.Fallback(strings.TrimSpace(cfg.Source), "memscope"),
		component:  notify.Fallback(strings.TrimSpace(cfg.Component), "orchestrator"),
		endpoint:   notify.Fallback(strings.TrimSpace(cfg.Endpoint), APIEndpoint),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     notify.NewHTTPClient(cfg.Client, cfg.Timeout),
	}, nil
}

// SendJobFailure submits a trigger event to PagerDuty.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}
	return notify.DeliverJSON(ctx, c.client, "pagerduty api", c.endpoint, body, c.retryLimit)
}

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
}

type eventPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Component     string         `json:"component"`
	Group         string         `json:"group,omitempty"`
	Class         string         `json:"class,omitempty"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details"`
}

// buildEvent keys incidents by job id so retries and re-deliveries collapse into one incident.
func (c *Client) buildEvent(p notify.JobFailurePayload) event {
	occurred := p.OccurredAt.UTC()
	if p.OccurredAt.IsZero() {
		occurred = time.Now().UTC()
	}

	custom := map[string]any{
		"job_id":        p.JobID,
		"instance_id":   p.InstanceID,
		"instance_name": p.InstanceName,
		"phase":         p.Phase,
		"error_code":    p.ErrorCode,
		"error":         p.Error,
		"error_class":   p.ErrorClass,
	}
	for k, v := range p.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	summary := fmt.Sprintf("Memory analysis of %s failed", p.Subject())
	if p.ErrorCode != "" {
		summary += " (" + p.ErrorCode + ")"
	}

	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    "memscope:" + notify.Fallback(p.JobID, "unknown"),
		Payload: eventPayload{
			Summary:       summary,
			Severity:      notify.Fallback(strings.ToLower(p.Severity), notify.SeverityCritical),
			Source:        c.source,
			Component:     c.component,
			Group:         p.Phase,
			Class:         p.ErrorCode,
			Timestamp:     occurred.Format(time.RFC3339),
			CustomDetails: custom,
		},
	}
}
