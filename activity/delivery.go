package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendorhq/huntflow"
)

// DeliveryService posts a brief to a sales channel. Implementations
// must deduplicate on the idempotency key: a redelivered key produces a
// receipt with Duplicate set instead of a second post.
type DeliveryService interface {
	Deliver(ctx context.Context, brief huntflow.OpportunityBrief, idempotencyKey string) (huntflow.DeliveryReceipt, error)
}

// NewDeliverActivity wraps a DeliveryService as a workflow activity.
// The idempotency key is the run ID, so a retried or replayed delivery
// step can never double-post.
func NewDeliverActivity(svc DeliveryService) huntflow.Activity {
	return huntflow.NewActivity(huntflow.StepKindDeliver,
		func(ctx *huntflow.StepContext, brief huntflow.OpportunityBrief) (huntflow.DeliveryReceipt, error) {
			return svc.Deliver(ctx, brief, ctx.IdempotencyKey)
		})
}

// SlackWebhookDeliverer posts briefs to a Slack incoming webhook using
// Block Kit formatting. Slack webhooks have no native idempotency, so
// the deliverer tracks delivered keys itself; a restart may repost, and
// the channel tolerates that.
type SlackWebhookDeliverer struct {
	webhookURL string
	channel    string
	httpClient *http.Client

	mu        sync.Mutex
	delivered map[string]huntflow.DeliveryReceipt
}

// NewSlackWebhookDeliverer creates a Slack deliverer.
func NewSlackWebhookDeliverer(webhookURL, channel string) *SlackWebhookDeliverer {
	return &SlackWebhookDeliverer{
		webhookURL: webhookURL,
		channel:    channel,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delivered:  make(map[string]huntflow.DeliveryReceipt),
	}
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks"`
}

// Deliver implements DeliveryService.
func (d *SlackWebhookDeliverer) Deliver(ctx context.Context, brief huntflow.OpportunityBrief, idempotencyKey string) (huntflow.DeliveryReceipt, error) {
	d.mu.Lock()
	if receipt, seen := d.delivered[idempotencyKey]; seen {
		d.mu.Unlock()
		receipt.Duplicate = true
		return receipt, nil
	}
	d.mu.Unlock()

	payload, err := json.Marshal(d.formatMessage(brief))
	if err != nil {
		return huntflow.DeliveryReceipt{}, huntflow.MalformedInput(fmt.Errorf("marshal slack message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return huntflow.DeliveryReceipt{}, huntflow.Permanent(fmt.Errorf("build slack request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return huntflow.DeliveryReceipt{}, huntflow.Transient(fmt.Errorf("post to slack: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return huntflow.DeliveryReceipt{}, huntflow.Transient(fmt.Errorf("slack returned %d", resp.StatusCode))
	default:
		return huntflow.DeliveryReceipt{}, huntflow.Permanent(fmt.Errorf("slack returned %d", resp.StatusCode))
	}

	receipt := huntflow.DeliveryReceipt{
		DeliveryID:  uuid.New().String(),
		Channel:     d.channel,
		DeliveredAt: time.Now().UTC(),
	}

	d.mu.Lock()
	d.delivered[idempotencyKey] = receipt
	d.mu.Unlock()

	return receipt, nil
}

func (d *SlackWebhookDeliverer) formatMessage(brief huntflow.OpportunityBrief) slackMessage {
	return slackMessage{
		Channel: d.channel,
		Text:    fmt.Sprintf("New opportunity: %s (Intent: %d/100)", brief.CompanyName, brief.IntentScore),
		Blocks: []slackBlock{
			{
				Type: "header",
				Text: &slackText{Type: "plain_text", Text: fmt.Sprintf("New High-Intent Opportunity: %s", brief.CompanyName)},
			},
			{
				Type: "section",
				Text: &slackText{Type: "mrkdwn", Text: brief.Summary},
			},
			{
				Type: "section",
				Fields: []slackText{
					{Type: "mrkdwn", Text: fmt.Sprintf("*Intent Score:*\n%d/100", brief.IntentScore)},
					{Type: "mrkdwn", Text: fmt.Sprintf("*Urgency:*\n%s", brief.Urgency)},
				},
			},
		},
	}
}

// MemoryDeliverer records briefs in memory (for testing and local
// runs). It honors idempotency keys the same way the Slack deliverer
// does.
type MemoryDeliverer struct {
	mu        sync.Mutex
	delivered map[string]huntflow.DeliveryReceipt
	briefs    []huntflow.OpportunityBrief
}

// NewMemoryDeliverer creates an in-memory deliverer.
func NewMemoryDeliverer() *MemoryDeliverer {
	return &MemoryDeliverer{
		delivered: make(map[string]huntflow.DeliveryReceipt),
	}
}

// Deliver implements DeliveryService.
func (d *MemoryDeliverer) Deliver(ctx context.Context, brief huntflow.OpportunityBrief, idempotencyKey string) (huntflow.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if receipt, seen := d.delivered[idempotencyKey]; seen {
		receipt.Duplicate = true
		return receipt, nil
	}

	receipt := huntflow.DeliveryReceipt{
		DeliveryID:  uuid.New().String(),
		Channel:     "memory",
		DeliveredAt: time.Now().UTC(),
	}
	d.delivered[idempotencyKey] = receipt
	d.briefs = append(d.briefs, brief)

	return receipt, nil
}

// Briefs returns every brief delivered so far.
func (d *MemoryDeliverer) Briefs() []huntflow.OpportunityBrief {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]huntflow.OpportunityBrief, len(d.briefs))
	copy(out, d.briefs)
	return out
}
