package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"agentbridge-backend/internal/models"
)

type SlackClient struct {
	webhookURL string
	client     *retryablehttp.Client
	logger     *slog.Logger
}

type SlackMessage struct {
	Text   string  `json:"text,omitempty"`
	Blocks []Block `json:"blocks"`
}

type Block struct {
	Type     string  `json:"type"`
	Text     *Text   `json:"text,omitempty"`
	Fields   []*Text `json:"fields,omitempty"`
	Elements []*Text `json:"elements,omitempty"`
}

type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func NewSlackClient(webhookURL string, logger *slog.Logger) *SlackClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = logger.With("component", "slack")
	return &SlackClient{
		webhookURL: webhookURL,
		client:     rc,
		logger:     logger.With("component", "slack"),
	}
}

// SendAlert posts an alert to the configured webhook. Without a webhook it
// only logs.
func (c *SlackClient) SendAlert(ctx context.Context, alert models.Alert) error {
	if c.webhookURL == "" {
		c.logger.Debug("no SLACK_WEBHOOK_URL configured, skipping alert", "agent_id", alert.AgentID, "kind", alert.Kind)
		return nil
	}
	return c.sendMessage(ctx, c.buildAlertMessage(alert))
}

func (c *SlackClient) buildAlertMessage(alert models.Alert) SlackMessage {
	emoji := "⚠️"
	title := "Agent health alert"
	switch alert.Kind {
	case models.AlertKindRestartFailed:
		emoji = "🔁"
		title = "Agent restart failed"
	case models.AlertKindRestartExhausted:
		emoji = "🚨"
		title = "Agent restarts exhausted"
	}

	return SlackMessage{
		Text: fmt.Sprintf("%s %s: %s", emoji, title, alert.AgentID),
		Blocks: []Block{
			{
				Type: "header",
				Text: &Text{Type: "plain_text", Text: fmt.Sprintf("%s %s", emoji, title), Emoji: true},
			},
			{
				Type: "section",
				Fields: []*Text{
					{Type: "mrkdwn", Text: "*Agent:*\n" + alert.AgentID},
					{Type: "mrkdwn", Text: "*Severity:*\n" + alert.Severity},
				},
			},
			{
				Type: "section",
				Text: &Text{Type: "mrkdwn", Text: alert.Message},
			},
			{
				Type:     "context",
				Elements: []*Text{{Type: "mrkdwn", Text: alert.CreatedAt.UTC().Format(time.RFC3339)}},
			},
		},
	}
}

func (c *SlackClient) sendMessage(ctx context.Context, message SlackMessage) error {
	reqBody, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack error: %s", string(body))
	}
	return nil
}
