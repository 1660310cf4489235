package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

var ErrProviderNotConfigured = errors.New("model provider not configured")

// OpenRouterClient answers chat messages through an OpenRouter-compatible
// chat completion API when no agent can.
type OpenRouterClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

type OpenRouterRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenRouterResponse struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Message Message `json:"message"`
}

func NewOpenRouterClient(apiKey, baseURL, model string, timeout time.Duration, logger *slog.Logger) *OpenRouterClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = timeout
	rc.Logger = logger.With("component", "provider")

	return &OpenRouterClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  rc,
		logger:  logger.With("component", "provider"),
	}
}

const systemPrompt = `You are standing in for a user's AI agent that is currently unreachable.
Answer the user's message helpfully and concisely. If the request needs tools,
files or state only the agent has, say so plainly instead of guessing.`

func (c *OpenRouterClient) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Complete returns the model's answer to text.
func (c *OpenRouterClient) Complete(ctx context.Context, text string) (string, error) {
	if !c.Configured() {
		return "", ErrProviderNotConfigured
	}

	reqBody, err := json.Marshal(OpenRouterRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal error: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create request error: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Title", "AgentBridge")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("provider returned error", "status", resp.StatusCode, "body", string(body))
		return "", fmt.Errorf("provider status %d", resp.StatusCode)
	}

	var orResp OpenRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&orResp); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if len(orResp.Choices) == 0 {
		return "", errors.New("provider returned no choices")
	}
	return orResp.Choices[0].Message.Content, nil
}

// FallbackReply explains to the user why nobody answered.
func FallbackReply(agentName string, providerConfigured bool) string {
	if agentName == "" {
		agentName = "Your agent"
	}
	if providerConfigured {
		return fmt.Sprintf("%s is offline and the backup model could not be reached. "+
			"Your message was not processed; try again once the agent reconnects.", agentName)
	}
	return fmt.Sprintf("%s is offline and no AI model is configured to answer in its place. "+
		"Start the agent or its bridge client, or configure a model provider, then try again.", agentName)
}
