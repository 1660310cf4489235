package bridgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"agentbridge-backend/internal/models"
)

var ErrNotLoopback = errors.New("gateway url must point at a loopback address")

// ValidateGatewayURL accepts only http(s) URLs whose host is localhost or a
// loopback IP.
func ValidateGatewayURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway url scheme %q: %w", u.Scheme, ErrNotLoopback)
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return u, nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("gateway host %q: %w", host, ErrNotLoopback)
	}
	return u, nil
}

// Gateway talks to the agent runtime's local HTTP API.
type Gateway struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
	checker *retryablehttp.Client
	waker   *retryablehttp.Client
	logger  *slog.Logger
}

func NewGateway(rawURL, token string, chatTimeout time.Duration, logger *slog.Logger) (*Gateway, error) {
	u, err := ValidateGatewayURL(rawURL)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "gateway")

	// chat is not idempotent, never retry it
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.HTTPClient.Timeout = chatTimeout
	client.Logger = nil

	checker := retryablehttp.NewClient()
	checker.RetryMax = 1
	checker.RetryWaitMin = 200 * time.Millisecond
	checker.RetryWaitMax = time.Second
	checker.HTTPClient.Timeout = 3 * time.Second
	checker.Logger = nil

	// wake posts are not idempotent either
	waker := retryablehttp.NewClient()
	waker.RetryMax = 0
	waker.HTTPClient.Timeout = 5 * time.Second
	waker.Logger = nil

	return &Gateway{
		baseURL: strings.TrimRight(u.String(), "/"),
		token:   token,
		client:  client,
		checker: checker,
		waker:   waker,
		logger:  logger,
	}, nil
}

func (g *Gateway) newRequest(ctx context.Context, method, path string, body any) (*retryablehttp.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	return req, nil
}

// Healthy reports whether the gateway answers GET /health.
func (g *Gateway) Healthy(ctx context.Context) bool {
	req, err := g.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	resp, err := g.checker.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat forwards one user message to the gateway's chat completion endpoint.
// Attachments are appended to the message as links or inline names.
func (g *Gateway) Chat(ctx context.Context, agentID, text string, attachments []models.Attachment) (string, error) {
	req, err := g.newRequest(ctx, http.MethodPost, "/v1/chat/completions", chatCompletionRequest{
		Model:    "default",
		Messages: []chatMessage{{Role: "user", Content: withAttachments(text, attachments)}},
		User:     agentID,
	})
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway chat: %w", err)
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("decode gateway reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil && out.Error.Message != "" {
			return "", fmt.Errorf("gateway status %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("gateway returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Wake asks the gateway to start processing text on its own, without waiting
// for an answer. Errors are only logged.
func (g *Gateway) Wake(ctx context.Context, text string) {
	req, err := g.newRequest(ctx, http.MethodPost, "/hooks/wake", map[string]string{"text": text, "mode": "now"})
	if err != nil {
		return
	}
	resp, err := g.waker.Do(req)
	if err != nil {
		g.logger.Debug("wake request failed", "error", err)
		return
	}
	resp.Body.Close()
	g.logger.Debug("wake request sent", "status", resp.StatusCode)
}

func withAttachments(text string, attachments []models.Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nAttachments:")
	for _, a := range attachments {
		b.WriteString("\n- ")
		b.WriteString(a.Filename)
		if a.URL != "" {
			b.WriteString(" (" + a.URL + ")")
		}
	}
	return b.String()
}
