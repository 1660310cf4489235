// Package runtime talks to the container manager that hosts managed agents.
package runtime

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

// ErrNotManaged means the agent has no container, or no manager is configured.
var ErrNotManaged = errors.New("agent is not container managed")

const (
	StateRunning    = "running"
	StateExited     = "exited"
	StateDead       = "dead"
	StateRestarting = "restarting"
	StatePaused     = "paused"
	StateCreated    = "created"
)

// ContainerState is the manager's view of one agent container.
type ContainerState struct {
	Status     string  `json:"status"`
	Running    bool    `json:"running"`
	ExitCode   int     `json:"exitCode"`
	Error      string  `json:"error,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMB"`
}

// Failed reports whether the container process is gone or errored.
func (s ContainerState) Failed() bool {
	switch s.Status {
	case StateExited, StateDead:
		return true
	}
	return s.Error != ""
}

type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// NewClient returns nil when baseURL is empty; a nil client reports every
// agent as not managed.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = logger.With("component", "runtime")
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    rc,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c == nil {
		return ErrNotManaged
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotManaged
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Inspect returns the container state of agentID.
func (c *Client) Inspect(ctx context.Context, agentID string) (*ContainerState, error) {
	var state ContainerState
	if err := c.do(ctx, http.MethodGet, "/containers/"+agentID, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) Restart(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/containers/"+agentID+"/restart", nil, nil)
}

// Chat forwards a chat message into the agent container.
func (c *Client) Chat(ctx context.Context, agentID, text string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.do(ctx, http.MethodPost, "/containers/"+agentID+"/chat", map[string]string{"text": text}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}
