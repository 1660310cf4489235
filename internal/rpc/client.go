// Package rpc routes a chat message to the first execution path that can
// answer it.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/runtime"
	"agentbridge-backend/internal/services"
)

// ErrNotApplicable makes the chain move on to the next strategy.
var ErrNotApplicable = errors.New("strategy not applicable")

const SourceFallback = "fallback"

type Strategy interface {
	Name() string
	Send(ctx context.Context, agent *models.Agent, req models.ChatRequest) (string, error)
}

type Client struct {
	strategies []Strategy
	provider   ProviderState
	logger     *slog.Logger
}

// ProviderState reports whether a model provider could have answered, for
// wording the fallback reply.
type ProviderState interface {
	Configured() bool
}

func NewClient(logger *slog.Logger, provider ProviderState, strategies ...Strategy) *Client {
	return &Client{
		strategies: strategies,
		provider:   provider,
		logger:     logger.With("component", "dispatch"),
	}
}

// SendChat tries each strategy in order. A strategy that is not applicable,
// or whose tunnel is not connected, passes to the next one. Timeouts and
// remote errors end the chain. When nothing applies the reply explains why
// instead of failing.
func (c *Client) SendChat(ctx context.Context, agent *models.Agent, req models.ChatRequest) (*models.ChatReply, error) {
	for _, s := range c.strategies {
		content, err := s.Send(ctx, agent, req)
		switch {
		case err == nil:
			return &models.ChatReply{Content: content, Source: s.Name()}, nil
		case errors.Is(err, ErrNotApplicable), errors.Is(err, models.ErrNotConnected):
			c.logger.Debug("strategy skipped", "agent_id", agent.ID, "strategy", s.Name(), "reason", err)
			continue
		default:
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
	}

	configured := c.provider != nil && c.provider.Configured()
	return &models.ChatReply{
		Content: services.FallbackReply(agent.Name, configured),
		Source:  SourceFallback,
	}, nil
}

// ChatTunnel is the part of a tunnel registry the chain needs.
type ChatTunnel interface {
	Name() string
	IsConnected(agentID string) bool
	SendChat(ctx context.Context, req models.ChatRequest) (string, error)
}

type tunnelStrategy struct {
	tunnel ChatTunnel
}

// TunnelStrategy sends through t when it holds the agent.
func TunnelStrategy(t ChatTunnel) Strategy {
	return &tunnelStrategy{tunnel: t}
}

func (s *tunnelStrategy) Name() string { return s.tunnel.Name() }

func (s *tunnelStrategy) Send(ctx context.Context, agent *models.Agent, req models.ChatRequest) (string, error) {
	if !s.tunnel.IsConnected(agent.ID) {
		return "", ErrNotApplicable
	}
	return s.tunnel.SendChat(ctx, req)
}

type ContainerChat interface {
	Chat(ctx context.Context, agentID, text string) (string, error)
}

type containerStrategy struct {
	runtime ContainerChat
}

// ContainerStrategy forwards chat into managed containers.
func ContainerStrategy(rt ContainerChat) Strategy {
	return &containerStrategy{runtime: rt}
}

func (s *containerStrategy) Name() string { return models.DeploymentContainer }

func (s *containerStrategy) Send(ctx context.Context, agent *models.Agent, req models.ChatRequest) (string, error) {
	if s.runtime == nil || agent.Deployment != models.DeploymentContainer {
		return "", ErrNotApplicable
	}
	out, err := s.runtime.Chat(ctx, agent.ID, req.Text)
	if errors.Is(err, runtime.ErrNotManaged) {
		return "", ErrNotApplicable
	}
	return out, err
}

type Completer interface {
	Configured() bool
	Complete(ctx context.Context, text string) (string, error)
}

type proxyStrategy struct {
	provider Completer
}

// ProxyStrategy asks the configured model provider directly. Provider
// failures fall through to the explanatory reply.
func ProxyStrategy(p Completer) Strategy {
	return &proxyStrategy{provider: p}
}

func (s *proxyStrategy) Name() string { return "proxy" }

func (s *proxyStrategy) Send(ctx context.Context, _ *models.Agent, req models.ChatRequest) (string, error) {
	if s.provider == nil || !s.provider.Configured() {
		return "", ErrNotApplicable
	}
	out, err := s.provider.Complete(ctx, req.Text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}
	return out, nil
}
