package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge-backend/internal/logging"
	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/pending"
	"agentbridge-backend/internal/runtime"
)

type fakeTunnel struct {
	name      string
	connected bool
	reply     string
	err       error
}

func (f *fakeTunnel) Name() string            { return f.name }
func (f *fakeTunnel) IsConnected(string) bool { return f.connected }
func (f *fakeTunnel) SendChat(context.Context, models.ChatRequest) (string, error) {
	return f.reply, f.err
}

type fakeRuntime struct {
	reply string
	err   error
}

func (f *fakeRuntime) Chat(context.Context, string, string) (string, error) {
	return f.reply, f.err
}

type fakeProvider struct {
	configured bool
	reply      string
	err        error
}

func (f *fakeProvider) Configured() bool { return f.configured }
func (f *fakeProvider) Complete(context.Context, string) (string, error) {
	return f.reply, f.err
}

func chain(relay, bridge *fakeTunnel, rt ContainerChat, p *fakeProvider) *Client {
	return NewClient(logging.Discard(), p,
		TunnelStrategy(relay),
		TunnelStrategy(bridge),
		ContainerStrategy(rt),
		ProxyStrategy(p),
	)
}

func TestFirstConnectedTunnelWins(t *testing.T) {
	c := chain(
		&fakeTunnel{name: "relay"},
		&fakeTunnel{name: "bridge", connected: true, reply: "from bridge"},
		nil,
		&fakeProvider{configured: true, reply: "from model"},
	)
	reply, err := c.SendChat(context.Background(), &models.Agent{ID: "a1"}, models.ChatRequest{AgentID: "a1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, &models.ChatReply{Content: "from bridge", Source: "bridge"}, reply)
}

func TestDisconnectMidRequestFallsThrough(t *testing.T) {
	c := chain(
		&fakeTunnel{name: "relay", connected: true, err: models.ErrConnectionClosed},
		&fakeTunnel{name: "bridge"},
		nil,
		&fakeProvider{configured: true, reply: "from model"},
	)
	reply, err := c.SendChat(context.Background(), &models.Agent{ID: "a1"}, models.ChatRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "proxy", reply.Source)
}

func TestTimeoutAndRemoteErrorsStopTheChain(t *testing.T) {
	for _, tunnelErr := range []error{pending.ErrTimeout, &models.RemoteError{Message: "boom"}} {
		c := chain(
			&fakeTunnel{name: "relay", connected: true, err: tunnelErr},
			&fakeTunnel{name: "bridge"},
			nil,
			&fakeProvider{configured: true, reply: "from model"},
		)
		_, err := c.SendChat(context.Background(), &models.Agent{ID: "a1"}, models.ChatRequest{AgentID: "a1"})
		assert.ErrorIs(t, err, tunnelErr)
	}
}

func TestContainerStrategy(t *testing.T) {
	c := chain(&fakeTunnel{name: "relay"}, &fakeTunnel{name: "bridge"},
		&fakeRuntime{reply: "from container"}, &fakeProvider{})

	reply, err := c.SendChat(context.Background(), &models.Agent{ID: "a1", Deployment: models.DeploymentContainer}, models.ChatRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentContainer, reply.Source)

	c = chain(&fakeTunnel{name: "relay"}, &fakeTunnel{name: "bridge"},
		&fakeRuntime{err: runtime.ErrNotManaged}, &fakeProvider{})
	reply, err = c.SendChat(context.Background(), &models.Agent{ID: "a1", Deployment: models.DeploymentContainer}, models.ChatRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, reply.Source)
}

func TestFallbackWhenNothingApplies(t *testing.T) {
	c := chain(&fakeTunnel{name: "relay"}, &fakeTunnel{name: "bridge"}, nil, &fakeProvider{})
	reply, err := c.SendChat(context.Background(), &models.Agent{ID: "a1", Name: "Ada"}, models.ChatRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, reply.Source)
	assert.Contains(t, reply.Content, "Ada is offline")
	assert.Contains(t, reply.Content, "no AI model is configured")

	c = chain(&fakeTunnel{name: "relay"}, &fakeTunnel{name: "bridge"}, nil,
		&fakeProvider{configured: true, err: errors.New("502")})
	reply, err = c.SendChat(context.Background(), &models.Agent{ID: "a1"}, models.ChatRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, reply.Source)
	assert.Contains(t, reply.Content, "could not be reached")
}
