package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge-backend/internal/logging"
	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/pending"
)

type emitted struct {
	event string
	data  json.RawMessage
}

type fakeSession struct {
	id     string
	owner  string
	tunnel bool

	mu     sync.Mutex
	events []emitted
	closed bool
}

// newSession opens a session the way a bridge client does, with a tunnel
// token.
func newSession(id, owner string) *fakeSession {
	return &fakeSession{id: id, owner: owner, tunnel: true}
}

func newDashboard(id, owner string) *fakeSession {
	return &fakeSession{id: id, owner: owner}
}

func (f *fakeSession) ID() string      { return f.id }
func (f *fakeSession) OwnerID() string { return f.owner }
func (f *fakeSession) Tunnel() bool    { return f.tunnel }

func (f *fakeSession) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{event, raw})
	return nil
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSession) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.event)
	}
	return out
}

func (f *fakeSession) wait(t *testing.T, event string) json.RawMessage {
	t.Helper()
	var data json.RawMessage
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, e := range f.events {
			if e.event == event {
				data = e.data
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return data
}

func (f *fakeSession) lastHealth(t *testing.T) models.BridgeHealthNotice {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].event == models.EventHealth {
			var n models.BridgeHealthNotice
			require.NoError(t, json.Unmarshal(f.events[i].data, &n))
			return n
		}
	}
	t.Fatal("no health notice")
	return models.BridgeHealthNotice{}
}

type fakeAgents map[string]*models.Agent

func (f fakeAgents) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	if a, ok := f[id]; ok {
		return a, nil
	}
	return nil, errors.New("not found")
}

type recordingSink struct {
	mu   sync.Mutex
	up   []string
	down []string
}

func (r *recordingSink) AgentConnected(_ context.Context, info models.TunnelInfo, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.up = append(r.up, info.AgentID)
}

func (r *recordingSink) AgentDisconnected(_ context.Context, agentID, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = append(r.down, agentID)
}

func newTestServer(t *testing.T) (*Server, *recordingSink, interface {
	clockwork.Clock
	Advance(time.Duration)
}) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	srv := NewServer(Options{}, fakeAgents{
		"agent-1": {ID: "agent-1", OwnerID: "alice"},
		"agent-2": {ID: "agent-2", OwnerID: "bob"},
	}, sink, clock, logging.Discard())
	return srv, sink, clock
}

func register(t *testing.T, srv *Server, session *fakeSession, agentID string) {
	t.Helper()
	srv.Connect(session)
	srv.HandleEnvelope(context.Background(), session, []byte(`{"event":"bridge:register","data":{"agentId":"`+agentID+`","health":{"installed":true,"gatewayRunning":true}}}`))
}

func TestRegisterAndOwnership(t *testing.T) {
	srv, sink, _ := newTestServer(t)

	agentSession := newSession("s1", "alice")
	register(t, srv, agentSession, "agent-1")
	assert.Equal(t, []string{models.EventRegistered}, agentSession.eventNames())
	assert.True(t, srv.IsConnected("agent-1"))
	assert.Equal(t, []string{"agent-1"}, sink.up)

	health, connected := srv.Health("agent-1")
	require.True(t, connected)
	require.NotNil(t, health)
	assert.True(t, health.GatewayRunning)

	intruder := newSession("s2", "alice")
	register(t, srv, intruder, "agent-2")
	assert.Equal(t, []string{models.EventError}, intruder.eventNames())
	assert.False(t, srv.IsConnected("agent-2"))
}

func TestRegisterReplacesPreviousSession(t *testing.T) {
	srv, sink, _ := newTestServer(t)

	first := newSession("s1", "alice")
	register(t, srv, first, "agent-1")

	done := make(chan error, 1)
	go func() {
		_, err := srv.SendMessage(context.Background(), "agent-1", "m1", "hi", nil)
		done <- err
	}()
	first.wait(t, models.EventMessage)

	second := newSession("s2", "alice")
	register(t, srv, second, "agent-1")

	assert.Contains(t, first.eventNames(), models.EventReplaced)
	assert.True(t, first.closed)
	assert.ErrorIs(t, <-done, models.ErrNotConnected)

	// a late disconnect of the evicted session leaves the new holder alone
	srv.OnDisconnect(context.Background(), first)
	assert.True(t, srv.IsConnected("agent-1"))
	assert.Empty(t, sink.down)
	assert.Equal(t, 1, srv.Count())
}

func TestSendMessageRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	session := newSession("s1", "alice")
	register(t, srv, session, "agent-1")

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := srv.SendMessage(context.Background(), "agent-1", "msg-1", "hi", nil)
		done <- result{text, err}
	}()

	var msg models.BridgeMessage
	require.NoError(t, json.Unmarshal(session.wait(t, models.EventMessage), &msg))
	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, "hi", msg.Content)

	// a different session cannot answer for the agent
	other := newSession("s9", "alice")
	srv.Connect(other)
	srv.HandleEnvelope(context.Background(), other, []byte(`{"event":"bridge:response","data":{"agentId":"agent-1","messageId":"msg-1","content":"spoof"}}`))

	srv.HandleEnvelope(context.Background(), session, []byte(`{"event":"bridge:response","data":{"agentId":"agent-1","messageId":"msg-1","content":"Hello"}}`))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "Hello", res.text)
}

func TestDuplicateCorrelationIDRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	session := newSession("s1", "alice")
	register(t, srv, session, "agent-1")

	go func() { _, _ = srv.SendMessage(context.Background(), "agent-1", "dup", "a", nil) }()
	session.wait(t, models.EventMessage)

	_, err := srv.SendMessage(context.Background(), "agent-1", "dup", "b", nil)
	assert.ErrorIs(t, err, pending.ErrDuplicateID)
}

func TestResponseErrorAndTimeout(t *testing.T) {
	srv, _, clock := newTestServer(t)
	session := newSession("s1", "alice")
	register(t, srv, session, "agent-1")

	done := make(chan error, 1)
	go func() {
		_, err := srv.SendMessage(context.Background(), "agent-1", "m1", "hi", nil)
		done <- err
	}()
	session.wait(t, models.EventMessage)
	srv.HandleEnvelope(context.Background(), session, []byte(`{"event":"bridge:response","data":{"agentId":"agent-1","messageId":"m1","error":"gateway down"}}`))

	var remote *models.RemoteError
	require.ErrorAs(t, <-done, &remote)
	assert.Equal(t, "gateway down", remote.Message)

	go func() {
		_, err := srv.SendCommand(context.Background(), "agent-1", models.CommandStatus)
		done <- err
	}()
	session.wait(t, models.EventCommand)
	clock.Advance(60 * time.Second)
	assert.ErrorIs(t, <-done, pending.ErrTimeout)
}

func TestCommandResultFoldsHealthForWatchers(t *testing.T) {
	srv, _, _ := newTestServer(t)
	agentSession := newSession("s1", "alice")
	register(t, srv, agentSession, "agent-1")

	dashboard := newDashboard("d1", "alice")
	srv.Connect(dashboard)
	srv.HandleEnvelope(context.Background(), dashboard, []byte(`{"event":"bridge:watch","data":{"agentId":"agent-1"}}`))
	first := dashboard.lastHealth(t)
	assert.True(t, first.Connected)

	type result struct {
		res *models.CommandResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := srv.SendCommand(context.Background(), "agent-1", models.CommandStop)
		done <- result{res, err}
	}()

	var cmd models.BridgeCommand
	require.NoError(t, json.Unmarshal(agentSession.wait(t, models.EventCommand), &cmd))
	assert.Equal(t, models.CommandStop, cmd.Command)

	srv.HandleEnvelope(context.Background(), agentSession, []byte(`{"event":"bridge:command-result","data":{"requestId":"`+cmd.RequestID+`","agentId":"agent-1","command":"stop","result":{"success":true,"health":{"installed":true,"gatewayRunning":false}}}}`))

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.res.Success)

	health, _ := srv.Health("agent-1")
	require.NotNil(t, health)
	assert.False(t, health.GatewayRunning)

	notice := dashboard.lastHealth(t)
	require.NotNil(t, notice.Health)
	assert.False(t, notice.Health.GatewayRunning)
}

func TestWatchRequiresOwnership(t *testing.T) {
	srv, _, _ := newTestServer(t)
	dashboard := newDashboard("d1", "alice")
	srv.Connect(dashboard)
	srv.HandleEnvelope(context.Background(), dashboard, []byte(`{"event":"bridge:watch","data":{"agentId":"agent-2"}}`))
	assert.Equal(t, []string{models.EventError}, dashboard.eventNames())
}

func TestDisconnectClearsEverythingOnce(t *testing.T) {
	srv, sink, _ := newTestServer(t)
	session := newSession("s1", "alice")
	register(t, srv, session, "agent-1")

	dashboard := newDashboard("d1", "alice")
	srv.Connect(dashboard)
	srv.HandleEnvelope(context.Background(), dashboard, []byte(`{"event":"bridge:watch","data":{"agentId":"agent-1"}}`))

	done := make(chan error, 1)
	go func() {
		_, err := srv.SendMessage(context.Background(), "agent-1", "m1", "hi", nil)
		done <- err
	}()
	session.wait(t, models.EventMessage)

	srv.OnDisconnect(context.Background(), session)
	srv.OnDisconnect(context.Background(), session)

	assert.ErrorIs(t, <-done, models.ErrNotConnected)
	assert.False(t, srv.IsConnected("agent-1"))
	assert.Equal(t, []string{"agent-1"}, sink.down)

	health, connected := srv.Health("agent-1")
	assert.Nil(t, health)
	assert.False(t, connected)

	notice := dashboard.lastHealth(t)
	assert.False(t, notice.Connected)
	assert.Nil(t, notice.Health)

	_, err := srv.SendMessage(context.Background(), "agent-1", "", "again", nil)
	assert.ErrorIs(t, err, models.ErrNotConnected)
}

func TestStatusHeartbeat(t *testing.T) {
	srv, _, clock := newTestServer(t)
	session := newSession("s1", "alice")
	register(t, srv, session, "agent-1")

	clock.Advance(30 * time.Second)
	srv.HandleEnvelope(context.Background(), session, []byte(`{"event":"bridge:status","data":{"agentId":"agent-1","health":{"installed":true,"gatewayRunning":false,"version":"1.2.0"}}}`))

	infos := srv.ConnectedAgents("alice")
	require.Len(t, infos, 1)
	assert.Equal(t, clock.Now(), infos[0].LastHeartbeat)
	health, _ := srv.Health("agent-1")
	assert.Equal(t, "1.2.0", health.Version)
	assert.Empty(t, srv.ConnectedAgents("bob"))
}

func TestDashboardSessionCannotActForAgent(t *testing.T) {
	srv, sink, _ := newTestServer(t)
	ctx := context.Background()

	agentSession := newSession("s1", "alice")
	register(t, srv, agentSession, "agent-1")

	dashboard := newDashboard("d1", "alice")
	register(t, srv, dashboard, "agent-1")
	assert.Equal(t, []string{models.EventError}, dashboard.eventNames())
	var notice models.BridgeNotice
	require.NoError(t, json.Unmarshal(dashboard.wait(t, models.EventError), &notice))
	assert.Contains(t, notice.Message, "only tunnel sessions")

	// the bridge client keeps its registration
	assert.Equal(t, []string{models.EventRegistered}, agentSession.eventNames())
	assert.True(t, srv.IsConnected("agent-1"))
	assert.Equal(t, []string{"agent-1"}, sink.up)

	done := make(chan error, 1)
	go func() {
		_, err := srv.SendMessage(ctx, "agent-1", "m1", "hi", nil)
		done <- err
	}()
	agentSession.wait(t, models.EventMessage)

	// a dashboard cannot answer on the agent's behalf
	srv.HandleEnvelope(ctx, dashboard, []byte(`{"event":"bridge:response","data":{"agentId":"agent-1","messageId":"m1","content":"forged"}}`))
	srv.HandleEnvelope(ctx, dashboard, []byte(`{"event":"bridge:status","data":{"agentId":"agent-1","health":{"installed":false}}}`))
	health, _ := srv.Health("agent-1")
	require.NotNil(t, health)
	assert.True(t, health.Installed)

	srv.HandleEnvelope(ctx, agentSession, []byte(`{"event":"bridge:response","data":{"agentId":"agent-1","messageId":"m1","content":"real"}}`))
	require.NoError(t, <-done)
}

func TestLateCommandResultChangesNothing(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	agentSession := newSession("s1", "alice")
	register(t, srv, agentSession, "agent-1")

	dashboard := newDashboard("d1", "alice")
	srv.Connect(dashboard)
	srv.HandleEnvelope(ctx, dashboard, []byte(`{"event":"bridge:watch","data":{"agentId":"agent-1"}}`))
	before := dashboard.eventNames()

	srv.HandleEnvelope(ctx, agentSession, []byte(`{"event":"bridge:command-result","data":{"requestId":"expired","agentId":"agent-1","command":"stop","result":{"success":true,"health":{"installed":true,"gatewayRunning":false}}}}`))

	health, _ := srv.Health("agent-1")
	require.NotNil(t, health)
	assert.True(t, health.GatewayRunning)
	assert.Equal(t, before, dashboard.eventNames())
}
