package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge-backend/internal/auth"
	"agentbridge-backend/internal/logging"
	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/pending"
	"agentbridge-backend/internal/storage"
)

type chatLog struct {
	agentID, source, errMsg string
}

type fakeStore struct {
	mu     sync.Mutex
	agents map[string]models.Agent
	chats  []chatLog
	alerts []models.Alert
	conns  []models.TunnelConnectionLog
}

func (f *fakeStore) GetOwnedAgent(_ context.Context, ownerID, id string) (*models.Agent, error) {
	agent, ok := f.agents[id]
	if !ok || agent.OwnerID != ownerID {
		return nil, storage.ErrAgentNotFound
	}
	return &agent, nil
}

func (f *fakeStore) RecordChatMessage(_ context.Context, agentID, source, errMsg string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, chatLog{agentID, source, errMsg})
	return nil
}

func (f *fakeStore) ListAlerts(_ context.Context, agentID string, _ int) ([]models.Alert, error) {
	return f.alerts, nil
}

func (f *fakeStore) ListTunnelConnections(_ context.Context, agentID string, _ int) ([]models.TunnelConnectionLog, error) {
	return f.conns, nil
}

type fakeDispatcher struct {
	reply *models.ChatReply
	err   error
	got   models.ChatRequest
}

func (f *fakeDispatcher) SendChat(_ context.Context, _ *models.Agent, req models.ChatRequest) (*models.ChatReply, error) {
	f.got = req
	return f.reply, f.err
}

type fakeTunnels struct {
	live       []models.TunnelInfo
	commandErr error
	broadcasts int
}

func (f *fakeTunnels) ConnectedAgents(ownerID string) []models.TunnelInfo {
	var out []models.TunnelInfo
	for _, info := range f.live {
		if info.OwnerID == ownerID {
			out = append(out, info)
		}
	}
	return out
}

func (f *fakeTunnels) Info(agentID string) (models.TunnelInfo, bool) {
	for _, info := range f.live {
		if info.AgentID == agentID {
			return info, true
		}
	}
	return models.TunnelInfo{}, false
}

func (f *fakeTunnels) Command(_ context.Context, agentID, command string) (*models.CommandResult, error) {
	if f.commandErr != nil {
		return nil, f.commandErr
	}
	return &models.CommandResult{Success: true, Message: command + " ok"}, nil
}

func (f *fakeTunnels) BroadcastToOwner(ownerID, event string, data any) int {
	f.broadcasts++
	return len(f.ConnectedAgents(ownerID))
}

type fakeHealth struct {
	records  map[string]models.HealthRecord
	restarts map[string]models.RestartRecord
}

func (f *fakeHealth) LastRecord(agentID string) (models.HealthRecord, bool) {
	rec, ok := f.records[agentID]
	return rec, ok
}

func (f *fakeHealth) RestartRecord(agentID string) (models.RestartRecord, bool) {
	rec, ok := f.restarts[agentID]
	return rec, ok
}

func (f *fakeHealth) ResetRestarts(agentID string) bool {
	_, ok := f.restarts[agentID]
	delete(f.restarts, agentID)
	return ok
}

type fakeFeed struct {
	mu   sync.Mutex
	subs map[string]func(models.HealthEvent)
}

func (f *fakeFeed) SubscribeHealth(ownerID, agentID string, fn func(models.HealthEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = map[string]func(models.HealthEvent){}
	}
	f.subs[ownerID] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, ownerID)
	}, nil
}

func (f *fakeFeed) publish(ownerID string, ev models.HealthEvent) bool {
	f.mu.Lock()
	fn := f.subs[ownerID]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

type fixture struct {
	store      *fakeStore
	dispatcher *fakeDispatcher
	tunnels    *fakeTunnels
	health     *fakeHealth
	feed       *fakeFeed
	clock      interface {
		clockwork.Clock
		Advance(time.Duration)
		BlockUntil(int)
	}
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &fakeStore{agents: map[string]models.Agent{
			"agent-1": {ID: "agent-1", OwnerID: "user-1", Name: "Scout"},
			"agent-2": {ID: "agent-2", OwnerID: "user-2", Name: "Other"},
		}},
		dispatcher: &fakeDispatcher{},
		tunnels:    &fakeTunnels{},
		health:     &fakeHealth{records: map[string]models.HealthRecord{}, restarts: map[string]models.RestartRecord{}},
		feed:       &fakeFeed{},
		clock:      clockwork.NewFakeClock(),
	}
	h := New(Deps{
		Store:           f.store,
		Dispatcher:      f.dispatcher,
		Tunnels:         f.tunnels,
		Health:          f.health,
		Feed:            f.feed,
		Clock:           f.clock,
		Logger:          logging.Discard(),
		StreamKeepalive: 30 * time.Second,
	})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := r.Header.Get("X-Test-User"); user != "" {
				r = r.WithContext(auth.WithUserID(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.RegisterRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.reply = &models.ChatReply{Content: "Hello", Source: models.ProtocolBridge}

	rec := f.do(http.MethodPost, "/v1/agents/agent-1/chat", "user-1", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var reply models.ChatReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "Hello", reply.Content)
	assert.Equal(t, "bridge", reply.Source)
	assert.Equal(t, "user-1", f.dispatcher.got.OwnerID)
	assert.Equal(t, []chatLog{{"agent-1", "bridge", ""}}, f.store.chats)
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not connected", fmt.Errorf("relay: %w", models.ErrNotConnected), http.StatusNotFound},
		{"timeout", fmt.Errorf("relay: %w", pending.ErrTimeout), http.StatusGatewayTimeout},
		{"remote", fmt.Errorf("bridge: %w", &models.RemoteError{Message: "gateway down"}), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.dispatcher.err = tc.err

			rec := f.do(http.MethodPost, "/v1/agents/agent-1/chat", "user-1", `{"text":"hi"}`)
			assert.Equal(t, tc.code, rec.Code)
			require.Len(t, f.store.chats, 1)
			assert.Equal(t, "error", f.store.chats[0].source)
			assert.NotEmpty(t, f.store.chats[0].errMsg)
		})
	}
}

func TestChatRejectsForeignAndEmpty(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/v1/agents/agent-2/chat", "user-1", `{"text":"hi"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/agents/agent-1/chat", "user-1", `{"text":""}`).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/v1/agents/agent-1/chat", "", `{"text":"hi"}`).Code)
	assert.Empty(t, f.store.chats)
}

func TestNotConnectedMessage(t *testing.T) {
	f := newFixture(t)
	f.tunnels.commandErr = models.ErrNotConnected

	rec := f.do(http.MethodPost, "/v1/agents/agent-1/commands", "user-1", `{"command":"status"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Agent is not connected", strings.TrimSpace(rec.Body.String()))
}

func TestCommand(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/agents/agent-1/commands", "user-1", `{"command":"restart"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.CommandResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/agents/agent-1/commands", "user-1", `{"command":"rm -rf"}`).Code)

	f.tunnels.commandErr = models.ErrUnsupportedCommand
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/agents/agent-1/commands", "user-1", `{"command":"install"}`).Code)
}

func TestTunnelEndpoints(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.tunnels.live = []models.TunnelInfo{
		{AgentID: "agent-1", OwnerID: "user-1", Protocol: models.ProtocolRelay, ConnectedAt: now, LastHeartbeat: now},
		{AgentID: "agent-2", OwnerID: "user-2", Protocol: models.ProtocolBridge, ConnectedAt: now},
	}

	rec := f.do(http.MethodGet, "/v1/tunnel/status", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Agents []models.TunnelInfo `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Agents, 1)
	assert.Equal(t, "agent-1", status.Agents[0].AgentID)

	rec = f.do(http.MethodGet, "/v1/tunnel/status/agent-1", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, true, one["connected"])
	assert.Equal(t, "relay", one["protocol"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/tunnel/status/agent-2", "user-1", "").Code)

	rec = f.do(http.MethodGet, "/v1/tunnel/stats", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.TunnelStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, map[string]int{"relay": 1, "bridge": 0}, stats.ByProtocol)

	rec = f.do(http.MethodPost, "/v1/tunnel/broadcast", "user-1", `{"event":"notice","data":{"text":"maintenance"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"delivered":1}`, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/tunnel/broadcast", "user-1", `{}`).Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	f.health.records["agent-1"] = models.HealthRecord{AgentID: "agent-1", Status: models.HealthUnreachable}
	f.health.restarts["agent-1"] = models.RestartRecord{AgentID: "agent-1", AttemptCount: 5, Exhausted: true}
	f.store.alerts = []models.Alert{{ID: "a", AgentID: "agent-1", Kind: models.AlertKindRestartExhausted}}

	rec := f.do(http.MethodGet, "/v1/agents/agent-1/health", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Record   *models.HealthRecord  `json:"record"`
		Restarts *models.RestartRecord `json:"restarts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Record)
	assert.Equal(t, models.HealthUnreachable, body.Record.Status)
	require.NotNil(t, body.Restarts)
	assert.True(t, body.Restarts.Exhausted)

	rec = f.do(http.MethodGet, "/v1/agents/agent-1/alerts", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), models.AlertKindRestartExhausted)

	f.store.conns = []models.TunnelConnectionLog{{ID: "c1", AgentID: "agent-1", Protocol: models.ProtocolBridge}}
	rec = f.do(http.MethodGet, "/v1/agents/agent-1/connections", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"protocol":"bridge"`)

	rec = f.do(http.MethodGet, "/v1/agents/agent-2/connections", "user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/v1/agents/agent-1/restarts", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":true}`, rec.Body.String())
	rec = f.do(http.MethodDelete, "/v1/agents/agent-1/restarts", "user-1", "")
	assert.JSONEq(t, `{"cleared":false}`, rec.Body.String())
}

func TestHealthStream(t *testing.T) {
	f := newFixture(t)
	f.health.records["agent-1"] = models.HealthRecord{AgentID: "agent-1", Status: models.HealthDegraded}

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/health/stream?agentId=agent-1", nil)
	require.NoError(t, err)
	req.Header.Set("X-Test-User", "user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan streamEvent, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var ev streamEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				lines <- ev
			}
		}
	}()

	next := func() streamEvent {
		select {
		case ev := <-lines:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no stream event")
			return streamEvent{}
		}
	}

	assert.Equal(t, models.EventHealthUpdate, next().Type, "current snapshot first")

	require.Eventually(t, func() bool {
		return f.feed.publish("user-1", models.HealthEvent{Type: models.EventAgentRestarted, AgentID: "agent-1", Attempt: 1})
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.EventAgentRestarted, next().Type)

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Second)
	assert.Equal(t, models.EventHeartbeat, next().Type)
}

func TestHealthStreamForeignAgent(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/health/stream?agentId=agent-2", "user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
