package bridgeclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge-backend/internal/logging"
	"agentbridge-backend/internal/models"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)
	return f.outputs[line], f.errs[line]
}

type gatewayUp bool

func (p gatewayUp) Healthy(context.Context) bool { return bool(p) }

func TestParseVersion(t *testing.T) {
	assert.Equal(t, "2026.3.1", parseVersion("openclaw v2026.3.1\n"))
	assert.Equal(t, "1.0.0", parseVersion("1.0.0"))
	assert.Equal(t, "", parseVersion("  \n"))
}

func TestTruncateKeepsTail(t *testing.T) {
	s := strings.Repeat("a", maxOutput) + "tail"
	out := truncate(s)
	assert.Len(t, out, maxOutput)
	assert.True(t, strings.HasSuffix(out, "tail"))
}

func TestDetect(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"openclaw --version": "openclaw 1.4.2\n"}}
	rt := NewLocalRuntime("openclaw", runner, gatewayUp(true), clockwork.NewFakeClock(), logging.Discard())

	h := rt.Detect(context.Background())
	assert.True(t, h.Installed)
	assert.True(t, h.GatewayRunning)
	assert.Equal(t, "1.4.2", h.Version)
	assert.NotEmpty(t, h.Platform)
}

func TestDetectNotInstalled(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"openclaw --version": errors.New("executable file not found")}}
	rt := NewLocalRuntime("openclaw", runner, gatewayUp(false), clockwork.NewFakeClock(), logging.Discard())

	h := rt.Detect(context.Background())
	assert.False(t, h.Installed)
	assert.False(t, h.GatewayRunning)

	res := rt.Execute(context.Background(), models.CommandStatus)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "not installed")
}

func TestExecuteActions(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{"openclaw gateway restart": "restarted"},
		errs:    map[string]error{"openclaw gateway stop": errors.New("exit status 1")},
	}
	rt := NewLocalRuntime("openclaw", runner, gatewayUp(true), clockwork.NewFakeClock(), logging.Discard())

	res := rt.Execute(context.Background(), models.CommandRestart)
	assert.True(t, res.Success)
	assert.Equal(t, "restarted", res.Output)
	require.NotNil(t, res.Health)

	res = rt.Execute(context.Background(), models.CommandStop)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "exit status 1")

	res = rt.Execute(context.Background(), models.CommandInstall)
	assert.True(t, res.Success)
	assert.Contains(t, runner.calls, "npm install -g openclaw@latest")

	res = rt.Execute(context.Background(), "format-disk")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unknown command")
}
