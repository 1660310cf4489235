package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge-backend/internal/logging"
)

func TestNilClientIsNotManaged(t *testing.T) {
	c := NewClient("", "", time.Second, logging.Discard())
	_, err := c.Inspect(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrNotManaged)
	assert.ErrorIs(t, c.Restart(context.Background(), "a1"), ErrNotManaged)
}

func TestInspectRestartChat(t *testing.T) {
	var restarted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/containers/a1":
			json.NewEncoder(w).Encode(ContainerState{Status: StateExited, ExitCode: 137})
		case r.Method == http.MethodPost && r.URL.Path == "/containers/a1/restart":
			restarted = true
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/containers/a1/chat":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(map[string]string{"content": "echo: " + body["text"]})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, logging.Discard())
	ctx := context.Background()

	state, err := c.Inspect(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, state.Failed())
	assert.Equal(t, 137, state.ExitCode)

	require.NoError(t, c.Restart(ctx, "a1"))
	assert.True(t, restarted)

	reply, err := c.Chat(ctx, "a1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply)

	_, err = c.Inspect(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotManaged)
}
