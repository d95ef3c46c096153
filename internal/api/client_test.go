package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meshgate/internal/events"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
)

func newTestClient(t *testing.T, token string) (*harness, *Client) {
	t.Helper()
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)
	return h, NewClient(srv.URL+"/", token)
}

func TestClientReads(t *testing.T) {
	_, c := newTestClient(t, adminKey)
	ctx := context.Background()

	hz, err := c.Healthz(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", hz.Status)

	plugins, err := c.Plugins(ctx)
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, "alpha", plugins[0].Name)

	st, err := c.Plugin(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRunning, st.State)

	handlers, err := c.Handlers(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, handlers, 1)
	assert.Equal(t, "ping", handlers[0].Pattern)

	m, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), m.Dispatch.Messages)
}

func TestClientStatusErrors(t *testing.T) {
	_, c := newTestClient(t, readerToken)
	ctx := context.Background()

	_, err := c.Plugin(ctx, "absent")
	var se *StatusError
	require.True(t, errors.As(err, &se), err)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.NotEmpty(t, se.Message)

	_, err = c.Action(ctx, "alpha", "disable", "")
	require.True(t, errors.As(err, &se), err)
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestClientActions(t *testing.T) {
	h, c := newTestClient(t, adminKey)
	ctx := context.Background()

	resp, err := c.Action(ctx, "alpha", "disable", "maintenance")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDisabled, resp.Plugin.State)
	assert.Equal(t, "maintenance", resp.Plugin.DisabledReason)

	resp, err = c.Action(ctx, "alpha", "enable", "")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRunning, resp.Plugin.State)

	h.plugins.errs["enable"] = &lifecycle.InitializationError{Plugin: "beta", Phase: "initialize", Err: fmt.Errorf("boom")}
	_, err = c.Action(ctx, "beta", "enable", "")
	var se *StatusError
	require.True(t, errors.As(err, &se), err)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	require.NotNil(t, se.Plugin)
	assert.Equal(t, "beta", se.Plugin.Name)
	assert.Contains(t, se.Error(), "boom")
}

func TestClientStreamEvents(t *testing.T) {
	h, c := newTestClient(t, adminKey)

	h.hub.Publish("lifecycle.transition", map[string]string{"plugin": "alpha"})
	h.hub.Publish("dispatch.fired", nil)
	h.hub.Publish("lifecycle.transition", map[string]string{"plugin": "beta"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []events.Event
	_ = c.StreamEvents(ctx, 1, []string{"lifecycle."}, func(ev events.Event) {
		got = append(got, ev)
		if len(got) == 1 {
			h.hub.Publish("lifecycle.reloaded", nil)
		}
		if len(got) == 2 {
			cancel()
		}
	})
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, "lifecycle.transition", got[0].Type)
	assert.JSONEq(t, `{"plugin":"beta"}`, string(got[0].Data))
	assert.Equal(t, "lifecycle.reloaded", got[1].Type)
}

func TestParseEventStream(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"",
		"id: 9",
		"event: health.probe",
		`data: {"plugin":"ping"}`,
		"",
		"id: 10",
		"",
	}, "\n")

	var got []events.Event
	require.NoError(t, parseEventStream(strings.NewReader(body), func(ev events.Event) { got = append(got, ev) }))
	require.Len(t, got, 1, "blocks without data are skipped")
	assert.Equal(t, int64(9), got[0].ID)
	assert.Equal(t, "health.probe", got[0].Type)
	assert.False(t, got[0].At.IsZero())
}
