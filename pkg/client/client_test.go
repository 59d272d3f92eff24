package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/cycling"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/daemon"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/events"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClientWithHTTP(srv.URL, srv.Client())
}

func TestDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.GetStatus()
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestGetStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		fmt.Fprint(w, `{"connected":true,"connection":{"state":"connected"},"cyclingState":"waiting-stabilization","currentPhase":"high","cycleCount":4,"transitions":{"heating":{"count":0},"cooling":{"count":0}}}`)
	})

	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, cycling.StateWaitingStabilization, st.CyclingState)
	assert.Equal(t, cycling.PhaseHigh, st.CurrentPhase)
	assert.EqualValues(t, 4, st.CycleCount)
}

func TestErrorResponses(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cycling/start":
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `"chamber not connected"`)
		default:
			http.NotFound(w, r)
		}
	})

	_, err := c.StartCycling(daemon.StartRequest{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, "chamber not connected", se.Body)

	_, err = c.GetVersion()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestBodies(t *testing.T) {
	bodies := map[string]string{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies[r.Method+" "+r.URL.Path] = string(b)
		switch r.URL.Path {
		case "/schedule", "/schedule/postpone":
			fmt.Fprint(w, `{"expression":"@daily","nextRuns":["2026-10-18T00:00:00Z"]}`)
		default:
			fmt.Fprint(w, `"ok"`)
		}
	})

	ret, err := c.SetSetpoints(-40, 85)
	require.NoError(t, err)
	assert.Equal(t, "ok", ret)
	_, err = c.SetHold(90 * time.Second)
	require.NoError(t, err)
	_, err = c.SetTolerance(1.5)
	require.NoError(t, err)
	st, err := c.SetSchedule("@daily")
	require.NoError(t, err)
	assert.Equal(t, "@daily", st.Expression)
	_, err = c.PostponeSchedule(time.Hour)
	require.NoError(t, err)

	assert.JSONEq(t, `{"low":-40,"high":85}`, bodies["PUT /setpoints"])
	assert.Equal(t, "90", bodies["PUT /hold"])
	assert.Equal(t, "1.5", bodies["PUT /tolerance"])
	assert.Equal(t, `"@daily"`, bodies["PUT /schedule"])
	assert.Equal(t, "3600", bodies["POST /schedule/postpone"])
}

func TestGetTransitions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"heating":[{"direction":"heating","target":140,"startTemp":32,"endTemp":138,"duration":240000000000}],"cooling":[]}`)
	})

	tr, err := c.GetTransitions()
	require.NoError(t, err)
	require.Len(t, tr[cycling.Heating], 1)
	assert.Equal(t, 4*time.Minute, tr[cycling.Heating][0].Duration)
	assert.Empty(t, tr[cycling.Cooling])
}

func TestSubscribeEvents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:cycle.completed\ndata:{\"count\":3,\"ts\":1}\n\n")
		fmt.Fprint(w, "event:connection.state\ndata:{\"state\":\"degraded\",\"consecutiveFailures\":1,\"ts\":2}\n\n")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.SubscribeEvents(ctx)
	require.NoError(t, err)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, events.CycleCompleted, got[0].Name)
	done, err := events.DecodeAs[events.CycleCompletedEvent](got[0])
	require.NoError(t, err)
	assert.EqualValues(t, 3, done.Count)

	conn, err := events.DecodeAs[events.ConnectionStateEvent](got[1])
	require.NoError(t, err)
	assert.Equal(t, "degraded", conn.State)
}

func TestSendUnknownMethod(t *testing.T) {
	c := NewClientWithHTTP("http://unix", http.DefaultClient)
	_, err := c.Send(http.MethodDelete, "/status", "")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
