package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/driver/simulated"
	"github.com/yllada/veilvpn/events"
	"github.com/yllada/veilvpn/history"
	"github.com/yllada/veilvpn/vpn"
)

type fixture struct {
	sup     *vpn.Supervisor
	cat     *catalog.Catalog
	bus     *events.Bus
	history *history.Store
	ts      *httptest.Server
	client  *Client
}

func testServers() []catalog.ServerDescriptor {
	return []catalog.ServerDescriptor{
		{ID: "de-fra", Country: "Germany", City: "Frankfurt", Region: "europe",
			EndpointAddress: "10.0.0.2:51820", Protocol: catalog.ProtocolWireGuard, LatencyMs: catalog.Latency(20)},
		{ID: "us-ny", Country: "United States", City: "New York", Region: "americas",
			EndpointAddress: "10.0.1.2:1194", Protocol: catalog.ProtocolOpenVPN, PremiumOnly: true, LatencyMs: catalog.Latency(90)},
		{ID: "jp-tyo", Country: "Japan", City: "Tokyo", Region: "asia",
			EndpointAddress: "10.0.2.2:51820", Protocol: catalog.ProtocolWireGuard, Status: catalog.StatusOffline},
	}
}

func newFixture(t *testing.T, failureRate float64) *fixture {
	t.Helper()

	cat := catalog.New(nil)
	require.NoError(t, cat.Replace(testServers()))
	bus := events.NewBus(64)

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	sup := vpn.NewSupervisor(vpn.SupervisorConfig{
		Machine: vpn.MachineConfig{
			MaxAttempts:      2,
			Backoff:          vpn.Backoff{Base: time.Millisecond, Multiplier: 2, Cap: 5 * time.Millisecond},
			HandshakeTimeout: time.Second,
			TeardownTimeout:  time.Second,
		},
		TrafficPollInterval: 5 * time.Millisecond,
	}, vpn.Deps{
		Drivers:  simulated.NewFactory(simulated.Config{HandshakeDelay: 5 * time.Millisecond, FailureRate: failureRate, Seed: 7}),
		Events:   bus,
		Servers:  cat,
		Recorder: store,
	})

	srv := NewServer(Options{Session: sup, Servers: cat, History: store, Events: bus})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		_ = sup.Close(context.Background())
		bus.Close()
		_ = store.Close()
	})
	return &fixture{sup: sup, cat: cat, bus: bus, history: store, ts: ts, client: NewClient(ts.URL)}
}

func TestServer_ListServers(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	list, err := f.client.Servers(ctx, catalog.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, list.Total)
	assert.False(t, list.UpdatedAt.IsZero())

	list, err = f.client.Servers(ctx, catalog.Filter{Tier: common.TierPremium})
	require.NoError(t, err)
	require.Len(t, list.Servers, 1)
	assert.Equal(t, "us-ny", list.Servers[0].ID)

	list, err = f.client.Servers(ctx, catalog.Filter{Search: "japan"})
	require.NoError(t, err)
	require.Len(t, list.Servers, 1)
	assert.Equal(t, catalog.StatusOffline, list.Servers[0].Status)

	list, err = f.client.Servers(ctx, catalog.Filter{OnlineOnly: true, Protocol: catalog.ProtocolWireGuard})
	require.NoError(t, err)
	require.Len(t, list.Servers, 1)
	assert.Equal(t, "de-fra", list.Servers[0].ID)

	// The selected server is listed first.
	_, err = f.client.Select(ctx, "us-ny")
	require.NoError(t, err)
	list, err = f.client.Servers(ctx, catalog.Filter{})
	require.NoError(t, err)
	assert.Equal(t, "us-ny", list.Servers[0].ID)

	_, err = f.client.Servers(ctx, catalog.Filter{Tier: "gold"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, CodeBadRequest, apiErr.Code)
}

func TestServer_GetServer(t *testing.T) {
	f := newFixture(t, 0)

	s, err := f.client.Server(context.Background(), "de-fra")
	require.NoError(t, err)
	assert.Equal(t, "Frankfurt", s.City)
	require.NotNil(t, s.LatencyMs)
	assert.Equal(t, 20, *s.LatencyMs)

	_, err = f.client.Server(context.Background(), "nowhere")
	assert.ErrorIs(t, err, common.ErrServerNotFound)
}

func TestServer_SessionLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.StateIdle, st.State)
	assert.Nil(t, st.Server)

	_, err = f.client.Connect(ctx, 0)
	assert.ErrorIs(t, err, common.ErrNoServerSelected)

	_, err = f.client.Select(ctx, "jp-tyo")
	require.NoError(t, err)
	_, err = f.client.Connect(ctx, 0)
	assert.ErrorIs(t, err, common.ErrInvalidServer)

	st, err = f.client.Select(ctx, "de-fra")
	require.NoError(t, err)
	require.NotNil(t, st.Selected)
	assert.Equal(t, "de-fra", st.Selected.ID)

	st, err = f.client.Connect(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, common.StateConnected, st.State)
	require.NotNil(t, st.Server)
	assert.Equal(t, "de-fra", st.Server.ID)
	assert.NotNil(t, st.ConnectedAt)
	assert.NotEmpty(t, st.SessionID)

	_, err = f.client.Select(ctx, "us-ny")
	assert.ErrorIs(t, err, common.ErrServerLocked)

	_, err = f.client.Retry(ctx, 0)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	st, err = f.client.Disconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.StateDisconnected, st.State)
	assert.NotNil(t, st.EndedAt)

	hist, err := f.client.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist.Sessions, 1)
	assert.Equal(t, "Disconnected", hist.Sessions[0].State)
	assert.Equal(t, "Frankfurt, Germany", hist.Sessions[0].ServerName)
	assert.Equal(t, 1, hist.Summary.Sessions)
}

func TestServer_FailureAndRetry(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.client.Select(ctx, "de-fra")
	require.NoError(t, err)

	st, err := f.client.Connect(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, common.StateFailed, st.State)
	assert.Equal(t, common.KindNetworkUnreachable.String(), st.ErrorKind)
	assert.Equal(t, 2, st.Attempt)
	assert.Contains(t, st.Error, "simulated connection failure")

	first := st.SessionID
	st, err = f.client.Retry(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, common.StateFailed, st.State)
	assert.NotEqual(t, first, st.SessionID, "retry starts a new session")

	// Failed sessions are recorded from the transition hook.
	require.Eventually(t, func() bool {
		hist, err := f.client.History(ctx, 0)
		return err == nil && len(hist.Sessions) == 2 && hist.Summary.Failed == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ConnectWaitTimeout(t *testing.T) {
	cat := catalog.New(nil)
	require.NoError(t, cat.Replace(testServers()))
	sup := vpn.NewSupervisor(vpn.SupervisorConfig{Machine: vpn.DefaultMachineConfig()}, vpn.Deps{
		Drivers: simulated.NewFactory(simulated.Config{HandshakeDelay: time.Minute}),
		Servers: cat,
	})
	defer sup.Close(context.Background())

	ts := httptest.NewServer(NewServer(Options{Session: sup, Servers: cat}).Handler())
	defer ts.Close()
	c := NewClient(ts.URL)

	_, err := c.Select(context.Background(), "de-fra")
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), 20*time.Millisecond)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	assert.Equal(t, CodeTimeout, apiErr.Code)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, common.StateConnecting, st.State)

	// History is not wired.
	_, err = c.History(context.Background(), 1)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestServer_SelectValidation(t *testing.T) {
	f := newFixture(t, 0)

	for _, body := range []string{"not json", `{"server_id":"  "}`} {
		resp, err := http.Post(f.ts.URL+"/api/v1/select", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	resp, err := http.Post(f.ts.URL+"/api/v1/connect?wait=soon", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Stream(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs := make(chan StreamMessage, 32)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Stream(ctx, func(m StreamMessage) error {
			msgs <- m
			return nil
		})
	}()

	// The stream opens with the current status.
	first := <-msgs
	require.NotNil(t, first.Status)
	assert.Equal(t, common.StateIdle, first.Status.State)

	require.NoError(t, f.sup.SelectServerByID("de-fra"))
	_, err := f.sup.Connect(ctx)
	require.NoError(t, err)

	var got []common.SessionState
	for len(got) < 2 {
		select {
		case m := <-msgs:
			require.NotNil(t, m.Transition)
			assert.Equal(t, "de-fra", m.Transition.ServerID)
			got = append(got, m.Transition.To)
		case <-ctx.Done():
			t.Fatal("timed out waiting for transitions")
		}
	}
	assert.Equal(t, []common.SessionState{common.StateConnecting, common.StateConnected}, got)

	cancel()
	err = <-done
	assert.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected stream error: %v", err)
}

func TestServer_StreamStopsOnCallbackError(t *testing.T) {
	f := newFixture(t, 0)
	stop := errors.New("stop")
	err := f.client.Stream(context.Background(), func(StreamMessage) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.client.Status(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `veilvpn_http_request_duration_seconds_count{method="GET",path="/api/v1/status",status="200"}`)
}

func TestServer_RateLimit(t *testing.T) {
	cat := catalog.New(nil)
	require.NoError(t, cat.Replace(testServers()))
	sup := vpn.NewSupervisor(vpn.SupervisorConfig{Machine: vpn.DefaultMachineConfig()}, vpn.Deps{
		Drivers: simulated.NewFactory(simulated.Config{}),
		Servers: cat,
	})
	defer sup.Close(context.Background())

	ts := httptest.NewServer(NewServer(Options{Session: sup, Servers: cat, RequestsPerMinute: 2}).Handler())
	defer ts.Close()
	c := NewClient(ts.URL)

	for range 2 {
		_, err := c.Status(context.Background())
		require.NoError(t, err)
	}
	_, err := c.Status(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, CodeRateLimited, apiErr.Code)

	// Health and metrics are not limited.
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewClient(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8787", NewClient("127.0.0.1:8787").baseURL)
	assert.Equal(t, "https://vpn.local", NewClient("https://vpn.local/").baseURL)
}
