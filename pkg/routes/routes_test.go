package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshmapper/pkg/hooks"
	"github.com/kabili207/meshmapper/pkg/metrics"
	"github.com/kabili207/meshmapper/pkg/models"
	"github.com/kabili207/meshmapper/pkg/store"
	"github.com/kabili207/meshmapper/pkg/supervisor"
)

type storeStub struct {
	state  supervisor.State
	stores *store.Stores
}

func (s storeStub) State() supervisor.State { return s.state }
func (s storeStub) Stores() *store.Stores   { return s.stores }

type fakeEvents struct {
	events []*models.Event
	err    error
}

func (f *fakeEvents) Recent(_ context.Context, limit int) ([]*models.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events[:min(limit, len(f.events))], nil
}

func (f *fakeEvents) GetByNode(_ context.Context, nodeID string, limit int) ([]*models.Event, error) {
	var out []*models.Event
	for _, e := range f.events {
		if e.NodeID == nodeID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, f.err
}

func (f *fakeEvents) Count(context.Context) (int64, error) {
	return int64(len(f.events)), f.err
}

type fakeDevices []*models.Device

func (f fakeDevices) Get(_ context.Context, nodeID string) (*models.Device, error) {
	for _, d := range f {
		if d.NodeID == nodeID {
			return d, nil
		}
	}
	return nil, nil
}

func (f fakeDevices) GetAll(context.Context) ([]*models.Device, error) {
	return f, nil
}

// withStores connects rt to in-memory stores holding events, newest first.
func withStores(rt *OpsRouter, events ...*models.Event) *fakeEvents {
	fe := &fakeEvents{events: events}
	var devices fakeDevices
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		idx := slices.IndexFunc(devices, func(d *models.Device) bool { return d.NodeID == e.NodeID })
		if idx < 0 {
			devices = append(devices, &models.Device{})
			idx = len(devices) - 1
		}
		devices[idx].Apply(e)
	}
	devices = append(devices, &models.Device{NodeID: "!0000ffff"})
	rt.Store = storeStub{state: supervisor.Connected, stores: &store.Stores{Events: fe, Devices: devices}}
	return fe
}

func get(t *testing.T, rt *OpsRouter, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

type fixedGateways []hooks.Gateway

func (f fixedGateways) Gateways() []hooks.Gateway { return f }

func newRouter(st supervisor.State) *OpsRouter {
	reg := prometheus.NewRegistry()
	m := metrics.New("meshmapper", reg)
	m.EventsEmitted.Add(3)
	return &OpsRouter{
		Store:     storeStub{state: st},
		Bus:       "mqtt",
		Notifier:  NewEventNotifier(),
		Gatherer:  reg,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Heartbeat: 10 * time.Millisecond,
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		state  supervisor.State
		status string
	}{
		{supervisor.Connected, "ok"},
		{supervisor.Degraded, "degraded"},
		{supervisor.Connecting, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			newRouter(tt.state).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			require.Equal(t, http.StatusOK, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tt.status, resp.Status)
			require.Equal(t, tt.state.String(), resp.Store)
			require.Equal(t, "mqtt", resp.Bus)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(supervisor.Connected).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "meshmapper_ingest_events_total 3")
}

func TestGateways(t *testing.T) {
	rt := newRouter(supervisor.Connected)

	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gateways", nil))
	require.JSONEq(t, `[]`, rec.Body.String())

	rt.Gateways = fixedGateways{{ClientID: "!abcdef01", NodeID: "!abcdef01", Address: "10.0.0.2:5555"}}
	rec = httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gateways", nil))

	var got []hooks.Gateway
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "!abcdef01", got[0].NodeID)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(supervisor.Connected).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func testEvent(node string) *models.Event {
	hex := "88283082b9fffff"
	return &models.Event{
		EventTime:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		NodeID:     node,
		HexID:      &hex,
		Latitude:   40.7128,
		Longitude:  -74.006,
		PacketType: "3",
	}
}

func TestNotifierRecentIsBounded(t *testing.T) {
	n := NewEventNotifier()
	for range recentEvents + 5 {
		n.Publish(testEvent("!00000001"))
	}
	require.Len(t, n.Recent(), recentEvents)

	ch, backlog := n.Subscribe(1)
	require.Len(t, backlog, recentEvents)
	n.Publish(testEvent("!00000002"))
	n.Publish(testEvent("!00000003"))
	require.Equal(t, "!00000002", (<-ch).NodeID)
	n.Unsubscribe(ch)
	n.Unsubscribe(ch)
	require.Zero(t, n.Subscribers())
}

func TestEventsSSE(t *testing.T) {
	rt := newRouter(supervisor.Connected)
	rt.Notifier.Publish(testEvent("!00000001"))

	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events-sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return rt.Notifier.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	rt.Notifier.Publish(testEvent("!00000002"))

	var nodes []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(nodes) < 2 {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &e))
		nodes = append(nodes, e["node_id"].(string))
	}
	require.Equal(t, []string{"!00000001", "!00000002"}, nodes)
}

func TestSubscribeBacklogDoesNotOverlap(t *testing.T) {
	n := NewEventNotifier()
	n.Publish(testEvent("!00000001"))

	ch, backlog := n.Subscribe(recentEvents)
	n.Publish(testEvent("!00000002"))
	n.Unsubscribe(ch)

	var streamed []string
	for e := range ch {
		streamed = append(streamed, e.NodeID)
	}
	require.Len(t, backlog, 1)
	require.Equal(t, "!00000001", backlog[0].NodeID)
	require.Equal(t, []string{"!00000002"}, streamed)
}

func TestSubscribeConcurrentPublishSeenOnce(t *testing.T) {
	n := NewEventNotifier()
	const total = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range total {
			e := testEvent("!00000001")
			e.PacketType = strconv.Itoa(i)
			n.Publish(e)
		}
	}()

	ch, backlog := n.Subscribe(total)
	<-done
	n.Unsubscribe(ch)

	seen := map[string]int{}
	for _, e := range backlog {
		seen[e.PacketType]++
	}
	for e := range ch {
		seen[e.PacketType]++
	}
	for id, c := range seen {
		require.Equal(t, 1, c, "event %s delivered %d times", id, c)
	}
}

func TestServeEndsStreamsOnShutdown(t *testing.T) {
	rt := newRouter(supervisor.Connected)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- rt.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events-sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return rt.Notifier.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("server did not shut down with an open event stream")
	}
	require.Less(t, time.Since(start), 4*time.Second)
	require.Zero(t, rt.Notifier.Subscribers())
}

func TestHealthPingsStore(t *testing.T) {
	rt := newRouter(supervisor.Connected)
	// No pool behind the fake stores, so the ping fails.
	withStores(rt, testEvent("!00000001"))

	rec := get(t, rt, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "degraded", resp.Status)
	require.Equal(t, "connected", resp.Store)
	require.Equal(t, "unreachable", resp.Database)
}

func TestRecentEvents(t *testing.T) {
	nodes := func(rec *httptest.ResponseRecorder) []string {
		var events []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
		var out []string
		for _, e := range events {
			out = append(out, e["node_id"].(string))
		}
		return out
	}

	t.Run("backlog newest first", func(t *testing.T) {
		rt := newRouter(supervisor.Degraded)
		rt.Notifier.Publish(testEvent("!00000001"))
		rt.Notifier.Publish(testEvent("!00000002"))
		rt.Notifier.Publish(testEvent("!00000003"))

		require.Equal(t, []string{"!00000003", "!00000002", "!00000001"}, nodes(get(t, rt, "/api/events/recent")))
		require.Equal(t, []string{"!00000003"}, nodes(get(t, rt, "/api/events/recent?limit=1")))
	})

	t.Run("empty backlog", func(t *testing.T) {
		rec := get(t, newRouter(supervisor.Degraded), "/api/events/recent")
		require.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("from store", func(t *testing.T) {
		rt := newRouter(supervisor.Connected)
		rt.Notifier.Publish(testEvent("!0000000a"))
		withStores(rt, testEvent("!00000002"), testEvent("!00000001"))

		require.Equal(t, []string{"!00000002", "!00000001"}, nodes(get(t, rt, "/api/events/recent")))
		require.Equal(t, []string{"!00000002"}, nodes(get(t, rt, "/api/events/recent?limit=1")))
	})

	t.Run("store error falls back", func(t *testing.T) {
		rt := newRouter(supervisor.Connected)
		rt.Notifier.Publish(testEvent("!0000000a"))
		fe := withStores(rt, testEvent("!00000001"))
		fe.err = errors.New("connection reset")

		require.Equal(t, []string{"!0000000a"}, nodes(get(t, rt, "/api/events/recent")))
	})

	for _, limit := range []string{"0", "-1", "ten"} {
		t.Run("bad limit "+limit, func(t *testing.T) {
			rec := get(t, newRouter(supervisor.Connected), "/api/events/recent?limit="+limit)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDevices(t *testing.T) {
	rt := newRouter(supervisor.Connected)
	withStores(rt, testEvent("!00000002"), testEvent("!00000001"), testEvent("!00000001"))

	var all []models.Device
	require.NoError(t, json.Unmarshal(get(t, rt, "/api/devices").Body.Bytes(), &all))
	require.Len(t, all, 3)

	var located []models.Device
	require.NoError(t, json.Unmarshal(get(t, rt, "/api/devices?located=true").Body.Bytes(), &located))
	require.Len(t, located, 2)

	rec := get(t, rt, "/api/devices/!00000001")
	require.Equal(t, http.StatusOK, rec.Code)
	var one struct {
		Device *models.Device   `json:"device"`
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	require.Equal(t, "!00000001", one.Device.NodeID)
	require.EqualValues(t, 2, one.Device.PacketCount)
	require.Len(t, one.Events, 2)

	require.Equal(t, http.StatusNotFound, get(t, rt, "/api/devices/!deadbeef").Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(get(t, rt, "/api/stats").Body.Bytes(), &stats))
	require.Equal(t, StatsResponse{Events: 3, Devices: 3}, stats)
}

func TestStoreEndpointsUnavailable(t *testing.T) {
	for _, target := range []string{"/api/devices", "/api/devices/!00000001", "/api/stats"} {
		t.Run(target, func(t *testing.T) {
			rec := get(t, newRouter(supervisor.Degraded), target)
			require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}
