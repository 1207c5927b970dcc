package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/meshmapper/pkg/applog"
	"github.com/kabili207/meshmapper/pkg/bus"
	"github.com/kabili207/meshmapper/pkg/decoder"
	"github.com/kabili207/meshmapper/pkg/geo"
	"github.com/kabili207/meshmapper/pkg/metrics"
	"github.com/kabili207/meshmapper/pkg/models"
	"github.com/kabili207/meshmapper/pkg/sink"
	"github.com/kabili207/meshmapper/pkg/store"
	"github.com/kabili207/meshmapper/pkg/supervisor"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink keeps persisted events in memory.
type captureSink struct {
	mu     sync.Mutex
	events []*models.Event
}

func (c *captureSink) Persist(_ context.Context, e *models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type harness struct {
	dir     string
	logs    *applog.Logs
	sink    *captureSink
	metrics *metrics.Metrics
	loop    *Loop
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	logs, err := applog.OpenAll(applog.Paths{
		Raw:     filepath.Join(dir, "mqtt_raw.log"),
		Decoded: filepath.Join(dir, "mqtt_decoded.log"),
		Events:  filepath.Join(dir, "hex_events.jsonl"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	h := &harness{dir: dir, logs: logs, sink: &captureSink{}, metrics: metrics.New("test", nil)}
	h.loop = NewLoop(Options{
		Decoder: decoder.New(decoder.Options{}),
		Logs:    logs,
		Indexer: geo.NewIndexer(geo.DefaultResolution),
		Sink:    h.sink,
		Logger:  discard(),
		Metrics: h.metrics,
	})
	return h
}

func (h *harness) lines(t *testing.T, name string) []string {
	t.Helper()
	f, err := os.Open(filepath.Join(h.dir, name))
	require.NoError(t, err)
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}

func marshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	require.NoError(t, err)
	return b
}

func positionEnvelope(t *testing.T, from uint32, lat, lon int32, alt *int32) []byte {
	t.Helper()
	pos := marshal(t, &pb.Position{LatitudeI: proto.Int32(lat), LongitudeI: proto.Int32(lon), Altitude: alt})
	return marshal(t, &pb.ServiceEnvelope{
		Packet: &pb.MeshPacket{
			Id:       42,
			From:     from,
			To:       0xFFFFFFFF,
			HopLimit: 3,
			RxRssi:   -101,
			RxSnr:    4.5,
			PayloadVariant: &pb.MeshPacket_Decoded{
				Decoded: &pb.Data{Portnum: pb.PortNum_POSITION_APP, Payload: pos},
			},
		},
		ChannelId: "LongFast",
		GatewayId: "!0000beef",
	})
}

func message(topic string, payload []byte) bus.Message {
	return bus.Message{Topic: topic, Payload: payload, ReceivedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestLoopBinaryPosition(t *testing.T) {
	h := newHarness(t)
	alt := int32(10)
	msg := message("msh/US/2/e/LongFast/!0000beef", positionEnvelope(t, 0x12345678, 407128000, -740060000, &alt))

	require.Equal(t, OutcomeEvent, h.loop.Handle(context.Background(), msg))

	require.Len(t, h.sink.events, 1)
	e := h.sink.events[0]
	require.Equal(t, "!12345678", e.NodeID)
	require.InDelta(t, 40.7128, e.Latitude, 1e-9)
	require.InDelta(t, -74.0060, e.Longitude, 1e-9)
	require.Equal(t, int32(10), *e.Altitude)
	require.NotNil(t, e.HexID)
	require.Equal(t, "3", e.PacketType)
	require.Equal(t, int32(-101), *e.RSSI)

	raw := h.lines(t, "mqtt_raw.log")
	require.Len(t, raw, 1)
	require.True(t, strings.HasPrefix(raw[0], "2024-01-02 03:04:05 msh/US/2/e/LongFast/!0000beef "))

	decoded := h.lines(t, "mqtt_decoded.log")
	require.Len(t, decoded, 1)
	require.Contains(t, decoded[0], `"from":"!12345678"`)
}

func TestLoopJSONPosition(t *testing.T) {
	h := newHarness(t)
	msg := message("msh/US/2/json/LongFast/!abcdef01", []byte(`{"from":"!abcdef01","latitude":51.5,"longitude":-0.12}`))

	require.Equal(t, OutcomeEvent, h.loop.Handle(context.Background(), msg))

	want, err := geo.CellID(51.5, -0.12, geo.DefaultResolution)
	require.NoError(t, err)
	require.Len(t, h.sink.events, 1)
	require.Equal(t, "!abcdef01", h.sink.events[0].NodeID)
	require.Equal(t, want, *h.sink.events[0].HexID)
	require.Equal(t, models.UnknownPacketType, h.sink.events[0].PacketType)
}

func TestLoopMissingNodeID(t *testing.T) {
	h := newHarness(t)
	// from is zero and the envelope has only two populated fields.
	payload := marshal(t, &pb.ServiceEnvelope{
		Packet: &pb.MeshPacket{
			PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{Portnum: pb.PortNum_POSITION_APP}},
		},
		ChannelId: "LongFast",
	})
	msg := message("msh/US/2/e/LongFast/!0000beef", payload)

	require.Equal(t, OutcomeMissingNodeID, h.loop.Handle(context.Background(), msg))
	require.Empty(t, h.sink.events)
	require.Len(t, h.lines(t, "mqtt_raw.log"), 1)
	require.Empty(t, h.lines(t, "mqtt_decoded.log"))
}

func TestLoopOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		msg   func(t *testing.T) bus.Message
		want  Outcome
		event bool
	}{
		{
			name: "no decoder for topic",
			msg:  func(*testing.T) bus.Message { return message("msh/US/2/map/", []byte{1}) },
			want: OutcomeNoDecoder,
		},
		{
			name: "malformed protobuf",
			msg:  func(*testing.T) bus.Message { return message("msh/US/2/e/LongFast/!1", []byte{0xff, 0xff}) },
			want: OutcomeDecodeError,
		},
		{
			name: "malformed json",
			msg:  func(*testing.T) bus.Message { return message("msh/US/2/json/LongFast/!1", []byte("{")) },
			want: OutcomeDecodeError,
		},
		{
			name: "zero fix",
			msg: func(t *testing.T) bus.Message {
				return message("msh/US/2/e/LongFast/!0000beef", positionEnvelope(t, 0x1, 0, 0, nil))
			},
			want: OutcomeDecoded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.Equal(t, tt.want, h.loop.Handle(context.Background(), tt.msg(t)))
			require.Empty(t, h.sink.events)
			require.Len(t, h.lines(t, "mqtt_raw.log"), 1)
			require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.DecodeResults.WithLabelValues(string(tt.want))))
		})
	}
}

func TestLoopFailureDoesNotLeak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good := message("msh/US/2/e/LongFast/!0000beef", positionEnvelope(t, 0x12345678, 407128000, -740060000, nil))

	require.Equal(t, OutcomeDecodeError, h.loop.Handle(ctx, message("msh/US/2/e/LongFast/!1", []byte{0xff})))
	require.Equal(t, OutcomeEvent, h.loop.Handle(ctx, good))
	require.Len(t, h.sink.events, 1)
	require.Nil(t, h.sink.events[0].Altitude)
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	in := make(chan bus.Message, 4)
	in <- message("msh/US/2/json/LongFast/!abcdef01", []byte(`{"from":"!abcdef01","latitude":51.5,"longitude":-0.12}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.loop.Run(ctx, in) }()

	require.Eventually(t, func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		return len(h.sink.events) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestLoopRunDrainsQueueOnCancel(t *testing.T) {
	h := newHarness(t)
	const queued = 8
	in := make(chan bus.Message, queued)
	for i := range queued {
		in <- message("msh/US/2/map/", []byte{byte(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.loop.Run(ctx, in))

	require.Empty(t, in)
	raw := h.lines(t, "mqtt_raw.log")
	require.Len(t, raw, queued)
	for i, line := range raw {
		require.True(t, strings.HasSuffix(line, fmt.Sprintf(" %02x", i)), line)
	}
}

func TestLoopDrainStopsWhenEmpty(t *testing.T) {
	h := newHarness(t)
	in := make(chan bus.Message, 4)
	in <- message("msh/US/2/json/LongFast/!abcdef01", []byte(`{"from":"!abcdef01","latitude":51.5,"longitude":-0.12}`))

	require.Equal(t, 1, h.loop.Drain(context.Background(), in))
	require.Len(t, h.sink.events, 1)
	require.Zero(t, h.loop.Drain(context.Background(), in))
}

func TestLoopDegradedWritesLogsOnly(t *testing.T) {
	dir := t.TempDir()
	logs, err := applog.OpenAll(applog.Paths{
		Raw:     filepath.Join(dir, "raw.log"),
		Decoded: filepath.Join(dir, "decoded.log"),
		Events:  filepath.Join(dir, "events.jsonl"),
	})
	require.NoError(t, err)
	defer logs.Close()

	attempts := 0
	sup := supervisor.New(supervisor.Options{
		Open: func(context.Context) (store.Recorder, error) {
			attempts++
			return nil, errors.New("connection refused")
		},
		RetryDelay:    time.Millisecond,
		ProbeInterval: time.Hour,
		Logger:        discard(),
	})
	require.ErrorIs(t, sup.Connect(context.Background()), supervisor.ErrConnectionExhausted)
	defer sup.Close()
	require.Equal(t, 5, attempts)
	require.Equal(t, supervisor.Degraded, sup.State())

	m := metrics.New("test", nil)
	s := sink.New(logs, sup, sink.Options{Logger: discard(), Metrics: m})
	loop := NewLoop(Options{
		Logs:    logs,
		Indexer: geo.NewIndexer(geo.DefaultResolution),
		Sink:    s,
		Logger:  discard(),
		Metrics: m,
	})

	for i := range 3 {
		msg := message("msh/US/2/e/LongFast/!0000beef", positionEnvelope(t, uint32(0x100+i), 407128000, -740060000, nil))
		require.Equal(t, OutcomeEvent, loop.Handle(context.Background(), msg))
	}
	require.NoError(t, s.Close(context.Background()))

	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var count int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &obj))
		require.Contains(t, obj, "hex_id")
		require.Contains(t, obj, "timestamp_iso")
		count++
	}
	require.Equal(t, 3, count)
	require.Equal(t, float64(3), testutil.ToFloat64(m.StoreWrites.WithLabelValues("skipped")))
	require.Equal(t, float64(0), testutil.ToFloat64(m.StoreWrites.WithLabelValues("success")))
}
