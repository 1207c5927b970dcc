package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("meshmapper", reg)

	m.MessagesReceived.WithLabelValues("protobuf").Inc()
	m.StoreWrites.WithLabelValues("success").Add(2)
	m.SupervisorState.Set(3)

	require.Equal(t, float64(1), testutil.ToFloat64(m.MessagesReceived.WithLabelValues("protobuf")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.StoreWrites.WithLabelValues("success")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.SupervisorState))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["meshmapper_bus_messages_received_total"])
	require.True(t, names["meshmapper_supervisor_state"])
}

func TestNewWithoutRegistry(t *testing.T) {
	// Two unregistered sets must not collide.
	a := New("meshmapper", nil)
	b := New("meshmapper", nil)
	a.EventsEmitted.Inc()
	require.Equal(t, float64(0), testutil.ToFloat64(b.EventsEmitted))
}
