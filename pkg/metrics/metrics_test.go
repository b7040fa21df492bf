package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRoomOpenedAndClosedTrackGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	require.Equal(t, float64(1), gaugeValue(t, m.roomsOpen))
}

func TestClientConnectedAndDisconnectedTrackGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ClientConnected()
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	require.Equal(t, float64(2), gaugeValue(t, m.clientsConnected))
}

func TestUpdateCountersIncrement(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.UpdateApplied()
	m.UpdateApplied()
	m.UpdateBroadcast()
	require.Equal(t, float64(2), counterValue(t, m.updatesApplied))
	require.Equal(t, float64(1), counterValue(t, m.updatesBroadcast))
}

func TestHandshakeRejectedLabelsByStatus(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.HandshakeRejected(401)
	m.HandshakeRejected(403)
	m.HandshakeRejected(401)

	got, err := m.handshakeRejections.GetMetricWithLabelValues("401")
	require.NoError(t, err)
	require.Equal(t, float64(2), counterValue(t, got))
}

func TestTwoInstancesOnSeparateRegistriesDoNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
