package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/connection"
	"github.com/mrcgq/lockstep/internal/manager"
	"github.com/mrcgq/lockstep/internal/transport"
)

// gathered 按 "名称{标签值...}" 收集所有样本值
func gathered(t *testing.T, g prometheus.Gatherer) map[string]float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetValue())
			}
			key := mf.GetName() + "{" + strings.Join(labels, ",") + "}"
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestNetMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewNetMetrics(reg)

	m.CommandReceived(command.TypeChat)
	m.CommandReceived(command.TypeChat)
	m.CommandRelayed(command.TypeFrameInfo)
	m.DuplicateDropped(command.TypeChat)
	m.FrameResendRequested(2)
	m.FrameDesync(3)
	m.RunAheadSent(16, 30)
	m.RunAheadSent(12, 25)
	m.PlayerDisconnected(1)

	got := gathered(t, reg)
	assert.Equal(t, 2.0, got["lockstep_commands_received_total{Chat}"])
	assert.Equal(t, 1.0, got["lockstep_commands_relayed_total{FrameInfo}"])
	assert.Equal(t, 1.0, got["lockstep_commands_duplicates_total{Chat}"])
	assert.Equal(t, 1.0, got["lockstep_frames_resend_requests_total{2}"])
	assert.Equal(t, 1.0, got["lockstep_frames_desyncs_total{3}"])
	assert.Equal(t, 12.0, got["lockstep_runahead_frames{}"])
	assert.Equal(t, 25.0, got["lockstep_runahead_frame_rate{}"])
	assert.Equal(t, 2.0, got["lockstep_runahead_sent_frames{}"])
	assert.Equal(t, 1.0, got["lockstep_players_disconnects_total{1}"])
}

func TestNetMetricsDoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewNetMetrics(reg)
	assert.Panics(t, func() { NewNetMetrics(reg) })
}

type fixedSnapshot struct {
	st *manager.Stats
}

func (f fixedSnapshot) Snapshot() *manager.Stats { return f.st }

func TestSessionCollector(t *testing.T) {
	st := &manager.Stats{
		LocalSlot:      0,
		RouterSlot:     1,
		NumPlayers:     2,
		ScreenOn:       true,
		PendingLocal:   3,
		PendingRelay:   4,
		Malformed:      5,
		AverageFPS:     29,
		MinimumCushion: -1,
		Slots: []manager.SlotStats{
			{Slot: 0, Name: "alice", Connected: true, Local: true, AverageFPS: 29},
			{Slot: 1, Name: "bob", Connected: true, AverageFPS: 30, Latency: 0.05, QueueLen: 7,
				Connection: connection.Stats{Retries: 9, PacketsSent: 100}},
		},
		Transport: transport.Stats{PacketsRecv: 10, PacketsSent: 20, BytesRecv: 300, BytesSent: 400, UnknownPackets: 1},
	}

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewSessionCollector(fixedSnapshot{st})))

	got := gathered(t, reg)
	assert.Equal(t, 2.0, got["lockstep_session_players{}"])
	assert.Equal(t, 1.0, got["lockstep_session_packet_router_slot{}"])
	assert.Equal(t, 1.0, got["lockstep_session_disconnect_screen{}"])
	assert.Equal(t, 3.0, got["lockstep_session_pending_commands{local}"])
	assert.Equal(t, 4.0, got["lockstep_session_pending_commands{relay}"])
	assert.Equal(t, 5.0, got["lockstep_session_malformed_packets_total{}"])
	assert.Equal(t, -1.0, got["lockstep_frames_minimum_cushion{}"])

	assert.Equal(t, 1.0, got["lockstep_slot_connected{bob,1}"])
	assert.Equal(t, 30.0, got["lockstep_slot_average_fps{1}"])
	assert.Equal(t, 7.0, got["lockstep_slot_queue_length{1}"])
	assert.Equal(t, 9.0, got["lockstep_slot_retries_total{1}"])
	assert.Equal(t, 100.0, got["lockstep_slot_packets_sent_total{1}"])

	// 本地槽位没有连接
	_, ok := got["lockstep_slot_queue_length{0}"]
	assert.False(t, ok)

	assert.Equal(t, 10.0, got["lockstep_transport_packets_total{in}"])
	assert.Equal(t, 20.0, got["lockstep_transport_packets_total{out}"])
	assert.Equal(t, 400.0, got["lockstep_transport_bytes_total{out}"])
	assert.Equal(t, 1.0, got["lockstep_transport_unknown_packets_total{}"])
}

func TestLoopMetrics(t *testing.T) {
	m := NewLoopMetrics()

	m.IncUpdates()
	m.IncUpdates()
	m.FrameExecuted(3)
	m.FrameExecuted(0)
	assert.Equal(t, uint64(2), m.GetUpdates())
	assert.Equal(t, uint64(2), m.GetFramesExecuted())
	assert.Equal(t, uint64(3), m.GetMessagesTaken())
	assert.Less(t, m.SinceLastFrame(), time.Minute)

	t.Run("RunAheadHistory", func(t *testing.T) {
		m.RecordRunAhead(10, 30, 30)
		m.RecordRunAhead(11, 30, 30)
		m.RecordRunAhead(40, 16, 30)
		assert.Equal(t, uint64(2), m.GetRunAheadChanges())

		h := m.GetRunAheadHistory(0)
		require.Len(t, h, 2)
		assert.Equal(t, 16, h[0].RunAhead)
		assert.Equal(t, uint32(40), h[0].Frame)
		assert.Len(t, m.GetRunAheadHistory(1), 1)
	})

	t.Run("HistoryBounded", func(t *testing.T) {
		for i := 0; i < 2*maxRunAheadHistory; i++ {
			m.RecordRunAhead(uint32(i), 10+i%2, 30)
		}
		assert.Len(t, m.GetRunAheadHistory(0), maxRunAheadHistory)
	})

	m.Reset()
	assert.Zero(t, m.GetFramesExecuted())
	assert.Empty(t, m.GetRunAheadHistory(0))
}

type staticSnapshot struct {
	st *manager.Stats
}

func (p staticSnapshot) Snapshot() *manager.Stats { return p.st }

func testServerOptions(listen string) ServerOptions {
	return ServerOptions{
		Listen:      listen,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
		SessionPath: "/session",
	}
}

func TestMetricsServer(t *testing.T) {
	srv := NewMetricsServer(testServerOptions("127.0.0.1:0"))
	m := NewNetMetrics(srv.Registry())
	m.CommandReceived(command.TypeChat)
	srv.AttachSession(staticSnapshot{st: &manager.Stats{
		LocalSlot:  1,
		RouterSlot: 0,
		NumPlayers: 2,
		Slots: []manager.SlotStats{
			{Slot: 0, Name: "alice", Connected: true},
			{Slot: 1, Name: "bob", Connected: true, Local: true},
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	base := "http://" + srv.Addr()
	client := &http.Client{Timeout: 5 * time.Second}
	get := func(path string) (int, []byte) {
		t.Helper()
		resp, err := client.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	t.Run("指标", func(t *testing.T) {
		code, body := get("/metrics")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, string(body), `lockstep_commands_received_total{type="Chat"} 1`)
		assert.Contains(t, string(body), `lockstep_session_players 2`)
	})

	t.Run("会话快照", func(t *testing.T) {
		code, body := get("/session")
		require.Equal(t, http.StatusOK, code)
		var st manager.Stats
		require.NoError(t, json.Unmarshal(body, &st))
		assert.Equal(t, 2, st.NumPlayers)
		require.Len(t, st.Slots, 2)
		assert.Equal(t, "bob", st.Slots[1].Name)
	})

	t.Run("降级仍然就绪", func(t *testing.T) {
		srv.SetHealthCheck(func() HealthStatus {
			return HealthStatus{Status: HealthDegraded, Timestamp: time.Now(), Frame: 42}
		})
		code, body := get("/health")
		assert.Equal(t, http.StatusOK, code)
		var hs HealthStatus
		require.NoError(t, json.Unmarshal(body, &hs))
		assert.Equal(t, HealthDegraded, hs.Status)
		assert.Equal(t, uint32(42), hs.Frame)

		code, _ = get("/health/ready")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("离开对局", func(t *testing.T) {
		srv.SetHealthCheck(func() HealthStatus {
			return HealthStatus{Status: HealthUnhealthy, Timestamp: time.Now()}
		})
		code, _ := get("/health")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		code, _ = get("/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)

		srv.SetReadiness(func() bool { return true })
		code, _ = get("/health/ready")
		assert.Equal(t, http.StatusOK, code)

		srv.SetAlive(false)
		code, _ = get("/health/live")
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})
}

func TestMetricsServerWithoutSession(t *testing.T) {
	srv := NewMetricsServer(testServerOptions("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	resp, err := http.Get("http://" + srv.Addr() + "/session")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// 未设置健康检查时默认健康且就绪
	resp, err = http.Get("http://" + srv.Addr() + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsServerAttachSessionTwicePanics(t *testing.T) {
	srv := NewMetricsServer(testServerOptions("127.0.0.1:0"))
	p := staticSnapshot{st: &manager.Stats{}}
	srv.AttachSession(p)
	assert.Panics(t, func() { srv.AttachSession(p) })
}

func TestMetricsServerListenError(t *testing.T) {
	srv := NewMetricsServer(testServerOptions("127.0.0.1:-1"))
	assert.Error(t, srv.Start(context.Background()))
}
