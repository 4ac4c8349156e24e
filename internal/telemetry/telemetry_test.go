package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/lockstep/internal/clock"
)

func newMetrics(t *testing.T, cfg Config) (*FrameMetrics, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	return NewFrameMetrics(cfg, clk), clk
}

func TestFrameMetricsInitialValues(t *testing.T) {
	m, _ := newMetrics(t, DefaultConfig())
	assert.Equal(t, 30, m.AverageFPS())
	assert.InDelta(t, 0.2, m.AverageLatency(), 1e-6)
	assert.Equal(t, -1, m.MinimumCushion())
}

func TestFrameMetricsFPSBucket(t *testing.T) {
	m, clk := newMetrics(t, DefaultConfig())

	for i := 0; i <= 10; i++ {
		m.DoPerFrameMetrics(uint32(i))
		if i < 10 {
			clk.Advance(100 * time.Millisecond)
		}
	}
	// 一秒内 11 帧替换掉一个 30 的样本
	assert.InDelta(t, 30-30.0/30+11.0/30, float64(m.averageFPS), 1e-4)
	assert.Equal(t, 29, m.AverageFPS())
}

func TestFrameMetricsLatency(t *testing.T) {
	m, clk := newMetrics(t, DefaultConfig())

	m.DoPerFrameMetrics(5)
	clk.Advance(100 * time.Millisecond)
	m.ProcessLatencyResponse(5)
	assert.InDelta(t, 0.2-0.2/200+0.1/200, m.AverageLatency(), 1e-5)

	// 从未发出的帧不产生样本
	before := m.AverageLatency()
	m.ProcessLatencyResponse(77)
	assert.Equal(t, before, m.AverageLatency())
}

func TestFrameMetricsCushion(t *testing.T) {
	m, _ := newMetrics(t, DefaultConfig())
	m.AddCushion(5)
	m.AddCushion(3)
	m.AddCushion(7)
	assert.Equal(t, 3, m.MinimumCushion())

	cfg := DefaultConfig()
	cfg.CushionHistoryLength = 3
	short, _ := newMetrics(t, cfg)
	short.AddCushion(5)
	short.AddCushion(3)
	short.AddCushion(7) // 窗口轮回，最小值重新统计
	assert.Equal(t, 7, short.MinimumCushion())
}

func TestFrameMetricsReset(t *testing.T) {
	m, clk := newMetrics(t, DefaultConfig())
	m.DoPerFrameMetrics(1)
	clk.Advance(50 * time.Millisecond)
	m.ProcessLatencyResponse(1)
	m.AddCushion(2)

	m.Reset()
	assert.Equal(t, 30, m.AverageFPS())
	assert.InDelta(t, 0.2, m.AverageLatency(), 1e-6)
	assert.Equal(t, -1, m.MinimumCushion())
}

func TestRTTEstimator(t *testing.T) {
	r := NewRTTEstimator()
	require.False(t, r.IsInitialized())
	assert.Equal(t, 400*time.Millisecond, r.RetryTimeout(100*time.Millisecond, 2*time.Second))

	r.Update(100 * time.Millisecond)
	assert.True(t, r.IsInitialized())
	assert.Equal(t, 100*time.Millisecond, r.SmoothedRTT())
	assert.Equal(t, 200*time.Millisecond, r.RetryTimeout(100*time.Millisecond, 2*time.Second))

	r.Update(-time.Second)
	assert.Equal(t, uint64(1), r.GetStats()["total_samples"])

	for i := 0; i < 100; i++ {
		r.Update(5 * time.Second)
	}
	assert.Equal(t, 2*time.Second, r.RetryTimeout(100*time.Millisecond, 2*time.Second))
	assert.Equal(t, 100*time.Millisecond, r.MinRTT())
	assert.Equal(t, 5*time.Second, r.LatestRTT())

	r.Reset()
	assert.False(t, r.IsInitialized())
}
