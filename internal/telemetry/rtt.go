// =============================================================================
// 文件: internal/telemetry/rtt.go
// 描述: 命令往返时延估算 (RFC 6298)，连接据此推导重发间隔
// =============================================================================
package telemetry

import (
	"sync"
	"time"
)

const (
	rttAlpha       = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta        = 0.25  // RTT 方差因子 (1/4)
	defaultInitRTT = 200 * time.Millisecond
)

// RTTEstimator 往返时延估算器
type RTTEstimator struct {
	smoothedRTT time.Duration // 平滑 RTT (SRTT)
	rttVariance time.Duration // RTT 方差 (RTTVAR)
	minRTT      time.Duration
	latestRTT   time.Duration
	maxRTT      time.Duration

	totalSamples uint64
	sumRTT       time.Duration

	initialized bool

	mu sync.RWMutex
}

// NewRTTEstimator 创建估算器
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{
		smoothedRTT: defaultInitRTT,
		rttVariance: defaultInitRTT / 2,
	}
}

// Update 记录一次采样
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.latestRTT = sample
	r.totalSamples++
	r.sumRTT += sample

	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
	}
	if sample > r.maxRTT {
		r.maxRTT = sample
	}

	if !r.initialized {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

// SmoothedRTT 平滑 RTT
func (r *RTTEstimator) SmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothedRTT
}

// MinRTT 最小 RTT，无采样时返回平滑值
func (r *RTTEstimator) MinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.minRTT == 0 {
		return r.smoothedRTT
	}
	return r.minRTT
}

// LatestRTT 最新 RTT
func (r *RTTEstimator) LatestRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRTT
}

// AverageRTT 算术平均 RTT
func (r *RTTEstimator) AverageRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.totalSamples == 0 {
		return r.smoothedRTT
	}
	return time.Duration(int64(r.sumRTT) / int64(r.totalSamples))
}

// RetryTimeout 重发间隔 = 2*SRTT，限制在 [lo, hi]
func (r *RTTEstimator) RetryTimeout(lo, hi time.Duration) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clampDuration(2*r.smoothedRTT, lo, hi)
}

// RTO 标准重传超时 SRTT + 4*RTTVAR
func (r *RTTEstimator) RTO() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rtoLocked()
}

func (r *RTTEstimator) rtoLocked() time.Duration {
	rto := r.smoothedRTT + 4*r.rttVariance
	if rto < r.smoothedRTT+time.Millisecond {
		rto = r.smoothedRTT + time.Millisecond
	}
	return clampDuration(rto, 100*time.Millisecond, 60*time.Second)
}

// IsInitialized 是否已有采样
func (r *RTTEstimator) IsInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Reset 重置
func (r *RTTEstimator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.smoothedRTT = defaultInitRTT
	r.rttVariance = defaultInitRTT / 2
	r.minRTT = 0
	r.latestRTT = 0
	r.maxRTT = 0
	r.totalSamples = 0
	r.sumRTT = 0
	r.initialized = false
}

// GetStats 获取统计信息
func (r *RTTEstimator) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"srtt_ms":       r.smoothedRTT.Milliseconds(),
		"min_rtt_ms":    r.minRTT.Milliseconds(),
		"latest_rtt_ms": r.latestRTT.Milliseconds(),
		"max_rtt_ms":    r.maxRTT.Milliseconds(),
		"rtt_var_ms":    r.rttVariance.Milliseconds(),
		"rto_ms":        r.rtoLocked().Milliseconds(),
		"total_samples": r.totalSamples,
		"initialized":   r.initialized,
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
