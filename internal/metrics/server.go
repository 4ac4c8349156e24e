// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标与会话状态服务 - Prometheus 指标、健康探针、会话快照 JSON
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mrcgq/lockstep/internal/logging"
)

// ServerOptions 服务路径与监听地址
type ServerOptions struct {
	Listen      string
	MetricsPath string
	HealthPath  string
	SessionPath string
	EnablePprof bool
}

// HealthState 节点健康等级
type HealthState string

const (
	// HealthHealthy 帧在推进
	HealthHealthy HealthState = "healthy"
	// HealthDegraded 对局仍在，但帧停滞或断线界面打开
	HealthDegraded HealthState = "degraded"
	// HealthUnhealthy 已离开对局或无法继续
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status     HealthState                `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     time.Duration              `json:"uptime"`
	Frame      uint32                     `json:"frame"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  HealthState `json:"status"`
	Message string      `json:"message,omitempty"`
}

// MetricsServer 指标服务器
type MetricsServer struct {
	opts ServerOptions

	httpServer *http.Server
	listener   net.Listener
	registry   *prometheus.Registry
	log        zerolog.Logger

	alive int32

	mu          sync.RWMutex
	healthCheck func() HealthStatus
	ready       func() bool
	session     SnapshotProvider
}

// NewMetricsServer 创建指标服务器，使用独立的 registry
func NewMetricsServer(opts ServerOptions) *MetricsServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &MetricsServer{
		opts:     opts,
		alive:    1,
		registry: registry,
		log:      logging.Component("metrics"),
	}
}

// Registry 指标注册器，NewNetMetrics 在此注册
func (s *MetricsServer) Registry() prometheus.Registerer {
	return s.registry
}

// AttachSession 导出会话指标并在会话路径上提供快照
// 一个服务只对应一个会话，重复调用 panic
func (s *MetricsServer) AttachSession(p SnapshotProvider) {
	s.registry.MustRegister(NewSessionCollector(p))
	s.mu.Lock()
	s.session = p
	s.mu.Unlock()
}

// SetHealthCheck 设置健康检查函数
func (s *MetricsServer) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	s.healthCheck = fn
	s.mu.Unlock()
}

// SetReadiness 设置就绪判断，未设置时不是 unhealthy 即就绪
func (s *MetricsServer) SetReadiness(fn func() bool) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

// SetAlive 设置存活状态，离开对局后置为 false
func (s *MetricsServer) SetAlive(alive bool) {
	var v int32
	if alive {
		v = 1
	}
	atomic.StoreInt32(&s.alive, v)
}

// Start 监听地址后在后台提供服务，监听失败直接返回错误
// ctx 结束时自动关闭
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("监听指标地址 %s: %w", s.opts.Listen, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("指标服务器错误")
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("metrics", s.opts.MetricsPath).
		Str("health", s.opts.HealthPath).
		Str("session", s.opts.SessionPath).
		Bool("pprof", s.opts.EnablePprof).
		Msg("指标服务已启动")
	return nil
}

func (s *MetricsServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	mux.HandleFunc(s.opts.HealthPath, s.handleHealth)
	mux.HandleFunc(s.opts.HealthPath+"/live", s.handleLiveness)
	mux.HandleFunc(s.opts.HealthPath+"/ready", s.handleReadiness)

	if s.opts.SessionPath != "" {
		mux.HandleFunc(s.opts.SessionPath, s.handleSession)
	}

	if s.opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Addr 实际监听地址，未启动时为空
func (s *MetricsServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *MetricsServer) health() HealthStatus {
	s.mu.RLock()
	fn := s.healthCheck
	s.mu.RUnlock()

	if fn == nil {
		return HealthStatus{Status: HealthHealthy, Timestamp: time.Now()}
	}
	return fn()
}

// handleHealth 断线界面等降级状态仍返回 200，只有 unhealthy 返回 503
func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health()
	code := http.StatusOK
	if status.Status == HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *MetricsServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.alive) == 1 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT OK"))
}

// handleReadiness 对局进行中才算就绪
func (s *MetricsServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	var ok bool
	if ready != nil {
		ok = ready()
	} else {
		ok = s.health().Status != HealthUnhealthy
	}
	if ok {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// handleSession 最近一次发布的连接管理器快照
func (s *MetricsServer) handleSession(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	p := s.session
	s.mu.RUnlock()

	if p == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no session"})
		return
	}
	st := p.Snapshot()
	if st == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session not started"})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *MetricsServer) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("写入响应失败")
	}
}

// Stop 停止服务器
func (s *MetricsServer) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("关闭指标服务器")
	}
}
