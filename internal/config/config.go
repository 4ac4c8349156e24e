// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 网络时序、传输、玩家表、文件传输、监控与模拟参数
//       校验端口冲突与槽位关联，并同步隐性关联的默认值
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/connection"
	"github.com/mrcgq/lockstep/internal/logging"
	"github.com/mrcgq/lockstep/internal/manager"
	"github.com/mrcgq/lockstep/internal/telemetry"
)

// 传输类型
const (
	TransportUDP       = "udp"
	TransportWebSocket = "websocket"
)

// Config 主配置
type Config struct {
	Log          logging.Config     `yaml:"log"`
	Network      NetworkConfig      `yaml:"network"`
	Transport    TransportConfig    `yaml:"transport"`
	Session      SessionConfig      `yaml:"session"`
	FileTransfer FileTransferConfig `yaml:"file_transfer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Simulate     SimulateConfig     `yaml:"simulate"`
}

// NetworkConfig 网络时序参数，时间单位均为毫秒
type NetworkConfig struct {
	// 帧统计历史
	FPSHistoryLength     int `yaml:"fps_history_length"`
	LatencyHistoryLength int `yaml:"latency_history_length"`
	CushionHistoryLength int `yaml:"cushion_history_length"`
	InitialFPS           int `yaml:"initial_fps"`
	InitialLatencyMs     int `yaml:"initial_latency_ms"`

	// 提前量
	RunAheadMetricsIntervalMs int `yaml:"run_ahead_metrics_interval_ms"`
	RunAheadSlack             int `yaml:"run_ahead_slack"`
	FPSLimit                  int `yaml:"fps_limit"`

	// 保活与断线
	KeepAliveIntervalMs           int `yaml:"keep_alive_interval_ms"`
	DisconnectTimeMs              int `yaml:"disconnect_time_ms"`
	PlayerTimeoutMs               int `yaml:"player_timeout_ms"`
	DisconnectScreenNotifyMs      int `yaml:"disconnect_screen_notify_ms"`
	DisconnectKeepAliveIntervalMs int `yaml:"disconnect_keep_alive_interval_ms"`

	// 重传
	RetryMinMs      int     `yaml:"retry_min_ms"`
	RetryMaxMs      int     `yaml:"retry_max_ms"`
	DedupWindow     int     `yaml:"dedup_window"`
	StallResendMs   int     `yaml:"stall_resend_ms"`
	ResendRateLimit float64 `yaml:"resend_rate_limit"`
	ResendBurst     int     `yaml:"resend_burst"`
}

// TransportConfig 传输层配置
// 槽位 i 监听 listen_host:(base_port+i)
type TransportConfig struct {
	Kind               string `yaml:"kind"` // udp, websocket
	ListenHost         string `yaml:"listen_host"`
	BasePort           int    `yaml:"base_port"`
	WSPath             string `yaml:"ws_path"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
}

// SessionConfig 玩家表
type SessionConfig struct {
	LocalSlot int              `yaml:"local_slot"`
	Players   []manager.Player `yaml:"players"`
}

// FileTransferConfig 文件传输配置
type FileTransferConfig struct {
	Directory   string `yaml:"directory"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	SessionPath string `yaml:"session_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// SimulateConfig 进程内模拟参数
type SimulateConfig struct {
	Players      int `yaml:"players"`
	Frames       int `yaml:"frames"`
	StepMs       int `yaml:"step_ms"`
	MessageEvery int `yaml:"message_every"`
	MaxSteps     int `yaml:"max_steps"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log: logging.DefaultConfig(),

		Network: NetworkConfig{
			FPSHistoryLength:     30,
			LatencyHistoryLength: 200,
			CushionHistoryLength: 10,
			InitialFPS:           30,
			InitialLatencyMs:     200,

			RunAheadMetricsIntervalMs: 500,
			RunAheadSlack:             10,
			FPSLimit:                  30,

			KeepAliveIntervalMs:           1000,
			DisconnectTimeMs:              5000,
			PlayerTimeoutMs:               60000,
			DisconnectScreenNotifyMs:      15000,
			DisconnectKeepAliveIntervalMs: 500,

			RetryMinMs:      100,
			RetryMaxMs:      2000,
			DedupWindow:     connection.DefaultConfig().DedupWindow,
			StallResendMs:   1000,
			ResendRateLimit: 4,
			ResendBurst:     2,
		},

		Transport: TransportConfig{
			Kind:               TransportUDP,
			ListenHost:         "127.0.0.1",
			BasePort:           8088,
			WSPath:             "/lockstep",
			HandshakeTimeoutMs: 3000,
		},

		FileTransfer: FileTransferConfig{
			Directory:   "maps",
			MaxFileSize: 4 << 20,
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			SessionPath: "/session",
			EnablePprof: false,
		},

		Simulate: SimulateConfig{
			Players:      4,
			Frames:       300,
			StepMs:       5,
			MessageEvery: 3,
			MaxSteps:     100000,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := c.validateNetworkConfig(); err != nil {
		return fmt.Errorf("network 配置错误: %w", err)
	}

	// 验证传输层
	switch strings.ToLower(c.Transport.Kind) {
	case TransportUDP, TransportWebSocket:
	default:
		return fmt.Errorf("transport.kind 只能是 udp 或 websocket: %q", c.Transport.Kind)
	}
	if c.Transport.BasePort < 1 || c.Transport.BasePort+command.MaxSlots-1 > 65535 {
		return fmt.Errorf("transport.base_port 需在 1-%d 之间", 65535-command.MaxSlots+1)
	}
	if c.Transport.Kind == TransportWebSocket && !strings.HasPrefix(c.Transport.WSPath, "/") {
		return fmt.Errorf("transport.ws_path 必须以 / 开头")
	}

	if err := c.validateSessionConfig(); err != nil {
		return fmt.Errorf("session 配置错误: %w", err)
	}

	if c.FileTransfer.MaxFileSize < 0 {
		return fmt.Errorf("file_transfer.max_file_size 不能为负数")
	}

	// 端口冲突检测: 指标端口不能落在槽位端口区间内
	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if metricsPort >= c.Transport.BasePort && metricsPort < c.Transport.BasePort+command.MaxSlots {
			return fmt.Errorf("metrics.listen 端口 (%d) 与槽位 %d 的传输端口冲突",
				metricsPort, metricsPort-c.Transport.BasePort)
		}
		paths := []struct {
			name, value string
		}{
			{"metrics.path", c.Metrics.Path},
			{"metrics.health_path", c.Metrics.HealthPath},
			{"metrics.session_path", c.Metrics.SessionPath},
		}
		seen := make(map[string]string, len(paths))
		for _, p := range paths {
			if !strings.HasPrefix(p.value, "/") {
				return fmt.Errorf("%s 必须以 / 开头", p.name)
			}
			if other, ok := seen[p.value]; ok {
				return fmt.Errorf("%s 与 %s 不能相同", other, p.name)
			}
			seen[p.value] = p.name
		}
	}

	// 验证模拟参数
	if c.Simulate.Players < 2 || c.Simulate.Players > command.MaxSlots {
		return fmt.Errorf("simulate.players 需在 2-%d 之间", command.MaxSlots)
	}
	if c.Simulate.Frames < 1 {
		return fmt.Errorf("simulate.frames 必须大于 0")
	}
	if c.Simulate.StepMs < 1 || c.Simulate.StepMs > 1000 {
		return fmt.Errorf("simulate.step_ms 需在 1-1000 之间")
	}
	if c.Simulate.MessageEvery < 0 {
		return fmt.Errorf("simulate.message_every 不能为负数")
	}

	return nil
}

func (c *Config) validateNetworkConfig() error {
	n := &c.Network

	positive := []struct {
		name  string
		value int
	}{
		{"fps_history_length", n.FPSHistoryLength},
		{"latency_history_length", n.LatencyHistoryLength},
		{"cushion_history_length", n.CushionHistoryLength},
		{"initial_fps", n.InitialFPS},
		{"initial_latency_ms", n.InitialLatencyMs},
		{"run_ahead_metrics_interval_ms", n.RunAheadMetricsIntervalMs},
		{"fps_limit", n.FPSLimit},
		{"keep_alive_interval_ms", n.KeepAliveIntervalMs},
		{"disconnect_time_ms", n.DisconnectTimeMs},
		{"player_timeout_ms", n.PlayerTimeoutMs},
		{"disconnect_screen_notify_ms", n.DisconnectScreenNotifyMs},
		{"disconnect_keep_alive_interval_ms", n.DisconnectKeepAliveIntervalMs},
		{"retry_min_ms", n.RetryMinMs},
		{"retry_max_ms", n.RetryMaxMs},
		{"dedup_window", n.DedupWindow},
		{"stall_resend_ms", n.StallResendMs},
		{"resend_burst", n.ResendBurst},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s 必须大于 0", p.name)
		}
	}

	if n.RunAheadSlack < 0 || n.RunAheadSlack > 100 {
		return fmt.Errorf("run_ahead_slack 需在 0-100 之间")
	}
	if n.FPSLimit > 1000 {
		return fmt.Errorf("fps_limit 不能超过 1000")
	}
	if n.DedupWindow > connection.MaxDedupWindow {
		return fmt.Errorf("dedup_window 不能超过 %d", connection.MaxDedupWindow)
	}
	if n.RetryMaxMs < n.RetryMinMs {
		return fmt.Errorf("retry_max_ms (%d) 不能小于 retry_min_ms (%d)", n.RetryMaxMs, n.RetryMinMs)
	}
	if n.ResendRateLimit <= 0 {
		return fmt.Errorf("resend_rate_limit 必须大于 0")
	}
	if n.PlayerTimeoutMs < n.DisconnectKeepAliveIntervalMs {
		return fmt.Errorf("player_timeout_ms 不能小于 disconnect_keep_alive_interval_ms")
	}
	return nil
}

func (c *Config) validateSessionConfig() error {
	s := &c.Session
	if s.LocalSlot < 0 || s.LocalSlot >= command.MaxSlots {
		return fmt.Errorf("local_slot 需在 0-%d 之间", command.MaxSlots-1)
	}
	if len(s.Players) == 0 {
		// 只跑模拟时可以不配玩家表
		return nil
	}
	if len(s.Players) > command.MaxSlots {
		return fmt.Errorf("玩家数 %d 超过上限 %d", len(s.Players), command.MaxSlots)
	}

	seen := make(map[uint8]bool, len(s.Players))
	addrs := make(map[string]uint8, len(s.Players))
	localFound := false
	for _, p := range s.Players {
		if int(p.Slot) >= command.MaxSlots {
			return fmt.Errorf("槽位 %d 超出范围", p.Slot)
		}
		if seen[p.Slot] {
			return fmt.Errorf("槽位 %d 重复", p.Slot)
		}
		seen[p.Slot] = true
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("槽位 %d 缺少名字", p.Slot)
		}
		if p.Addr == "" {
			return fmt.Errorf("槽位 %d 缺少地址", p.Slot)
		}
		if other, dup := addrs[p.Addr]; dup {
			return fmt.Errorf("槽位 %d 与槽位 %d 地址相同: %s", p.Slot, other, p.Addr)
		}
		addrs[p.Addr] = p.Slot
		if int(p.Slot) == s.LocalSlot {
			localFound = true
		}
	}
	if !localFound {
		return fmt.Errorf("local_slot %d 不在玩家表中", s.LocalSlot)
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportUDP
	}
	if c.Transport.WSPath == "" {
		c.Transport.WSPath = "/lockstep"
	}
	if c.Transport.HandshakeTimeoutMs <= 0 {
		c.Transport.HandshakeTimeoutMs = 3000
	}

	// 未写地址的玩家按槽位推导: 主机:(base_port+slot)
	for i := range c.Session.Players {
		if c.Session.Players[i].Addr == "" {
			c.Session.Players[i].Addr = c.PeerAddr(c.Session.Players[i].Slot)
		}
	}

	// 重试上限至少等于下限
	if c.Network.RetryMaxMs > 0 && c.Network.RetryMaxMs < c.Network.RetryMinMs {
		c.Network.RetryMaxMs = c.Network.RetryMinMs
	}

	// 同步默认值
	if c.Network.DedupWindow == 0 {
		c.Network.DedupWindow = connection.DefaultConfig().DedupWindow
	}
	if c.FileTransfer.Directory == "" {
		c.FileTransfer.Directory = "maps"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
	if c.Metrics.SessionPath == "" {
		c.Metrics.SessionPath = "/session"
	}
	if c.Simulate.MaxSteps <= 0 {
		c.Simulate.MaxSteps = 100000
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// dialHost 对端可拨号的主机名，通配地址按本机处理
func (c *Config) dialHost() string {
	host := c.Transport.ListenHost
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

// ListenAddr 本地槽位的监听地址
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Transport.ListenHost, strconv.Itoa(c.Transport.BasePort+c.Session.LocalSlot))
}

// PeerAddr 槽位的默认地址
func (c *Config) PeerAddr(slot uint8) string {
	return net.JoinHostPort(c.dialHost(), strconv.Itoa(c.Transport.BasePort+int(slot)))
}

// LocalPlayer 本地玩家条目
func (c *Config) LocalPlayer() (manager.Player, bool) {
	for _, p := range c.Session.Players {
		if int(p.Slot) == c.Session.LocalSlot {
			return p, true
		}
	}
	return manager.Player{}, false
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ManagerConfig 转换为连接管理器的时序参数
func (c *Config) ManagerConfig() manager.Config {
	n := &c.Network
	return manager.Config{
		Metrics: telemetry.Config{
			FPSHistoryLength:     n.FPSHistoryLength,
			LatencyHistoryLength: n.LatencyHistoryLength,
			CushionHistoryLength: n.CushionHistoryLength,
			InitialFPS:           n.InitialFPS,
			InitialLatency:       ms(n.InitialLatencyMs),
		},
		Connection: connection.Config{
			RetryMin:    ms(n.RetryMinMs),
			RetryMax:    ms(n.RetryMaxMs),
			DedupWindow: n.DedupWindow,
		},
		RunAheadMetricsInterval:     ms(n.RunAheadMetricsIntervalMs),
		RunAheadSlack:               n.RunAheadSlack,
		FPSLimit:                    n.FPSLimit,
		KeepAliveInterval:           ms(n.KeepAliveIntervalMs),
		DisconnectTime:              ms(n.DisconnectTimeMs),
		PlayerTimeout:               ms(n.PlayerTimeoutMs),
		DisconnectScreenNotifyTime:  ms(n.DisconnectScreenNotifyMs),
		DisconnectKeepAliveInterval: ms(n.DisconnectKeepAliveIntervalMs),
		StallResendTime:             ms(n.StallResendMs),
		ResendRateLimit:             n.ResendRateLimit,
		ResendBurst:                 n.ResendBurst,
		FileDir:                     c.FileTransfer.Directory,
		MaxFileSize:                 c.FileTransfer.MaxFileSize,
	}
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# lockstep-node 配置文件示例
# =============================================================================

# 日志
log:
  level: "info"                     # debug, info, warn, error
  file: ""                          # 为空则只输出到控制台 (文件为 JSON 行)
  console: true
  no_color: false

# 网络时序 (时间单位: 毫秒)
network:
  fps_history_length: 30            # 帧率平均窗口
  latency_history_length: 200       # 时延平均窗口
  cushion_history_length: 10        # 到达缓冲平均窗口
  initial_fps: 30
  initial_latency_ms: 200
  run_ahead_metrics_interval_ms: 500
  run_ahead_slack: 10               # 提前量余量 (百分比)
  fps_limit: 30
  keep_alive_interval_ms: 1000
  disconnect_time_ms: 5000          # 帧停滞多久进入断线界面
  player_timeout_ms: 60000          # 断线界面中的玩家超时
  disconnect_screen_notify_ms: 15000
  disconnect_keep_alive_interval_ms: 500
  retry_min_ms: 100
  retry_max_ms: 2000
  dedup_window: 4096                # 每个来源保留的已收命令 ID 数
  stall_resend_ms: 1000             # 帧停滞多久请求重发
  resend_rate_limit: 4              # 每秒重发请求上限
  resend_burst: 2

# 传输层: 槽位 i 监听 listen_host:(base_port+i)
transport:
  kind: "udp"                       # udp, websocket
  listen_host: "127.0.0.1"
  base_port: 8088
  ws_path: "/lockstep"              # 仅 websocket
  handshake_timeout_ms: 3000        # 仅 websocket

# 玩家表 (addr 为空时按 base_port+slot 推导)
session:
  local_slot: 0
  players:
    - slot: 0
      name: "alice"
      addr: "127.0.0.1:8088"
    - slot: 1
      name: "bob"
      addr: "127.0.0.1:8089"

# 文件传输
file_transfer:
  directory: "maps"                 # 接收文件的存放目录
  max_file_size: 4194304

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  session_path: "/session"          # 会话快照 JSON
  enable_pprof: false

# 进程内模拟 (-simulate)
simulate:
  players: 4
  frames: 300
  step_ms: 5                        # 每步推进的模拟时钟
  message_every: 3                  # 每隔多少帧发一条模拟层消息
  max_steps: 100000
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
