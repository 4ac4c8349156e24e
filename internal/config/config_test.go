// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置鲁棒性测试 - 确保错误配置能在启动前被拦截
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mrcgq/lockstep/internal/manager"
)

// =============================================================================
// 默认值测试
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("默认配置可通过验证", func(t *testing.T) {
		if err := cfg.Validate(); err != nil {
			t.Fatalf("默认配置验证失败: %v", err)
		}
	})

	t.Run("网络时序默认值", func(t *testing.T) {
		if cfg.Network.RunAheadSlack != 10 {
			t.Errorf("RunAheadSlack 默认值错误: got %d, want 10", cfg.Network.RunAheadSlack)
		}
		if cfg.Network.DisconnectTimeMs != 5000 {
			t.Errorf("DisconnectTimeMs 默认值错误: got %d, want 5000", cfg.Network.DisconnectTimeMs)
		}
		if cfg.Network.PlayerTimeoutMs != 60000 {
			t.Errorf("PlayerTimeoutMs 默认值错误: got %d, want 60000", cfg.Network.PlayerTimeoutMs)
		}
		if cfg.Network.FPSLimit != 30 {
			t.Errorf("FPSLimit 默认值错误: got %d, want 30", cfg.Network.FPSLimit)
		}
	})

	t.Run("传输默认值", func(t *testing.T) {
		if cfg.Transport.Kind != TransportUDP {
			t.Errorf("Transport.Kind 默认值错误: got %s, want udp", cfg.Transport.Kind)
		}
		if cfg.Transport.BasePort != 8088 {
			t.Errorf("Transport.BasePort 默认值错误: got %d, want 8088", cfg.Transport.BasePort)
		}
	})

	t.Run("监控默认值", func(t *testing.T) {
		if cfg.Metrics.Enabled {
			t.Error("Metrics.Enabled 默认应为 false")
		}
		if cfg.Metrics.Path != "/metrics" {
			t.Errorf("Metrics.Path 默认值错误: got %s, want /metrics", cfg.Metrics.Path)
		}
		if cfg.Metrics.SessionPath != "/session" {
			t.Errorf("Metrics.SessionPath 默认值错误: got %s, want /session", cfg.Metrics.SessionPath)
		}
	})
}

// =============================================================================
// 与连接管理器参数一致
// =============================================================================

func TestManagerConfigMatchesDefaults(t *testing.T) {
	got := DefaultConfig().ManagerConfig()
	want := manager.DefaultConfig()

	if got.RunAheadMetricsInterval != want.RunAheadMetricsInterval {
		t.Errorf("RunAheadMetricsInterval: got %v, want %v", got.RunAheadMetricsInterval, want.RunAheadMetricsInterval)
	}
	if got.DisconnectTime != want.DisconnectTime {
		t.Errorf("DisconnectTime: got %v, want %v", got.DisconnectTime, want.DisconnectTime)
	}
	if got.PlayerTimeout != want.PlayerTimeout {
		t.Errorf("PlayerTimeout: got %v, want %v", got.PlayerTimeout, want.PlayerTimeout)
	}
	if got.DisconnectScreenNotifyTime != want.DisconnectScreenNotifyTime {
		t.Errorf("DisconnectScreenNotifyTime: got %v, want %v", got.DisconnectScreenNotifyTime, want.DisconnectScreenNotifyTime)
	}
	if got.StallResendTime != want.StallResendTime {
		t.Errorf("StallResendTime: got %v, want %v", got.StallResendTime, want.StallResendTime)
	}
	if got.Connection.RetryMin != want.Connection.RetryMin || got.Connection.RetryMax != want.Connection.RetryMax {
		t.Errorf("重试区间: got %v-%v, want %v-%v",
			got.Connection.RetryMin, got.Connection.RetryMax, want.Connection.RetryMin, want.Connection.RetryMax)
	}
	if got.Connection.DedupWindow != want.Connection.DedupWindow {
		t.Errorf("DedupWindow: got %d, want %d", got.Connection.DedupWindow, want.Connection.DedupWindow)
	}
	if got.Metrics.InitialLatency != want.Metrics.InitialLatency {
		t.Errorf("InitialLatency: got %v, want %v", got.Metrics.InitialLatency, want.Metrics.InitialLatency)
	}
	if got.FileDir != want.FileDir || got.MaxFileSize != want.MaxFileSize {
		t.Errorf("文件传输: got %s/%d, want %s/%d", got.FileDir, got.MaxFileSize, want.FileDir, want.MaxFileSize)
	}
	if got.ResendRateLimit != want.ResendRateLimit || got.ResendBurst != want.ResendBurst {
		t.Errorf("重发节流: got %v/%d, want %v/%d", got.ResendRateLimit, got.ResendBurst, want.ResendRateLimit, want.ResendBurst)
	}
}

func TestManagerConfigConvertsMilliseconds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.DisconnectTimeMs = 1500
	cfg.Network.RetryMinMs = 50

	mc := cfg.ManagerConfig()
	if mc.DisconnectTime != 1500*time.Millisecond {
		t.Errorf("DisconnectTime: got %v, want 1.5s", mc.DisconnectTime)
	}
	if mc.Connection.RetryMin != 50*time.Millisecond {
		t.Errorf("RetryMin: got %v, want 50ms", mc.Connection.RetryMin)
	}
}

// =============================================================================
// 验证测试
// =============================================================================

func TestNetworkValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"有效默认值", func(c *Config) {}, ""},
		{"零帧率上限", func(c *Config) { c.Network.FPSLimit = 0 }, "fps_limit"},
		{"帧率上限过大", func(c *Config) { c.Network.FPSLimit = 5000 }, "fps_limit"},
		{"去重窗口过大", func(c *Config) { c.Network.DedupWindow = 100000 }, "dedup_window"},
		{"负余量", func(c *Config) { c.Network.RunAheadSlack = -1 }, "run_ahead_slack"},
		{"余量过大", func(c *Config) { c.Network.RunAheadSlack = 101 }, "run_ahead_slack"},
		{"零余量", func(c *Config) { c.Network.RunAheadSlack = 0 }, ""},
		{"重试上限小于下限", func(c *Config) { c.Network.RetryMaxMs = 50 }, "retry_max_ms"},
		{"零断线时间", func(c *Config) { c.Network.DisconnectTimeMs = 0 }, "disconnect_time_ms"},
		{"零重发速率", func(c *Config) { c.Network.ResendRateLimit = 0 }, "resend_rate_limit"},
		{"玩家超时小于保活", func(c *Config) { c.Network.PlayerTimeoutMs = 100 }, "player_timeout_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			checkErr(t, err, tt.wantErr)
		})
	}
}

func TestTransportValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"udp", func(c *Config) { c.Transport.Kind = "udp" }, ""},
		{"websocket", func(c *Config) { c.Transport.Kind = "websocket" }, ""},
		{"未知类型", func(c *Config) { c.Transport.Kind = "faketcp" }, "transport.kind"},
		{"零端口", func(c *Config) { c.Transport.BasePort = 0 }, "base_port"},
		{"端口区间越界", func(c *Config) { c.Transport.BasePort = 65530 }, "base_port"},
		{"ws 路径", func(c *Config) {
			c.Transport.Kind = "websocket"
			c.Transport.WSPath = "lockstep"
		}, "ws_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			checkErr(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestPortConflictDetection(t *testing.T) {
	tests := []struct {
		name    string
		listen  string
		enabled bool
		wantErr string
	}{
		{"无冲突", ":9100", true, ""},
		{"与槽位0冲突", ":8088", true, "槽位 0"},
		{"与槽位7冲突", "127.0.0.1:8095", true, "槽位 7"},
		{"区间之外", ":8096", true, ""},
		{"未启用时不检查", ":8088", false, ""},
		{"格式错误", "abc", true, "metrics.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Metrics.Enabled = tt.enabled
			cfg.Metrics.Listen = tt.listen
			checkErr(t, cfg.Validate(), tt.wantErr)
		})
	}

	t.Run("路径相同", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Metrics.Enabled = true
		cfg.Metrics.HealthPath = "/metrics"
		checkErr(t, cfg.Validate(), "不能相同")
	})
	t.Run("会话路径冲突", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Metrics.Enabled = true
		cfg.Metrics.SessionPath = "/health"
		checkErr(t, cfg.Validate(), "metrics.session_path")
	})
	t.Run("会话路径缺少斜杠", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Metrics.Enabled = true
		cfg.Metrics.SessionPath = "session"
		checkErr(t, cfg.Validate(), "必须以 / 开头")
	})
}

func TestSessionValidation(t *testing.T) {
	players := func() []manager.Player {
		return []manager.Player{
			{Slot: 0, Name: "alice", Addr: "127.0.0.1:8088"},
			{Slot: 1, Name: "bob", Addr: "127.0.0.1:8089"},
		}
	}

	tests := []struct {
		name    string
		modify  func(*SessionConfig)
		wantErr string
	}{
		{"有效", func(s *SessionConfig) {}, ""},
		{"本地是槽位1", func(s *SessionConfig) { s.LocalSlot = 1 }, ""},
		{"本地不在表中", func(s *SessionConfig) { s.LocalSlot = 2 }, "local_slot"},
		{"本地槽位越界", func(s *SessionConfig) { s.LocalSlot = 8 }, "local_slot"},
		{"槽位越界", func(s *SessionConfig) { s.Players[1].Slot = 8 }, "超出范围"},
		{"槽位重复", func(s *SessionConfig) { s.Players[1].Slot = 0 }, "重复"},
		{"缺少名字", func(s *SessionConfig) { s.Players[1].Name = " " }, "名字"},
		{"缺少地址", func(s *SessionConfig) { s.Players[1].Addr = "" }, "地址"},
		{"地址相同", func(s *SessionConfig) { s.Players[1].Addr = "127.0.0.1:8088" }, "地址相同"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Session.Players = players()
			tt.modify(&cfg.Session)
			checkErr(t, cfg.Validate(), tt.wantErr)
		})
	}

	t.Run("玩家过多", func(t *testing.T) {
		cfg := DefaultConfig()
		for i := 0; i < 9; i++ {
			cfg.Session.Players = append(cfg.Session.Players, manager.Player{
				Slot: uint8(i), Name: "p", Addr: cfg.PeerAddr(uint8(i)),
			})
		}
		checkErr(t, cfg.Validate(), "上限")
	})
}

func TestSimulateValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SimulateConfig)
		wantErr string
	}{
		{"有效", func(s *SimulateConfig) {}, ""},
		{"一名玩家", func(s *SimulateConfig) { s.Players = 1 }, "simulate.players"},
		{"九名玩家", func(s *SimulateConfig) { s.Players = 9 }, "simulate.players"},
		{"零帧", func(s *SimulateConfig) { s.Frames = 0 }, "simulate.frames"},
		{"步长过大", func(s *SimulateConfig) { s.StepMs = 5000 }, "simulate.step_ms"},
		{"负消息间隔", func(s *SimulateConfig) { s.MessageEvery = -1 }, "message_every"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg.Simulate)
			checkErr(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func checkErr(t *testing.T, err error, want string) {
	t.Helper()
	if want == "" {
		if err != nil {
			t.Errorf("不应报错: %v", err)
		}
		return
	}
	if err == nil {
		t.Errorf("应报错且包含 %q", want)
		return
	}
	if !strings.Contains(err.Error(), want) {
		t.Errorf("错误信息应包含 %q: %v", want, err)
	}
}

// =============================================================================
// 同步测试
// =============================================================================

func TestConfigSync(t *testing.T) {
	t.Run("按槽位推导地址", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Transport.ListenHost = "0.0.0.0"
		cfg.Transport.BasePort = 9000
		cfg.Session.Players = []manager.Player{
			{Slot: 0, Name: "alice"},
			{Slot: 3, Name: "dave", Addr: "10.0.0.4:7000"},
		}
		cfg.syncRelatedConfig()

		if got := cfg.Session.Players[0].Addr; got != "127.0.0.1:9000" {
			t.Errorf("推导地址错误: got %s, want 127.0.0.1:9000", got)
		}
		if got := cfg.Session.Players[1].Addr; got != "10.0.0.4:7000" {
			t.Errorf("显式地址不应被覆盖: got %s", got)
		}
	})

	t.Run("规范化传输类型", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Transport.Kind = " WebSocket "
		cfg.Transport.WSPath = ""
		cfg.syncRelatedConfig()

		if cfg.Transport.Kind != TransportWebSocket {
			t.Errorf("Kind: got %q, want websocket", cfg.Transport.Kind)
		}
		if cfg.Transport.WSPath != "/lockstep" {
			t.Errorf("WSPath: got %q, want /lockstep", cfg.Transport.WSPath)
		}
	})

	t.Run("空传输类型取 udp", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Transport.Kind = ""
		cfg.syncRelatedConfig()
		if cfg.Transport.Kind != TransportUDP {
			t.Errorf("Kind: got %q, want udp", cfg.Transport.Kind)
		}
	})
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.ListenHost = "0.0.0.0"
	cfg.Transport.BasePort = 8000
	cfg.Session.LocalSlot = 2

	if got := cfg.ListenAddr(); got != "0.0.0.0:8002" {
		t.Errorf("ListenAddr: got %s, want 0.0.0.0:8002", got)
	}
	if got := cfg.PeerAddr(5); got != "127.0.0.1:8005" {
		t.Errorf("PeerAddr: got %s, want 127.0.0.1:8005", got)
	}

	cfg.Transport.ListenHost = "::1"
	if got := cfg.PeerAddr(1); got != "[::1]:8001" {
		t.Errorf("PeerAddr IPv6: got %s, want [::1]:8001", got)
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{":8088", 8088, false},
		{"127.0.0.1:9100", 9100, false},
		{"[::1]:9100", 9100, false},
		{"9100", 9100, false},
		{"abc", 0, true},
		{":abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parsePort(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parsePort(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parsePort(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

// =============================================================================
// 加载测试
// =============================================================================

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("创建临时配置文件失败: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("文件不存在", func(t *testing.T) {
		_, err := Load("/nonexistent/path/config.yaml")
		if err == nil {
			t.Error("加载不存在的文件应该报错")
		}
	})

	t.Run("有效配置文件", func(t *testing.T) {
		path := writeConfig(t, `
log:
  level: "debug"
network:
  disconnect_time_ms: 2000
transport:
  kind: "websocket"
  base_port: 7000
session:
  local_slot: 1
  players:
    - slot: 0
      name: "alice"
    - slot: 1
      name: "bob"
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("加载配置文件失败: %v", err)
		}

		if cfg.Log.Level != "debug" {
			t.Errorf("Log.Level: got %s, want debug", cfg.Log.Level)
		}
		if cfg.Network.DisconnectTimeMs != 2000 {
			t.Errorf("DisconnectTimeMs: got %d, want 2000", cfg.Network.DisconnectTimeMs)
		}
		// 未写的字段保留默认值
		if cfg.Network.PlayerTimeoutMs != 60000 {
			t.Errorf("PlayerTimeoutMs: got %d, want 60000", cfg.Network.PlayerTimeoutMs)
		}
		if cfg.Session.Players[1].Addr != "127.0.0.1:7001" {
			t.Errorf("推导地址错误: got %s", cfg.Session.Players[1].Addr)
		}
		p, ok := cfg.LocalPlayer()
		if !ok || p.Name != "bob" {
			t.Errorf("LocalPlayer: got %+v, %v", p, ok)
		}
		if cfg.ListenAddr() != "127.0.0.1:7001" {
			t.Errorf("ListenAddr: got %s", cfg.ListenAddr())
		}
	})

	t.Run("无效YAML格式", func(t *testing.T) {
		path := writeConfig(t, `
log:
  level: "info"
    invalid: indentation
`)
		if _, err := Load(path); err == nil {
			t.Error("解析无效YAML应该报错")
		}
	})

	t.Run("验证失败", func(t *testing.T) {
		path := writeConfig(t, `
transport:
  kind: "faketcp"
`)
		_, err := Load(path)
		if err == nil {
			t.Fatal("未知传输类型应该验证失败")
		}
		if !strings.Contains(err.Error(), "transport.kind") {
			t.Errorf("错误信息应包含 transport.kind: %v", err)
		}
	})
}

// =============================================================================
// 示例配置
// =============================================================================

func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("写入示例配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("示例配置应能加载: %v", err)
	}
	if len(cfg.Session.Players) != 2 {
		t.Errorf("示例玩家数: got %d, want 2", len(cfg.Session.Players))
	}

	def := DefaultConfig()
	if cfg.Network != def.Network {
		t.Errorf("示例网络参数应与默认值一致:\n got %+v\nwant %+v", cfg.Network, def.Network)
	}
	if cfg.Simulate != def.Simulate {
		t.Errorf("示例模拟参数应与默认值一致: got %+v, want %+v", cfg.Simulate, def.Simulate)
	}
}
