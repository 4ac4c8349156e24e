// =============================================================================
// 文件: internal/manager/session.go
// 描述: 会话上下文 - 配置、时钟、日志、命令 ID、模拟层协作者与指标出口
// =============================================================================
package manager

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mrcgq/lockstep/internal/clock"
	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/connection"
	"github.com/mrcgq/lockstep/internal/logging"
	"github.com/mrcgq/lockstep/internal/telemetry"
)

// =============================================================================
// 配置
// =============================================================================

// Config 网络时序参数
type Config struct {
	Metrics    telemetry.Config
	Connection connection.Config

	// RunAheadMetricsInterval 提前量统计上报/计算周期
	RunAheadMetricsInterval time.Duration
	// RunAheadSlack 提前量余量百分比
	RunAheadSlack int
	// FPSLimit 帧率上限
	FPSLimit int

	// KeepAliveInterval 轮流向各槽位发送保活的间隔
	KeepAliveInterval time.Duration

	// DisconnectTime 帧停滞多久后进入断线界面
	DisconnectTime time.Duration
	// PlayerTimeout 断线界面中玩家超时时间
	PlayerTimeout time.Duration
	// DisconnectScreenNotifyTime 断线界面打开多久后广播当前帧
	DisconnectScreenNotifyTime time.Duration
	// DisconnectKeepAliveInterval 断线界面中的保活间隔
	DisconnectKeepAliveInterval time.Duration

	// StallResendTime 帧停滞多久后请求重发
	StallResendTime time.Duration
	// ResendRateLimit 每秒最多发出的重发请求数
	ResendRateLimit float64
	// ResendBurst 重发请求突发上限
	ResendBurst int

	// FileDir 接收文件的存放目录
	FileDir string
	// MaxFileSize 可发送文件的大小上限
	MaxFileSize int64
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		Metrics:                     telemetry.DefaultConfig(),
		Connection:                  connection.DefaultConfig(),
		RunAheadMetricsInterval:     500 * time.Millisecond,
		RunAheadSlack:               10,
		FPSLimit:                    30,
		KeepAliveInterval:           time.Second,
		DisconnectTime:              5 * time.Second,
		PlayerTimeout:               60 * time.Second,
		DisconnectScreenNotifyTime:  15 * time.Second,
		DisconnectKeepAliveInterval: 500 * time.Millisecond,
		StallResendTime:             time.Second,
		ResendRateLimit:             4,
		ResendBurst:                 2,
		FileDir:                     "maps",
		MaxFileSize:                 4 << 20,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.RunAheadMetricsInterval <= 0 {
		c.RunAheadMetricsInterval = d.RunAheadMetricsInterval
	}
	if c.RunAheadSlack < 0 {
		c.RunAheadSlack = d.RunAheadSlack
	}
	if c.FPSLimit <= 0 {
		c.FPSLimit = d.FPSLimit
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.DisconnectTime <= 0 {
		c.DisconnectTime = d.DisconnectTime
	}
	if c.PlayerTimeout <= 0 {
		c.PlayerTimeout = d.PlayerTimeout
	}
	if c.DisconnectScreenNotifyTime <= 0 {
		c.DisconnectScreenNotifyTime = d.DisconnectScreenNotifyTime
	}
	if c.DisconnectKeepAliveInterval <= 0 {
		c.DisconnectKeepAliveInterval = d.DisconnectKeepAliveInterval
	}
	if c.StallResendTime <= 0 {
		c.StallResendTime = d.StallResendTime
	}
	if c.ResendRateLimit <= 0 {
		c.ResendRateLimit = d.ResendRateLimit
	}
	if c.ResendBurst <= 0 {
		c.ResendBurst = d.ResendBurst
	}
	if c.FileDir == "" {
		c.FileDir = d.FileDir
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
}

// =============================================================================
// 协作者
// =============================================================================

// GameLogic 模拟层，只提供当前逻辑帧
type GameLogic interface {
	Frame() uint32
}

// Scheduler 提供本地命令的执行帧，由驱动层实现
type Scheduler interface {
	ExecutionFrame() uint32
}

// Listener 需要上报给模拟层/界面的事件
type Listener interface {
	OnChat(from uint8, name, text string, playerMask int32)
	OnDisconnectChat(from uint8, name, text string)
	OnProgress(slot uint8, percentage uint8)
	OnLoadComplete(slot uint8)
	OnTimeOutGameStart(slot uint8)
	OnFileReceived(from uint8, path string)
	OnPlayerDisconnected(slot uint8, code PlayerLeaveCode)
	OnDisconnectScreen(on bool)
	OnDestroyPlayer(slot uint8, frame uint32)
}

// NopListener 忽略所有事件，可嵌入只关心部分事件的实现
type NopListener struct{}

func (NopListener) OnChat(uint8, string, string, int32)         {}
func (NopListener) OnDisconnectChat(uint8, string, string)      {}
func (NopListener) OnProgress(uint8, uint8)                     {}
func (NopListener) OnLoadComplete(uint8)                        {}
func (NopListener) OnTimeOutGameStart(uint8)                    {}
func (NopListener) OnFileReceived(uint8, string)                {}
func (NopListener) OnPlayerDisconnected(uint8, PlayerLeaveCode) {}
func (NopListener) OnDisconnectScreen(bool)                     {}
func (NopListener) OnDestroyPlayer(uint8, uint32)               {}

// MetricsSink 指标出口
type MetricsSink interface {
	CommandReceived(t command.Type)
	CommandRelayed(t command.Type)
	DuplicateDropped(t command.Type)
	FrameResendRequested(slot uint8)
	FrameDesync(slot uint8)
	RunAheadSent(runAhead, frameRate int)
	PlayerDisconnected(slot uint8)
}

// NopMetrics 不记录任何指标
type NopMetrics struct{}

func (NopMetrics) CommandReceived(command.Type)  {}
func (NopMetrics) CommandRelayed(command.Type)   {}
func (NopMetrics) DuplicateDropped(command.Type) {}
func (NopMetrics) FrameResendRequested(uint8)    {}
func (NopMetrics) FrameDesync(uint8)             {}
func (NopMetrics) RunAheadSent(int, int)         {}
func (NopMetrics) PlayerDisconnected(uint8)      {}

// =============================================================================
// Session
// =============================================================================

// Session 一局游戏的上下文，会话开始时构造并传给每个组件
type Session struct {
	Config   Config
	Clock    clock.Clock
	Log      zerolog.Logger
	IDs      *command.IDGenerator
	Logic    GameLogic
	Listener Listener
	Metrics  MetricsSink

	// resendLimiter 重发请求节流，按会话共享
	resendLimiter *rate.Limiter
}

// NewSession 创建会话，其余协作者取默认实现
func NewSession(cfg Config, logic GameLogic) *Session {
	s := &Session{
		Config: cfg,
		Clock:  clock.System{},
		Log:    logging.Component("manager"),
		Logic:  logic,
	}
	s.normalize()
	return s
}

func (s *Session) normalize() {
	s.Config.normalize()
	if s.Clock == nil {
		s.Clock = clock.System{}
	}
	if s.IDs == nil {
		s.IDs = command.NewIDGenerator()
	}
	if s.Listener == nil {
		s.Listener = NopListener{}
	}
	if s.Metrics == nil {
		s.Metrics = NopMetrics{}
	}
	if s.resendLimiter == nil {
		s.resendLimiter = rate.NewLimiter(rate.Limit(s.Config.ResendRateLimit), s.Config.ResendBurst)
	}
}
