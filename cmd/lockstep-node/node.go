// =============================================================================
// 文件: cmd/lockstep-node/node.go
// 描述: 单节点运行 - 创建传输层、驱动游戏循环、收到信号后离开对局
// =============================================================================
package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/config"
	"github.com/mrcgq/lockstep/internal/logging"
	"github.com/mrcgq/lockstep/internal/manager"
	"github.com/mrcgq/lockstep/internal/metrics"
	"github.com/mrcgq/lockstep/internal/network"
	"github.com/mrcgq/lockstep/internal/transport"
)

const (
	loopInterval = 5 * time.Millisecond
	leaveTimeout = 10 * time.Second
	// 健康检查: 超过该时间没有执行新帧视为卡顿
	stallThreshold = 5 * time.Second
)

// frameCounter 最小的模拟层: 只维护逻辑帧
type frameCounter struct {
	frame uint32
}

func (f *frameCounter) Frame() uint32 { return f.frame }

// nodeListener 把模拟层事件写入日志
type nodeListener struct {
	manager.NopListener
	log zerolog.Logger
}

func (l *nodeListener) OnChat(from uint8, name, text string, mask int32) {
	l.log.Info().Uint8("from", from).Str("name", name).Int32("mask", mask).Msg(text)
}

func (l *nodeListener) OnDisconnectChat(from uint8, name, text string) {
	l.log.Info().Uint8("from", from).Str("name", name).Bool("disconnect_screen", true).Msg(text)
}

func (l *nodeListener) OnFileReceived(from uint8, path string) {
	l.log.Info().Uint8("from", from).Str("path", path).Msg("收到文件")
}

func (l *nodeListener) OnPlayerDisconnected(slot uint8, code manager.PlayerLeaveCode) {
	l.log.Warn().Uint8("slot", slot).Stringer("code", code).Msg("玩家断开")
}

func (l *nodeListener) OnDisconnectScreen(on bool) {
	l.log.Warn().Bool("on", on).Msg("断线界面")
}

func (l *nodeListener) OnDestroyPlayer(slot uint8, f uint32) {
	l.log.Warn().Uint8("slot", slot).Uint32("frame", f).Msg("移除玩家")
}

func openTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		local, _ := cfg.LocalPlayer()
		return transport.NewWebSocketTransport(ctx, transport.WebSocketConfig{
			ListenAddr:       cfg.ListenAddr(),
			Path:             cfg.Transport.WSPath,
			AdvertiseAddr:    local.Addr,
			HandshakeTimeout: time.Duration(cfg.Transport.HandshakeTimeoutMs) * time.Millisecond,
		}, logging.Component("websocket"))
	default:
		return transport.NewUDPTransport(ctx, cfg.ListenAddr(), logging.Component("udp"))
	}
}

// runNode 加入配置中的对局，执行到 maxFrames 或收到信号后离开
func runNode(ctx context.Context, cfg *config.Config, maxFrames int,
	sink *metrics.NetMetrics, ms *metrics.MetricsServer, loop *metrics.LoopMetrics) error {

	if len(cfg.Session.Players) < 2 {
		return fmt.Errorf("session.players 至少需要 2 名玩家")
	}
	localSlot := uint8(cfg.Session.LocalSlot)
	log := logging.ForSlot("node", localSlot)

	tr, err := openTransport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("创建传输层: %w", err)
	}
	defer tr.Close()

	logic := &frameCounter{}
	s := manager.NewSession(cfg.ManagerConfig(), logic)
	s.Log = logging.ForSlot("manager", localSlot)
	s.Listener = &nodeListener{log: logging.ForSlot("game", localSlot)}
	if sink != nil {
		s.Metrics = sink
	}

	n := network.New(s)
	if err := n.Start(tr, cfg.Session.Players, localSlot); err != nil {
		return fmt.Errorf("开局失败: %w", err)
	}

	// 状态由驱动线程写入，HTTP 探针只读这份副本
	var status atomic.Int32
	status.Store(int32(n.Status()))
	if ms != nil {
		ms.AttachSession(n.Manager())
		ms.SetHealthCheck(func() metrics.HealthStatus {
			return nodeHealth(n.Manager(), network.Status(status.Load()), loop)
		})
		ms.SetReadiness(func() bool {
			return network.Status(status.Load()) == network.StatusInGame
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gameLoop(gctx, n, logic, cfg.Simulate.MessageEvery, maxFrames, loop, &status, log)
	})
	err = g.Wait()
	if ms != nil {
		ms.SetAlive(false)
	}

	printSummary(n.Manager().Snapshot(), loop)
	return err
}

// gameLoop 驱动循环直到进入 POSTGAME
// ctx 结束或到达 maxFrames 后请求离开，离开超时则直接退出
func gameLoop(ctx context.Context, n *network.Network, logic *frameCounter, every, maxFrames int,
	loop *metrics.LoopMetrics, status *atomic.Int32, log zerolog.Logger) error {

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	done := ctx.Done()
	var leaveDeadline <-chan time.Time
	leave := func(reason string) {
		if leaveDeadline != nil {
			return
		}
		log.Info().Uint32("frame", logic.frame).Str("reason", reason).Msg("离开对局")
		n.LeaveGame()
		leaveDeadline = time.After(leaveTimeout)
	}

	for {
		select {
		case <-done:
			done = nil
			leave("signal")
		case <-leaveDeadline:
			log.Warn().Stringer("status", n.Status()).Msg("离开超时，直接退出")
			n.QuitGame()
			return ctx.Err()
		case <-ticker.C:
		}

		n.Update()
		loop.IncUpdates()
		status.Store(int32(n.Status()))

		if n.Status() == network.StatusPostgame {
			return ctx.Err()
		}
		if !n.IsFrameDataReady() {
			continue
		}

		f := logic.frame
		msgs := n.TakeFrameCommands()
		for _, msg := range msgs {
			log.Debug().
				Uint32("frame", f).
				Uint8("player", msg.PlayerID).
				Uint32("type", msg.Type).
				Int("args", len(msg.Args)).
				Msg("执行消息")
		}
		logic.frame++
		loop.FrameExecuted(len(msgs))
		loop.RecordRunAhead(logic.frame, n.RunAhead(), n.FrameRate())

		if maxFrames > 0 && int(logic.frame) >= maxFrames {
			leave("frames")
		}
		if every > 0 && int(logic.frame)%every == 0 && n.Status() == network.StatusInGame {
			n.QueueGameMessage(command.GameMessage{
				Type: 1,
				Args: []command.Arg{command.IntArg(int32(logic.frame))},
			})
		}
	}
}

// nodeHealth 帧停滞或断线界面打开时降级，离开对局后不健康
func nodeHealth(cm *manager.ConnectionManager, st network.Status, loop *metrics.LoopMetrics) metrics.HealthStatus {
	snap := cm.Snapshot()
	status := metrics.HealthStatus{
		Status:     metrics.HealthHealthy,
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime),
		Frame:      uint32(loop.GetFramesExecuted()),
		Components: make(map[string]metrics.ComponentHealth),
	}
	degrade := func(name, msg string) {
		if status.Status == metrics.HealthHealthy {
			status.Status = metrics.HealthDegraded
		}
		status.Components[name] = metrics.ComponentHealth{Status: metrics.HealthDegraded, Message: msg}
	}

	switch st {
	case network.StatusLeft, network.StatusPostgame:
		status.Status = metrics.HealthUnhealthy
		status.Components["game"] = metrics.ComponentHealth{Status: metrics.HealthUnhealthy, Message: st.String()}
	default:
		status.Components["game"] = metrics.ComponentHealth{Status: metrics.HealthHealthy, Message: st.String()}
	}

	if since := loop.SinceLastFrame(); since > stallThreshold && st == network.StatusInGame {
		degrade("frames", fmt.Sprintf("no frame for %s", since.Truncate(time.Millisecond)))
	} else {
		status.Components["frames"] = metrics.ComponentHealth{
			Status:  metrics.HealthHealthy,
			Message: fmt.Sprintf("executed: %d", loop.GetFramesExecuted()),
		}
	}

	if snap.ScreenOn {
		degrade("session", "disconnect screen on")
	} else {
		status.Components["session"] = metrics.ComponentHealth{
			Status:  metrics.HealthHealthy,
			Message: fmt.Sprintf("players: %d, router: %d", snap.NumPlayers, snap.RouterSlot),
		}
	}
	return status
}
