// =============================================================================
// 文件: cmd/lockstep-node/simulate.go
// 描述: 进程内多节点模拟 - 共享手动时钟，结束后校验各节点执行日志一致
// =============================================================================
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mrcgq/lockstep/internal/config"
	"github.com/mrcgq/lockstep/internal/logging"
	"github.com/mrcgq/lockstep/internal/metrics"
	"github.com/mrcgq/lockstep/internal/network"
)

// 每批推进的步数，批间检查 ctx
const simBatch = 200

func runSimulation(ctx context.Context, cfg *config.Config,
	sink *metrics.NetMetrics, ms *metrics.MetricsServer, loop *metrics.LoopMetrics) error {

	log := logging.Component("sim")
	simCfg := network.SimConfig{
		Players:      cfg.Simulate.Players,
		Frames:       uint32(cfg.Simulate.Frames),
		Step:         time.Duration(cfg.Simulate.StepMs) * time.Millisecond,
		MessageEvery: uint32(cfg.Simulate.MessageEvery),
		Manager:      cfg.ManagerConfig(),
		Log:          logging.Component("sim-node"),
	}
	if sink != nil {
		simCfg.Metrics = sink
	}

	sim, err := network.NewSimulator(simCfg)
	if err != nil {
		return err
	}
	defer sim.Close()

	// 节点 0 即初始包路由器
	if ms != nil {
		ms.AttachSession(sim.Nodes()[0].Net.Manager())
	}

	begin := time.Now()
	nodes := sim.Nodes()
	lastFrame := nodes[0].Frame()
	for remaining := cfg.Simulate.MaxSteps; ; remaining -= simBatch {
		if remaining <= 0 {
			return fmt.Errorf("%w: %d", network.ErrStepLimit, cfg.Simulate.MaxSteps)
		}
		batch := simBatch
		if remaining < batch {
			batch = remaining
		}
		err := sim.Run(ctx, batch)
		trackFrames(nodes[0], &lastFrame, loop)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	log.Info().
		Int("players", len(nodes)).
		Uint32("frames", simCfg.Frames).
		Int("steps", sim.Steps()).
		Dur("simulated", time.Duration(sim.Steps())*simCfg.Step).
		Dur("wall", time.Since(begin)).
		Msg("模拟完成")

	printSimSummary(nodes)
	return verifyJournals(nodes)
}

// trackFrames 按节点 0 的进度更新循环统计
func trackFrames(nd *network.Node, last *uint32, loop *metrics.LoopMetrics) {
	for f := *last; f < nd.Frame(); f++ {
		loop.FrameExecuted(0)
	}
	*last = nd.Frame()
	loop.IncUpdates()
	loop.RecordRunAhead(nd.Frame(), nd.Net.RunAhead(), nd.Net.FrameRate())
}

// verifyJournals 各节点按相同顺序执行了相同的命令
func verifyJournals(nodes []*network.Node) error {
	want := nodes[0].Journal()
	for _, nd := range nodes[1:] {
		got := nd.Journal()
		if len(got) != len(want) {
			return fmt.Errorf("节点 %d 执行日志长度 %d，节点 0 为 %d", nd.Slot, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				return fmt.Errorf("节点 %d 第 %d 条执行日志不一致: %q != %q", nd.Slot, i, got[i], want[i])
			}
		}
	}
	return nil
}
