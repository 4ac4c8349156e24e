// =============================================================================
// 文件: cmd/lockstep-node/main.go
// 描述: 主程序入口 - 单节点对局或进程内多节点模拟，集成 Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mrcgq/lockstep/internal/config"
	"github.com/mrcgq/lockstep/internal/frame"
	"github.com/mrcgq/lockstep/internal/logging"
	"github.com/mrcgq/lockstep/internal/metrics"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	simulate := flag.Int("simulate", 0, "进程内模拟 N 个节点 (0 表示按配置加入对局)")
	frames := flag.Int("frames", 0, "执行到该帧后离开 (0 表示使用配置或一直运行)")
	slot := flag.Int("slot", -1, "覆盖本地槽位")
	logLevel := flag.String("log-level", "", "覆盖日志级别: debug, info, warn, error")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	// 加载配置: 模拟模式下配置文件可以不存在
	cfg, err := config.Load(*configPath)
	if err != nil {
		if *simulate == 0 || !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}

	// 命令行覆盖
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *slot >= 0 {
		cfg.Session.LocalSlot = *slot
	}
	if *simulate > 0 {
		cfg.Simulate.Players = *simulate
	}
	if *frames > 0 {
		cfg.Simulate.Frames = *frames
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("正在关闭...")
			cancel()
		case <-ctx.Done():
		}
	}()

	// 创建 Metrics 服务器
	var metricsServer *metrics.MetricsServer
	var netMetrics *metrics.NetMetrics
	loopMetrics := metrics.NewLoopMetrics()

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(metrics.ServerOptions{
			Listen:      cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  cfg.Metrics.HealthPath,
			SessionPath: cfg.Metrics.SessionPath,
			EnablePprof: cfg.Metrics.EnablePprof,
		})
		netMetrics = metrics.NewNetMetrics(metricsServer.Registry())
		if err := metricsServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics 启动失败")
			metricsServer = nil
		}
	}

	printBanner(cfg, *simulate > 0, metricsServer)

	var runErr error
	if *simulate > 0 {
		runErr = runSimulation(ctx, cfg, netMetrics, metricsServer, loopMetrics)
	} else {
		runErr = runNode(ctx, cfg, *frames, netMetrics, metricsServer, loopMetrics)
	}

	if metricsServer != nil {
		metricsServer.Stop()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("运行失败")
		os.Exit(1)
	}
	log.Info().
		Uint64("frames", loopMetrics.GetFramesExecuted()).
		Uint64("messages", loopMetrics.GetMessagesTaken()).
		Dur("uptime", time.Since(startTime)).
		Msg("已退出")
}

func printVersion() {
	fmt.Printf("lockstep-node v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("帧参数:")
	fmt.Printf("  - 帧数据环:   %d 帧\n", frame.DataLength)
	fmt.Printf("  - 最大提前量: %d 帧\n", frame.MaxFramesAhead)
	fmt.Printf("  - 最小提前量: %d 帧\n", frame.MinRunAhead)
	fmt.Println()
	fmt.Println("传输:")
	fmt.Println("  - udp       : 原生 UDP 数据报")
	fmt.Println("  - websocket : 数据报承载于 WebSocket 二进制消息")
}

func printBanner(cfg *config.Config, simulate bool, ms *metrics.MetricsServer) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  lockstep-node v%-45s║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	if simulate {
		fmt.Printf("║  模式: 进程内模拟 %-43s║\n", fmt.Sprintf("%d 节点 / %d 帧", cfg.Simulate.Players, cfg.Simulate.Frames))
	} else {
		fmt.Printf("║  模式: %-54s║\n", cfg.Transport.Kind)
		fmt.Printf("║  监听: %-54s║\n", cfg.ListenAddr())
		fmt.Printf("║  本地槽位: %-50d║\n", cfg.Session.LocalSlot)
		fmt.Printf("║  玩家数: %-52d║\n", len(cfg.Session.Players))
	}
	if ms != nil {
		fmt.Printf("║  指标: %-54s║\n", ms.Addr()+cfg.Metrics.Path)
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}
