// =============================================================================
// 文件: cmd/lockstep-node/summary.go
// 描述: 退出汇总 - 按槽位输出连接统计表
// =============================================================================
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/mrcgq/lockstep/internal/manager"
	"github.com/mrcgq/lockstep/internal/metrics"
	"github.com/mrcgq/lockstep/internal/network"
)

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func fpsCell(fps int) string {
	if fps < 0 {
		return "-"
	}
	return strconv.Itoa(fps)
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	return table
}

// slotRows 每个槽位一行
func slotRows(st *manager.Stats) [][]string {
	rows := make([][]string, 0, len(st.Slots))
	for _, s := range st.Slots {
		name := s.Name
		if s.Local {
			name += " *"
		}
		if int(s.Slot) == st.RouterSlot {
			name += " (router)"
		}
		row := []string{
			strconv.Itoa(int(s.Slot)),
			name,
			yesNo(s.Connected),
			fpsCell(s.AverageFPS),
			fmt.Sprintf("%.0f", s.Latency*1000),
		}
		if s.Local {
			row = append(row, "-", "-", "-", "-", "-")
		} else {
			c := s.Connection
			row = append(row,
				strconv.Itoa(s.QueueLen),
				strconv.FormatUint(c.PacketsSent, 10),
				strconv.FormatUint(c.CommandsSent, 10),
				strconv.FormatUint(c.Retries, 10),
				strconv.FormatUint(c.AcksReceived, 10),
			)
		}
		rows = append(rows, row)
	}
	return rows
}

// printSummary 单节点退出汇总
func printSummary(st *manager.Stats, loop *metrics.LoopMetrics) {
	fmt.Println()
	table := newTable([]string{"Slot", "Name", "Connected", "FPS", "Latency(ms)", "Queue", "Packets", "Commands", "Retries", "Acks"})
	table.AppendBulk(slotRows(st))
	table.Render()

	t := st.Transport
	fmt.Printf("帧: %d  消息: %d  提前量变化: %d  运行: %s\n",
		loop.GetFramesExecuted(), loop.GetMessagesTaken(), loop.GetRunAheadChanges(), loop.GetUptime().Truncate(time.Millisecond))
	fmt.Printf("命令: 收 %d / 转发 %d / 重复 %d  重发请求: %d  帧不一致: %d  断开: %d\n",
		st.CommandsReceived, st.CommandsRelayed, st.Duplicates, st.ResendRequests, st.Desyncs, st.Disconnects)
	fmt.Printf("传输: 收 %d 包 %d 字节 / 发 %d 包 %d 字节  未知: %d  校验失败: %d\n",
		t.PacketsRecv, t.BytesRecv, t.PacketsSent, t.BytesSent, t.UnknownPackets, t.BadCRC)

	if h := loop.GetRunAheadHistory(5); len(h) > 0 {
		parts := make([]string, 0, len(h))
		for _, r := range h {
			parts = append(parts, fmt.Sprintf("f%d=%d@%dfps", r.Frame, r.RunAhead, r.FrameRate))
		}
		fmt.Printf("最近提前量: %s\n", strings.Join(parts, ", "))
	}
}

// printSimSummary 模拟结束后每个节点一行
func printSimSummary(nodes []*network.Node) {
	fmt.Println()
	table := newTable([]string{"Node", "Status", "Frame", "Journal", "Players", "Router", "RunAhead", "FPS", "Retries", "Destroyed", "Screens"})
	for _, nd := range nodes {
		st := nd.Net.Manager().Snapshot()
		var retries uint64
		for _, s := range st.Slots {
			retries += s.Connection.Retries
		}
		destroyed := make([]string, 0, len(nd.Destroyed()))
		for _, slot := range nd.Destroyed() {
			destroyed = append(destroyed, strconv.Itoa(int(slot)))
		}
		table.Append([]string{
			strconv.Itoa(int(nd.Slot)),
			nd.Net.Status().String(),
			strconv.FormatUint(uint64(nd.Frame()), 10),
			strconv.Itoa(len(nd.Journal())),
			strconv.Itoa(st.NumPlayers),
			strconv.Itoa(st.RouterSlot),
			fmt.Sprintf("%d@%d", nd.Net.RunAhead(), nd.Net.FrameRate()),
			fpsCell(st.AverageFPS),
			strconv.FormatUint(retries, 10),
			strings.Join(destroyed, ","),
			strconv.Itoa(nd.DisconnectScreens()),
		})
	}
	table.Render()
}
