package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/avatarcore/internal/daemon"
	"github.com/harun/avatarcore/pkg/gateway"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show whether the avatarcore daemon is running. When admin endpoints are
enabled the live session, memory and worker figures are shown too.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	client, err := newAdminClient(cfg)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	var stats gateway.StatsResponse
	if err := client.do(ctx, "GET", "/admin/stats", &stats); err != nil {
		fmt.Fprintf(out, "Stats: unavailable (%v)\n", err)
		return nil
	}
	printStats(out, stats)
	return nil
}

func printStats(out io.Writer, stats gateway.StatsResponse) {
	fmt.Fprintf(out, "Sessions: %d (%d processing)\n", stats.Sessions.Sessions, stats.Sessions.Processing)
	fmt.Fprintf(out, "Connections: %d\n", stats.Connections)
	if stats.Sessions.MemoryProbeOK {
		fmt.Fprintf(out, "Memory: %s of %s (%.0f%%)\n",
			formatBytes(stats.Sessions.MemoryBytes), formatBytes(stats.Sessions.CeilingBytes), stats.Sessions.MemoryRatio*100)
	} else {
		fmt.Fprintln(out, "Memory: unknown")
	}
	fmt.Fprintf(out, "Workers: %d/%d running, %d queued\n", stats.Workers.Running, stats.Workers.Limit, stats.Workers.Queued)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
