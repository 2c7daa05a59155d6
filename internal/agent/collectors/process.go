package collectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	gonet "github.com/shirou/gopsutil/v4/net"
	goprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/aegis-siem/aegis/internal/models"
)

// maxConnectionDetails caps the per-process connection list.
const maxConnectionDetails = 10

var processList = goprocess.ProcessesWithContext

// ProcessCollector emits a full snapshot of the process table every tick.
// Processes that refuse inspection (permissions, races with exit) are
// skipped, not errors.
type ProcessCollector struct {
	meta     Meta
	interval time.Duration
}

// NewProcessCollector builds the process collector. interval <= 0 takes the
// 60s default.
func NewProcessCollector(meta Meta, interval time.Duration) *ProcessCollector {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &ProcessCollector{meta: meta, interval: interval}
}

func (c *ProcessCollector) Name() string { return "process" }

// Run emits one snapshot immediately, then one per interval until cancelled.
func (c *ProcessCollector) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.emit(ctx, sink)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.emit(ctx, sink)
		}
	}
}

func (c *ProcessCollector) emit(ctx context.Context, sink Sink) {
	snaps, err := c.collect(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Process snapshot failed")
		return
	}
	if len(snaps) == 0 {
		return
	}
	if err := sink.Processes(snaps); err != nil {
		log.Error().Err(err).Msg("Failed to sink process snapshot")
	}
}

func (c *ProcessCollector) collect(ctx context.Context) ([]models.ProcessSnapshot, error) {
	collectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	procs, err := processList(collectCtx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	collectedAt := time.Now().UTC()
	snaps := make([]models.ProcessSnapshot, 0, len(procs))

	for _, p := range procs {
		name, err := p.NameWithContext(collectCtx)
		if err != nil {
			// Inaccessible or already gone.
			continue
		}

		snap := models.ProcessSnapshot{
			CollectedAt: collectedAt,
			AgentID:     c.meta.AgentID,
			PID:         p.Pid,
			Name:        name,
		}

		if ppid, err := p.PpidWithContext(collectCtx); err == nil {
			snap.PPID = ppid
		}
		if username, err := p.UsernameWithContext(collectCtx); err == nil {
			snap.Username = username
		}
		if status, err := p.StatusWithContext(collectCtx); err == nil {
			snap.Status = strings.Join(status, ",")
		}
		if cmdline, err := p.CmdlineWithContext(collectCtx); err == nil {
			snap.Cmdline = cmdline
		}
		if exe, err := p.ExeWithContext(collectCtx); err == nil {
			snap.Exe = exe
		}
		if cpu, err := p.CPUPercentWithContext(collectCtx); err == nil {
			snap.CPUPercent = cpu
		}
		if memPercent, err := p.MemoryPercentWithContext(collectCtx); err == nil {
			snap.MemoryPercent = float64(memPercent)
		}
		if memInfo, err := p.MemoryInfoWithContext(collectCtx); err == nil && memInfo != nil {
			snap.MemoryRSS = memInfo.RSS
			snap.MemoryVMS = memInfo.VMS
		}
		if threads, err := p.NumThreadsWithContext(collectCtx); err == nil {
			snap.NumThreads = threads
		}
		if fds, err := p.NumFDsWithContext(collectCtx); err == nil {
			snap.NumFDs = fds
		}
		if conns, err := p.ConnectionsWithContext(collectCtx); err == nil {
			snap.NumConnections = len(conns)
			snap.ConnectionDetails = connectionDetails(conns)
		}

		snaps = append(snaps, snap)
	}

	return snaps, nil
}

func connectionDetails(conns []gonet.ConnectionStat) []string {
	if len(conns) == 0 {
		return nil
	}
	limit := len(conns)
	if limit > maxConnectionDetails {
		limit = maxConnectionDetails
	}

	details := make([]string, 0, limit)
	for _, conn := range conns[:limit] {
		details = append(details, fmt.Sprintf("%s:%d -> %s:%d (%s)",
			conn.Laddr.IP, conn.Laddr.Port, conn.Raddr.IP, conn.Raddr.Port, conn.Status))
	}
	return details
}
