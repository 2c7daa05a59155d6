package collectors

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"
	goprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/aegis-siem/aegis/internal/models"
)

// System call wrappers for testing
var (
	cpuPercent    = gocpu.PercentWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
	diskUsage     = godisk.UsageWithContext
	netIOCounters = gonet.IOCountersWithContext
	processPids   = goprocess.PidsWithContext
)

// MetricsCollector samples host resource gauges on a fixed interval. When a
// sub-read fails the previous value is carried forward so the downstream CPU
// rule sees a continuous window instead of a gap.
type MetricsCollector struct {
	meta     Meta
	interval time.Duration
	rootPath string

	last models.MetricSample
}

// NewMetricsCollector builds the metrics collector. interval <= 0 takes the
// 60s default.
func NewMetricsCollector(meta Meta, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &MetricsCollector{
		meta:     meta,
		interval: interval,
		rootPath: "/",
	}
}

func (c *MetricsCollector) Name() string { return "metrics" }

// Run emits one sample immediately, then one per interval until cancelled.
func (c *MetricsCollector) Run(ctx context.Context, sink Sink) error {
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

func (c *MetricsCollector) emit(ctx context.Context, sink Sink) {
	sample := c.collect(ctx)
	if err := sink.Metric(sample); err != nil {
		log.Error().Err(err).Msg("Failed to sink metric sample")
	}
}

// collect reads each gauge group independently; failed reads reuse the last
// known values for that group.
func (c *MetricsCollector) collect(ctx context.Context) models.MetricSample {
	collectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sample := models.MetricSample{
		Timestamp: time.Now().UTC(),
		AgentID:   c.meta.AgentID,
		CPU:       copyGauges(c.last.CPU),
		Memory:    copyGauges(c.last.Memory),
		Disk:      copyGauges(c.last.Disk),
		Network:   copyGauges(c.last.Network),
		Process:   copyGauges(c.last.Process),
	}

	// The CPU read is the only busy sample; everything else is a point read.
	if percentages, err := cpuPercent(collectCtx, time.Second, false); err == nil && len(percentages) > 0 {
		usage := percentages[0]
		if usage < 0 {
			usage = 0
		}
		if usage > 100 {
			usage = 100
		}
		sample.CPU["cpu_percent"] = usage
	} else if err != nil {
		log.Warn().Err(err).Msg("CPU sample failed; carrying last value")
	}

	if memStats, err := virtualMemory(collectCtx); err == nil {
		sample.Memory["memory_percent"] = memStats.UsedPercent
		sample.Memory["memory_used"] = float64(memStats.Used)
		sample.Memory["memory_total"] = float64(memStats.Total)
	} else {
		log.Warn().Err(err).Msg("Memory sample failed; carrying last value")
	}

	if usage, err := diskUsage(collectCtx, c.rootPath); err == nil && usage.Total > 0 {
		sample.Disk["disk_percent"] = usage.UsedPercent
		sample.Disk["disk_used"] = float64(usage.Used)
		sample.Disk["disk_total"] = float64(usage.Total)
	} else if err != nil {
		log.Warn().Err(err).Msg("Disk sample failed; carrying last value")
	}

	if counters, err := netIOCounters(collectCtx, false); err == nil && len(counters) > 0 {
		sample.Network["bytes_sent"] = float64(counters[0].BytesSent)
		sample.Network["bytes_recv"] = float64(counters[0].BytesRecv)
	} else if err != nil {
		log.Warn().Err(err).Msg("Network sample failed; carrying last value")
	}

	if pids, err := processPids(collectCtx); err == nil {
		sample.Process["process_count"] = float64(len(pids))
	} else {
		log.Warn().Err(err).Msg("Process count failed; carrying last value")
	}

	c.last = sample
	return sample
}

func copyGauges(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
