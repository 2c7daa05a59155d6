package store

import (
	"context"
	"time"

	"github.com/aegis-siem/aegis/internal/errors"
)

// DeviceActivity is the per-device telemetry aggregate consumed by the
// anomaly scorer. Values are averages or counts over the feature window;
// absent telemetry yields zeros rather than errors.
type DeviceActivity struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskPercent      float64
	NetworkMBSent    float64
	NetworkMBRecv    float64
	ProcessCount     float64
	MaxProcessCPU    float64
	MaxProcessMemory float64
	CommandCount     float64
	SudoCount        float64
	LogCount         float64
	ErrorCount       float64
}

// DeviceActivitySince aggregates one agent's telemetry from the cutoff to
// now in a single round trip. Every aggregate is coalesced to zero so a
// silent stream never fails the whole extraction.
func (s *Store) DeviceActivitySince(ctx context.Context, agentID string, since time.Time) (*DeviceActivity, error) {
	const op = "store.device_activity"

	var a DeviceActivity
	err := s.queryRow(ctx, `
		SELECT
			COALESCE((SELECT AVG((m.cpu->>'cpu_percent')::double precision)
				FROM metrics m WHERE m.agent_id = $1 AND m.timestamp >= $2), 0),
			COALESCE((SELECT AVG((m.memory->>'memory_percent')::double precision)
				FROM metrics m WHERE m.agent_id = $1 AND m.timestamp >= $2), 0),
			COALESCE((SELECT AVG((m.disk->>'disk_percent')::double precision)
				FROM metrics m WHERE m.agent_id = $1 AND m.timestamp >= $2), 0),
			COALESCE((SELECT AVG((m.network->>'bytes_sent')::double precision) / 1048576.0
				FROM metrics m WHERE m.agent_id = $1 AND m.timestamp >= $2), 0),
			COALESCE((SELECT AVG((m.network->>'bytes_recv')::double precision) / 1048576.0
				FROM metrics m WHERE m.agent_id = $1 AND m.timestamp >= $2), 0),
			COALESCE((SELECT AVG((m.process->>'process_count')::double precision)
				FROM metrics m WHERE m.agent_id = $1 AND m.timestamp >= $2), 0),
			COALESCE((SELECT MAX(p.cpu_percent)
				FROM processes_history p WHERE p.agent_id = $1 AND p.collected_at >= $2), 0),
			COALESCE((SELECT MAX(p.memory_percent)
				FROM processes_history p WHERE p.agent_id = $1 AND p.collected_at >= $2), 0),
			(SELECT COUNT(*)::double precision FROM commands c WHERE c.agent_id = $1 AND c.timestamp >= $2),
			(SELECT COUNT(*)::double precision FROM commands c WHERE c.agent_id = $1 AND c.timestamp >= $2
				AND c.command LIKE 'sudo %'),
			(SELECT COUNT(*)::double precision FROM logs l WHERE l.agent_id = $1 AND l.timestamp >= $2),
			(SELECT COUNT(*)::double precision FROM logs l WHERE l.agent_id = $1 AND l.timestamp >= $2
				AND (l.message ILIKE '%error%' OR l.message ILIKE '%fail%'))`,
		agentID, since).Scan(
		&a.CPUPercent, &a.MemoryPercent, &a.DiskPercent,
		&a.NetworkMBSent, &a.NetworkMBRecv, &a.ProcessCount,
		&a.MaxProcessCPU, &a.MaxProcessMemory,
		&a.CommandCount, &a.SudoCount, &a.LogCount, &a.ErrorCount)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	return &a, nil
}
