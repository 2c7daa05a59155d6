package store

import (
	"context"
	"time"

	"github.com/aegis-siem/aegis/internal/errors"
)

// Probe queries back the correlation rules. Each returns suspect groups
// found in the log and metric streams since the given cutoff; thresholds
// are applied in SQL so only firing groups cross the wire.

// failedLoginCTE extracts the attacker address from sshd failure lines.
// Lines without a parseable address are kept under 'unknown' so they
// still count toward per-host thresholds.
const failedLoginCTE = `
	WITH failures AS (
		SELECT d.hostname,
		       l.agent_id,
		       l.timestamp,
		       l.message,
		       COALESCE(substring(l.message FROM 'from ([0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3})'), 'unknown') AS source_ip
		FROM logs l
		JOIN devices d ON d.hostname = l.host
		WHERE l.timestamp >= $1
		  AND (l.message LIKE '%Failed password%'
		       OR (l.message LIKE '%authentication failure%' AND l.message LIKE '%sshd%'))
	)`

// FailedLoginGroup is one (host, source address) cluster of SSH failures.
type FailedLoginGroup struct {
	Hostname       string
	AgentID        string
	SourceIP       string
	FailureCount   int
	FirstAttempt   time.Time
	LastAttempt    time.Time
	SampleMessages []string
}

// FailedLoginGroups finds hosts hammered by repeated SSH failures from a
// single address since the cutoff.
func (s *Store) FailedLoginGroups(ctx context.Context, since time.Time, threshold int) ([]FailedLoginGroup, error) {
	const op = "store.failed_login_groups"

	rows, err := s.query(ctx, failedLoginCTE+`
		SELECT hostname, agent_id, source_ip,
		       COUNT(*) AS failure_count,
		       MIN(timestamp) AS first_attempt,
		       MAX(timestamp) AS last_attempt,
		       (array_agg(message ORDER BY timestamp DESC))[1:3] AS sample_messages
		FROM failures
		GROUP BY hostname, agent_id, source_ip
		HAVING COUNT(*) >= $2
		ORDER BY failure_count DESC`, since, threshold)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var groups []FailedLoginGroup
	for rows.Next() {
		var g FailedLoginGroup
		if err := rows.Scan(&g.Hostname, &g.AgentID, &g.SourceIP, &g.FailureCount,
			&g.FirstAttempt, &g.LastAttempt, &g.SampleMessages); err != nil {
			return nil, errors.Transient(op, err)
		}
		groups = append(groups, g)
	}
	return groups, errors.Transient(op, rows.Err())
}

// DistributedFailedLogin is one source address probing several devices.
type DistributedFailedLogin struct {
	SourceIP     string
	DeviceCount  int
	FailureCount int
	Hostnames    []string
	FirstAttempt time.Time
	LastAttempt  time.Time
}

// DistributedFailedLogins finds addresses with SSH failures against at
// least minDevices distinct devices since the cutoff. Lines without a
// parseable address cannot be tied across devices and are skipped.
func (s *Store) DistributedFailedLogins(ctx context.Context, since time.Time, minDevices int) ([]DistributedFailedLogin, error) {
	const op = "store.distributed_failed_logins"

	rows, err := s.query(ctx, failedLoginCTE+`
		SELECT source_ip,
		       COUNT(DISTINCT agent_id) AS device_count,
		       COUNT(*) AS failure_count,
		       array_agg(DISTINCT hostname) AS hostnames,
		       MIN(timestamp) AS first_attempt,
		       MAX(timestamp) AS last_attempt
		FROM failures
		WHERE source_ip != 'unknown'
		GROUP BY source_ip
		HAVING COUNT(DISTINCT agent_id) >= $2
		ORDER BY device_count DESC`, since, minDevices)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var groups []DistributedFailedLogin
	for rows.Next() {
		var g DistributedFailedLogin
		if err := rows.Scan(&g.SourceIP, &g.DeviceCount, &g.FailureCount,
			&g.Hostnames, &g.FirstAttempt, &g.LastAttempt); err != nil {
			return nil, errors.Transient(op, err)
		}
		groups = append(groups, g)
	}
	return groups, errors.Transient(op, rows.Err())
}

// PrivilegeEscalationGroup is one device with repeated sudo or su
// authentication failures.
type PrivilegeEscalationGroup struct {
	AgentID        string
	Hostname       string
	AttemptCount   int
	FirstAttempt   time.Time
	LastAttempt    time.Time
	SampleMessages []string
}

// FailedPrivilegeEscalations finds devices with at least threshold
// failed sudo/su attempts since the cutoff.
func (s *Store) FailedPrivilegeEscalations(ctx context.Context, since time.Time, threshold int) ([]PrivilegeEscalationGroup, error) {
	const op = "store.failed_privilege_escalations"

	rows, err := s.query(ctx, `
		WITH attempts AS (
			SELECT l.agent_id, d.hostname, l.timestamp, l.message
			FROM logs l
			JOIN devices d ON d.agent_id = l.agent_id
			WHERE l.timestamp >= $1
			  AND ((l.message LIKE '%sudo%' AND (l.message LIKE '%authentication failure%' OR l.message LIKE '%incorrect password%'))
			       OR l.message LIKE '%FAILED SU%'
			       OR (l.message LIKE '%su[%' AND l.message LIKE '%authentication failure%'))
		)
		SELECT agent_id, hostname,
		       COUNT(*) AS attempt_count,
		       MIN(timestamp) AS first_attempt,
		       MAX(timestamp) AS last_attempt,
		       (array_agg(message ORDER BY timestamp DESC))[1:3] AS sample_messages
		FROM attempts
		GROUP BY agent_id, hostname
		HAVING COUNT(*) >= $2
		ORDER BY attempt_count DESC`, since, threshold)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var groups []PrivilegeEscalationGroup
	for rows.Next() {
		var g PrivilegeEscalationGroup
		if err := rows.Scan(&g.AgentID, &g.Hostname, &g.AttemptCount,
			&g.FirstAttempt, &g.LastAttempt, &g.SampleMessages); err != nil {
			return nil, errors.Transient(op, err)
		}
		groups = append(groups, g)
	}
	return groups, errors.Transient(op, rows.Err())
}

// PortScanGroup is one source address sweeping ports on one device,
// reconstructed from firewall drop lines.
type PortScanGroup struct {
	AgentID     string
	Hostname    string
	SourceIP    string
	PortCount   int
	PacketCount int
	FirstSeen   time.Time
	LastSeen    time.Time
}

// PortScanGroups finds (device, source address) pairs whose firewall
// drops cover at least minPorts distinct destination ports since the
// cutoff. Matches netfilter LOG output (SRC= / DPT= key-value pairs).
func (s *Store) PortScanGroups(ctx context.Context, since time.Time, minPorts int) ([]PortScanGroup, error) {
	const op = "store.port_scan_groups"

	rows, err := s.query(ctx, `
		WITH drops AS (
			SELECT l.agent_id, d.hostname, l.timestamp,
			       substring(l.message FROM 'SRC=([0-9a-fA-F.:]+)') AS source_ip,
			       substring(l.message FROM 'DPT=([0-9]+)') AS dest_port
			FROM logs l
			JOIN devices d ON d.agent_id = l.agent_id
			WHERE l.timestamp >= $1
			  AND l.message LIKE '%SRC=%' AND l.message LIKE '%DPT=%'
		)
		SELECT agent_id, hostname, source_ip,
		       COUNT(DISTINCT dest_port) AS port_count,
		       COUNT(*) AS packet_count,
		       MIN(timestamp) AS first_seen,
		       MAX(timestamp) AS last_seen
		FROM drops
		WHERE source_ip IS NOT NULL AND dest_port IS NOT NULL
		GROUP BY agent_id, hostname, source_ip
		HAVING COUNT(DISTINCT dest_port) >= $2
		ORDER BY port_count DESC`, since, minPorts)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var groups []PortScanGroup
	for rows.Next() {
		var g PortScanGroup
		if err := rows.Scan(&g.AgentID, &g.Hostname, &g.SourceIP, &g.PortCount,
			&g.PacketCount, &g.FirstSeen, &g.LastSeen); err != nil {
			return nil, errors.Transient(op, err)
		}
		groups = append(groups, g)
	}
	return groups, errors.Transient(op, rows.Err())
}

// ResourceSpike is one device whose CPU peaked above the threshold.
type ResourceSpike struct {
	AgentID    string
	Hostname   string
	PeakCPU    float64
	PeakMemory float64
}

// ResourceSpikes finds devices whose peak CPU since the cutoff reached
// the threshold percentage. The correlator treats two or more spiking
// devices in one window as coordinated.
func (s *Store) ResourceSpikes(ctx context.Context, since time.Time, threshold float64) ([]ResourceSpike, error) {
	const op = "store.resource_spikes"

	rows, err := s.query(ctx, `
		SELECT m.agent_id, d.hostname,
		       MAX((m.cpu->>'cpu_percent')::double precision) AS peak_cpu,
		       COALESCE(MAX((m.memory->>'memory_percent')::double precision), 0) AS peak_memory
		FROM metrics m
		JOIN devices d ON d.agent_id = m.agent_id
		WHERE m.timestamp >= $1
		GROUP BY m.agent_id, d.hostname
		HAVING MAX((m.cpu->>'cpu_percent')::double precision) >= $2
		ORDER BY peak_cpu DESC`, since, threshold)
	if err != nil {
		return nil, errors.Transient(op, err)
	}
	defer rows.Close()

	var spikes []ResourceSpike
	for rows.Next() {
		var sp ResourceSpike
		if err := rows.Scan(&sp.AgentID, &sp.Hostname, &sp.PeakCPU, &sp.PeakMemory); err != nil {
			return nil, errors.Transient(op, err)
		}
		spikes = append(spikes, sp)
	}
	return spikes, errors.Transient(op, rows.Err())
}
